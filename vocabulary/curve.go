// Package vocabulary maintains the canonical relationship-type registry:
// resolution during ingestion, synonym redirects, zone-based consolidation
// pressure, and merge execution that preserves edge provenance.
package vocabulary

import (
	"fmt"
	"math"
)

// Zone describes how much consolidation pressure the vocabulary is under.
type Zone string

const (
	ZoneGreen     Zone = "GREEN"
	ZoneWatch     Zone = "WATCH"
	ZoneDanger    Zone = "DANGER"
	ZoneEmergency Zone = "EMERGENCY"
)

// ZoneFor maps an aggressiveness value onto a zone.
func ZoneFor(aggressiveness float64) Zone {
	switch {
	case aggressiveness < 0.2:
		return ZoneGreen
	case aggressiveness < 0.5:
		return ZoneWatch
	case aggressiveness < 0.9:
		return ZoneDanger
	default:
		return ZoneEmergency
	}
}

// CubicBezier is a unit-interval easing curve with control points
// (X1,Y1) and (X2,Y2), anchored at (0,0) and (1,1).
type CubicBezier struct {
	X1, Y1, X2, Y2 float64
}

// Named aggressiveness profiles. Conservative and balanced are aliases
// kept for configuration compatibility.
var profiles = map[string]CubicBezier{
	"linear":      {0, 0, 1, 1},
	"ease":        {0.25, 0.1, 0.25, 1},
	"ease-in":     {0.42, 0, 1, 1},
	"ease-out":    {0, 0, 0.58, 1},
	"ease-in-out": {0.42, 0, 0.58, 1},
	"aggressive":  {0.11, 0.84, 0.26, 1},
	"gentle":      {0.65, 0, 0.86, 0.28},
	"exponential": {0.95, 0.05, 0.8, 0.04},

	"conservative": {0.65, 0, 0.86, 0.28},
	"balanced":     {0.42, 0, 0.58, 1},
}

// Profile looks up a named easing curve.
func Profile(name string) (CubicBezier, error) {
	curve, ok := profiles[name]
	if !ok {
		return CubicBezier{}, fmt.Errorf("unknown aggressiveness profile %q", name)
	}
	return curve, nil
}

// ProfileNames lists the accepted profile names.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	return names
}

// bezierAxis evaluates one axis of the curve at parameter t.
func bezierAxis(t, p1, p2 float64) float64 {
	u := 1 - t
	return 3*u*u*t*p1 + 3*u*t*t*p2 + t*t*t
}

// bezierAxisDeriv is the derivative of bezierAxis with respect to t.
func bezierAxisDeriv(t, p1, p2 float64) float64 {
	u := 1 - t
	return 3*u*u*p1 + 6*u*t*(p2-p1) + 3*t*t*(1-p2)
}

// Y returns the curve value at horizontal position x, solving the curve's
// parameter by Newton-Raphson with a bisection fallback.
func (c CubicBezier) Y(x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}

	t := x
	for i := 0; i < 8; i++ {
		diff := bezierAxis(t, c.X1, c.X2) - x
		if math.Abs(diff) < 1e-7 {
			return clamp01(bezierAxis(t, c.Y1, c.Y2))
		}
		deriv := bezierAxisDeriv(t, c.X1, c.X2)
		if math.Abs(deriv) < 1e-7 {
			break
		}
		t -= diff / deriv
	}

	// Newton stalled; bisect
	lo, hi := 0.0, 1.0
	t = x
	for i := 0; i < 32; i++ {
		got := bezierAxis(t, c.X1, c.X2)
		if math.Abs(got-x) < 1e-7 {
			break
		}
		if got < x {
			lo = t
		} else {
			hi = t
		}
		t = (lo + hi) / 2
	}
	return clamp01(bezierAxis(t, c.Y1, c.Y2))
}

// Thresholds bound the vocabulary size.
type Thresholds struct {
	Min       int `yaml:"min"`
	Max       int `yaml:"max"`
	Emergency int `yaml:"emergency"`
}

// DefaultThresholds returns the standard size bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{Min: 30, Max: 90, Emergency: 200}
}

// Validate rejects inconsistent bounds.
func (t Thresholds) Validate() error {
	if t.Min <= 0 || t.Max <= t.Min || t.Emergency <= t.Max {
		return fmt.Errorf("thresholds must satisfy 0 < min < max < emergency: min=%d max=%d emergency=%d",
			t.Min, t.Max, t.Emergency)
	}
	return nil
}

// Aggressiveness computes the consolidation pressure for a vocabulary of
// the given size. The curve shapes the ramp between min and the soft max;
// beyond max the value blends linearly up to 1.0 at the emergency size.
func Aggressiveness(size int, th Thresholds, curve CubicBezier) float64 {
	switch {
	case size <= th.Min:
		return 0
	case size >= th.Emergency:
		return 1
	case size > th.Max:
		overage := float64(size-th.Max) / float64(th.Emergency-th.Max)
		return 0.7 + 0.3*overage
	default:
		pos := float64(size-th.Min) / float64(th.Max-th.Min)
		return 0.7 * curve.Y(pos)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
