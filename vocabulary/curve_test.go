package vocabulary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZoneFor(t *testing.T) {
	tests := []struct {
		aggressiveness float64
		want           Zone
	}{
		{0, ZoneGreen},
		{0.19, ZoneGreen},
		{0.2, ZoneWatch},
		{0.49, ZoneWatch},
		{0.5, ZoneDanger},
		{0.89, ZoneDanger},
		{0.9, ZoneEmergency},
		{1.0, ZoneEmergency},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ZoneFor(tt.aggressiveness), "aggressiveness %v", tt.aggressiveness)
	}
}

func TestBezierLinear(t *testing.T) {
	linear := profiles["linear"]
	for _, x := range []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1} {
		assert.InDelta(t, x, linear.Y(x), 1e-4)
	}
}

func TestBezierEaseInOutShape(t *testing.T) {
	curve := profiles["ease-in-out"]
	assert.Less(t, curve.Y(0.25), 0.25)
	assert.InDelta(t, 0.5, curve.Y(0.5), 1e-3)
	assert.Greater(t, curve.Y(0.75), 0.75)
}

func TestProfileLookup(t *testing.T) {
	curve, err := Profile("aggressive")
	require.NoError(t, err)
	assert.Equal(t, CubicBezier{0.11, 0.84, 0.26, 1}, curve)

	_, err = Profile("wobbly")
	assert.Error(t, err)

	conservative, err := Profile("conservative")
	require.NoError(t, err)
	gentle, err := Profile("gentle")
	require.NoError(t, err)
	assert.Equal(t, gentle, conservative)
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.Error(t, Thresholds{Min: 0, Max: 90, Emergency: 200}.Validate())
	assert.Error(t, Thresholds{Min: 90, Max: 30, Emergency: 200}.Validate())
	assert.Error(t, Thresholds{Min: 30, Max: 90, Emergency: 90}.Validate())
}

func TestAggressivenessBounds(t *testing.T) {
	th := DefaultThresholds()
	linear := profiles["linear"]

	assert.Zero(t, Aggressiveness(0, th, linear))
	assert.Zero(t, Aggressiveness(30, th, linear))
	assert.Equal(t, 1.0, Aggressiveness(200, th, linear))
	assert.Equal(t, 1.0, Aggressiveness(500, th, linear))

	// At the soft max the ramp tops out at 0.7; the overage band climbs
	// from there to 1.0.
	assert.InDelta(t, 0.7, Aggressiveness(90, th, linear), 1e-6)
	assert.Greater(t, Aggressiveness(91, th, linear), 0.7)
	assert.Less(t, Aggressiveness(199, th, linear), 1.0)
}

func TestAggressivenessMonotonic(t *testing.T) {
	th := DefaultThresholds()
	for _, name := range []string{"linear", "ease-in-out", "aggressive", "gentle"} {
		curve := profiles[name]
		prev := 0.0
		for size := th.Min; size <= th.Emergency; size++ {
			got := Aggressiveness(size, th, curve)
			require.GreaterOrEqual(t, got, prev, "profile %s size %d", name, size)
			prev = got
		}
	}
}

func TestValueScore(t *testing.T) {
	assert.Zero(t, ValueScore(TypeUsage{}))
	assert.Equal(t, 3.0, ValueScore(TypeUsage{EdgeCount: 3}))

	got := ValueScore(TypeUsage{EdgeCount: 2, AvgTraversal: 50, BridgeCount: 5, UsageTrend: 2})
	assert.InDelta(t, 2.0+0.25+0.15+0.4, got, 1e-9)

	// Declining usage does not subtract
	assert.Equal(t, 1.0, ValueScore(TypeUsage{EdgeCount: 1, UsageTrend: -5}))
}
