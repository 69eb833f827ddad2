package vocabulary

import "math"

// Weights for the relationship-type value score. Edge count dominates;
// traversal, bridging, and usage trend refine it when telemetry exists.
const (
	edgeWeight      = 1.0
	traversalWeight = 0.5
	bridgeWeight    = 0.3
	trendWeight     = 0.2

	// LowValueThreshold marks types worth pruning under pressure.
	LowValueThreshold = 1.0
)

// TypeUsage aggregates the signals behind a type's value score.
type TypeUsage struct {
	EdgeCount    int
	AvgTraversal float64
	BridgeCount  int
	UsageTrend   float64
}

// ValueScore rates how much a relationship type contributes to the graph.
// A type with no edges and no traffic scores zero and is prunable.
func ValueScore(u TypeUsage) float64 {
	return float64(u.EdgeCount)*edgeWeight +
		u.AvgTraversal/100*traversalWeight +
		float64(u.BridgeCount)/10*bridgeWeight +
		math.Max(0, u.UsageTrend)*trendWeight
}
