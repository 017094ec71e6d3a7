package selforganize

import (
	"math"

	"github.com/2lab-ai/hal9/core/hal9"
)

// Energy weights: cluster separation 1.0, hierarchy-depth inverse 0.8,
// mean-connectivity deviation from the target degree 0.5. Lower energy is
// a better-organized topology; the annealing step accepts a perturbation
// when it lowers energy, or per the Metropolis criterion otherwise.
const (
	weightSeparation   = 1.0
	weightHierarchy    = 0.8
	weightConnectivity = 0.5
	targetConnectivity = 10.0
	annealTemperature  = 1.0
)

// energy scores a snapshot. Separation cost is the mean strength of edges
// crossing cluster boundaries (strong inter-cluster edges mean the
// clustering is blurry). Hierarchy cost is the inverse of how many
// distinct layers the units span. Connectivity cost is the normalized
// deviation of mean out-degree from the target.
func energy(snap hal9.TopologySnapshot, clusters []Cluster) float64 {
	root := make(map[hal9.UnitID]int, len(snap.Units))
	for i, c := range clusters {
		for _, id := range c.Units {
			root[id] = i
		}
	}

	var crossTotal float64
	crossCount := 0
	for _, e := range snap.Edges {
		if root[e.Source] != root[e.Target] {
			crossTotal += e.Strength
			crossCount++
		}
	}
	separation := 0.0
	if crossCount > 0 {
		separation = crossTotal / float64(crossCount)
	}

	layers := make(map[hal9.LayerTag]struct{})
	for _, u := range snap.Units {
		layers[u.Layer] = struct{}{}
	}
	hierarchy := 0.0
	if len(layers) > 0 {
		hierarchy = 1 / float64(len(layers))
	}

	connectivity := 0.0
	if len(snap.Units) > 0 {
		mean := float64(len(snap.Edges)) / float64(len(snap.Units))
		connectivity = math.Abs(mean-targetConnectivity) / targetConnectivity
	}

	return weightSeparation*separation + weightHierarchy*hierarchy + weightConnectivity*connectivity
}
