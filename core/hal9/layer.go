// Package hal9 holds the types shared by every component of the hierarchical
// cognitive runtime: layer tags, configuration, error kinds, and the plain
// data types (Signal, Gradient, ObservationRecord, ...) that flow between
// core/unit, core/topology, core/router, core/gradient, core/selforganize,
// and core/observer.
package hal9

import "fmt"

// LayerTag identifies which layer a Unit belongs to. L1 is the lowest,
// fastest, most reflexive layer; L5 is the highest, slowest, most
// strategic. Tags at or above LayerMetaBase are reserved meta-levels: the
// core passes them through (depth ordering still applies) but never
// interprets what they mean.
type LayerTag int

const (
	LayerReflexive LayerTag = iota + 1
	LayerImplementation
	LayerOperational
	LayerTactical
	LayerStrategic
)

// LayerMetaBase is the first reserved meta-level tag (L6). Callers may use
// LayerMetaBase, LayerMetaBase+1, ... for meta-levels beyond L5.
const LayerMetaBase LayerTag = 6

// Depth returns the integer depth used by the adjacency rule: two units may
// be connected only if their depths differ by at most one.
func (l LayerTag) Depth() int {
	return int(l)
}

func (l LayerTag) String() string {
	switch l {
	case LayerReflexive:
		return "L1-Reflexive"
	case LayerImplementation:
		return "L2-Implementation"
	case LayerOperational:
		return "L3-Operational"
	case LayerTactical:
		return "L4-Tactical"
	case LayerStrategic:
		return "L5-Strategic"
	}
	if l >= LayerMetaBase {
		return fmt.Sprintf("L%d-Meta", int(l))
	}
	return fmt.Sprintf("L%d-Unknown", int(l))
}

// AdjacentDepth reports whether depths a and b satisfy the ±1 adjacency
// rule.
func AdjacentDepth(a, b LayerTag) bool {
	d := a.Depth() - b.Depth()
	if d < 0 {
		d = -d
	}
	return d <= 1
}
