// Package unit implements the Cognitive Unit (C1): the typed per-layer
// state machine and its process/learn/introspect/reset contract (spec
// section 4.1). A Unit exclusively owns its state; nothing outside the
// actor wrapping it is allowed to mutate that state directly.
package unit

import (
	"context"

	"github.com/2lab-ai/hal9/core/hal9"
)

// Input is one activation handed to Process by the Router.
type Input struct {
	Payload []byte
	Context map[string]any
}

// Unit is the capability set every layer variant implements.
// Implementations must be safe to call only from the goroutine holding the
// wrapping Actor's mailbox lock; Actor is what gives callers the "at most
// one activation at a time" guarantee.
type Unit interface {
	// Process consumes one activation and returns its transformation.
	// Determinism is a property of the concrete variant's configuration,
	// not the interface.
	Process(ctx context.Context, in Input) (hal9.Output, error)

	// Learn integrates one gradient into the unit's parameters. May be a
	// no-op for variants with nothing to adjust.
	Learn(ctx context.Context, g hal9.Gradient) error

	// Introspect returns an immutable snapshot: metrics plus parameters.
	Introspect() hal9.UnitState

	// Reset clears per-unit transient state (working memory, caches,
	// history buffers) but never identity or layer, and never the
	// learned parameter map or accumulated metrics.
	Reset()
}

// Factory yields a Unit implementation for a layer tag. The core assigns
// the unit's id and initial layer; the factory only supplies behavior and
// starting parameters.
type Factory func(id hal9.UnitID, layer hal9.LayerTag, params map[string]float64) Unit

// DefaultFactory selects a layer variant by tag: ReflexiveUnit for L1,
// ImplementationUnit for L2, OperationalUnit for L3, a PlanningUnit for L4
// (NewTacticalUnit) and for L5 (NewStrategicUnit), and a pass-through GenericUnit for any reserved
// meta-level tag (L6+), which the core does not interpret.
func DefaultFactory(id hal9.UnitID, layer hal9.LayerTag, params map[string]float64) Unit {
	switch layer {
	case hal9.LayerReflexive:
		return NewReflexiveUnit(id, params)
	case hal9.LayerImplementation:
		return NewImplementationUnit(id, params)
	case hal9.LayerOperational:
		return NewOperationalUnit(id, params)
	case hal9.LayerTactical:
		return NewTacticalUnit(id, layer, params)
	case hal9.LayerStrategic:
		return NewStrategicUnit(id, layer, params)
	default:
		return NewGenericUnit(id, layer, params)
	}
}

// injected error context keys let tests and demos force a specific failure
// mode deterministically instead of relying on randomness, keeping
// deterministic variants replayable.
const (
	InjectKey          = "inject_error"
	InjectInvalidInput = "invalid"
	InjectInternal     = "internal"
)
