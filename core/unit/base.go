package unit

import (
	"sync"
	"time"

	"github.com/2lab-ai/hal9/core/hal9"
)

// base is the shared state every layer variant embeds: identity, layer tag,
// the parameter map, and metrics counters. It is never exposed directly;
// variants serialize access through it under their own lock, since a Unit
// is only ever driven by the single goroutine holding its Actor's mailbox,
// but introspection and Reset can race with that goroutine returning, so
// base still takes its own mutex rather than assuming external exclusion.
type base struct {
	mu     sync.Mutex
	id     hal9.UnitID
	layer  hal9.LayerTag
	params map[string]float64

	metrics      hal9.UnitMetrics
	processTotal time.Duration
}

func newBase(id hal9.UnitID, layer hal9.LayerTag, params map[string]float64) base {
	p := make(map[string]float64, len(params))
	for k, v := range params {
		p[k] = v
	}
	return base{id: id, layer: layer, params: p}
}

func (b *base) param(name string, def float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.params[name]; ok {
		return v
	}
	return def
}

// recordSuccess updates the activations/timing counters after a successful
// Process call. Errors only bump the error counter: after a failed call
// the unit introspects as if the call never happened.
func (b *base) recordSuccess(elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.ActivationsProcessed++
	b.processTotal += elapsed
	b.metrics.AvgProcessingTime = b.processTotal / time.Duration(b.metrics.ActivationsProcessed)
}

func (b *base) recordError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.Errors++
}

func (b *base) recordLearn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.LearnIterations++
}

// applyDelta merges a gradient's direction vector into named parameters.
// Parameters not named by paramNames are left untouched. This is the one
// assignment point through which Learn commits state, so a unit never
// shows a partially-applied batch: callers compute the full new value
// first and call applyDelta once.
func (b *base) applyDelta(paramNames []string, direction []float64, scale float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, name := range paramNames {
		if i >= len(direction) {
			break
		}
		b.params[name] -= direction[i] * scale
	}
}

func (b *base) introspect() hal9.UnitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	params := make(map[string]float64, len(b.params))
	for k, v := range b.params {
		params[k] = v
	}
	return hal9.UnitState{
		ID:      b.id,
		Layer:   b.layer,
		Params:  params,
		Metrics: b.metrics,
	}
}

// validateInput is the shared UnitInvalidInput / UnitInternal injection
// check every variant runs first in Process (see unit.go InjectKey docs).
func validateInput(in Input) error {
	switch in.Context[InjectKey] {
	case InjectInvalidInput:
		return hal9.ErrUnitInvalidInput
	case InjectInternal:
		return hal9.ErrUnitInternal
	}
	if len(in.Payload) == 0 {
		return hal9.ErrUnitInvalidInput
	}
	return nil
}
