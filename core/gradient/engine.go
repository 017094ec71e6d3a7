// Package gradient implements C4: per-unit accumulation of error
// gradients, batched averaging, and reverse-path application with a
// decaying learning rate.
package gradient

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/2lab-ai/hal9/core/hal9"
)

// Learner is how the engine reaches unit actors: Learn routes one gradient
// through the unit's mailbox, so batch application shares the per-unit
// serialization that Process uses.
type Learner interface {
	Learn(ctx context.Context, id hal9.UnitID, g hal9.Gradient) error
}

// Interactions is the slice of Topology the engine updates while walking a
// reverse path.
type Interactions interface {
	RecordInteraction(a, b hal9.UnitID, success bool) error
}

// PathLookup resolves a signal id to the ordered unit list the Router
// recorded during forward propagation.
type PathLookup func(sig hal9.SignalID) ([]hal9.UnitID, bool)

type bucket struct {
	grads []hal9.Gradient
	timer *time.Timer
}

// Engine accumulates gradients per originating unit and flushes a bucket
// when it reaches the batch size or the flush timer fires; both paths
// converge on the same flush, so there is exactly one way a batch applies.
type Engine struct {
	cfg     hal9.Config
	learner Learner
	topo    Interactions
	paths   PathLookup
	bus     *hal9.Bus

	mu      sync.Mutex
	buckets map[hal9.UnitID]*bucket
	closed  bool
}

// New wires the engine. paths comes from the Router (it owns the traversal
// record); learner and topo come from the engine wiring.
func New(cfg hal9.Config, learner Learner, topo Interactions, paths PathLookup, bus *hal9.Bus) *Engine {
	return &Engine{
		cfg:     cfg,
		learner: learner,
		topo:    topo,
		paths:   paths,
		bus:     bus,
		buckets: make(map[hal9.UnitID]*bucket),
	}
}

// Accept places the gradient in its originating unit's bucket. Reaching
// the batch size flushes synchronously on the caller's goroutine; a
// younger bucket flushes when its timer fires.
func (e *Engine) Accept(g hal9.Gradient) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	b, ok := e.buckets[g.Origin]
	if !ok {
		b = &bucket{}
		origin := g.Origin
		b.timer = time.AfterFunc(e.cfg.FlushInterval, func() { e.flush(origin) })
		e.buckets[g.Origin] = b
	}
	b.grads = append(b.grads, g)
	full := len(b.grads) >= e.cfg.BatchSize
	e.mu.Unlock()

	if full {
		e.flush(g.Origin)
	}
}

// Flush applies every pending bucket; used on shutdown so accumulated
// error is not silently discarded.
func (e *Engine) Flush() {
	e.mu.Lock()
	origins := make([]hal9.UnitID, 0, len(e.buckets))
	for origin := range e.buckets {
		origins = append(origins, origin)
	}
	e.mu.Unlock()
	for _, origin := range origins {
		e.flush(origin)
	}
}

// Close stops accepting gradients and applies what is pending.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.Flush()
}

// flush takes the bucket out under the lock, averages it, and applies the
// averaged gradient along the reverse traversal path. The bucket is
// discarded regardless of partial Learn failures.
func (e *Engine) flush(origin hal9.UnitID) {
	e.mu.Lock()
	b, ok := e.buckets[origin]
	if !ok || len(b.grads) == 0 {
		if ok {
			b.timer.Stop()
			delete(e.buckets, origin)
		}
		e.mu.Unlock()
		return
	}
	b.timer.Stop()
	delete(e.buckets, origin)
	grads := b.grads
	e.mu.Unlock()

	avg := average(grads)
	e.apply(origin, avg)
}

// average computes the batch gradient: componentwise mean of the direction
// vectors (shorter vectors padded with zeros), mean of magnitudes, and the
// most recent gradient's signal linkage and learning context, with the
// batch size stamped to the number of accumulated steps.
func average(grads []hal9.Gradient) hal9.Gradient {
	maxLen := 0
	for _, g := range grads {
		if len(g.Direction) > maxLen {
			maxLen = len(g.Direction)
		}
	}
	dir := make([]float64, maxLen)
	var mag float64
	for _, g := range grads {
		padded := make([]float64, maxLen)
		copy(padded, g.Direction)
		floats.Add(dir, padded)
		mag += g.Magnitude
	}
	n := float64(len(grads))
	floats.Scale(1/n, dir)

	last := grads[len(grads)-1]
	avg := last
	avg.ID = hal9.NewGradientID()
	avg.Magnitude = mag / n
	avg.Direction = dir
	avg.Context.BatchSize = len(grads)
	return avg
}

// apply walks the recorded traversal path backward from the originating
// unit, invoking Learn with the averaged gradient scaled by
// learning_rate * adjustment_decay^d, d being the distance from the
// origin, halting beyond max_gradient_depth. Each traversed pair also
// feeds Topology.RecordInteraction; the interaction counts as a success
// when the batch magnitude stayed below 0.5.
func (e *Engine) apply(origin hal9.UnitID, g hal9.Gradient) {
	path, ok := e.paths(g.Signal)
	if !ok {
		// Retention expired: the origin still learns, the path does not.
		path = []hal9.UnitID{origin}
	}

	// Locate the origin's last occurrence; everything before it is the
	// reverse walk.
	start := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == origin {
			start = i
			break
		}
	}
	if start < 0 {
		path = append(path, origin)
		start = len(path) - 1
	}

	ctx := context.Background()
	success := g.Magnitude < 0.5
	prev := hal9.UnitID{}
	for d := 0; start-d >= 0 && d <= e.cfg.MaxGradientDepth; d++ {
		target := path[start-d]
		scaled := g.Scale(e.cfg.LearningRate * math.Pow(e.cfg.AdjustmentDecay, float64(d)))
		if err := e.learner.Learn(ctx, target, scaled); err != nil {
			// Recorded and skipped; the walk continues and the batch is
			// never retried.
			slog.Warn("learn failed", "unit", target, "err", err)
			e.publish(hal9.EventSignalDropped, map[string]any{
				"unit":   target.String(),
				"reason": "learn-failed",
			})
		} else {
			e.publish(hal9.EventGradientApplied, map[string]any{
				"unit":      target.String(),
				"magnitude": scaled.Magnitude,
				"depth":     d,
				"batch":     g.Context.BatchSize,
			})
		}
		if d > 0 {
			if err := e.topo.RecordInteraction(prev, target, success); err != nil {
				slog.Debug("interaction unrecorded", "from", prev, "to", target, "err", err)
			}
		}
		prev = target
	}
}

func (e *Engine) publish(kind hal9.EventKind, payload map[string]any) {
	e.bus.Publish(hal9.ObservationRecord{
		Timestamp: time.Now(),
		Source:    "gradient",
		Kind:      kind,
		Payload:   payload,
	})
}
