// Package router implements C3: forward propagation of activations through
// topology edges, wave by wave, with backpressure, deadlines, and
// cancellation. A signal's traversal is recorded so gradients synthesized
// along the way can walk it backward.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/2lab-ai/hal9/core/hal9"
	"github.com/2lab-ai/hal9/core/topology"
	"github.com/2lab-ai/hal9/core/unit"
)

// Units is how the Router reaches unit actors without depending on the
// engine: Deliver routes one activation through the unit's bounded mailbox
// and blocks until the unit replies or ctx is done.
type Units interface {
	Deliver(ctx context.Context, id hal9.UnitID, in unit.Input) (hal9.Output, error)
}

// GradientSink receives the gradients the Router synthesizes from failures
// and confidence deltas.
type GradientSink interface {
	Accept(g hal9.Gradient)
}

// errorPenalty is added to the synthesized gradient magnitude when a unit
// fails outright rather than merely reporting low confidence.
const errorPenalty = 0.5

// Router drives forward propagation. Submit returns immediately; each
// signal propagates on its own goroutine, gated by a worker-pool semaphore
// sized to available cores. Waves within a signal are barriers: wave n+1
// does not start until every per-target Process of wave n returned.
type Router struct {
	cfg   hal9.Config
	topo  *topology.Topology
	units Units
	sink  GradientSink
	bus   *hal9.Bus

	paths *pathStore
	sem   *semaphore.Weighted

	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	stopped  atomic.Bool
	seq      atomic.Uint64
}

// New builds a router. The gradient sink may be nil during wiring and set
// later with SetSink (engine construction order: router before gradient
// engine, because the gradient engine needs the router's path store).
func New(cfg hal9.Config, topo *topology.Topology, units Units, bus *hal9.Bus) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	workers := int64(runtime.GOMAXPROCS(0))
	if workers < 2 {
		workers = 2
	}
	return &Router{
		cfg:     cfg,
		topo:    topo,
		units:   units,
		bus:     bus,
		paths:   newPathStore(cfg.GradientPathTTL, cfg.GradientPathCapacity),
		sem:     semaphore.NewWeighted(workers),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// SetSink wires the gradient engine in after construction.
func (r *Router) SetSink(sink GradientSink) { r.sink = sink }

// PathLookup exposes the traversal path store to the Gradient Engine.
func (r *Router) PathLookup(sig hal9.SignalID) ([]hal9.UnitID, bool) {
	return r.paths.Lookup(sig)
}

// Submit accepts a signal, stamps an id, and returns immediately;
// propagation happens asynchronously. The sequence number stamped into the
// signal context keeps submission order observable even though ids are
// random uuids.
func (r *Router) Submit(sig hal9.Signal) (hal9.SignalID, error) {
	if r.stopped.Load() {
		return hal9.SignalID{}, context.Canceled
	}
	if sig.ID == (hal9.SignalID{}) {
		sig.ID = hal9.NewSignalID()
	}
	if sig.SentAt.IsZero() {
		sig.SentAt = time.Now()
	}
	seq := r.seq.Add(1)
	r.publish(hal9.EventSignalSent, map[string]any{
		"signal": sig.ID.String(),
		"seq":    seq,
		"source": sig.Source,
	})

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		r.propagate(sig)
	}()
	return sig.ID, nil
}

// Drain blocks until in-flight signals finish or the grace period ends,
// then cancels whatever is left. No new signals are accepted after Drain.
func (r *Router) Drain(grace time.Duration) {
	r.stopped.Store(true)
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		r.cancel()
		<-done
	}
}

// wave entries pair a target unit with the payload it should receive (the
// upstream unit's output payload, or the submitted payload for wave zero).
type hop struct {
	unit    hal9.UnitID
	payload []byte
}

func (r *Router) propagate(sig hal9.Signal) {
	ctx := r.baseCtx
	var cancel context.CancelFunc
	if sig.HasDeadline() {
		ctx, cancel = context.WithDeadline(ctx, sig.Deadline)
		defer cancel()
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.drop(sig.ID, "deadline")
		return
	}
	defer r.sem.Release(1)

	wave, err := r.initialWave(sig)
	if err != nil {
		r.drop(sig.ID, "no-target")
		return
	}

	processed := 0
	for len(wave) > 0 {
		if ctx.Err() != nil {
			r.drop(sig.ID, "deadline")
			return
		}
		next, ok := r.runWave(ctx, sig, wave)
		if ctx.Err() != nil {
			r.drop(sig.ID, "deadline")
			return
		}
		processed += ok
		wave = next
	}

	// A signal every branch of which was dropped has no completion to
	// report; its branch drops are its terminal observations.
	if processed == 0 {
		return
	}
	r.publish(hal9.EventSignalComplete, map[string]any{
		"signal":       sig.ID.String(),
		"participants": processed,
	})
}

// initialWave resolves the submitted target: one explicit unit, or every
// unit currently in the named layer.
func (r *Router) initialWave(sig hal9.Signal) ([]hop, error) {
	if sig.Target.ByLayer {
		ids := r.topo.UnitsInLayer(sig.Target.Layer)
		if len(ids) == 0 {
			return nil, hal9.ErrUnitNotFound
		}
		wave := make([]hop, 0, len(ids))
		for _, id := range ids {
			wave = append(wave, hop{unit: id, payload: sig.Payload})
		}
		return wave, nil
	}
	if _, ok := r.topo.Layer(sig.Target.Unit); !ok {
		return nil, hal9.ErrUnitNotFound
	}
	return []hop{{unit: sig.Target.Unit, payload: sig.Payload}}, nil
}

// runWave delivers the wave to every target concurrently and collects the
// next wave plus the count of successful process calls. The errgroup Wait
// is the inter-wave barrier; per-target failures never cancel siblings
// (partial delivery is the norm), so the goroutines always return nil.
func (r *Router) runWave(ctx context.Context, sig hal9.Signal, wave []hop) ([]hop, int) {
	var (
		mu   sync.Mutex
		next []hop
		ok   int
		seen = make(map[hal9.UnitID]struct{}, len(wave))
	)

	g, wctx := errgroup.WithContext(ctx)
	for _, h := range wave {
		h := h
		g.Go(func() error {
			out, err := r.units.Deliver(wctx, h.unit, unit.Input{Payload: h.payload, Context: sig.Context})
			if err != nil {
				r.handleUnitError(sig, h.unit, err)
				return nil
			}
			r.paths.Append(sig.ID, h.unit)
			layer, _ := r.topo.Layer(h.unit)
			r.publish(hal9.EventSignalProcessed, map[string]any{
				"signal":     sig.ID.String(),
				"unit":       h.unit.String(),
				"layer":      layer,
				"in_bytes":   len(h.payload),
				"out_bytes":  len(out.Payload),
				"confidence": out.Confidence,
				"out_hash":   hashPayload(out.Payload),
			})
			r.synthesize(sig.ID, h.unit, out.Confidence, false)

			mu.Lock()
			ok++
			mu.Unlock()

			if out.Confidence < r.cfg.ConfidenceFloor {
				return nil
			}
			targets := r.nextTargets(h.unit, out)
			if len(targets) == 0 {
				return nil
			}
			mu.Lock()
			for _, t := range targets {
				if _, dup := seen[t]; dup {
					continue
				}
				seen[t] = struct{}{}
				next = append(next, hop{unit: t, payload: out.Payload})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return next, ok
}

// nextTargets applies the fan-out policy: every unit the current unit has
// an edge to, in every hinted layer that passes the adjacency rule and the
// forward-depth rule (source depth <= target depth). The policy is
// layer-wide fan-out, applied uniformly.
func (r *Router) nextTargets(from hal9.UnitID, out hal9.Output) []hal9.UnitID {
	layer, ok := r.topo.Layer(from)
	if !ok {
		return nil
	}
	var targets []hal9.UnitID
	for _, hint := range out.TargetLayers {
		if !hal9.AdjacentDepth(layer, hint) {
			continue
		}
		if hint.Depth() < layer.Depth() {
			continue // forward signals never descend in depth
		}
		targets = append(targets, r.topo.Targets(from, hint)...)
	}
	return targets
}

func (r *Router) handleUnitError(sig hal9.Signal, id hal9.UnitID, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		// Wave-level bookkeeping emits the single deadline drop.
		return
	case errors.Is(err, hal9.ErrUnitOverloaded):
		r.dropBranch(sig.ID, id, "overloaded")
	case errors.Is(err, hal9.ErrUnitInvalidInput):
		r.dropBranch(sig.ID, id, "invalid-input")
	default:
		r.dropBranch(sig.ID, id, "internal")
	}
	// A failed branch still teaches: synthesize a gradient as if the unit
	// had produced zero confidence, plus the error penalty.
	r.synthesize(sig.ID, id, 0, true)
}

func (r *Router) dropBranch(sig hal9.SignalID, id hal9.UnitID, reason string) {
	slog.Debug("signal branch dropped", "signal", sig, "unit", id, "reason", reason)
	r.publish(hal9.EventSignalDropped, map[string]any{
		"signal": sig.String(),
		"unit":   id.String(),
		"reason": reason,
	})
}

// drop records the signal-level terminal drop (deadline, or an unresolvable
// target). Exactly one such observation is emitted per dropped signal.
func (r *Router) drop(sig hal9.SignalID, reason string) {
	r.publish(hal9.EventSignalDropped, map[string]any{
		"signal": sig.String(),
		"reason": reason,
	})
}

// synthesize turns a confidence delta or failure into a gradient at the
// given unit: magnitude (1 - confidence), plus the error penalty on
// outright failure. A perfect-confidence success synthesizes nothing.
func (r *Router) synthesize(sig hal9.SignalID, id hal9.UnitID, confidence float64, failed bool) {
	if r.sink == nil {
		return
	}
	mag := 1 - confidence
	if failed {
		mag += errorPenalty
	}
	if mag <= 0 {
		return
	}
	r.sink.Accept(hal9.Gradient{
		ID:        hal9.NewGradientID(),
		Signal:    sig,
		Origin:    id,
		Magnitude: mag,
		Direction: []float64{mag},
		Context: hal9.LearningContext{
			Rate:      r.cfg.LearningRate,
			BatchSize: r.cfg.BatchSize,
		},
	})
}

func (r *Router) publish(kind hal9.EventKind, payload map[string]any) {
	r.bus.Publish(hal9.ObservationRecord{
		Timestamp: time.Now(),
		Source:    "router",
		Kind:      kind,
		Payload:   payload,
	})
}

func hashPayload(p []byte) string {
	sum := sha256.Sum256(p)
	return hex.EncodeToString(sum[:8])
}
