package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2lab-ai/hal9/core/hal9"
	"github.com/2lab-ai/hal9/core/topology"
	"github.com/2lab-ai/hal9/core/unit"
)

func startEngine(t *testing.T, cfg hal9.Config, opts ...Option) *Engine {
	t.Helper()
	eng := New(cfg, opts...)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop(2 * time.Second) })
	return eng
}

func addUnit(t *testing.T, eng *Engine, layer hal9.LayerTag, params map[string]float64) hal9.UnitID {
	t.Helper()
	pos, err := eng.AddUnit(topology.Profile{Layer: layer, Speed: 0.5, Complexity: 0.5}, params)
	require.NoError(t, err)
	return pos.Unit
}

// collectUntil drains the observation stream until pred returns true or
// the timeout lapses, returning everything seen.
func collectUntil(t *testing.T, ch <-chan hal9.ObservationRecord, timeout time.Duration, pred func([]hal9.ObservationRecord) bool) []hal9.ObservationRecord {
	t.Helper()
	var seen []hal9.ObservationRecord
	deadline := time.After(timeout)
	for {
		select {
		case rec := <-ch:
			seen = append(seen, rec)
			if pred(seen) {
				return seen
			}
		case <-deadline:
			return seen
		}
	}
}

func countKind(records []hal9.ObservationRecord, kind hal9.EventKind) int {
	n := 0
	for _, r := range records {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

// slowUnit sleeps in Process; used for backpressure and deadline tests.
type slowUnit struct {
	delay time.Duration
	inner unit.Unit
}

func (s *slowUnit) Process(ctx context.Context, in unit.Input) (hal9.Output, error) {
	time.Sleep(s.delay)
	return s.inner.Process(ctx, in)
}

func (s *slowUnit) Learn(ctx context.Context, g hal9.Gradient) error { return s.inner.Learn(ctx, g) }
func (s *slowUnit) Introspect() hal9.UnitState                       { return s.inner.Introspect() }
func (s *slowUnit) Reset()                                           { s.inner.Reset() }

func slowFactory(delay time.Duration) unit.Factory {
	return func(id hal9.UnitID, layer hal9.LayerTag, params map[string]float64) unit.Unit {
		return &slowUnit{delay: delay, inner: unit.DefaultFactory(id, layer, params)}
	}
}

// overlapUnit trips if two Process or Learn calls ever run concurrently.
type overlapUnit struct {
	inner    unit.Unit
	inflight atomic.Int32
	overlap  atomic.Bool
}

func (o *overlapUnit) enter() {
	if o.inflight.Add(1) > 1 {
		o.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
}

func (o *overlapUnit) Process(ctx context.Context, in unit.Input) (hal9.Output, error) {
	o.enter()
	defer o.inflight.Add(-1)
	return o.inner.Process(ctx, in)
}

func (o *overlapUnit) Learn(ctx context.Context, g hal9.Gradient) error {
	o.enter()
	defer o.inflight.Add(-1)
	return o.inner.Learn(ctx, g)
}

func (o *overlapUnit) Introspect() hal9.UnitState { return o.inner.Introspect() }
func (o *overlapUnit) Reset()                     { o.inner.Reset() }

// Scenario: three-unit forward chain A@L1 -> B@L2 -> C@L3.
func TestForwardChainEndToEnd(t *testing.T) {
	eng := startEngine(t, hal9.DefaultConfig())
	obs := eng.Subscribe()

	a := addUnit(t, eng, hal9.LayerReflexive, nil)
	b := addUnit(t, eng, hal9.LayerImplementation, nil)
	c := addUnit(t, eng, hal9.LayerOperational, nil)
	require.NoError(t, eng.Connect(a, b, 0.5))
	require.NoError(t, eng.Connect(b, c, 0.5))

	id, err := eng.Submit("test", hal9.TargetUnit(a), []byte("x"), nil, time.Now().Add(time.Second))
	require.NoError(t, err)

	seen := collectUntil(t, obs, 2*time.Second, func(seen []hal9.ObservationRecord) bool {
		return countKind(seen, hal9.EventSignalComplete) >= 1
	})

	assert.GreaterOrEqual(t, countKind(seen, hal9.EventSignalSent), 1)
	assert.Equal(t, 3, countKind(seen, hal9.EventSignalProcessed))
	assert.Equal(t, 1, countKind(seen, hal9.EventSignalComplete))

	processedUnits := make([]string, 0, 3)
	for _, rec := range seen {
		if rec.Kind == hal9.EventSignalProcessed {
			assert.Equal(t, id.String(), rec.Payload["signal"])
			processedUnits = append(processedUnits, rec.Payload["unit"].(string))
		}
	}
	assert.Equal(t, []string{a.String(), b.String(), c.String()}, processedUnits)

	for _, u := range []hal9.UnitID{a, b, c} {
		state, err := eng.Introspect(u)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), state.Metrics.ActivationsProcessed)
	}
}

// Scenario: connecting L1 to L3 is an adjacency violation and changes
// nothing.
func TestAdjacencyRejection(t *testing.T) {
	eng := startEngine(t, hal9.DefaultConfig())

	a := addUnit(t, eng, hal9.LayerReflexive, nil)
	c := addUnit(t, eng, hal9.LayerOperational, nil)

	before := eng.Snapshot()
	err := eng.Connect(a, c, 0.5)
	require.ErrorIs(t, err, hal9.ErrAdjacencyViolation)
	after := eng.Snapshot()
	assert.Equal(t, len(before.Edges), len(after.Edges))
	assert.NoError(t, eng.Err())
}

// Scenario: with a single-slot inbound queue, the second of two
// back-to-back signals is dropped as overloaded while the first succeeds.
func TestBackpressureDrop(t *testing.T) {
	cfg := hal9.DefaultConfig()
	cfg.UnitInboundQueue = 1
	eng := startEngine(t, cfg, WithFactory(slowFactory(80*time.Millisecond)))
	obs := eng.Subscribe()

	a := addUnit(t, eng, hal9.LayerReflexive, nil)

	_, err := eng.Submit("test", hal9.TargetUnit(a), []byte("one"), nil, time.Time{})
	require.NoError(t, err)
	_, err = eng.Submit("test", hal9.TargetUnit(a), []byte("two"), nil, time.Time{})
	require.NoError(t, err)

	seen := collectUntil(t, obs, 2*time.Second, func(seen []hal9.ObservationRecord) bool {
		return countKind(seen, hal9.EventSignalProcessed) >= 1 && countKind(seen, hal9.EventSignalDropped) >= 1
	})

	assert.Equal(t, 1, countKind(seen, hal9.EventSignalProcessed))
	drops := 0
	for _, rec := range seen {
		if rec.Kind == hal9.EventSignalDropped {
			drops++
			assert.Equal(t, "overloaded", rec.Payload["reason"])
		}
	}
	assert.Equal(t, 1, drops)
}

// Scenario: a 10ms deadline against a 50ms first hop. The in-flight call
// finishes, its output is discarded, nothing propagates downstream, and
// exactly one deadline drop is recorded.
func TestDeadlineCancellation(t *testing.T) {
	eng := startEngine(t, hal9.DefaultConfig(), WithFactory(slowFactory(50*time.Millisecond)))
	obs := eng.Subscribe()

	a := addUnit(t, eng, hal9.LayerReflexive, nil)
	b := addUnit(t, eng, hal9.LayerImplementation, nil)
	require.NoError(t, eng.Connect(a, b, 0.5))

	_, err := eng.Submit("test", hal9.TargetUnit(a), []byte("x"), nil, time.Now().Add(10*time.Millisecond))
	require.NoError(t, err)

	seen := collectUntil(t, obs, 2*time.Second, func(seen []hal9.ObservationRecord) bool {
		return countKind(seen, hal9.EventSignalDropped) >= 1
	})

	drops := 0
	for _, rec := range seen {
		if rec.Kind == hal9.EventSignalDropped {
			drops++
			assert.Equal(t, "deadline", rec.Payload["reason"])
		}
	}
	assert.Equal(t, 1, drops)
	assert.Zero(t, countKind(seen, hal9.EventSignalProcessed))

	// The first unit's in-flight call ran to completion; downstream never
	// started.
	require.Eventually(t, func() bool {
		state, err := eng.Introspect(a)
		return err == nil && state.Metrics.ActivationsProcessed == 1
	}, time.Second, 10*time.Millisecond)
	stateB, err := eng.Introspect(b)
	require.NoError(t, err)
	assert.Zero(t, stateB.Metrics.ActivationsProcessed)
}

// Scenario: a low-confidence unit at the end of a chain accumulates
// synthesized gradients; the third signal flushes the batch back along
// the reverse path with decaying magnitudes.
func TestGradientLearningStep(t *testing.T) {
	eng := startEngine(t, hal9.DefaultConfig())
	obs := eng.Subscribe()

	a := addUnit(t, eng, hal9.LayerReflexive, nil)
	b := addUnit(t, eng, hal9.LayerImplementation, nil)
	c := addUnit(t, eng, hal9.LayerOperational, map[string]float64{"confidence": 0.2})
	require.NoError(t, eng.Connect(a, b, 0.5))
	require.NoError(t, eng.Connect(b, c, 0.5))

	for i := 0; i < 3; i++ {
		_, err := eng.Submit("test", hal9.TargetUnit(a), []byte("x"), nil, time.Now().Add(time.Second))
		require.NoError(t, err)
		// Space submissions so each chain completes before the next; the
		// scenario is about accumulation, not interleaving.
		time.Sleep(50 * time.Millisecond)
	}

	type applied struct {
		unit      string
		depth     int
		magnitude float64
	}
	var fromC []applied
	collectUntil(t, obs, 3*time.Second, func(seen []hal9.ObservationRecord) bool {
		fromC = fromC[:0]
		for _, rec := range seen {
			if rec.Kind != hal9.EventGradientApplied {
				continue
			}
			mag := rec.Payload["magnitude"].(float64)
			// The C bucket's flush is recognizable by its magnitude: the
			// synthesized error there is 0.8 before scaling.
			if mag >= 0.8*0.1*0.9 {
				fromC = append(fromC, applied{
					unit:      rec.Payload["unit"].(string),
					depth:     rec.Payload["depth"].(int),
					magnitude: mag,
				})
			}
		}
		return len(fromC) >= 3
	})

	require.GreaterOrEqual(t, len(fromC), 3, "the full reverse walk applied")
	assert.Equal(t, []int{0, 1, 2}, []int{fromC[0].depth, fromC[1].depth, fromC[2].depth})
	assert.Equal(t, c.String(), fromC[0].unit)
	assert.Equal(t, b.String(), fromC[1].unit)
	assert.Equal(t, a.String(), fromC[2].unit)
	assert.InDelta(t, 0.8*0.1, fromC[0].magnitude, 1e-9)
	assert.InDelta(t, fromC[0].magnitude*0.95, fromC[1].magnitude, 1e-9)
	assert.InDelta(t, fromC[1].magnitude*0.95, fromC[2].magnitude, 1e-9)
}

// A unit observes at most one process or learn execution at a time,
// no matter how many signals target it concurrently.
func TestPerUnitSerialization(t *testing.T) {
	var probe *overlapUnit
	factory := func(id hal9.UnitID, layer hal9.LayerTag, params map[string]float64) unit.Unit {
		probe = &overlapUnit{inner: unit.DefaultFactory(id, layer, params)}
		return probe
	}
	eng := startEngine(t, hal9.DefaultConfig(), WithFactory(factory))
	obs := eng.Subscribe()

	u := addUnit(t, eng, hal9.LayerReflexive, nil)
	const n = 8
	for i := 0; i < n; i++ {
		_, err := eng.Submit("test", hal9.TargetUnit(u), []byte("x"), nil, time.Time{})
		require.NoError(t, err)
	}

	collectUntil(t, obs, 3*time.Second, func(seen []hal9.ObservationRecord) bool {
		return countKind(seen, hal9.EventSignalProcessed) >= n
	})
	assert.False(t, probe.overlap.Load(), "process/learn executions never overlap on one unit")
}

func TestResetClearsTransientState(t *testing.T) {
	eng := startEngine(t, hal9.DefaultConfig())
	u := addUnit(t, eng, hal9.LayerTactical, nil)

	_, err := eng.Submit("test", hal9.TargetUnit(u), []byte("plan"), nil, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		state, err := eng.Introspect(u)
		return err == nil && state.Metrics.ActivationsProcessed == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Reset(u))
	state, err := eng.Introspect(u)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Metrics.ActivationsProcessed, "reset keeps metrics and identity")
}

func TestRemoveUnitCleansTopology(t *testing.T) {
	eng := startEngine(t, hal9.DefaultConfig())
	a := addUnit(t, eng, hal9.LayerReflexive, nil)
	b := addUnit(t, eng, hal9.LayerImplementation, nil)
	require.NoError(t, eng.Connect(a, b, 0.5))

	require.NoError(t, eng.RemoveUnit(b))

	snap := eng.Snapshot()
	assert.Len(t, snap.Units, 1)
	assert.Empty(t, snap.Edges)
	_, err := eng.Introspect(b)
	assert.ErrorIs(t, err, hal9.ErrUnitNotFound)
	assert.NoError(t, eng.Err())
}

func TestVisualize(t *testing.T) {
	eng := startEngine(t, hal9.DefaultConfig())
	a := addUnit(t, eng, hal9.LayerReflexive, nil)
	b := addUnit(t, eng, hal9.LayerImplementation, nil)
	require.NoError(t, eng.Connect(a, b, 0.5))

	desc := eng.Visualize()
	assert.Len(t, desc.Nodes, 2)
	assert.Len(t, desc.Edges, 2, "a bidirectional connection is two directed edges")
}

func TestSubmitBeforeStart(t *testing.T) {
	eng := New(hal9.DefaultConfig())
	_, err := eng.Submit("test", hal9.TargetUnit(hal9.NewUnitID()), []byte("x"), nil, time.Time{})
	assert.Error(t, err)
}

func TestStopDrainsInFlight(t *testing.T) {
	eng := startEngine(t, hal9.DefaultConfig(), WithFactory(slowFactory(30*time.Millisecond)))
	a := addUnit(t, eng, hal9.LayerReflexive, nil)

	_, err := eng.Submit("test", hal9.TargetUnit(a), []byte("x"), nil, time.Time{})
	require.NoError(t, err)

	require.NoError(t, eng.Stop(time.Second))

	state, err := eng.Introspect(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Metrics.ActivationsProcessed, "grace period let the signal finish")
}
