package unit

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2lab-ai/hal9/core/hal9"
)

func TestDefaultFactory(t *testing.T) {
	id := hal9.NewUnitID()
	cases := []struct {
		layer hal9.LayerTag
		want  any
	}{
		{hal9.LayerReflexive, &ReflexiveUnit{}},
		{hal9.LayerImplementation, &ImplementationUnit{}},
		{hal9.LayerOperational, &OperationalUnit{}},
		{hal9.LayerTactical, &PlanningUnit{}},
		{hal9.LayerStrategic, &PlanningUnit{}},
		{hal9.LayerMetaBase, &GenericUnit{}},
	}
	for _, tc := range cases {
		u := DefaultFactory(id, tc.layer, nil)
		require.NotNil(t, u)
		assert.IsType(t, tc.want, u, "layer %s", tc.layer)
		assert.Equal(t, tc.layer, u.Introspect().Layer)
	}
}

func TestReflexiveUnit(t *testing.T) {
	ctx := context.Background()

	t.Run("ProcessIsNearIdentity", func(t *testing.T) {
		u := NewReflexiveUnit(hal9.NewUnitID(), nil)
		out, err := u.Process(ctx, Input{Payload: []byte("reflex")})
		require.NoError(t, err)
		assert.Equal(t, []byte("reflex"), out.Payload, "L1 compression target is 1:1")
		assert.Equal(t, []hal9.LayerTag{hal9.LayerImplementation}, out.TargetLayers)
		assert.InDelta(t, 0.9, out.Confidence, 1e-9)
	})

	t.Run("ConfidenceParam", func(t *testing.T) {
		u := NewReflexiveUnit(hal9.NewUnitID(), map[string]float64{"confidence": 0.2})
		out, err := u.Process(ctx, Input{Payload: []byte("x")})
		require.NoError(t, err)
		assert.InDelta(t, 0.2, out.Confidence, 1e-9)
	})

	t.Run("EmptyPayloadRejected", func(t *testing.T) {
		u := NewReflexiveUnit(hal9.NewUnitID(), nil)
		_, err := u.Process(ctx, Input{})
		assert.ErrorIs(t, err, hal9.ErrUnitInvalidInput)
	})

	t.Run("MetricsCountActivations", func(t *testing.T) {
		u := NewReflexiveUnit(hal9.NewUnitID(), nil)
		for i := 0; i < 3; i++ {
			_, err := u.Process(ctx, Input{Payload: []byte("x")})
			require.NoError(t, err)
		}
		assert.Equal(t, uint64(3), u.Introspect().Metrics.ActivationsProcessed)
	})
}

// Errors must leave the unit observable as if the failed call never
// happened, except the error counter.
func TestProcessErrorLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	u := NewImplementationUnit(hal9.NewUnitID(), map[string]float64{"confidence": 0.8})

	_, err := u.Process(ctx, Input{Payload: []byte("ok")})
	require.NoError(t, err)
	before := u.Introspect()

	_, err = u.Process(ctx, Input{
		Payload: []byte("boom"),
		Context: map[string]any{InjectKey: InjectInternal},
	})
	require.ErrorIs(t, err, hal9.ErrUnitInternal)

	after := u.Introspect()
	assert.Equal(t, before.Metrics.ActivationsProcessed, after.Metrics.ActivationsProcessed)
	assert.Empty(t, cmp.Diff(before.Params, after.Params))
	assert.Equal(t, before.Metrics.Errors+1, after.Metrics.Errors)
}

func TestInjectedFailureModes(t *testing.T) {
	ctx := context.Background()
	u := NewOperationalUnit(hal9.NewUnitID(), nil)

	_, err := u.Process(ctx, Input{Payload: []byte("x"), Context: map[string]any{InjectKey: InjectInvalidInput}})
	assert.ErrorIs(t, err, hal9.ErrUnitInvalidInput)

	_, err = u.Process(ctx, Input{Payload: []byte("x"), Context: map[string]any{InjectKey: InjectInternal}})
	assert.ErrorIs(t, err, hal9.ErrUnitInternal)
}

func TestOperationalDecompose(t *testing.T) {
	ctx := context.Background()
	u := NewOperationalUnit(hal9.NewUnitID(), nil)
	out, err := u.Process(ctx, Input{Payload: []byte("build test deploy")})
	require.NoError(t, err)

	tasks, ok := out.Metadata["tasks"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"task-0:build", "task-1:test", "task-2:deploy"}, tasks)
	assert.Less(t, len(out.Payload), len("build test deploy"), "L3 compresses")
}

func TestLearnAppliesDirection(t *testing.T) {
	ctx := context.Background()
	u := NewReflexiveUnit(hal9.NewUnitID(), map[string]float64{"confidence": 0.9, "gain": 1.0})

	g := hal9.Gradient{Magnitude: 0.5, Direction: []float64{0.1, 0.2}}
	require.NoError(t, u.Learn(ctx, g))

	state := u.Introspect()
	// sorted param order: confidence, gain
	assert.InDelta(t, 0.8, state.Params["confidence"], 1e-9)
	assert.InDelta(t, 0.8, state.Params["gain"], 1e-9)
	assert.Equal(t, uint64(1), state.Metrics.LearnIterations)
}

// After Reset, an identical input sequence yields an identical output
// trace for deterministic variants.
func TestResetReplayDeterminism(t *testing.T) {
	ctx := context.Background()
	inputs := []Input{
		{Payload: []byte("alpha beta")},
		{Payload: []byte("gamma")},
		{Payload: []byte("delta epsilon zeta")},
	}
	variants := map[string]Unit{
		"reflexive":      NewReflexiveUnit(hal9.NewUnitID(), nil),
		"implementation": NewImplementationUnit(hal9.NewUnitID(), nil),
		"operational":    NewOperationalUnit(hal9.NewUnitID(), nil),
		"tactical":       NewTacticalUnit(hal9.NewUnitID(), hal9.LayerTactical, nil),
		"strategic":      NewStrategicUnit(hal9.NewUnitID(), hal9.LayerStrategic, nil),
	}
	for name, u := range variants {
		t.Run(name, func(t *testing.T) {
			var first []hal9.Output
			for _, in := range inputs {
				out, err := u.Process(ctx, in)
				require.NoError(t, err)
				first = append(first, out)
			}
			u.Reset()
			var second []hal9.Output
			for _, in := range inputs {
				out, err := u.Process(ctx, in)
				require.NoError(t, err)
				second = append(second, out)
			}
			assert.Empty(t, cmp.Diff(first, second))
		})
	}
}

func TestImplementationFailedPatternMemory(t *testing.T) {
	ctx := context.Background()
	u := NewImplementationUnit(hal9.NewUnitID(), nil)

	// Bounded: flooding the memory keeps only the most recent entries.
	for i := 0; i < failedPatternCap*2; i++ {
		require.NoError(t, u.Learn(ctx, hal9.Gradient{ID: hal9.NewGradientID(), Magnitude: 0.9}))
	}
	u.mu.Lock()
	assert.Len(t, u.failedPatterns, failedPatternCap)
	u.mu.Unlock()

	// Reset clears the transient memory but not learn counters.
	u.Reset()
	u.mu.Lock()
	assert.Empty(t, u.failedPatterns)
	u.mu.Unlock()
	assert.Equal(t, uint64(failedPatternCap*2), u.Introspect().Metrics.LearnIterations)
}

func TestPlanningHorizon(t *testing.T) {
	ctx := context.Background()
	u := NewTacticalUnit(hal9.NewUnitID(), hal9.LayerTactical, nil)

	first, err := u.Process(ctx, Input{Payload: []byte("plan the quarter")})
	require.NoError(t, err)
	var last hal9.Output
	for i := 0; i < 40; i++ {
		last, err = u.Process(ctx, Input{Payload: []byte("plan the quarter")})
		require.NoError(t, err)
	}
	assert.Greater(t, last.Confidence, first.Confidence, "confidence grows with accumulated context")
	assert.Equal(t, 32, last.Metadata["horizon"], "history is bounded at the horizon")
}

func TestCompressTo(t *testing.T) {
	payload := make([]byte, 100)
	assert.Len(t, compressTo(payload, 1), 100)
	assert.Len(t, compressTo(payload, 3), 14) // ceil(100/e^2)
	assert.Len(t, compressTo([]byte{1}, 5), 1, "never below one byte")
}
