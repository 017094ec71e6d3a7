package unit

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/2lab-ai/hal9/core/hal9"
)

// compressTo shrinks a payload toward the compression target of the given
// depth (input/output ratio e^(depth-1)). L1 passes bytes through almost
// untouched; L5 reduces an activation to a short digest. The output is a
// deterministic prefix so replays produce identical traces.
func compressTo(payload []byte, depth int) []byte {
	ratio := math.Exp(float64(depth - 1))
	n := int(math.Ceil(float64(len(payload)) / ratio))
	if n < 1 {
		n = 1
	}
	if n >= len(payload) {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out
	}
	out := make([]byte, n)
	copy(out, payload[:n])
	return out
}

// sortedParamNames fixes the order in which a gradient's direction vector
// maps onto the parameter map. Direction vectors are positional; without a
// stable order two identical gradients could land on different parameters.
func sortedParamNames(params map[string]float64) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// defaultHint is the target-layer hint every variant emits unless it has a
// better idea: the next layer up the hierarchy, and no hint at L5 or above. The Router
// filters hints by adjacency and by forward depth, so an over-eager hint is
// harmless.
func defaultHint(layer hal9.LayerTag) []hal9.LayerTag {
	if layer.Depth() >= hal9.LayerStrategic.Depth() {
		return nil
	}
	return []hal9.LayerTag{layer + 1}
}

// ReflexiveUnit is the L1 variant: a low-latency, bounded transform that is
// a pure function of its input. It never suspends and keeps a tiny
// parameter set (gain and a base confidence).
type ReflexiveUnit struct {
	base
}

func NewReflexiveUnit(id hal9.UnitID, params map[string]float64) *ReflexiveUnit {
	u := &ReflexiveUnit{base: newBase(id, hal9.LayerReflexive, params)}
	return u
}

func (u *ReflexiveUnit) Process(ctx context.Context, in Input) (hal9.Output, error) {
	start := time.Now()
	if err := validateInput(in); err != nil {
		u.recordError()
		return hal9.Output{}, err
	}
	gain := u.param("gain", 1.0)
	payload := compressTo(in.Payload, 1)
	conf := clamp01(u.param("confidence", 0.9) * gain)
	u.recordSuccess(time.Since(start))
	return hal9.Output{
		Confidence:   conf,
		Payload:      payload,
		Metadata:     map[string]any{"layer": hal9.LayerReflexive.String()},
		TargetLayers: defaultHint(hal9.LayerReflexive),
	}, nil
}

func (u *ReflexiveUnit) Learn(ctx context.Context, g hal9.Gradient) error {
	if len(g.Direction) == 0 {
		u.recordLearn()
		return nil
	}
	u.applyDelta(sortedParamNames(u.introspect().Params), g.Direction, 1.0)
	u.recordLearn()
	return nil
}

func (u *ReflexiveUnit) Introspect() hal9.UnitState { return u.introspect() }

// Reset is a no-op beyond the contract: a reflexive unit carries no
// transient state between activations.
func (u *ReflexiveUnit) Reset() {}

// ImplementationUnit is the L2 variant: it generates or transforms
// structured artifacts, consulting unit-local templates and a bounded
// memory of recently failed patterns so it stops re-proposing them.
type ImplementationUnit struct {
	base
	templates      map[string][]byte
	failedPatterns []string // bounded, oldest dropped first
}

const failedPatternCap = 16

func NewImplementationUnit(id hal9.UnitID, params map[string]float64) *ImplementationUnit {
	return &ImplementationUnit{
		base: newBase(id, hal9.LayerImplementation, params),
		templates: map[string][]byte{
			"default": []byte("impl:"),
		},
	}
}

func (u *ImplementationUnit) Process(ctx context.Context, in Input) (hal9.Output, error) {
	start := time.Now()
	if err := validateInput(in); err != nil {
		u.recordError()
		return hal9.Output{}, err
	}
	tmpl := u.templates["default"]
	artifact := append(append([]byte{}, tmpl...), compressTo(in.Payload, 2)...)

	conf := clamp01(u.param("confidence", 0.8))
	key := fmt.Sprintf("%x", artifact)
	if u.knownFailure(key) {
		// Seen this artifact fail before: lower confidence rather than
		// repeat the mistake at full strength.
		conf *= 0.5
	}
	u.recordSuccess(time.Since(start))
	return hal9.Output{
		Confidence:   conf,
		Payload:      artifact,
		Metadata:     map[string]any{"layer": hal9.LayerImplementation.String(), "template": "default"},
		TargetLayers: defaultHint(hal9.LayerImplementation),
	}, nil
}

func (u *ImplementationUnit) knownFailure(key string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, k := range u.failedPatterns {
		if k == key {
			return true
		}
	}
	return false
}

func (u *ImplementationUnit) Learn(ctx context.Context, g hal9.Gradient) error {
	// A high-magnitude gradient means the artifact this unit produced was
	// judged wrong downstream; remember the pattern so the next Process
	// call discounts it.
	if g.Magnitude >= 0.5 {
		u.mu.Lock()
		u.failedPatterns = append(u.failedPatterns, fmt.Sprintf("grad-%x", g.ID))
		if len(u.failedPatterns) > failedPatternCap {
			u.failedPatterns = u.failedPatterns[len(u.failedPatterns)-failedPatternCap:]
		}
		u.mu.Unlock()
	}
	if len(g.Direction) > 0 {
		u.applyDelta(sortedParamNames(u.introspect().Params), g.Direction, 1.0)
	}
	u.recordLearn()
	return nil
}

func (u *ImplementationUnit) Introspect() hal9.UnitState { return u.introspect() }

func (u *ImplementationUnit) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failedPatterns = nil
}

// OperationalUnit is the L3 variant: it decomposes a request into an
// ordered task list addressed at the layers below it. The decomposition
// rides in the output metadata; the payload itself is the compressed
// summary that continues forward.
type OperationalUnit struct {
	base
}

func NewOperationalUnit(id hal9.UnitID, params map[string]float64) *OperationalUnit {
	return &OperationalUnit{base: newBase(id, hal9.LayerOperational, params)}
}

func (u *OperationalUnit) Process(ctx context.Context, in Input) (hal9.Output, error) {
	start := time.Now()
	if err := validateInput(in); err != nil {
		u.recordError()
		return hal9.Output{}, err
	}
	tasks := decompose(in.Payload)
	conf := clamp01(u.param("confidence", 0.75))
	u.recordSuccess(time.Since(start))
	return hal9.Output{
		Confidence: conf,
		Payload:    compressTo(in.Payload, 3),
		Metadata: map[string]any{
			"layer": hal9.LayerOperational.String(),
			"tasks": tasks,
		},
		TargetLayers: defaultHint(hal9.LayerOperational),
	}, nil
}

// decompose splits a request payload into ordered task strings. Splitting
// on whitespace is deliberately naive: the point is the ordered-list shape,
// not natural language understanding.
func decompose(payload []byte) []string {
	fields := bytes.Fields(payload)
	tasks := make([]string, 0, len(fields))
	for i, f := range fields {
		tasks = append(tasks, fmt.Sprintf("task-%d:%s", i, f))
	}
	if len(tasks) == 0 {
		tasks = append(tasks, "task-0:noop")
	}
	return tasks
}

func (u *OperationalUnit) Learn(ctx context.Context, g hal9.Gradient) error {
	if len(g.Direction) > 0 {
		u.applyDelta(sortedParamNames(u.introspect().Params), g.Direction, 1.0)
	}
	u.recordLearn()
	return nil
}

func (u *OperationalUnit) Introspect() hal9.UnitState { return u.introspect() }
func (u *OperationalUnit) Reset()                     {}

// PlanningUnit backs both the L4 Tactical and L5 Strategic variants: same
// mechanics, different horizon. They keep a bounded history of recent
// activations and weigh confidence by how much context they have
// accumulated, which is what "longer horizons" buys them.
type PlanningUnit struct {
	base
	horizon int
	history [][]byte
}

func newPlanningUnit(id hal9.UnitID, layer hal9.LayerTag, params map[string]float64, horizon int) *PlanningUnit {
	return &PlanningUnit{base: newBase(id, layer, params), horizon: horizon}
}

func (u *PlanningUnit) Process(ctx context.Context, in Input) (hal9.Output, error) {
	start := time.Now()
	if err := validateInput(in); err != nil {
		u.recordError()
		return hal9.Output{}, err
	}
	u.mu.Lock()
	u.history = append(u.history, in.Payload)
	if len(u.history) > u.horizon {
		u.history = u.history[len(u.history)-u.horizon:]
	}
	depth := u.layer.Depth()
	seen := len(u.history)
	u.mu.Unlock()

	conf := clamp01(u.param("confidence", 0.7) * (0.5 + 0.5*float64(seen)/float64(u.horizon)))
	u.recordSuccess(time.Since(start))
	return hal9.Output{
		Confidence: conf,
		Payload:    compressTo(in.Payload, depth),
		Metadata: map[string]any{
			"layer":   u.layer.String(),
			"horizon": seen,
		},
		TargetLayers: defaultHint(u.layer),
	}, nil
}

func (u *PlanningUnit) Learn(ctx context.Context, g hal9.Gradient) error {
	if len(g.Direction) > 0 {
		u.applyDelta(sortedParamNames(u.introspect().Params), g.Direction, 1.0)
	}
	u.recordLearn()
	return nil
}

func (u *PlanningUnit) Introspect() hal9.UnitState { return u.introspect() }

func (u *PlanningUnit) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.history = nil
}

// NewTacticalUnit builds the L4 variant.
func NewTacticalUnit(id hal9.UnitID, layer hal9.LayerTag, params map[string]float64) *PlanningUnit {
	return newPlanningUnit(id, layer, params, 32)
}

// NewStrategicUnit builds the L5 variant; twice the tactical horizon.
func NewStrategicUnit(id hal9.UnitID, layer hal9.LayerTag, params map[string]float64) *PlanningUnit {
	return newPlanningUnit(id, layer, params, 64)
}

// GenericUnit handles reserved meta-level tags (L6+): the core passes them
// through without interpreting them, so the unit is a plain echo with the
// standard contract.
type GenericUnit struct {
	base
}

func NewGenericUnit(id hal9.UnitID, layer hal9.LayerTag, params map[string]float64) *GenericUnit {
	return &GenericUnit{base: newBase(id, layer, params)}
}

func (u *GenericUnit) Process(ctx context.Context, in Input) (hal9.Output, error) {
	start := time.Now()
	if err := validateInput(in); err != nil {
		u.recordError()
		return hal9.Output{}, err
	}
	out := make([]byte, len(in.Payload))
	copy(out, in.Payload)
	u.recordSuccess(time.Since(start))
	return hal9.Output{
		Confidence: clamp01(u.param("confidence", 0.6)),
		Payload:    out,
		Metadata:   map[string]any{"layer": u.layer.String()},
	}, nil
}

func (u *GenericUnit) Learn(ctx context.Context, g hal9.Gradient) error {
	u.recordLearn()
	return nil
}

func (u *GenericUnit) Introspect() hal9.UnitState { return u.introspect() }
func (u *GenericUnit) Reset()                     {}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
