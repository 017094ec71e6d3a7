package hal9

import "time"

// Target names either a specific unit or every unit in a layer. Exactly one
// of Unit/Layer is meaningful, selected by ByLayer.
type Target struct {
	Unit    UnitID
	Layer   LayerTag
	ByLayer bool
}

// TargetUnit builds a Target addressing a single unit.
func TargetUnit(id UnitID) Target { return Target{Unit: id} }

// TargetLayer builds a Target addressing every unit in a layer.
func TargetLayer(tag LayerTag) Target { return Target{Layer: tag, ByLayer: true} }

// Signal is an ephemeral forward-propagating activation. It is created at
// Submit and destroyed once fully propagated, dropped, or cancelled.
type Signal struct {
	ID       SignalID
	Source   string // unit id string, or an external sender tag
	Target   Target
	Payload  []byte
	Context  map[string]any
	SentAt   time.Time
	Deadline time.Time // zero value means no deadline
}

// HasDeadline reports whether the signal carries a real deadline.
func (s Signal) HasDeadline() bool { return !s.Deadline.IsZero() }

// Output is what Unit.Process returns for one activation.
type Output struct {
	Confidence   float64
	Payload      []byte
	Metadata     map[string]any
	TargetLayers []LayerTag
}

// LearningContext carries the hyperparameters active when a gradient was
// created: rate, momentum, batch size, and epoch.
type LearningContext struct {
	Rate      float64
	Momentum  float64
	BatchSize int
	Epoch     int
}

// Gradient is an ephemeral backward-propagating error signal. It
// accumulates in its originating unit's bucket until the bucket reaches
// batch size, is then applied in reverse-path order, and discarded.
// Signal links the gradient back to the traversal path the Router recorded
// for the activation that produced it; the Gradient Engine walks that path
// in reverse when the bucket flushes.
type Gradient struct {
	ID        GradientID
	Signal    SignalID
	Origin    UnitID
	Magnitude float64
	Direction []float64
	Context   LearningContext
}

// Scale returns a copy of g with Magnitude and Direction scaled by factor.
func (g Gradient) Scale(factor float64) Gradient {
	scaled := make([]float64, len(g.Direction))
	for i, v := range g.Direction {
		scaled[i] = v * factor
	}
	g2 := g
	g2.Magnitude = g.Magnitude * factor
	g2.Direction = scaled
	return g2
}

// EventKind enumerates the ObservationRecord kinds.
type EventKind string

const (
	EventSignalSent       EventKind = "signal-sent"
	EventSignalProcessed  EventKind = "signal-processed"
	EventSignalDropped    EventKind = "signal-dropped"
	EventSignalComplete   EventKind = "signal-complete"
	EventGradientApplied  EventKind = "gradient-applied"
	EventEdgeFormed       EventKind = "edge-formed"
	EventEdgePruned       EventKind = "edge-pruned"
	EventClusterDetected  EventKind = "cluster-detected"
	EventConsensusReached EventKind = "consensus-reached"
	EventStructureDrift   EventKind = "structure-drift"
)

// ObservationRecord is one entry in the Observer's append-only ring buffer.
type ObservationRecord struct {
	Timestamp time.Time
	Source    string // emitting component: "router", "gradient", "topology"
	Kind      EventKind
	Payload   map[string]any
}

// UnitMetrics are the counters every unit exposes via Introspect.
type UnitMetrics struct {
	ActivationsProcessed uint64
	Errors               uint64
	LearnIterations      uint64
	AvgProcessingTime    time.Duration
}

// UnitState is the immutable snapshot Unit.Introspect returns: metrics plus
// the parameter map, at a point in time.
type UnitState struct {
	ID      UnitID
	Layer   LayerTag
	Params  map[string]float64
	Metrics UnitMetrics
}

// Edge is a directed, weighted connection between two units.
// Invariant: |source.layer.depth - target.layer.depth| <= 1.
type Edge struct {
	Source          UnitID
	Target          UnitID
	Strength        float64
	Plasticity      float64
	Interactions    uint64
	LastInteraction time.Time
}

// NetworkPosition is returned by Topology.PlaceUnit: the peers chosen for a
// newly inserted unit and a quality score for that placement.
type NetworkPosition struct {
	Unit    UnitID
	Peers   []UnitID
	Quality float64
}

// SnapshotUnit is one unit entry in a TopologySnapshot: identity, layer,
// and the placement profile the topology knows about it. Parameter maps and
// metrics live with the unit itself (Introspect), not in the graph.
type SnapshotUnit struct {
	ID           UnitID
	Layer        LayerTag
	Speed        float64
	Complexity   float64
	Capabilities []string
}

// TopologySnapshot is a consistent, immutable read view over the graph:
// the unit set, the edge set, and a layer index. Version identifies the
// structural revision the snapshot was taken at; operations that accept a
// snapshot-derived plan fail with ErrTopologyConcurrent when the live
// version has moved on.
type TopologySnapshot struct {
	Version    uint64
	Units      map[UnitID]SnapshotUnit
	Edges      []Edge
	LayerIndex map[LayerTag][]UnitID
}

// GraphNode and GraphEdge describe the abstract graph for Visualize;
// rendering is the caller's concern.
type GraphNode struct {
	ID    UnitID
	Layer LayerTag
}

type GraphEdge struct {
	From     UnitID
	To       UnitID
	Strength float64
}

// GraphDescription is the abstract external view of the topology.
type GraphDescription struct {
	Nodes []GraphNode
	Edges []GraphEdge
}
