package hal9

import "errors"

// Error kinds. Transient errors (UnitOverloaded,
// UnitInvalidInput, UnitInternal, DeadlineExceeded) are always recovered
// locally by the component that observes them: recorded as an
// ObservationRecord, never retried automatically. Structural errors
// (AdjacencyViolation, TopologyConcurrent) are surfaced to the immediate
// caller. ErrFatalCoreInvariantBroken is the only class that halts the
// runtime.
var (
	// ErrAdjacencyViolation: attempted to connect units more than one
	// layer of depth apart.
	ErrAdjacencyViolation = errors.New("hal9: adjacency violation")

	// ErrUnitOverloaded: a unit's inbound queue is full.
	ErrUnitOverloaded = errors.New("hal9: unit overloaded")

	// ErrUnitInvalidInput: a unit rejected its input payload.
	ErrUnitInvalidInput = errors.New("hal9: unit invalid input")

	// ErrUnitInternal: a unit reported an internal failure.
	ErrUnitInternal = errors.New("hal9: unit internal error")

	// ErrDeadlineExceeded: a signal's deadline passed before propagation
	// completed.
	ErrDeadlineExceeded = errors.New("hal9: deadline exceeded")

	// ErrTopologyConcurrent: a snapshot was used across a concurrent
	// structural mutation; the caller should retry with a fresh snapshot.
	ErrTopologyConcurrent = errors.New("hal9: topology changed concurrently")

	// ErrFatalCoreInvariantBroken: an invariant in the data model was
	// violated at runtime. The only fatal error class; the runtime stops
	// scheduling new signals, drains, and surfaces this to the embedder.
	ErrFatalCoreInvariantBroken = errors.New("hal9: fatal core invariant broken")

	// ErrUnitNotFound: a unit id does not exist in the topology.
	ErrUnitNotFound = errors.New("hal9: unit not found")

	// ErrEdgeNotFound: no edge exists between the given units.
	ErrEdgeNotFound = errors.New("hal9: edge not found")
)
