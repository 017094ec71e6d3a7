// Package engine wires the core together and is the library's boundary
// surface: submit a signal, register or remove a unit, inspect the
// topology, subscribe to observations, start, stop. Everything else in
// the repository is a collaborator of this package.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tochemey/goakt/v2/actors"
	"github.com/tochemey/goakt/v2/log"

	"github.com/2lab-ai/hal9/core/gradient"
	"github.com/2lab-ai/hal9/core/hal9"
	"github.com/2lab-ai/hal9/core/observer"
	"github.com/2lab-ai/hal9/core/router"
	"github.com/2lab-ai/hal9/core/selforganize"
	"github.com/2lab-ai/hal9/core/topology"
	"github.com/2lab-ai/hal9/core/unit"
)

// Engine is the hierarchical cognitive runtime. Construct with New, wire
// units with AddUnit/Connect, then Start before submitting signals. All
// tunables are fixed at construction; reconfiguration means draining this
// engine and building a new one.
type Engine struct {
	cfg     hal9.Config
	factory unit.Factory

	bus   *hal9.Bus
	topo  *topology.Topology
	disc  *topology.Discovery
	rt    *router.Router
	grads *gradient.Engine
	org   *selforganize.Organizer
	obs   *observer.Observer

	system actors.ActorSystem

	mu     sync.RWMutex
	actors map[hal9.UnitID]*unit.Actor

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	fatal   atomic.Pointer[error]
	loops   sync.WaitGroup
}

// Option customizes construction.
type Option func(*Engine)

// WithFactory replaces the default layer-variant factory with the
// caller's own Unit implementations.
func WithFactory(f unit.Factory) Option {
	return func(e *Engine) { e.factory = f }
}

// New builds an engine from the given configuration. Zero-valued tunables
// fall back to the documented defaults.
func New(cfg hal9.Config, opts ...Option) *Engine {
	def := hal9.DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.AdjustmentDecay == 0 {
		cfg.AdjustmentDecay = def.AdjustmentDecay
	}
	if cfg.MaxGradientDepth <= 0 {
		cfg.MaxGradientDepth = def.MaxGradientDepth
	}
	if cfg.PruneThreshold == 0 {
		cfg.PruneThreshold = def.PruneThreshold
	}
	if cfg.ConfidenceFloor == 0 {
		cfg.ConfidenceFloor = def.ConfidenceFloor
	}
	if cfg.UnitInboundQueue <= 0 {
		cfg.UnitInboundQueue = def.UnitInboundQueue
	}
	if cfg.SelfOrganizeInterval <= 0 {
		cfg.SelfOrganizeInterval = def.SelfOrganizeInterval
	}
	if cfg.ObservationBuffer <= 0 {
		cfg.ObservationBuffer = def.ObservationBuffer
	}
	if cfg.DiscoveryWindow <= 0 {
		cfg.DiscoveryWindow = def.DiscoveryWindow
	}
	if cfg.GradientPathTTL <= 0 {
		cfg.GradientPathTTL = def.GradientPathTTL
	}
	if cfg.GradientPathCapacity <= 0 {
		cfg.GradientPathCapacity = def.GradientPathCapacity
	}

	e := &Engine{
		cfg:     cfg,
		factory: unit.DefaultFactory,
		actors:  make(map[hal9.UnitID]*unit.Actor),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.bus = hal9.NewBus(cfg.ObservationBuffer)
	e.topo = topology.New(cfg, e.bus)
	e.disc = topology.NewDiscovery(e.topo, cfg.DiscoveryWindow)
	e.rt = router.New(cfg, e.topo, e, e.bus)
	e.grads = gradient.New(cfg, e, e.topo, e.rt.PathLookup, e.bus)
	e.rt.SetSink(e.grads)
	e.org = selforganize.New(cfg, e.topo, e.bus)
	e.obs = observer.New(cfg, e.bus)
	e.topo.SetDriftFunc(e.org.Kick)
	return e
}

// Start spins up the actor system, the observer loop, and the
// self-organizer loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.started.Load() {
		return fmt.Errorf("engine already running")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	system, err := actors.NewActorSystem(
		"hal9",
		actors.WithLogger(log.DefaultLogger),
	)
	if err != nil {
		return fmt.Errorf("failed to create actor system: %w", err)
	}
	if err := system.Start(e.ctx); err != nil {
		return fmt.Errorf("failed to start actor system: %w", err)
	}
	e.system = system

	e.loops.Add(2)
	go func() {
		defer e.loops.Done()
		e.obs.Run(e.ctx)
	}()
	go func() {
		defer e.loops.Done()
		e.org.Run(e.ctx)
	}()

	e.started.Store(true)
	slog.Info("engine started", "units", len(e.actors))
	return nil
}

// Stop drains in-flight signals up to the grace period, cancels the rest,
// flushes pending gradients, and shuts the actor system down.
func (e *Engine) Stop(grace time.Duration) error {
	if !e.started.Load() {
		return nil
	}
	e.started.Store(false)

	e.rt.Drain(grace)
	e.grads.Close()
	e.cancel()
	e.loops.Wait()

	err := e.system.Stop(context.Background())
	slog.Info("engine stopped")
	return err
}

// AddUnit builds a unit from the registered factory, assigns its id,
// spawns its actor, places it in the topology, and broadcasts its
// discovery record. Returns the network position chosen for it.
func (e *Engine) AddUnit(profile topology.Profile, params map[string]float64) (hal9.NetworkPosition, error) {
	if !e.started.Load() {
		return hal9.NetworkPosition{}, fmt.Errorf("engine not running")
	}
	if err := e.Err(); err != nil {
		return hal9.NetworkPosition{}, err
	}
	id := hal9.NewUnitID()
	u := e.factory(id, profile.Layer, params)
	actor, err := unit.SpawnActor(e.ctx, e.system, "unit-"+id.String(), id, u, e.cfg.UnitInboundQueue)
	if err != nil {
		return hal9.NetworkPosition{}, err
	}

	e.mu.Lock()
	e.actors[id] = actor
	e.mu.Unlock()

	pos, err := e.topo.PlaceUnit(id, profile)
	if err != nil {
		e.mu.Lock()
		delete(e.actors, id)
		e.mu.Unlock()
		_ = actor.Shutdown(e.ctx)
		return hal9.NetworkPosition{}, err
	}

	e.disc.Broadcast(topology.DiscoveryRecord{
		Unit:         id,
		Layer:        profile.Layer,
		Capabilities: profile.Capabilities,
		Speed:        profile.Speed,
		Complexity:   profile.Complexity,
		Seeking:      true,
	})

	e.checkInvariants()
	return pos, nil
}

// RemoveUnit removes the unit and every incident edge, then stops its
// actor.
func (e *Engine) RemoveUnit(id hal9.UnitID) error {
	if err := e.topo.Remove(id); err != nil {
		return err
	}
	e.mu.Lock()
	actor := e.actors[id]
	delete(e.actors, id)
	e.mu.Unlock()
	if actor != nil {
		_ = actor.Shutdown(context.Background())
	}
	e.checkInvariants()
	return nil
}

// Connect links two units bidirectionally, subject to the adjacency rule.
func (e *Engine) Connect(a, b hal9.UnitID, strength float64) error {
	err := e.topo.Connect(a, b, strength)
	if err == nil {
		e.checkInvariants()
	}
	return err
}

// Submit accepts a signal for propagation. target addresses one unit or a
// whole layer; deadline is optional (zero time means none).
func (e *Engine) Submit(source string, target hal9.Target, payload []byte, sctx map[string]any, deadline time.Time) (hal9.SignalID, error) {
	if !e.started.Load() {
		return hal9.SignalID{}, fmt.Errorf("engine not running")
	}
	if err := e.Err(); err != nil {
		return hal9.SignalID{}, err
	}
	return e.rt.Submit(hal9.Signal{
		Source:   source,
		Target:   target,
		Payload:  payload,
		Context:  sctx,
		Deadline: deadline,
	})
}

// Snapshot returns a consistent view of the topology.
func (e *Engine) Snapshot() hal9.TopologySnapshot {
	return e.topo.Snapshot()
}

// Visualize returns the abstract graph description of the current
// topology; rendering is a collaborator's concern.
func (e *Engine) Visualize() hal9.GraphDescription {
	snap := e.topo.Snapshot()
	desc := hal9.GraphDescription{}
	for id, u := range snap.Units {
		desc.Nodes = append(desc.Nodes, hal9.GraphNode{ID: id, Layer: u.Layer})
	}
	for _, edge := range snap.Edges {
		desc.Edges = append(desc.Edges, hal9.GraphEdge{From: edge.Source, To: edge.Target, Strength: edge.Strength})
	}
	return desc
}

// Subscribe returns an observation stream; filtering by kind is the
// caller's responsibility.
func (e *Engine) Subscribe() <-chan hal9.ObservationRecord {
	return e.obs.Subscribe()
}

// Report returns the observer's current statistics.
func (e *Engine) Report() observer.Report {
	return e.obs.Report()
}

// Introspect returns a unit's state snapshot.
func (e *Engine) Introspect(id hal9.UnitID) (hal9.UnitState, error) {
	e.mu.RLock()
	actor := e.actors[id]
	e.mu.RUnlock()
	if actor == nil {
		return hal9.UnitState{}, hal9.ErrUnitNotFound
	}
	return actor.Introspect(), nil
}

// Reset clears a unit's transient state.
func (e *Engine) Reset(id hal9.UnitID) error {
	e.mu.RLock()
	actor := e.actors[id]
	e.mu.RUnlock()
	if actor == nil {
		return hal9.ErrUnitNotFound
	}
	return actor.Reset(e.ctx)
}

// SelfOrganize forces one self-organize cycle now. Exposed so embedders
// and tests are not hostage to the interval timer.
func (e *Engine) SelfOrganize() {
	e.org.Cycle()
	e.checkInvariants()
}

// Err reports the fatal invariant error, if the engine has entered the
// broken state.
func (e *Engine) Err() error {
	if p := e.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

// Deliver implements router.Units: route one activation through the
// unit's mailbox.
func (e *Engine) Deliver(ctx context.Context, id hal9.UnitID, in unit.Input) (hal9.Output, error) {
	e.mu.RLock()
	actor := e.actors[id]
	e.mu.RUnlock()
	if actor == nil {
		return hal9.Output{}, hal9.ErrUnitNotFound
	}
	return actor.Deliver(ctx, in)
}

// Learn implements gradient.Learner through the same mailbox as Deliver.
func (e *Engine) Learn(ctx context.Context, id hal9.UnitID, g hal9.Gradient) error {
	e.mu.RLock()
	actor := e.actors[id]
	e.mu.RUnlock()
	if actor == nil {
		return hal9.ErrUnitNotFound
	}
	return actor.Learn(ctx, g)
}

// checkInvariants runs after the structural mutations made through the
// engine: AddUnit, RemoveUnit, Connect and SelfOrganize. Cycles the
// organizer starts from its own Run loop are not checked. A violation is
// the only fatal class: the engine refuses new signals and surfaces the
// error through Err while in-flight work drains.
func (e *Engine) checkInvariants() {
	if err := e.topo.CheckInvariants(); err != nil {
		e.fatal.Store(&err)
		slog.Error("core invariant broken, draining", "err", err)
	}
}
