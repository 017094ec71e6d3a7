package unit

import (
	"context"
	"sync/atomic"

	"github.com/tochemey/goakt/v2/actors"

	"github.com/2lab-ai/hal9/core/hal9"
)

// Actor wraps a Unit as a goakt actor. The actor's mailbox is the unit's
// bounded inbound queue: Deliver refuses with ErrUnitOverloaded once
// capacity messages are pending or in flight, which is how the Router
// observes backpressure. Because a goakt actor processes one message at a
// time, wrapping a Unit in an Actor is what gives the rest of the core the
// "at most one activation at a time" guarantee: Process and Learn are
// serialized through the same mailbox.
type Actor struct {
	id       hal9.UnitID
	unit     Unit
	capacity int
	pending  atomic.Int64

	system actors.ActorSystem
	pid    *actors.PID
}

// processMsg asks the actor to run Unit.Process. The reply channel is
// buffered so a caller that has already given up (deadline) never blocks
// the actor.
type processMsg struct {
	ctx   context.Context
	in    Input
	reply chan processReply
}

type processReply struct {
	out hal9.Output
	err error
}

// learnMsg asks the actor to run Unit.Learn.
type learnMsg struct {
	ctx   context.Context
	grad  hal9.Gradient
	reply chan error
}

// resetMsg asks the actor to run Unit.Reset.
type resetMsg struct {
	reply chan struct{}
}

// SpawnActor wraps u in an Actor, spawns it on the given actor system
// under the given name, and returns the handle the engine keeps.
func SpawnActor(ctx context.Context, system actors.ActorSystem, name string, id hal9.UnitID, u Unit, capacity int) (*Actor, error) {
	if capacity <= 0 {
		capacity = 1
	}
	a := &Actor{
		id:       id,
		unit:     u,
		capacity: capacity,
		system:   system,
	}
	pid, err := system.Spawn(ctx, name, a)
	if err != nil {
		return nil, err
	}
	a.pid = pid
	return a, nil
}

// ID returns the wrapped unit's id.
func (a *Actor) ID() hal9.UnitID { return a.id }

// PreStart is called before the actor starts.
func (a *Actor) PreStart(ctx context.Context) error {
	return nil
}

// Receive handles mailbox messages one at a time.
func (a *Actor) Receive(ctx *actors.ReceiveContext) {
	switch msg := ctx.Message().(type) {
	case *processMsg:
		a.handleProcess(msg)
	case *learnMsg:
		a.handleLearn(msg)
	case *resetMsg:
		a.unit.Reset()
		msg.reply <- struct{}{}
	default:
		ctx.Unhandled()
	}
}

// PostStop is called after the actor stops.
func (a *Actor) PostStop(ctx context.Context) error {
	return nil
}

func (a *Actor) handleProcess(msg *processMsg) {
	defer a.pending.Add(-1)
	// A target whose signal was cancelled before the mailbox drained is
	// skipped: the deadline contract lets in-flight calls finish but
	// never starts new ones.
	if err := msg.ctx.Err(); err != nil {
		msg.reply <- processReply{err: err}
		return
	}
	out, err := a.unit.Process(msg.ctx, msg.in)
	msg.reply <- processReply{out: out, err: err}
}

func (a *Actor) handleLearn(msg *learnMsg) {
	defer a.pending.Add(-1)
	if err := msg.ctx.Err(); err != nil {
		msg.reply <- err
		return
	}
	msg.reply <- a.unit.Learn(msg.ctx, msg.grad)
}

// Deliver places one activation in the unit's mailbox and waits for the
// result or the caller's deadline, whichever comes first. Overflow is
// reported synchronously as ErrUnitOverloaded; the message is never
// queued. A deadline hit while the message is in flight discards the
// output; the actor still runs the call to completion.
func (a *Actor) Deliver(ctx context.Context, in Input) (hal9.Output, error) {
	if a.pending.Add(1) > int64(a.capacity) {
		a.pending.Add(-1)
		return hal9.Output{}, hal9.ErrUnitOverloaded
	}
	msg := &processMsg{ctx: ctx, in: in, reply: make(chan processReply, 1)}
	if err := a.system.Tell(ctx, a.pid, msg); err != nil {
		a.pending.Add(-1)
		return hal9.Output{}, err
	}
	select {
	case r := <-msg.reply:
		return r.out, r.err
	case <-ctx.Done():
		return hal9.Output{}, ctx.Err()
	}
}

// Learn routes one gradient through the same mailbox as Deliver, so
// gradient application and activation processing are serialized per unit.
func (a *Actor) Learn(ctx context.Context, g hal9.Gradient) error {
	if a.pending.Add(1) > int64(a.capacity) {
		a.pending.Add(-1)
		return hal9.ErrUnitOverloaded
	}
	msg := &learnMsg{ctx: ctx, grad: g, reply: make(chan error, 1)}
	if err := a.system.Tell(ctx, a.pid, msg); err != nil {
		a.pending.Add(-1)
		return err
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Introspect reads the unit's snapshot directly: Unit implementations
// guard their own state, so introspection does not need a mailbox
// round-trip and stays available even when the queue is full.
func (a *Actor) Introspect() hal9.UnitState {
	return a.unit.Introspect()
}

// Reset clears the unit's transient state through the mailbox, so it
// cannot interleave with a Process call.
func (a *Actor) Reset(ctx context.Context) error {
	msg := &resetMsg{reply: make(chan struct{}, 1)}
	if err := a.system.Tell(ctx, a.pid, msg); err != nil {
		return err
	}
	select {
	case <-msg.reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the wrapped actor.
func (a *Actor) Shutdown(ctx context.Context) error {
	return a.pid.Shutdown(ctx)
}
