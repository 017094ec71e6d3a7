// Package selforganize implements C5: the periodic cycle that clusters
// units by connection density, relabels layers from observed behavior,
// prunes weak edges, and perturbs the topology by one simulated-annealing
// step.
package selforganize

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/2lab-ai/hal9/core/hal9"
	"github.com/2lab-ai/hal9/core/topology"
)

// Organizer runs one self-organize cycle per interval tick, or early when
// the topology reports structural drift through Kick.
type Organizer struct {
	cfg  hal9.Config
	topo *topology.Topology
	bus  *hal9.Bus

	kick chan struct{}
	rng  *rand.Rand

	// annealing gates the perturbation step; the cluster/relabel/prune
	// passes always run.
	annealing bool
}

// New builds the organizer over the live topology.
func New(cfg hal9.Config, topo *topology.Topology, bus *hal9.Bus) *Organizer {
	return &Organizer{
		cfg:       cfg,
		topo:      topo,
		bus:       bus,
		kick:      make(chan struct{}, 1),
		rng:       rand.New(rand.NewPCG(9, 9)),
		annealing: true,
	}
}

// Kick requests an early cycle; coalesces if one is already pending.
func (o *Organizer) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Each pass is one full cycle:
// snapshot, cluster, relabel, prune, anneal.
func (o *Organizer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SelfOrganizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.kick:
		}
		o.Cycle()
	}
}

// Cycle runs one self-organize pass. A concurrent structural mutation
// between the snapshot and the relabel transaction aborts the relabel
// (ErrTopologyConcurrent); the next cycle recomputes from fresh state.
func (o *Organizer) Cycle() {
	snap := o.topo.Snapshot()
	clusters := clusterize(snap)

	labels := make(map[hal9.UnitID]hal9.LayerTag)
	for i, c := range clusters {
		o.publish(hal9.EventClusterDetected, map[string]any{
			"rank":       i,
			"size":       len(c.Units),
			"speed":      c.Speed,
			"complexity": c.Complexity,
			"cohesion":   c.Cohesion,
		})
		// A cluster of one is left alone: a single unit's traffic is not
		// evidence of an emergent role.
		if len(c.Units) < 2 {
			continue
		}
		emergent, ok := emergentLabel(c.Speed, c.Complexity)
		if !ok {
			continue
		}
		for _, id := range c.Units {
			if snap.Units[id].Layer != emergent {
				labels[id] = emergent
			}
		}
	}

	if len(labels) > 0 {
		if err := o.topo.Relabel(snap.Version, labels); err != nil {
			if errors.Is(err, hal9.ErrTopologyConcurrent) {
				slog.Debug("relabel skipped, topology moved", "units", len(labels))
			} else {
				slog.Warn("relabel failed", "err", err)
			}
		} else {
			slog.Info("relabeled units", "count", len(labels))
		}
	}

	if pruned := o.topo.Prune(o.cfg.PruneThreshold); pruned > 0 {
		slog.Info("pruned weak edges", "count", pruned)
	}

	if o.annealing {
		o.anneal()
	}
}

// anneal proposes one small perturbation (removing the weakest edge, or
// adding an edge between an unconnected adjacent-depth pair) and accepts
// it when the energy function drops, or with Metropolis probability
// exp(-delta/T) at temperature 1.0 otherwise.
func (o *Organizer) anneal() {
	snap := o.topo.Snapshot()
	if len(snap.Units) < 2 {
		return
	}
	before := energy(snap, clusterize(snap))

	if o.rng.Float64() < 0.5 {
		// Removal: weakest edge.
		var weakest *hal9.Edge
		for i := range snap.Edges {
			if weakest == nil || snap.Edges[i].Strength < weakest.Strength {
				weakest = &snap.Edges[i]
			}
		}
		if weakest == nil {
			return
		}
		trial := snap
		trial.Edges = withoutEdge(snap.Edges, weakest.Source, weakest.Target)
		if o.accept(before, energy(trial, clusterize(trial))) {
			if err := o.topo.RemoveEdge(weakest.Source, weakest.Target); err == nil {
				slog.Debug("anneal removed edge", "source", weakest.Source, "target", weakest.Target)
			}
		}
		return
	}

	// Addition: first unconnected adjacent-depth pair found from a random
	// starting offset, so repeated cycles do not always probe the same
	// corner of the graph.
	ids := make([]hal9.UnitID, 0, len(snap.Units))
	for id := range snap.Units {
		ids = append(ids, id)
	}
	connected := make(map[[2]hal9.UnitID]struct{}, len(snap.Edges))
	for _, e := range snap.Edges {
		connected[[2]hal9.UnitID{e.Source, e.Target}] = struct{}{}
	}
	offset := o.rng.IntN(len(ids))
	for i := range ids {
		a := ids[(offset+i)%len(ids)]
		for j := i + 1; j < len(ids); j++ {
			b := ids[(offset+j)%len(ids)]
			if _, ok := connected[[2]hal9.UnitID{a, b}]; ok {
				continue
			}
			if !hal9.AdjacentDepth(snap.Units[a].Layer, snap.Units[b].Layer) {
				continue
			}
			trial := snap
			trial.Edges = append(append([]hal9.Edge(nil), snap.Edges...),
				hal9.Edge{Source: a, Target: b, Strength: 0.5},
				hal9.Edge{Source: b, Target: a, Strength: 0.5})
			if o.accept(before, energy(trial, clusterize(trial))) {
				if err := o.topo.Connect(a, b, 0.5); err == nil {
					slog.Debug("anneal added edge", "a", a, "b", b)
				}
			}
			return
		}
	}
}

func (o *Organizer) accept(before, after float64) bool {
	delta := after - before
	if delta < 0 {
		return true
	}
	return o.rng.Float64() < math.Exp(-delta/annealTemperature)
}

func withoutEdge(edges []hal9.Edge, source, target hal9.UnitID) []hal9.Edge {
	kept := make([]hal9.Edge, 0, len(edges))
	for _, e := range edges {
		if e.Source == source && e.Target == target {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func (o *Organizer) publish(kind hal9.EventKind, payload map[string]any) {
	o.bus.Publish(hal9.ObservationRecord{
		Timestamp: time.Now(),
		Source:    "selforganize",
		Kind:      kind,
		Payload:   payload,
	})
}
