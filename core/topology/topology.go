// Package topology implements C2: the directed graph of units and weighted
// edges, the ±1 adjacency rule, peer discovery, and connection decisions.
// The graph lives behind a single readers-writer lock; mutators take the
// write lock, Snapshot takes the read lock and returns a cheap copy.
package topology

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2lab-ai/hal9/core/hal9"
)

// Profile describes a unit to the topology: its layer plus the placement
// signals discovery and self-organization score against.
type Profile struct {
	Layer        hal9.LayerTag
	Capabilities []string
	Speed        float64 // [0,1], higher is faster
	Complexity   float64 // [0,1], higher is more elaborate processing
}

type node struct {
	id      hal9.UnitID
	profile Profile
}

// Topology is the live graph. All structural state is guarded by mu;
// version increments on every structural mutation so snapshot-derived
// plans can detect concurrent change (ErrTopologyConcurrent).
type Topology struct {
	mu      sync.RWMutex
	nodes   map[hal9.UnitID]*node
	out     map[hal9.UnitID]map[hal9.UnitID]*hal9.Edge
	in      map[hal9.UnitID]map[hal9.UnitID]struct{}
	layers  map[hal9.LayerTag]map[hal9.UnitID]struct{}
	version uint64

	cfg hal9.Config
	bus *hal9.Bus
	now func() time.Time

	driftThreshold float64
	onDrift        func()
}

// New builds an empty topology publishing structural events to bus.
func New(cfg hal9.Config, bus *hal9.Bus) *Topology {
	return &Topology{
		nodes:          make(map[hal9.UnitID]*node),
		out:            make(map[hal9.UnitID]map[hal9.UnitID]*hal9.Edge),
		in:             make(map[hal9.UnitID]map[hal9.UnitID]struct{}),
		layers:         make(map[hal9.LayerTag]map[hal9.UnitID]struct{}),
		cfg:            cfg,
		bus:            bus,
		now:            time.Now,
		driftThreshold: 20,
	}
}

// Initial peer budget: up to 3 peers in the same layer plus up to 2 from
// each adjacent layer.
const (
	sameLayerPeers     = 3
	adjacentLayerPeers = 2
	initialStrength    = 0.5
	defaultPlasticity  = 0.5
)

// PlaceUnit inserts the unit, picks its initial neighbors by compatibility
// (same layer first, then each adjacent layer), connects them
// bidirectionally at the initial strength, and returns the chosen peers
// with a position-quality score (mean compatibility of the chosen peers).
func (t *Topology) PlaceUnit(id hal9.UnitID, profile Profile) (hal9.NetworkPosition, error) {
	t.mu.Lock()
	if _, exists := t.nodes[id]; exists {
		t.mu.Unlock()
		return hal9.NetworkPosition{}, hal9.ErrFatalCoreInvariantBroken
	}
	t.insertLocked(id, profile)

	type candidate struct {
		id     hal9.UnitID
		score  float64
		degree int
	}
	pick := func(layer hal9.LayerTag, budget int) []candidate {
		var cands []candidate
		for other := range t.layers[layer] {
			if other == id {
				continue
			}
			n := t.nodes[other]
			cands = append(cands, candidate{
				id:     other,
				score:  Compatibility(profile, n.profile),
				degree: len(t.out[other]),
			})
		}
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].score != cands[j].score {
				return cands[i].score > cands[j].score
			}
			// Tie-break: prefer the less-connected peer.
			return cands[i].degree < cands[j].degree
		})
		if len(cands) > budget {
			cands = cands[:budget]
		}
		return cands
	}

	var chosen []candidate
	chosen = append(chosen, pick(profile.Layer, sameLayerPeers)...)
	chosen = append(chosen, pick(profile.Layer-1, adjacentLayerPeers)...)
	chosen = append(chosen, pick(profile.Layer+1, adjacentLayerPeers)...)

	pos := hal9.NetworkPosition{Unit: id}
	var total float64
	for _, c := range chosen {
		t.connectLocked(id, c.id, initialStrength)
		pos.Peers = append(pos.Peers, c.id)
		total += c.score
	}
	if len(chosen) > 0 {
		pos.Quality = total / float64(len(chosen))
	}
	t.version++
	t.mu.Unlock()

	slog.Info("placed unit", "id", id, "layer", profile.Layer.String(), "peers", len(pos.Peers))
	return pos, nil
}

func (t *Topology) insertLocked(id hal9.UnitID, profile Profile) {
	t.nodes[id] = &node{id: id, profile: profile}
	t.out[id] = make(map[hal9.UnitID]*hal9.Edge)
	t.in[id] = make(map[hal9.UnitID]struct{})
	if t.layers[profile.Layer] == nil {
		t.layers[profile.Layer] = make(map[hal9.UnitID]struct{})
	}
	t.layers[profile.Layer][id] = struct{}{}
}

// Connect creates a bidirectional connection (two directed edges of equal
// initial strength) between a and b. Fails with ErrAdjacencyViolation when
// the units are more than one layer of depth apart.
func (t *Topology) Connect(a, b hal9.UnitID, strength float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	na, ok := t.nodes[a]
	if !ok {
		return hal9.ErrUnitNotFound
	}
	nb, ok := t.nodes[b]
	if !ok {
		return hal9.ErrUnitNotFound
	}
	if !hal9.AdjacentDepth(na.profile.Layer, nb.profile.Layer) {
		return hal9.ErrAdjacencyViolation
	}
	t.connectLocked(a, b, strength)
	t.version++
	t.maybeDriftLocked()
	return nil
}

// connectLocked inserts both directed edges, or resets the strength of an
// edge that already exists: an explicit connect is a statement about the
// current strength, not a no-op. Callers hold the write lock and have
// already validated adjacency.
func (t *Topology) connectLocked(a, b hal9.UnitID, strength float64) {
	now := t.now()
	if e, ok := t.out[a][b]; ok {
		e.Strength = strength
	} else {
		t.out[a][b] = &hal9.Edge{Source: a, Target: b, Strength: strength, Plasticity: defaultPlasticity, LastInteraction: now}
		t.in[b][a] = struct{}{}
		t.publish(hal9.EventEdgeFormed, map[string]any{"source": a.String(), "target": b.String(), "strength": strength})
	}
	if e, ok := t.out[b][a]; ok {
		e.Strength = strength
	} else {
		t.out[b][a] = &hal9.Edge{Source: b, Target: a, Strength: strength, Plasticity: defaultPlasticity, LastInteraction: now}
		t.in[a][b] = struct{}{}
		t.publish(hal9.EventEdgeFormed, map[string]any{"source": b.String(), "target": a.String(), "strength": strength})
	}
}

// AreConnected reports whether a directed edge a→b exists.
func (t *Topology) AreConnected(a, b hal9.UnitID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.out[a][b]
	return ok
}

// Remove deletes the unit and every incident edge, both directions.
func (t *Topology) Remove(id hal9.UnitID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return hal9.ErrUnitNotFound
	}
	for target := range t.out[id] {
		delete(t.in[target], id)
	}
	for source := range t.in[id] {
		delete(t.out[source], id)
	}
	delete(t.out, id)
	delete(t.in, id)
	delete(t.layers[n.profile.Layer], id)
	delete(t.nodes, id)
	t.version++
	return nil
}

// RecordInteraction strengthens or weakens the directed edge a→b: success
// multiplies strength by 1.1 (clamped to 1.0), failure by 0.9 (floored at
// 0.1). Also bumps the interaction counter and the last-interaction stamp.
func (t *Topology) RecordInteraction(a, b hal9.UnitID, success bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.out[a][b]
	if !ok {
		return hal9.ErrEdgeNotFound
	}
	if success {
		e.Strength *= 1.1
		if e.Strength > 1.0 {
			e.Strength = 1.0
		}
	} else {
		e.Strength *= 0.9
		if e.Strength < 0.1 {
			e.Strength = 0.1
		}
	}
	e.Interactions++
	e.LastInteraction = t.now()
	return nil
}

// Snapshot returns a consistent copy of the graph under the read lock.
// Edge values are copied, so the caller's view never moves underneath it.
func (t *Topology) Snapshot() hal9.TopologySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := hal9.TopologySnapshot{
		Version:    t.version,
		Units:      make(map[hal9.UnitID]hal9.SnapshotUnit, len(t.nodes)),
		LayerIndex: make(map[hal9.LayerTag][]hal9.UnitID, len(t.layers)),
	}
	for id, n := range t.nodes {
		caps := make([]string, len(n.profile.Capabilities))
		copy(caps, n.profile.Capabilities)
		snap.Units[id] = hal9.SnapshotUnit{
			ID:           id,
			Layer:        n.profile.Layer,
			Speed:        n.profile.Speed,
			Complexity:   n.profile.Complexity,
			Capabilities: caps,
		}
	}
	for _, targets := range t.out {
		for _, e := range targets {
			snap.Edges = append(snap.Edges, *e)
		}
	}
	for layer, ids := range t.layers {
		ordered := make([]hal9.UnitID, 0, len(ids))
		for id := range ids {
			ordered = append(ordered, id)
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].String() < ordered[j].String() })
		snap.LayerIndex[layer] = ordered
	}
	return snap
}

// Layer returns the unit's layer tag.
func (t *Topology) Layer(id hal9.UnitID) (hal9.LayerTag, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return 0, false
	}
	return n.profile.Layer, true
}

// UnitsInLayer returns the ids currently tagged with the given layer.
func (t *Topology) UnitsInLayer(layer hal9.LayerTag) []hal9.UnitID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]hal9.UnitID, 0, len(t.layers[layer]))
	for id := range t.layers[layer] {
		ids = append(ids, id)
	}
	return ids
}

// Targets returns the ids the unit has outgoing edges to, restricted to
// the given layer.
func (t *Topology) Targets(from hal9.UnitID, layer hal9.LayerTag) []hal9.UnitID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []hal9.UnitID
	for target := range t.out[from] {
		if n, ok := t.nodes[target]; ok && n.profile.Layer == layer {
			ids = append(ids, target)
		}
	}
	return ids
}

// Relabel applies an emergent relabeling computed from a snapshot. The
// transaction re-validates every edge incident to a relabeled unit and
// deletes those that violate the adjacency rule under the new labeling.
// If the topology's version moved past the snapshot the plan was
// computed from, nothing is applied and ErrTopologyConcurrent is returned
// so the caller recomputes from a fresh snapshot.
func (t *Topology) Relabel(snapshotVersion uint64, labels map[hal9.UnitID]hal9.LayerTag) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.version != snapshotVersion {
		return hal9.ErrTopologyConcurrent
	}
	for id, layer := range labels {
		n, ok := t.nodes[id]
		if !ok {
			return hal9.ErrUnitNotFound
		}
		delete(t.layers[n.profile.Layer], id)
		n.profile.Layer = layer
		if t.layers[layer] == nil {
			t.layers[layer] = make(map[hal9.UnitID]struct{})
		}
		t.layers[layer][id] = struct{}{}
	}
	// Re-validate every edge touching a relabeled unit.
	for id := range labels {
		for target, e := range t.out[id] {
			if !t.adjacentLocked(id, target) {
				t.removeEdgeLocked(e)
			}
		}
		for source := range t.in[id] {
			if e, ok := t.out[source][id]; ok && !t.adjacentLocked(source, id) {
				t.removeEdgeLocked(e)
			}
		}
	}
	t.version++
	return nil
}

func (t *Topology) adjacentLocked(a, b hal9.UnitID) bool {
	na, ok := t.nodes[a]
	if !ok {
		return false
	}
	nb, ok := t.nodes[b]
	if !ok {
		return false
	}
	return hal9.AdjacentDepth(na.profile.Layer, nb.profile.Layer)
}

func (t *Topology) removeEdgeLocked(e *hal9.Edge) {
	delete(t.out[e.Source], e.Target)
	delete(t.in[e.Target], e.Source)
	t.publish(hal9.EventEdgePruned, map[string]any{"source": e.Source.String(), "target": e.Target.String(), "strength": e.Strength})
}

// Prune removes every edge with strength strictly below the threshold. An
// edge at exactly the threshold is retained. Returns how many edges went.
func (t *Topology) Prune(threshold float64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	pruned := 0
	for _, targets := range t.out {
		for _, e := range targets {
			if e.Strength < threshold {
				t.removeEdgeLocked(e)
				pruned++
			}
		}
	}
	if pruned > 0 {
		t.version++
	}
	return pruned
}

// Degree returns the unit's outgoing edge count.
func (t *Topology) Degree(id hal9.UnitID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.out[id])
}

// EdgeBetween returns a copy of the directed edge a→b.
func (t *Topology) EdgeBetween(a, b hal9.UnitID) (hal9.Edge, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.out[a][b]
	if !ok {
		return hal9.Edge{}, false
	}
	return *e, true
}

// CheckInvariants verifies that every edge endpoint exists and that the
// adjacency rule holds on every edge of the live graph. Any violation is the fatal
// class: the engine stops scheduling on it.
func (t *Topology) CheckInvariants() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for source, targets := range t.out {
		if _, ok := t.nodes[source]; !ok {
			return hal9.ErrFatalCoreInvariantBroken
		}
		for target := range targets {
			if _, ok := t.nodes[target]; !ok {
				return hal9.ErrFatalCoreInvariantBroken
			}
			if !t.adjacentLocked(source, target) {
				return hal9.ErrFatalCoreInvariantBroken
			}
		}
	}
	return nil
}

// maybeDriftLocked publishes a structure-drift observation when mean
// connectivity crosses the drift threshold; the Self-Organizer treats it
// as an early trigger for its next cycle.
func (t *Topology) maybeDriftLocked() {
	if len(t.nodes) == 0 {
		return
	}
	total := 0
	for _, targets := range t.out {
		total += len(targets)
	}
	mean := float64(total) / float64(len(t.nodes))
	if mean > t.driftThreshold {
		t.publish(hal9.EventStructureDrift, map[string]any{"mean_connectivity": mean})
		if t.onDrift != nil {
			go t.onDrift()
		}
	}
}

// SetDriftFunc registers the callback invoked (on its own goroutine) when
// structural drift is detected; the engine points it at the
// Self-Organizer's early trigger.
func (t *Topology) SetDriftFunc(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDrift = f
}

// RemoveEdge deletes the directed edge a→b, if present. Used by the
// annealing step; pruning by threshold goes through Prune.
func (t *Topology) RemoveEdge(a, b hal9.UnitID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.out[a][b]
	if !ok {
		return hal9.ErrEdgeNotFound
	}
	t.removeEdgeLocked(e)
	t.version++
	return nil
}

func (t *Topology) publish(kind hal9.EventKind, payload map[string]any) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(hal9.ObservationRecord{
		Timestamp: t.now(),
		Source:    "topology",
		Kind:      kind,
		Payload:   payload,
	})
}
