package selforganize

import (
	"sort"

	"github.com/2lab-ai/hal9/core/hal9"
)

// Cluster is a transitively-closed group of units joined by strong edges
// (strength > clusterStrength), plus the averages emergent labeling runs
// on.
type Cluster struct {
	Units      []hal9.UnitID
	Speed      float64 // average processing speed over members
	Complexity float64 // average complexity over members
	Cohesion   float64 // mean strength of intra-cluster edges
}

const clusterStrength = 0.6

// clusterize forms clusters as the transitive closure of the
// strength > 0.6 relation, using union-find over the snapshot's edges.
func clusterize(snap hal9.TopologySnapshot) []Cluster {
	parent := make(map[hal9.UnitID]hal9.UnitID, len(snap.Units))
	var find func(id hal9.UnitID) hal9.UnitID
	find = func(id hal9.UnitID) hal9.UnitID {
		if parent[id] != id {
			parent[id] = find(parent[id])
		}
		return parent[id]
	}
	union := func(a, b hal9.UnitID) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for id := range snap.Units {
		parent[id] = id
	}
	for _, e := range snap.Edges {
		if e.Strength > clusterStrength {
			union(e.Source, e.Target)
		}
	}

	members := make(map[hal9.UnitID][]hal9.UnitID)
	for id := range snap.Units {
		root := find(id)
		members[root] = append(members[root], id)
	}

	// Intra-cluster edge strengths feed cohesion.
	strength := make(map[hal9.UnitID][]float64)
	for _, e := range snap.Edges {
		rs, rt := find(e.Source), find(e.Target)
		if rs == rt {
			strength[rs] = append(strength[rs], e.Strength)
		}
	}

	clusters := make([]Cluster, 0, len(members))
	for root, ids := range members {
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
		c := Cluster{Units: ids}
		for _, id := range ids {
			u := snap.Units[id]
			c.Speed += u.Speed
			c.Complexity += u.Complexity
		}
		n := float64(len(ids))
		c.Speed /= n
		c.Complexity /= n
		if ss := strength[root]; len(ss) > 0 {
			var total float64
			for _, s := range ss {
				total += s
			}
			c.Cohesion = total / float64(len(ss))
		}
		clusters = append(clusters, c)
	}

	// Hierarchy order: descending average speed.
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Speed > clusters[j].Speed })
	return clusters
}

// emergentLabel maps a cluster's (speed, complexity) averages onto a layer
// tag. The zero return with ok=false means "unchanged": the cluster keeps
// whatever labels its members already carry (a specialized cluster the
// rule does not claim).
func emergentLabel(speed, complexity float64) (hal9.LayerTag, bool) {
	switch {
	case speed > 0.8 && complexity < 0.3:
		return hal9.LayerReflexive, true
	case speed > 0.6 && speed <= 0.8 && complexity < 0.5:
		return hal9.LayerImplementation, true
	case speed > 0.4 && speed <= 0.6 && complexity >= 0.4 && complexity <= 0.6:
		return hal9.LayerOperational, true
	case speed <= 0.4 && complexity > 0.6:
		if complexity > 0.85 {
			return hal9.LayerStrategic, true
		}
		return hal9.LayerTactical, true
	default:
		return 0, false
	}
}
