package topology

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2lab-ai/hal9/core/hal9"
)

// DiscoveryRecord is what a newly placed unit broadcasts on the in-process
// discovery bus: identity, layer, capability tags, and whether it is still
// seeking peers.
type DiscoveryRecord struct {
	Unit         hal9.UnitID
	Layer        hal9.LayerTag
	Capabilities []string
	Speed        float64
	Complexity   float64
	Seeking      bool

	seq uint64
	at  time.Time
}

// compatibility weights: capability overlap 0.4, processing-speed
// complementarity 0.3, complexity complementarity 0.3.
const (
	weightCapabilities = 0.4
	weightSpeed        = 0.3
	weightComplexity   = 0.3
	compatibilityFloor = 0.5
)

// Compatibility scores how well two profiles pair. Capability overlap is
// Jaccard over the tag sets. Speed scores best when the two differ by a
// complementary margin (difference in [0.3, 0.7] earns the full 0.3;
// nearly identical speeds earn 0.2; extreme mismatch earns 0.1).
// Complexity complements when the pair covers the spectrum together, i.e.
// the two values sum near 1.
func Compatibility(a, b Profile) float64 {
	score := weightCapabilities * jaccard(a.Capabilities, b.Capabilities)

	diff := a.Speed - b.Speed
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff >= 0.3 && diff <= 0.7:
		score += weightSpeed
	case diff < 0.3:
		score += 0.2
	default:
		score += 0.1
	}

	comp := a.Complexity + b.Complexity - 1
	if comp < 0 {
		comp = -comp
	}
	score += weightComplexity * (1 - comp)
	return score
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, tag := range a {
		set[tag] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, tag := range b {
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		if _, ok := set[tag]; ok {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// Discovery is the passive service watching the broadcast window. It keeps
// a sliding window of recent records (default 100, draining the oldest 50
// when full) and, for each new record, pairs it against windowed records
// within one layer of depth whose compatibility clears the floor.
type Discovery struct {
	mu     sync.Mutex
	window []DiscoveryRecord
	seq    uint64

	topo       *Topology
	windowSize int
	now        func() time.Time
}

// NewDiscovery builds the service over the given topology. windowSize <= 0
// falls back to the configured default.
func NewDiscovery(topo *Topology, windowSize int) *Discovery {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &Discovery{
		topo:       topo,
		windowSize: windowSize,
		now:        time.Now,
	}
}

// Broadcast publishes a discovery record and connects the sender to the
// best compatible candidates already in the window. Candidate order:
// highest compatibility first; ties prefer the peer with fewer current
// connections, then the older discovery record.
func (d *Discovery) Broadcast(rec DiscoveryRecord) []hal9.UnitID {
	d.mu.Lock()
	d.seq++
	rec.seq = d.seq
	rec.at = d.now()
	if len(d.window) >= d.windowSize {
		drain := d.windowSize / 2
		d.window = append([]DiscoveryRecord(nil), d.window[drain:]...)
	}
	candidates := make([]DiscoveryRecord, len(d.window))
	copy(candidates, d.window)
	d.window = append(d.window, rec)
	d.mu.Unlock()

	if !rec.Seeking {
		return nil
	}

	self := Profile{Layer: rec.Layer, Capabilities: rec.Capabilities, Speed: rec.Speed, Complexity: rec.Complexity}
	type match struct {
		rec   DiscoveryRecord
		score float64
	}
	var matches []match
	for _, cand := range candidates {
		if cand.Unit == rec.Unit {
			continue
		}
		if !hal9.AdjacentDepth(rec.Layer, cand.Layer) {
			continue
		}
		other := Profile{Layer: cand.Layer, Capabilities: cand.Capabilities, Speed: cand.Speed, Complexity: cand.Complexity}
		if score := Compatibility(self, other); score > compatibilityFloor {
			matches = append(matches, match{rec: cand, score: score})
		}
	}
	// Order: highest compatibility first; ties prefer the peer with fewer
	// current connections, then the older discovery record.
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		di, dj := d.topo.Degree(matches[i].rec.Unit), d.topo.Degree(matches[j].rec.Unit)
		if di != dj {
			return di < dj
		}
		return matches[i].rec.seq < matches[j].rec.seq
	})

	var connected []hal9.UnitID
	for _, m := range matches {
		if d.topo.AreConnected(rec.Unit, m.rec.Unit) {
			continue
		}
		if err := d.topo.Connect(rec.Unit, m.rec.Unit, initialStrength); err != nil {
			slog.Debug("discovery connect refused", "from", rec.Unit, "to", m.rec.Unit, "err", err)
			continue
		}
		connected = append(connected, m.rec.Unit)
	}
	return connected
}
