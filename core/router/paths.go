package router

import (
	"sync"
	"time"

	"github.com/2lab-ai/hal9/core/hal9"
)

// pathStore remembers the ordered unit list each signal actually traversed
// so the Gradient Engine can walk it in reverse. Retention is bounded two
// ways, a TTL and a resident-path cap, whichever is hit first; expired
// entries are swept lazily on insert.
type pathStore struct {
	mu      sync.Mutex
	paths   map[hal9.SignalID]*pathEntry
	order   []hal9.SignalID // insertion order, oldest first
	ttl     time.Duration
	cap     int
	now     func() time.Time
}

type pathEntry struct {
	units []hal9.UnitID
	at    time.Time
}

func newPathStore(ttl time.Duration, capacity int) *pathStore {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if capacity <= 0 {
		capacity = 10000
	}
	return &pathStore{
		paths: make(map[hal9.SignalID]*pathEntry),
		ttl:   ttl,
		cap:   capacity,
		now:   time.Now,
	}
}

// Append records that the signal's propagation reached unit. The first
// append for a signal creates its entry and may trigger the lazy sweep.
func (p *pathStore) Append(sig hal9.SignalID, unit hal9.UnitID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.paths[sig]
	if !ok {
		p.sweepLocked()
		e = &pathEntry{at: p.now()}
		p.paths[sig] = e
		p.order = append(p.order, sig)
	}
	e.units = append(e.units, unit)
}

// Lookup returns the traversal path for a signal, if still retained.
func (p *pathStore) Lookup(sig hal9.SignalID) ([]hal9.UnitID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.paths[sig]
	if !ok {
		return nil, false
	}
	if p.now().Sub(e.at) > p.ttl {
		delete(p.paths, sig)
		return nil, false
	}
	units := make([]hal9.UnitID, len(e.units))
	copy(units, e.units)
	return units, true
}

// sweepLocked drops expired entries and, if still over capacity, evicts
// the oldest resident paths.
func (p *pathStore) sweepLocked() {
	cutoff := p.now().Add(-p.ttl)
	keep := p.order[:0]
	for _, sig := range p.order {
		e, ok := p.paths[sig]
		if !ok {
			continue
		}
		if e.at.Before(cutoff) {
			delete(p.paths, sig)
			continue
		}
		keep = append(keep, sig)
	}
	p.order = keep
	for len(p.order) >= p.cap {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.paths, oldest)
	}
}
