package hal9

import "sync"

// Bus is the bounded, drop-oldest, multi-producer/single-consumer
// observation channel: Router, Gradient Engine, Topology, and
// Self-Organizer publish; the Observer is the sole consumer. It is the
// standard ring-buffer-over-channel: a non-blocking send that, on a full
// channel, first drains one record to make room, then sends.
type Bus struct {
	mu sync.Mutex
	ch chan ObservationRecord
}

// NewBus allocates a bus with the given capacity (Config.ObservationBuffer).
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{ch: make(chan ObservationRecord, capacity)}
}

// Publish records an observation, evicting the oldest record if the bus is
// full. Never blocks.
func (b *Bus) Publish(rec ObservationRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case b.ch <- rec:
		return
	default:
	}
	select {
	case <-b.ch:
	default:
	}
	select {
	case b.ch <- rec:
	default:
	}
}

// Subscribe returns the receive-only channel callers drain. Filtering by
// kind is the caller's responsibility.
func (b *Bus) Subscribe() <-chan ObservationRecord {
	return b.ch
}
