package history

import (
	"sync"

	"github.com/haasonsaas/bitmesh/pkg/message"
)

// DefaultCapacity is the number of messages kept for conversational context.
const DefaultCapacity = 100

// Ring is a bounded FIFO of recently seen messages. It has one writer (the
// receive path) and any number of readers.
type Ring struct {
	mu       sync.RWMutex
	capacity int
	entries  []message.Message
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		capacity: capacity,
		entries:  make([]message.Message, 0, capacity),
	}
}

// Append adds m, evicting the oldest entry when the ring is full.
func (r *Ring) Append(m message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == r.capacity {
		copy(r.entries, r.entries[1:])
		r.entries[len(r.entries)-1] = m
		return
	}
	r.entries = append(r.entries, m)
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Ring) Capacity() int {
	return r.capacity
}

// Snapshot returns a copy of the ring, oldest first.
func (r *Ring) Snapshot() []message.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]message.Message, len(r.entries))
	copy(out, r.entries)
	return out
}

// Before returns up to n messages that precede the message with the given id,
// oldest first. If the id is no longer in the ring, the newest n entries are
// returned instead.
func (r *Ring) Before(id string, n int) []message.Message {
	if n <= 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	end := len(r.entries)
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].ID == id {
			end = i
			break
		}
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	out := make([]message.Message, end-start)
	copy(out, r.entries[start:end])
	return out
}
