// Package audit implements an append-only event stream: an in-memory
// ring buffer of observable state transitions, each carrying a
// correlation id, with an optional external Sink for forwarding.
// Append-only, oldest-evicted-first, no built-in consumption contract —
// metrics are routed externally and audit consumption stays minimal.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one recorded state transition.
type Event struct {
	ID            string
	Type          string // e.g. "workflow.started"
	CorrelationID string
	WorkflowID    string
	At            time.Time
	Detail        map[string]any
}

// Sink receives a copy of every recorded Event. Implementations must
// not block the caller for long; Buffer invokes sinks synchronously.
type Sink interface {
	Record(e Event)
}

// Buffer is a fixed-capacity, append-only ring buffer of Events, with
// optional fan-out to external Sinks.
type Buffer struct {
	mu       sync.Mutex
	entries  []Event
	cap      int
	next     int
	size     int
	external []Sink
}

// NewBuffer builds a Buffer holding at most capacity events.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Buffer{entries: make([]Event, capacity), cap: capacity}
}

// AddSink registers an external Sink to receive every future Record call.
func (b *Buffer) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.external = append(b.external, s)
}

// Record appends e, assigning a correlation id if one wasn't supplied,
// evicting the oldest entry once the buffer is full.
func (b *Buffer) Record(e Event) {
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.Lock()
	b.entries[b.next] = e
	b.next = (b.next + 1) % b.cap
	if b.size < b.cap {
		b.size++
	}
	sinks := append([]Sink(nil), b.external...)
	b.mu.Unlock()

	for _, s := range sinks {
		s.Record(e)
	}
}

// Recent returns up to n of the most recently recorded events, oldest
// first. n <= 0 returns every retained event.
func (b *Buffer) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]Event, 0, n)
	start := (b.next - n + b.cap) % b.cap
	for i := 0; i < n; i++ {
		out = append(out, b.entries[(start+i)%b.cap])
	}
	return out
}
