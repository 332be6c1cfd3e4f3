package authority

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/trackhead/internal/debug"
)

// EventKind names an authority transition worth recording.
type EventKind string

const (
	EventModeRequested    EventKind = "mode_requested"
	EventOverrideEngaged  EventKind = "override_engaged"
	EventOverrideReleased EventKind = "override_released"
	EventWatchdogTripped  EventKind = "watchdog_tripped"
	EventWatchdogCleared  EventKind = "watchdog_cleared"
	EventNeutralForced    EventKind = "neutral_forced"
)

// Event is emitted on authority transitions (not on every cycle).
type Event struct {
	At     time.Time `json:"at"`
	Kind   EventKind `json:"kind"`
	Mode   Mode      `json:"mode"` // effective mode after the transition
	Detail string    `json:"detail,omitempty"`
}

// Queue delivers events to a handler on its own goroutine so that slow
// sinks (database, network) never run on the control or watchdog path.
// Events that arrive while the buffer is full are dropped and counted.
type Queue struct {
	ch      chan Event
	fn      func(Event)
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// NewQueue starts a goroutine feeding fn from a buffer of size events.
func NewQueue(size int, fn func(Event)) *Queue {
	if size <= 0 {
		size = 1
	}
	q := &Queue{ch: make(chan Event, size), fn: fn, done: make(chan struct{})}
	go func() {
		defer close(q.done)
		for ev := range q.ch {
			q.fn(ev)
		}
	}()
	return q
}

// Handle enqueues ev without blocking.
func (q *Queue) Handle(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.dropped.Add(1)
		return
	}
	select {
	case q.ch <- ev:
	default:
		q.dropped.Add(1)
		debug.Warn("authority event %s dropped: queue full", ev.Kind)
	}
}

// Dropped returns how many events were discarded.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Close stops accepting events and waits for queued ones to be handled.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	<-q.done
}
