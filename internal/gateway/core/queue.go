package core

import (
	"encoding/json"
	"sync"
	"time"
)

// EventQueue is the per-session FIFO of completed JSON events awaiting
// delivery on the session long-poll. Any goroutine may push; at most one
// long-poll request drains it at a time.
type EventQueue struct {
	mu     sync.Mutex
	events []json.RawMessage
	wake   chan struct{}

	// pollMu serializes readers so two concurrent GETs on the same
	// session cannot interleave event delivery.
	pollMu sync.Mutex
}

// NewEventQueue creates an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{wake: make(chan struct{}, 1)}
}

// Push appends an event and wakes a waiting poller, if any.
func (q *EventQueue) Push(ev json.RawMessage) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Poll pops the oldest event, waiting up to timeout for one to arrive.
// It returns false on timeout or when stop closes, in which case the
// caller answers with a keepalive.
func (q *EventQueue) Poll(timeout time.Duration, stop <-chan struct{}) (json.RawMessage, bool) {
	q.pollMu.Lock()
	defer q.pollMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events = q.events[1:]
			q.mu.Unlock()
			return ev, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-timer.C:
			return nil, false
		case <-stop:
			return nil, false
		}
	}
}
