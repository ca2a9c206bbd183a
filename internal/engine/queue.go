package engine

import "sync"

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeProposal is a new invocation to validate.
	EventTypeProposal EventType = iota + 1
	// EventTypeResume re-enters validation for a parked invocation whose
	// ancestors are now linked.
	EventTypeResume
	// EventTypeExpire fails a parked invocation whose deadline passed.
	EventTypeExpire
	// EventTypeRecord writes a fact or event directly.
	EventTypeRecord
)

func (t EventType) String() string {
	switch t {
	case EventTypeProposal:
		return "proposal"
	case EventTypeResume:
		return "resume"
	case EventTypeExpire:
		return "expire"
	case EventTypeRecord:
		return "record"
	}
	return "unknown"
}

// Event is one unit of work for a scope writer.
type Event struct {
	Type       EventType
	Invocation *invocation
	Record     *recordRequest
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so a writer can hand derived proposals to another
// scope's writer without blocking, even when both feed each other.
//
// The queue uses a channel for signaling so a writer can wait without
// holding the lock.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

// newEventQueue creates an empty event queue.
func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// Nil out the slot so the backing array does not pin the invocation.
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available. A
// signal can be stale; callers retry TryDequeue and check Closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Closed reports whether Close was called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more events will be enqueued. Events already queued
// are still dequeued.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal) // Wakes all waiters
}
