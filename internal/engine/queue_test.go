package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_EnqueueDequeue(t *testing.T) {
	q := newEventQueue()

	ok := q.Enqueue(Event{Type: EventTypeProposal, Invocation: &invocation{id: "inv-1"}})
	require.True(t, ok, "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, EventTypeProposal, got.Type)
	assert.Equal(t, "inv-1", got.Invocation.id)
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	for _, id := range []string{"A", "B", "C"} {
		q.Enqueue(Event{Type: EventTypeProposal, Invocation: &invocation{id: id}})
	}

	for _, want := range []string{"A", "B", "C"} {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, e.Invocation.id)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_WaitSignals(t *testing.T) {
	q := newEventQueue()

	done := make(chan string)
	go func() {
		for {
			if e, ok := q.TryDequeue(); ok {
				done <- e.Invocation.id
				return
			}
			<-q.Wait()
		}
	}()

	q.Enqueue(Event{Type: EventTypeResume, Invocation: &invocation{id: "inv-waiting"}})

	select {
	case id := <-done:
		assert.Equal(t, "inv-waiting", id)
	case <-time.After(time.Second):
		t.Fatal("waiter was not signalled")
	}
}

func TestEventQueue_CloseKeepsQueuedEvents(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(Event{Type: EventTypeProposal, Invocation: &invocation{id: "queued"}})
	q.Close()
	q.Close()

	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(Event{Type: EventTypeProposal}), "enqueue after close should return false")

	select {
	case <-q.Wait():
	default:
		t.Fatal("closed queue should not block waiters")
	}
	e, ok := q.TryDequeue()
	require.True(t, ok, "events queued before close are still delivered")
	assert.Equal(t, "queued", e.Invocation.id)
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_ThreadSafe(t *testing.T) {
	q := newEventQueue()

	const producers = 10
	const eventsPerProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < eventsPerProducer; i++ {
				q.Enqueue(Event{Type: EventTypeProposal, Invocation: &invocation{id: fmt.Sprintf("%d-%d", p, i)}})
			}
		}(p)
	}
	wg.Wait()
	q.Close()

	seen := make(map[string]bool)
	for {
		e, ok := q.TryDequeue()
		if !ok {
			break
		}
		seen[e.Invocation.id] = true
	}
	assert.Len(t, seen, producers*eventsPerProducer)
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "proposal", EventTypeProposal.String())
	assert.Equal(t, "expire", EventTypeExpire.String())
	assert.Equal(t, "unknown", EventType(0).String())
}
