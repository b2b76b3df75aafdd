package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerQueue_FIFO(t *testing.T) {
	q := newTriggerQueue()

	for _, r := range []Reason{ReasonStartup, ReasonOnline, ReasonUser} {
		require.True(t, q.Enqueue(Trigger{Reason: r}))
	}

	for _, want := range []Reason{ReasonStartup, ReasonOnline, ReasonUser} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.Reason)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestTriggerQueue_SignalCoalesces(t *testing.T) {
	q := newTriggerQueue()
	q.Enqueue(Trigger{Reason: ReasonPeriodic})
	q.Enqueue(Trigger{Reason: ReasonUser})

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-q.Wait():
		t.Fatal("signals should coalesce into one")
	default:
	}
	assert.Equal(t, 2, q.Len())
}

func TestTriggerQueue_DrainAll(t *testing.T) {
	q := newTriggerQueue()
	assert.Nil(t, q.DrainAll())

	q.Enqueue(Trigger{Reason: ReasonEnqueue})
	q.Enqueue(Trigger{Reason: ReasonUser})

	got := q.DrainAll()
	require.Len(t, got, 2)
	assert.Equal(t, ReasonEnqueue, got[0].Reason)
	assert.Equal(t, 0, q.Len())
}

func TestTriggerQueue_Close(t *testing.T) {
	q := newTriggerQueue()
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(Trigger{Reason: ReasonUser}), "enqueue after close should return false")

	select {
	case _, ok := <-q.Wait():
		assert.False(t, ok, "wait channel closed")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("close did not wake the waiter")
	}
}

func TestTriggerQueue_ThreadSafe(t *testing.T) {
	q := newTriggerQueue()

	const producers = 10
	const perProducer = 50

	var wg sync.WaitGroup
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perProducer {
				q.Enqueue(Trigger{Reason: ReasonEnqueue})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, q.DrainAll(), producers*perProducer)
}
