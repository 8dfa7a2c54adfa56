package graph

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := newQueue[int]()
	for i := 1; i <= 3; i++ {
		require.True(t, q.Enqueue(i))
	}
	assert.Equal(t, 3, q.Len())

	for want := 1; want <= 3; want++ {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestQueue_DrainClosesAndReturnsRemaining(t *testing.T) {
	q := newQueue[string]()
	q.Enqueue("a")
	q.Enqueue("b")

	assert.Equal(t, []string{"a", "b"}, q.Drain())
	assert.False(t, q.Enqueue("c"))
	assert.Zero(t, q.Len())

	select {
	case _, open := <-q.Wait():
		assert.False(t, open, "closed queue wakes waiters")
	default:
		t.Fatal("Wait channel should be closed")
	}

	// Closing twice is harmless.
	q.Close()
}

func TestQueue_WakesEveryConsumer(t *testing.T) {
	q := newQueue[int]()
	const consumers = 4

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got []int
	)
	stop := make(chan struct{})
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if v, ok := q.TryDequeue(); ok {
					mu.Lock()
					got = append(got, v)
					mu.Unlock()
					continue
				}
				select {
				case <-stop:
					return
				case <-q.Wait():
				}
			}
		}()
	}

	for i := 0; i < 100; i++ {
		q.Enqueue(i)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, 5*time.Second, 5*time.Millisecond)

	close(stop)
	wg.Wait()
}
