package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueTryPushFrontPop(t *testing.T) {
	q := NewQueue[int](4)
	require.True(t, q.Empty())

	for i := 0; i < 3; i++ {
		require.True(t, q.TryPush(i))
	}
	require.False(t, q.TryPush(99), "queue should be full with one free slot kept")

	for i := 0; i < 3; i++ {
		v, ok := q.Front()
		require.True(t, ok)
		assert.Equal(t, i, v)
		q.Pop()
	}
	assert.True(t, q.Empty())
}

func TestQueueCapacityRoundsUpToPowerOfTwo(t *testing.T) {
	q := NewQueue[int](5)
	assert.Equal(t, 8, q.Cap())
}

// TestQueueFIFOUnderConcurrency is the property test for Testable Property 5:
// under one producer and one consumer, every pushed value is popped exactly
// once, in FIFO order, regardless of interleaving.
func TestQueueFIFOUnderConcurrency(t *testing.T) {
	const n = 200000
	q := NewQueue[int](64)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for !q.TryPush(i) {
				// Spin: producer never blocks internally, but the test
				// harness is allowed to retry until the consumer drains.
			}
		}
	}()

	received := make([]int, 0, n)
	go func() {
		defer wg.Done()
		for len(received) < n {
			v, ok := q.Front()
			if !ok {
				continue
			}
			received = append(received, v)
			q.Pop()
		}
	}()

	wg.Wait()
	require.Len(t, received, n)
	for i, v := range received {
		if v != i {
			t.Fatalf("FIFO violated at index %d: got %d, want %d", i, v, i)
		}
	}
}
