package concurrent

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dermesser/clustermq"
)

func TestAtomicBool(t *testing.T) {
	var b AtomicBool

	assert.False(t, b.Set(true))
	assert.True(t, b.Set(true))
	assert.True(t, b.Get())

	// exchange fails: current value is true, comparand false
	assert.True(t, b.CompareExchange(false, false))
	assert.True(t, b.Get())

	// exchange succeeds
	assert.True(t, b.CompareExchange(false, true))
	assert.False(t, b.Get())
}

func TestAtomicBoolSingleWinner(t *testing.T) {
	var b AtomicBool
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !b.CompareExchange(true, false) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestCounterSignalTracksThreshold(t *testing.T) {
	const k = 3
	s := NewCounterSignal(k, 0)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 1000; i++ {
		switch rng.Intn(3) {
		case 0:
			s.Increment()
		case 1:
			s.Decrement()
		default:
			s.Add(int64(rng.Intn(7) - 3))
		}
		require.Equal(t, s.Value() >= k, s.IsSet(), "after operation %d", i)
	}
}

func TestCounterSignalInitialValue(t *testing.T) {
	assert.True(t, NewCounterSignal(1, 1).IsSet())
	assert.False(t, NewCounterSignal(1, 0).IsSet())
	assert.True(t, NewCounterSignal(0, 0).IsSet())
}

func TestCounterSignalWaitTimeout(t *testing.T) {
	s := NewCounterSignal(1, 0)

	set, err := s.WaitTimeout(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, set)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Increment()
	}()
	set, err = s.WaitTimeout(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, set)
}

func TestCounterSignalCancelIsNotTimeout(t *testing.T) {
	s := NewCounterSignal(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, clustermq.ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))

	set, err := s.WaitTimeout(ctx, time.Second)
	assert.False(t, set)
	assert.True(t, errors.Is(err, clustermq.ErrCancelled))
}

func TestCounterSignalManyWaiters(t *testing.T) {
	s := NewCounterSignal(1, 0)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Wait(context.Background()))
		}()
	}
	time.Sleep(10 * time.Millisecond)
	s.Increment()
	wg.Wait()
}

func TestBlockingQueueFIFO(t *testing.T) {
	q := NewBlockingQueue[int]()
	for i := 0; i < 50; i++ {
		q.Enqueue(i)
	}
	q.EnqueueRange([]int{50, 51, 52})
	require.Equal(t, 53, q.Len())
	require.True(t, q.Signal().IsSet())

	for i := 0; i < 53; i++ {
		v, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	assert.False(t, q.Signal().IsSet())
}

func TestBlockingQueueDequeueCancelled(t *testing.T) {
	q := NewBlockingQueue[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.True(t, errors.Is(err, clustermq.ErrCancelled))
}

func TestBlockingQueueDequeueTimeout(t *testing.T) {
	q := NewBlockingQueue[string]()
	_, ok, err := q.DequeueTimeout(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	q.Enqueue("x")
	v, ok, err := q.DequeueTimeout(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestBlockingQueueCompetingConsumers(t *testing.T) {
	q := NewBlockingQueue[int]()
	const n = 1000
	results := make(chan int, n)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				results <- v
			}
		}()
	}
	for i := 0; i < n; i++ {
		q.Enqueue(i)
	}

	seen := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		select {
		case v := <-results:
			require.False(t, seen[v], "duplicate %d", v)
			seen[v] = true
		case <-time.After(5 * time.Second):
			t.Fatal("consumers stalled after", i)
		}
	}
	cancel()
	wg.Wait()
	assert.Equal(t, 0, q.Len())
}

func TestBlockingQueueDrain(t *testing.T) {
	q := NewBlockingQueue[int]()
	q.EnqueueRange([]int{1, 2, 3})
	assert.Equal(t, []int{1, 2, 3}, q.Drain())
	assert.Equal(t, int64(0), q.Signal().Value())
}
