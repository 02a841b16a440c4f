package concurrent

import (
	"context"
	"sync"
	"time"

	"github.com/dermesser/clustermq/queue"
)

// BlockingQueue is an unbounded FIFO whose consumers block until an element is available.
// The element count is mirrored in a CounterSignal with threshold 1.
type BlockingQueue[T any] struct {
	mu     sync.Mutex
	q      queue.Queue[T]
	signal *CounterSignal
}

func NewBlockingQueue[T any]() *BlockingQueue[T] {
	return &BlockingQueue[T]{q: queue.NewQueue[T](16), signal: NewCounterSignal(1, 0)}
}

func (b *BlockingQueue[T]) Enqueue(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.q.Push(v)
	b.signal.Increment()
}

// EnqueueRange appends vs contiguously; no concurrent Enqueue is interleaved.
func (b *BlockingQueue[T]) EnqueueRange(vs []T) {
	if len(vs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, v := range vs {
		b.q.Push(v)
	}
	b.signal.Add(int64(len(vs)))
}

func (b *BlockingQueue[T]) TryDequeue() (v T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok = b.q.Pop()
	if ok {
		b.signal.Decrement()
	}
	return v, ok
}

// Dequeue waits for the signal and then tries to take an element, repeating if another
// consumer won the race.
func (b *BlockingQueue[T]) Dequeue(ctx context.Context) (T, error) {
	for {
		if err := b.signal.Wait(ctx); err != nil {
			var zero T
			return zero, err
		}
		if v, ok := b.TryDequeue(); ok {
			return v, nil
		}
	}
}

// DequeueTimeout is Dequeue bounded by d; ok is false if nothing arrived in time.
func (b *BlockingQueue[T]) DequeueTimeout(ctx context.Context, d time.Duration) (v T, ok bool, err error) {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			v, ok = b.TryDequeue()
			return v, ok, nil
		}
		set, err := b.signal.WaitTimeout(ctx, remaining)
		if err != nil {
			return v, false, err
		}
		if !set {
			return v, false, nil
		}
		if v, ok = b.TryDequeue(); ok {
			return v, true, nil
		}
	}
}

func (b *BlockingQueue[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Len()
}

func (b *BlockingQueue[T]) Signal() *CounterSignal {
	return b.signal
}

// Drain removes and returns all queued elements.
func (b *BlockingQueue[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, 0, b.q.Len())
	for {
		v, ok := b.q.Pop()
		if !ok {
			break
		}
		out = append(out, v)
	}
	b.signal.Add(-int64(len(out)))
	return out
}
