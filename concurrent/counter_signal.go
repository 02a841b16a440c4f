package concurrent

import (
	"context"
	"sync"
	"time"

	"github.com/dermesser/clustermq"
)

/*
CounterSignal is a counter with a waitable signal that is set exactly while the counter is
greater than or equal to a fixed threshold.

Every mutation recomputes the signal from the counter under the same lock, so IsSet always
agrees with Value after each single operation. Any number of goroutines may Wait concurrently.
*/
type CounterSignal struct {
	mu        sync.Mutex
	value     int64
	threshold int64
	// closed while the signal is set; replaced by an open channel on reset
	set chan struct{}
	on  bool
}

func NewCounterSignal(threshold, initial int64) *CounterSignal {
	s := &CounterSignal{threshold: threshold, value: initial, set: make(chan struct{})}
	s.update()
	return s
}

// must hold s.mu
func (s *CounterSignal) update() {
	should := s.value >= s.threshold
	if should == s.on {
		return
	}
	s.on = should
	if should {
		close(s.set)
	} else {
		s.set = make(chan struct{})
	}
}

func (s *CounterSignal) Add(delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value += delta
	s.update()
	return s.value
}

func (s *CounterSignal) Increment() int64 {
	return s.Add(1)
}

func (s *CounterSignal) Decrement() int64 {
	return s.Add(-1)
}

func (s *CounterSignal) Value() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *CounterSignal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// C returns a channel that is closed while the signal is set. A reset after the
// channel was obtained does not reopen it; callers re-check after waking.
func (s *CounterSignal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Wait blocks until the signal is set or ctx is done. Cancellation is reported as
// clustermq.ErrCancelled wrapping the context error.
func (s *CounterSignal) Wait(ctx context.Context) error {
	select {
	case <-s.C():
		return nil
	case <-ctx.Done():
		return clustermq.WrapError(clustermq.ErrCancelled, "wait", ctx.Err())
	}
}

// WaitTimeout is Wait bounded by d. It returns false without an error if d elapsed first.
func (s *CounterSignal) WaitTimeout(ctx context.Context, d time.Duration) (bool, error) {
	ch := s.C()
	select {
	case <-ch:
		return true, nil
	default:
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true, nil
	case <-t.C:
		return false, nil
	case <-ctx.Done():
		return false, clustermq.WrapError(clustermq.ErrCancelled, "wait", ctx.Err())
	}
}
