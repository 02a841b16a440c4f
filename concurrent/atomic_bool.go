package concurrent

import "sync/atomic"

// AtomicBool is a lock-free flag used for busy/cancelled/started markers.
// The zero value is false and ready to use.
type AtomicBool struct {
	v atomic.Bool
}

// Set stores v unconditionally and returns the previous value.
func (b *AtomicBool) Set(v bool) bool {
	return b.v.Swap(v)
}

// CompareExchange stores v if the current value equals comparand. It returns the value
// observed before the operation; the exchange happened iff the result equals comparand.
func (b *AtomicBool) CompareExchange(v, comparand bool) bool {
	if b.v.CompareAndSwap(comparand, v) {
		return comparand
	}
	return !comparand
}

func (b *AtomicBool) Get() bool {
	return b.v.Load()
}
