package queue

// An array-based ring queue, supposedly faster than a LinkedList implementation.
// Used for queuing frames, writer handles and work units. Unlike a fixed-length ring
// it grows when full; a capacity limit can be imposed with NewBounded.
// Not safe for concurrent use.

type Queue[T any] struct {
	// tracking the length separately in l, because calculating it from (front, back)
	// is difficult in some cases (especially rollover)
	front, back, l int
	limit          int
	queue          []T
}

func NewQueue[T any](capacity int) Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return Queue[T]{queue: make([]T, capacity)}
}

// NewBounded returns a queue that refuses to hold more than limit elements.
func NewBounded[T any](limit int) Queue[T] {
	q := NewQueue[T](limit)
	q.limit = limit
	return q
}

func (q *Queue[T]) Len() int {
	return q.l
}

func (q *Queue[T]) grow() {
	n := make([]T, 2*len(q.queue))
	for i := 0; i < q.l; i++ {
		n[i] = q.queue[(q.front+i)%len(q.queue)]
	}
	q.front, q.back = 0, q.l
	q.queue = n
}

// Append to the back. Returns false if the queue is bounded and full.
func (q *Queue[T]) Push(e T) bool {
	if q.l == len(q.queue) {
		if q.limit > 0 {
			return false
		}
		q.grow()
	}
	q.queue[q.back] = e
	q.back = (q.back + 1) % len(q.queue)
	q.l++
	return true
}

// Get from the front. ok is false if the queue is empty.
func (q *Queue[T]) Pop() (e T, ok bool) {
	if q.l == 0 {
		return e, false
	}
	var zero T
	e = q.queue[q.front]
	q.queue[q.front] = zero
	q.front = (q.front + 1) % len(q.queue)
	q.l--
	return e, true
}

// Returns the front element without removing it.
func (q *Queue[T]) Peek() (e T, ok bool) {
	if q.l == 0 {
		return e, false
	}
	return q.queue[q.front], true
}

// Drop all elements, keeping the allocated ring.
func (q *Queue[T]) Clear() {
	var zero T
	for i := range q.queue {
		q.queue[i] = zero
	}
	q.front, q.back, q.l = 0, 0, 0
}
