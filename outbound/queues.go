package outbound

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/concurrent"
	"github.com/dermesser/clustermq/protocol"
	"github.com/dermesser/clustermq/queue"
)

// DefaultSendBufferSize is the coalescing budget of a MessageQueueBatch built with size <= 0.
const DefaultSendBufferSize = 64 << 10

// FrameWriter is the send side of a connection; transport.Conn implements it.
type FrameWriter interface {
	WriteFrames(ctx context.Context, frames ...*protocol.MessageFrame) error
}

// FrameWriterFunc adapts a function to FrameWriter.
type FrameWriterFunc func(ctx context.Context, frames ...*protocol.MessageFrame) error

func (f FrameWriterFunc) WriteFrames(ctx context.Context, frames ...*protocol.MessageFrame) error {
	return f(ctx, frames...)
}

func checkFrame(op string, f *protocol.MessageFrame) error {
	if f == nil || f.Raw == nil {
		return clustermq.NewError(clustermq.ErrInvalidArgument, op, "nil frame or payload")
	}
	return nil
}

// notifier holds the single added-callback of a queue.
type notifier struct {
	fn atomic.Pointer[func()]
}

// OnAdded sets the callback fired after every Add. There is exactly one callback per queue;
// a second call replaces the first, nil removes it.
func (n *notifier) OnAdded(fn func()) {
	if fn == nil {
		n.fn.Store(nil)
		return
	}
	n.fn.Store(&fn)
}

func (n *notifier) fire() {
	if fn := n.fn.Load(); fn != nil {
		(*fn)()
	}
}

/*
MessageQueueSingle is a FIFO of frames sent one per write. Its signal (threshold 1) is set
while frames are queued.

SendOne removes the frame and updates the signal before writing it. A failed write loses
that frame and leaves the rest of the queue untouched.
*/
type MessageQueueSingle struct {
	notifier

	mu     sync.Mutex
	q      queue.Queue[*protocol.MessageFrame]
	signal *concurrent.CounterSignal
}

func NewMessageQueueSingle() *MessageQueueSingle {
	return &MessageQueueSingle{
		q:      queue.NewQueue[*protocol.MessageFrame](16),
		signal: concurrent.NewCounterSignal(1, 0),
	}
}

func (m *MessageQueueSingle) Add(f *protocol.MessageFrame) error {
	if err := checkFrame("add", f); err != nil {
		return err
	}
	m.mu.Lock()
	m.q.Push(f)
	m.signal.Increment()
	m.mu.Unlock()
	m.fire()
	return nil
}

// SendOne writes the oldest frame, if any. It reports whether a frame was written.
func (m *MessageQueueSingle) SendOne(ctx context.Context, w FrameWriter) (bool, error) {
	m.mu.Lock()
	f, ok := m.q.Pop()
	if ok {
		m.signal.Decrement()
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := w.WriteFrames(ctx, f); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MessageQueueSingle) Count() int {
	return int(m.signal.Value())
}

func (m *MessageQueueSingle) Signal() *concurrent.CounterSignal {
	return m.signal
}

/*
MessageQueueBatch coalesces frames into multi-frame writes. Frames added with AddRange stay
together and are written as one unit; single frames are appended to a write while the total
payload size stays within the send buffer size. Every non-empty SendMultiple writes at least
one frame, so a frame larger than the budget is still sent, alone.

Batches are preferred over singles; the two are not ordered relative to each other.
*/
type MessageQueueBatch struct {
	notifier

	mu             sync.Mutex
	singles        queue.Queue[*protocol.MessageFrame]
	batches        queue.Queue[[]*protocol.MessageFrame]
	signal         *concurrent.CounterSignal
	sendBufferSize int
}

func NewMessageQueueBatch(sendBufferSize int) *MessageQueueBatch {
	if sendBufferSize <= 0 {
		sendBufferSize = DefaultSendBufferSize
	}
	return &MessageQueueBatch{
		singles:        queue.NewQueue[*protocol.MessageFrame](16),
		batches:        queue.NewQueue[[]*protocol.MessageFrame](4),
		signal:         concurrent.NewCounterSignal(1, 0),
		sendBufferSize: sendBufferSize,
	}
}

func (m *MessageQueueBatch) Add(f *protocol.MessageFrame) error {
	if err := checkFrame("add", f); err != nil {
		return err
	}
	m.mu.Lock()
	m.singles.Push(f)
	m.signal.Increment()
	m.mu.Unlock()
	m.fire()
	return nil
}

// AddRange queues fs as one batch. An empty fs is a no-op.
func (m *MessageQueueBatch) AddRange(fs []*protocol.MessageFrame) error {
	if len(fs) == 0 {
		return nil
	}
	for _, f := range fs {
		if err := checkFrame("add range", f); err != nil {
			return err
		}
	}
	batch := make([]*protocol.MessageFrame, len(fs))
	copy(batch, fs)

	m.mu.Lock()
	m.batches.Push(batch)
	m.signal.Add(int64(len(batch)))
	m.mu.Unlock()
	m.fire()
	return nil
}

func (m *MessageQueueBatch) take() []*protocol.MessageFrame {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*protocol.MessageFrame
	total := 0
	if b, ok := m.batches.Pop(); ok {
		out = b
		for _, f := range b {
			total += len(f.Raw)
		}
	}
	for {
		f, ok := m.singles.Peek()
		if !ok {
			break
		}
		if len(out) > 0 && total+len(f.Raw) > m.sendBufferSize {
			break
		}
		m.singles.Pop()
		out = append(out, f)
		total += len(f.Raw)
	}
	if len(out) > 0 {
		m.signal.Add(-int64(len(out)))
	}
	return out
}

// SendMultiple writes one pending batch plus as many single frames as fit the budget, in
// one write. It returns the number of frames taken from the queue; on error they are lost.
func (m *MessageQueueBatch) SendMultiple(ctx context.Context, w FrameWriter) (int, error) {
	out := m.take()
	if len(out) == 0 {
		return 0, nil
	}
	if err := w.WriteFrames(ctx, out...); err != nil {
		return len(out), err
	}
	return len(out), nil
}

func (m *MessageQueueBatch) Count() int {
	return int(m.signal.Value())
}

func (m *MessageQueueBatch) Signal() *concurrent.CounterSignal {
	return m.signal
}

func (m *MessageQueueBatch) SendBufferSize() int {
	return m.sendBufferSize
}

/*
Sender binds an outbound queue to the connection it drains into; the Processor only sees
queues through this interface.

Send writes at most one unit (one frame, or one coalesced batch) and returns the number of
frames written; 0 with a nil error means the queue is empty.
*/
type Sender interface {
	Send(ctx context.Context) (int, error)
	Pending() int
	// Notify installs fn as the added-callback of the queue.
	Notify(fn func())
}

type singleSender struct {
	q *MessageQueueSingle
	w FrameWriter
}

func NewSingleSender(q *MessageQueueSingle, w FrameWriter) Sender {
	return &singleSender{q: q, w: w}
}

func (s *singleSender) Send(ctx context.Context) (int, error) {
	sent, err := s.q.SendOne(ctx, s.w)
	if sent {
		return 1, nil
	}
	return 0, err
}

func (s *singleSender) Pending() int {
	return s.q.Count()
}

func (s *singleSender) Notify(fn func()) {
	s.q.OnAdded(fn)
}

type batchSender struct {
	q *MessageQueueBatch
	w FrameWriter
}

func NewBatchSender(q *MessageQueueBatch, w FrameWriter) Sender {
	return &batchSender{q: q, w: w}
}

func (s *batchSender) Send(ctx context.Context) (int, error) {
	n, err := s.q.SendMultiple(ctx, s.w)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *batchSender) Pending() int {
	return s.q.Count()
}

func (s *batchSender) Notify(fn func()) {
	s.q.OnAdded(fn)
}
