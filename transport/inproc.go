package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/concurrent"
	"github.com/dermesser/clustermq/log"
	"github.com/dermesser/clustermq/protocol"
)

/*
InProc is a queue-oriented transport inside one process. Each connection is a pair of
blocking frame queues; frames are copied on write, so sender and receiver never share
a payload. Paths are unique per InProc; the package-level driver uses one shared instance.
*/
type InProc struct {
	mu        sync.Mutex
	listeners map[string]*inprocListener
}

var defaultInProc = NewInProc()

func NewInProc() *InProc {
	return &InProc{listeners: make(map[string]*inprocListener)}
}

func (p *InProc) Listen(_ context.Context, ep Endpoint, _ Options) (Listener, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.listeners[ep.Path]; ok {
		return nil, clustermq.NewError(clustermq.ErrAlreadyBound, "listen", ep.String())
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &inprocListener{
		network: p,
		ep:      ep,
		pending: concurrent.NewBlockingQueue[*queueConn](),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.listeners[ep.Path] = l
	return l, nil
}

// Dial connects to a bound path, retrying until it is bound or the connect timeout expires.
func (p *InProc) Dial(ctx context.Context, ep Endpoint, opts Options) (Conn, error) {
	return Retry(ctx, opts.ConnectTimeout, func(ctx context.Context) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, backoff.Permanent(err)
		}
		p.mu.Lock()
		l, ok := p.listeners[ep.Path]
		p.mu.Unlock()
		if !ok {
			return nil, errRetry
		}
		client, server := newQueuePair(ep)
		if !l.offer(server) {
			return nil, errRetry
		}
		return client, nil
	})
}

func (p *InProc) remove(l *inprocListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listeners[l.ep.Path] == l {
		delete(p.listeners, l.ep.Path)
	}
}

type inprocListener struct {
	network *InProc
	ep      Endpoint
	pending *concurrent.BlockingQueue[*queueConn]

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

func (l *inprocListener) offer(c *queueConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.pending.Enqueue(c)
	return true
}

func (l *inprocListener) Endpoint() Endpoint {
	return l.ep
}

func (l *inprocListener) Accept(ctx context.Context) (Conn, error) {
	ctx, cancel := mergeCancel(ctx, l.ctx)
	defer cancel()
	c, err := l.pending.Dequeue(ctx)
	if err != nil {
		if l.ctx.Err() != nil {
			return nil, clustermq.NewError(clustermq.ErrClosed, "accept", l.ep.String())
		}
		return nil, err
	}
	return c, nil
}

// Close unbinds the path and disconnects connections that were never accepted.
func (l *inprocListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.network.remove(l)
	for _, c := range l.pending.Drain() {
		c.Close()
	}
	return nil
}

// mergeCancel returns a context cancelled when either a or b is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(a)
	stop := context.AfterFunc(b, func() {
		cancel(context.Cause(b))
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// pipe is the shared lifetime of both ends of one in-process connection.
type pipe struct {
	ctx    context.Context
	cancel context.CancelFunc
}

/*
queueConn is one end of an in-process connection. Closing either end disconnects both;
frames already queued remain readable until the inbox is empty.
*/
type queueConn struct {
	ep   Endpoint
	id   string
	in   *concurrent.BlockingQueue[*protocol.MessageFrame]
	out  *concurrent.BlockingQueue[*protocol.MessageFrame]
	pipe *pipe
}

func newQueuePair(ep Endpoint) (client, server *queueConn) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pipe{ctx: ctx, cancel: cancel}
	a := concurrent.NewBlockingQueue[*protocol.MessageFrame]()
	b := concurrent.NewBlockingQueue[*protocol.MessageFrame]()
	client = &queueConn{ep: ep, id: log.GetLogToken(), in: a, out: b, pipe: p}
	server = &queueConn{ep: ep, id: log.GetLogToken(), in: b, out: a, pipe: p}
	return client, server
}

func (c *queueConn) Capability() protocol.Capability {
	return protocol.QueueOriented
}

func (c *queueConn) ID() string {
	return c.id
}

func (c *queueConn) Endpoint() Endpoint {
	return c.ep
}

func (c *queueConn) RemoteAddr() string {
	return c.ep.String()
}

func (c *queueConn) closed() bool {
	return c.pipe.ctx.Err() != nil
}

func copyFrame(f *protocol.MessageFrame) *protocol.MessageFrame {
	raw := make([]byte, len(f.Raw))
	copy(raw, f.Raw)
	return &protocol.MessageFrame{TypeID: f.TypeID, Raw: raw, Sent: f.Sent}
}

func (c *queueConn) EnqueueFrame(ctx context.Context, f *protocol.MessageFrame) error {
	return c.WriteFrames(ctx, f)
}

func (c *queueConn) DequeueFrame(ctx context.Context) (*protocol.MessageFrame, error) {
	return c.ReadFrame(ctx)
}

func (c *queueConn) WriteFrames(ctx context.Context, frames ...*protocol.MessageFrame) error {
	if err := ctx.Err(); err != nil {
		return clustermq.WrapError(clustermq.ErrCancelled, "write frames", err)
	}
	if c.closed() {
		return clustermq.NewError(clustermq.ErrClosed, "write frames", "conn "+c.id)
	}
	copies := make([]*protocol.MessageFrame, len(frames))
	for i, f := range frames {
		if f == nil || f.Raw == nil {
			return clustermq.NewError(clustermq.ErrInvalidArgument, "write frames", "nil frame or payload")
		}
		copies[i] = copyFrame(f)
	}
	c.out.EnqueueRange(copies)
	return nil
}

func (c *queueConn) ReadFrame(ctx context.Context) (*protocol.MessageFrame, error) {
	if f, ok := c.in.TryDequeue(); ok {
		return received(f), nil
	}
	if c.closed() {
		return nil, clustermq.WrapError(clustermq.ErrClosed, "read frame", io.EOF)
	}

	merged, cancel := mergeCancel(ctx, c.pipe.ctx)
	defer cancel()
	f, err := c.in.Dequeue(merged)
	if err == nil {
		return received(f), nil
	}
	if ctx.Err() != nil {
		return nil, clustermq.WrapError(clustermq.ErrCancelled, "read frame", ctx.Err())
	}
	if f, ok := c.in.TryDequeue(); ok {
		return received(f), nil
	}
	return nil, clustermq.WrapError(clustermq.ErrClosed, "read frame", io.EOF)
}

func received(f *protocol.MessageFrame) *protocol.MessageFrame {
	f.Received = time.Now()
	return f
}

func (c *queueConn) Close() error {
	c.pipe.cancel()
	return nil
}

func (c *queueConn) Done() <-chan struct{} {
	return c.pipe.ctx.Done()
}
