//go:build zmq

/*
Package zmqtransport registers a queue-oriented transport over ZeroMQ ROUTER/DEALER sockets
for endpoints of kind transport.Zmq. Importing the package (built with -tags zmq, which links
libzmq) registers the driver:

	import _ "github.com/dermesser/clustermq/transport/zmqtransport"

A bound endpoint owns one ROUTER socket; every connecting DEALER identity becomes one
accepted connection. Each ZeroMQ message carries one or more encoded frames.

ZeroMQ does not report disconnects of DEALER peers to the ROUTER side; such connections
stay open until closed locally.
*/
package zmqtransport

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pebbe/zmq4"
	"gopkg.in/tomb.v2"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/concurrent"
	"github.com/dermesser/clustermq/log"
	"github.com/dermesser/clustermq/protocol"
	"github.com/dermesser/clustermq/transport"
)

const defaultPollInterval = 10 * time.Millisecond

// Driver implements transport.Driver. Security enables CURVE encryption when non-nil.
type Driver struct {
	Security     *Security
	PollInterval time.Duration
}

func init() {
	transport.RegisterDriver(transport.Zmq, &Driver{})
}

func (d *Driver) interval() time.Duration {
	if d.PollInterval > 0 {
		return d.PollInterval
	}
	return defaultPollInterval
}

func address(ep transport.Endpoint, bind bool) string {
	host := ep.Host
	if bind && (host == "" || host == "0.0.0.0") {
		host = "*"
	}
	if ep.Port == 0 && bind {
		return fmt.Sprintf("tcp://%s:*", host)
	}
	return "tcp://" + transport.Endpoint{Host: host, Port: ep.Port}.HostPort()
}

func configure(sock *zmq4.Socket, opts transport.Options) error {
	if err := sock.SetLinger(0); err != nil {
		return err
	}
	if opts.SendBufferSize > 0 {
		if err := sock.SetSndbuf(opts.SendBufferSize); err != nil {
			return err
		}
	}
	if opts.MaxFrameSize > 0 {
		return sock.SetMaxmsgsize(int64(opts.MaxFrameSize + protocol.HeaderSize))
	}
	return nil
}

func (d *Driver) Listen(_ context.Context, ep transport.Endpoint, opts transport.Options) (transport.Listener, error) {
	sock, err := zmq4.NewSocket(zmq4.ROUTER)
	if err != nil {
		return nil, err
	}
	if err := configure(sock, opts); err != nil {
		sock.Close()
		return nil, err
	}
	if err := d.Security.applyServer(sock); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Bind(address(ep, true)); err != nil {
		sock.Close()
		if zmq4.AsErrno(err) == zmq4.EADDRINUSE {
			return nil, clustermq.WrapError(clustermq.ErrAlreadyBound, "listen "+ep.String(), err)
		}
		return nil, err
	}

	bound := ep
	if last, err := sock.GetLastEndpoint(); err == nil {
		if i := strings.LastIndexByte(last, ':'); i >= 0 {
			if port, err := strconv.Atoi(last[i+1:]); err == nil {
				bound.Port = port
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &listener{
		ep:      bound,
		conns:   make(map[string]*conn),
		pending: concurrent.NewBlockingQueue[*conn](),
		ctx:     ctx,
		cancel:  cancel,
	}
	l.pump = newPump(sock, true, d.interval(), l.deliver)
	l.pump.start()
	return l, nil
}

// Dial connects a DEALER socket. ZeroMQ connects asynchronously, so Dial succeeds before
// the peer is reachable; the handshake timeout bounds the first exchange.
func (d *Driver) Dial(_ context.Context, ep transport.Endpoint, opts transport.Options) (transport.Conn, error) {
	sock, err := zmq4.NewSocket(zmq4.DEALER)
	if err != nil {
		return nil, err
	}
	if err := configure(sock, opts); err != nil {
		sock.Close()
		return nil, err
	}
	id := log.GetLogToken()
	if err := sock.SetIdentity(id); err != nil {
		sock.Close()
		return nil, err
	}
	if err := d.Security.applyClient(sock); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Connect(address(ep, false)); err != nil {
		sock.Close()
		return nil, err
	}

	c := newConn(ep, id)
	c.pump = newPump(sock, false, d.interval(), func(_ string, frames []*protocol.MessageFrame) {
		c.in.EnqueueRange(frames)
	})
	c.owner = true
	c.pump.start()
	return c, nil
}

type outgoing struct {
	identity string
	payload  []byte
}

/*
pump owns a socket. ZeroMQ sockets are not safe for concurrent use, so all sends and
receives happen on the pump goroutine: outgoing messages are queued in the outbox and
flushed between polls.
*/
type pump struct {
	sock     *zmq4.Socket
	router   bool
	interval time.Duration
	outbox   *concurrent.BlockingQueue[outgoing]
	deliver  func(identity string, frames []*protocol.MessageFrame)
	t        tomb.Tomb
}

func newPump(sock *zmq4.Socket, router bool, interval time.Duration, deliver func(string, []*protocol.MessageFrame)) *pump {
	p := &pump{
		sock:     sock,
		router:   router,
		interval: interval,
		outbox:   concurrent.NewBlockingQueue[outgoing](),
		deliver:  deliver,
	}
	return p
}

func (p *pump) start() {
	p.t.Go(p.loop)
}

func (p *pump) send(identity string, payload []byte) error {
	if !p.t.Alive() {
		return clustermq.NewError(clustermq.ErrClosed, "send", "socket closed")
	}
	p.outbox.Enqueue(outgoing{identity: identity, payload: payload})
	return nil
}

func (p *pump) loop() error {
	defer p.sock.Close()
	poller := zmq4.NewPoller()
	poller.Add(p.sock, zmq4.POLLIN)

	for {
		select {
		case <-p.t.Dying():
			return nil
		default:
		}

		for _, o := range p.outbox.Drain() {
			var err error
			if p.router {
				_, err = p.sock.SendMessage(o.identity, o.payload)
			} else {
				_, err = p.sock.SendBytes(o.payload, 0)
			}
			if err != nil {
				log.Log(log.LOGLEVEL_WARNINGS, "zmq send failed:", err)
			}
		}

		polled, err := p.poller(poller)
		if err != nil {
			return err
		}
		if !polled {
			continue
		}
		for {
			parts, err := p.sock.RecvMessageBytes(zmq4.DONTWAIT)
			if err != nil {
				break
			}
			p.receive(parts)
		}
	}
}

func (p *pump) poller(poller *zmq4.Poller) (bool, error) {
	polled, err := poller.Poll(p.interval)
	if err != nil {
		if zmq4.AsErrno(err) == zmq4.EINTR {
			return false, nil
		}
		return false, err
	}
	return len(polled) > 0, nil
}

func (p *pump) receive(parts [][]byte) {
	var identity string
	if p.router {
		if len(parts) < 2 {
			return
		}
		identity, parts = string(parts[0]), parts[1:]
	}
	for _, payload := range parts {
		frames, err := decode(payload)
		if err != nil {
			log.Log(log.LOGLEVEL_WARNINGS, "dropping malformed zmq message from", identity, ":", err)
			continue
		}
		p.deliver(identity, frames)
	}
}

func (p *pump) stop() error {
	p.t.Kill(nil)
	return p.t.Wait()
}

func encode(frames []*protocol.MessageFrame) ([]byte, error) {
	var buf bytes.Buffer
	if err := protocol.WriteFrames(&buf, frames); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(payload []byte) ([]*protocol.MessageFrame, error) {
	r := bytes.NewReader(payload)
	var frames []*protocol.MessageFrame
	for r.Len() > 0 {
		f, err := protocol.ReadFrame(r)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

type listener struct {
	ep     transport.Endpoint
	pump   *pump
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[string]*conn
	pending *concurrent.BlockingQueue[*conn]
}

func (l *listener) deliver(identity string, frames []*protocol.MessageFrame) {
	l.mu.Lock()
	c, ok := l.conns[identity]
	if !ok {
		c = newConn(l.ep, identity)
		c.pump = l.pump
		c.onClose = func() { l.forget(identity) }
		l.conns[identity] = c
		l.pending.Enqueue(c)
	}
	l.mu.Unlock()
	c.in.EnqueueRange(frames)
}

func (l *listener) forget(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, identity)
}

func (l *listener) Endpoint() transport.Endpoint {
	return l.ep
}

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	c, err := l.pending.Dequeue(ctx)
	if err != nil {
		if l.ctx.Err() != nil {
			return nil, clustermq.NewError(clustermq.ErrClosed, "accept", l.ep.String())
		}
		return nil, err
	}
	return c, nil
}

func (l *listener) Close() error {
	l.cancel()
	err := l.pump.stop()
	l.mu.Lock()
	conns := make([]*conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return err
}

// conn is one DEALER identity as seen by either side.
type conn struct {
	ep       transport.Endpoint
	identity string
	in       *concurrent.BlockingQueue[*protocol.MessageFrame]
	pump     *pump
	owner    bool
	onClose  func()

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(ep transport.Endpoint, identity string) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		ep:       ep,
		identity: identity,
		in:       concurrent.NewBlockingQueue[*protocol.MessageFrame](),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *conn) Capability() protocol.Capability {
	return protocol.QueueOriented
}

func (c *conn) ID() string {
	return c.identity
}

func (c *conn) Endpoint() transport.Endpoint {
	return c.ep
}

func (c *conn) RemoteAddr() string {
	return c.ep.String() + "#" + c.identity
}

func (c *conn) EnqueueFrame(ctx context.Context, f *protocol.MessageFrame) error {
	return c.WriteFrames(ctx, f)
}

func (c *conn) DequeueFrame(ctx context.Context) (*protocol.MessageFrame, error) {
	return c.ReadFrame(ctx)
}

func (c *conn) WriteFrames(ctx context.Context, frames ...*protocol.MessageFrame) error {
	if err := ctx.Err(); err != nil {
		return clustermq.WrapError(clustermq.ErrCancelled, "write frames", err)
	}
	if c.ctx.Err() != nil {
		return clustermq.NewError(clustermq.ErrClosed, "write frames", "conn "+c.identity)
	}
	payload, err := encode(frames)
	if err != nil {
		return err
	}
	return c.pump.send(c.identity, payload)
}

func (c *conn) ReadFrame(ctx context.Context) (*protocol.MessageFrame, error) {
	if f, ok := c.in.TryDequeue(); ok {
		return f, nil
	}
	merged, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	f, err := c.in.Dequeue(merged)
	if err == nil {
		return f, nil
	}
	if ctx.Err() != nil {
		return nil, clustermq.WrapError(clustermq.ErrCancelled, "read frame", ctx.Err())
	}
	return nil, clustermq.NewError(clustermq.ErrClosed, "read frame", "conn "+c.identity)
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.onClose != nil {
			c.onClose()
		}
		if c.owner {
			err = c.pump.stop()
		}
	})
	return err
}

func (c *conn) Done() <-chan struct{} {
	return c.ctx.Done()
}
