package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/log"
	"github.com/dermesser/clustermq/protocol"
)

type tcpDriver struct{}

func (tcpDriver) Listen(ctx context.Context, ep Endpoint, opts Options) (Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", ep.HostPort())
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, clustermq.WrapError(clustermq.ErrAlreadyBound, "listen "+ep.String(), err)
		}
		return nil, err
	}
	bound := ep
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		bound.Port = addr.Port
	}
	return &tcpListener{l: l.(*net.TCPListener), ep: bound, opts: opts}, nil
}

func (tcpDriver) Dial(ctx context.Context, ep Endpoint, opts Options) (Conn, error) {
	var d net.Dialer
	c, err := Retry(ctx, opts.ConnectTimeout, func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", ep.HostPort())
	})
	if err != nil {
		return nil, err
	}
	return newStreamConn(c, ep, opts), nil
}

type tcpListener struct {
	l    *net.TCPListener
	ep   Endpoint
	opts Options
}

func (t *tcpListener) Endpoint() Endpoint {
	return t.ep
}

// Accept waits for the next connection. Cancelling ctx expires the listener deadline, which
// is reset before returning.
func (t *tcpListener) Accept(ctx context.Context) (Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		t.l.SetDeadline(time.Now())
	})
	c, err := t.l.Accept()
	if !stop() {
		t.l.SetDeadline(time.Time{})
	}
	if err != nil {
		if ctx.Err() != nil {
			if c != nil {
				c.Close()
			}
			return nil, clustermq.WrapError(clustermq.ErrCancelled, "accept", ctx.Err())
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, clustermq.WrapError(clustermq.ErrClosed, "accept", err)
		}
		return nil, err
	}
	return newStreamConn(c, t.ep, t.opts), nil
}

func (t *tcpListener) Close() error {
	return t.l.Close()
}

/*
streamConn is a net.Conn speaking the frame codec. Read and Write apply the configured
timeouts as deadlines on every call; a timeout of 0 means no deadline.
*/
type streamConn struct {
	conn  net.Conn
	ep    Endpoint
	id    string
	codec protocol.Codec

	readTimeout  atomic.Int64
	writeTimeout atomic.Int64

	// dmu orders deadline updates against cancellation of a pending ReadFrame.
	dmu        sync.Mutex
	readCancel bool

	wmu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func newStreamConn(c net.Conn, ep Endpoint, opts Options) *streamConn {
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		if opts.SendBufferSize > 0 {
			tc.SetWriteBuffer(opts.SendBufferSize)
		}
	}
	s := &streamConn{
		conn:  c,
		ep:    ep,
		id:    log.GetLogToken(),
		codec: protocol.Codec{MaxFrameSize: opts.MaxFrameSize},
		done:  make(chan struct{}),
	}
	s.readTimeout.Store(int64(opts.ReadTimeout))
	s.writeTimeout.Store(int64(opts.WriteTimeout))
	return s
}

func (s *streamConn) Capability() protocol.Capability {
	return protocol.StreamOriented
}

func (s *streamConn) ID() string {
	return s.id
}

func (s *streamConn) Endpoint() Endpoint {
	return s.ep
}

func (s *streamConn) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *streamConn) ReadTimeout() time.Duration {
	return time.Duration(s.readTimeout.Load())
}

func (s *streamConn) WriteTimeout() time.Duration {
	return time.Duration(s.writeTimeout.Load())
}

func (s *streamConn) SetReadTimeout(d time.Duration) {
	s.readTimeout.Store(int64(d))
}

func (s *streamConn) SetWriteTimeout(d time.Duration) {
	s.writeTimeout.Store(int64(d))
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func (s *streamConn) Read(p []byte) (int, error) {
	s.dmu.Lock()
	if s.readCancel {
		s.dmu.Unlock()
		return 0, context.Canceled
	}
	s.conn.SetReadDeadline(deadline(s.ReadTimeout()))
	s.dmu.Unlock()
	return s.conn.Read(p)
}

func (s *streamConn) Write(p []byte) (int, error) {
	s.conn.SetWriteDeadline(deadline(s.WriteTimeout()))
	return s.conn.Write(p)
}

// ReadFrame reads one frame. A cancelled read leaves the stream in an undefined position;
// the connection has to be closed afterwards.
func (s *streamConn) ReadFrame(ctx context.Context) (*protocol.MessageFrame, error) {
	stop := context.AfterFunc(ctx, func() {
		s.dmu.Lock()
		s.readCancel = true
		s.conn.SetReadDeadline(time.Now())
		s.dmu.Unlock()
	})
	defer stop()

	f, err := s.codec.ReadFrameContext(ctx, s)
	if err != nil {
		return nil, s.classify(err)
	}
	return f, nil
}

func (s *streamConn) WriteFrames(ctx context.Context, frames ...*protocol.MessageFrame) error {
	if err := ctx.Err(); err != nil {
		return clustermq.WrapError(clustermq.ErrCancelled, "write frames", err)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := protocol.WriteFrames(s, frames); err != nil {
		if isTimeoutErr(err) {
			return clustermq.WrapError(clustermq.ErrTimeout, "write frames", err)
		}
		return s.classify(err)
	}
	return nil
}

// classify maps errors from a locally closed connection to ErrClosed.
func (s *streamConn) classify(err error) error {
	if errors.Is(err, net.ErrClosed) {
		select {
		case <-s.done:
			return clustermq.WrapError(clustermq.ErrClosed, "conn "+s.id, err)
		default:
		}
	}
	return err
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *streamConn) Close() error {
	err := net.ErrClosed
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *streamConn) Done() <-chan struct{} {
	return s.done
}
