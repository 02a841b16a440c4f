package peer

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gopkg.in/tomb.v2"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/concurrent"
	"github.com/dermesser/clustermq/log"
	"github.com/dermesser/clustermq/protocol"
	"github.com/dermesser/clustermq/transport"
)

/*
Handlers receive the traffic of a Link. They run on the link's receive goroutine, one at a
time, and must not call Close on their own link.

If OnFrame is set, frames are delivered undecoded and OnMessage is not used. Otherwise every
frame is decoded with the registry; frames that fail to decode are logged and dropped.
*/
type Handlers struct {
	OnFrame   func(l *Link, f *protocol.MessageFrame)
	OnMessage func(l *Link, msg any)
	// Called once when the remote end goes away or the stream breaks; not called for Close.
	OnDisconnect func(l *Link, err error)
}

// Link is one negotiated connection with its receive loop.
type Link struct {
	conn   transport.Conn
	remote protocol.NodeType
	opts   Options
	h      Handlers
	log    zerolog.Logger

	t      tomb.Tomb
	closed concurrent.AtomicBool
	err    error
}

// NewLink takes ownership of conn and starts receiving.
func NewLink(conn transport.Conn, remote protocol.NodeType, opts Options, h Handlers) *Link {
	l := &Link{
		conn:   conn,
		remote: remote,
		opts:   opts,
		h:      h,
		log: log.Logger().With().Str(log.CONN, conn.ID()).Str(log.NODE, opts.name()).
			Str(log.PEER, remote.String()).Logger(),
	}
	opts.Metrics.ConnectionOpened(opts.name())
	log.Event(&l.log, log.LOGLEVEL_DEBUG).Str(log.ENDPOINT, conn.Endpoint().String()).Msg("link up")
	l.t.Go(l.receive)
	return l
}

func (l *Link) ID() string {
	return l.conn.ID()
}

func (l *Link) Remote() protocol.NodeType {
	return l.remote
}

func (l *Link) Conn() transport.Conn {
	return l.conn
}

func (l *Link) Done() <-chan struct{} {
	return l.t.Dead()
}

// Err returns the error that ended the link, or nil while it runs or after Close.
func (l *Link) Err() error {
	select {
	case <-l.t.Dead():
		return l.err
	default:
		return nil
	}
}

func (l *Link) WriteFrames(ctx context.Context, frames ...*protocol.MessageFrame) error {
	if l.closed.Get() {
		return clustermq.NewError(clustermq.ErrClosed, "write", "link closed")
	}
	return l.conn.WriteFrames(ctx, frames...)
}

// Close stops the receive loop and closes the connection. It is idempotent.
func (l *Link) Close() error {
	if l.closed.Set(true) {
		return nil
	}
	l.t.Kill(nil)
	err := l.conn.Close()
	l.t.Wait()
	l.opts.Metrics.ConnectionClosed(l.opts.name())
	log.Event(&l.log, log.LOGLEVEL_DEBUG).Msg("link closed")
	return err
}

func (l *Link) receive() error {
	ctx := l.t.Context(nil)
	for {
		f, err := l.conn.ReadFrame(ctx)
		if err != nil {
			l.end(err)
			return nil
		}
		l.opts.Metrics.FrameReceived(l.opts.name())
		l.deliver(f)
	}
}

func (l *Link) deliver(f *protocol.MessageFrame) {
	if f.TypeID == protocol.GreetingTypeID {
		l.drop(f, clustermq.NewError(clustermq.ErrProtocol, "receive", "greeting after handshake"))
		return
	}
	if l.h.OnFrame != nil {
		l.h.OnFrame(l, f)
		return
	}
	if l.opts.Registry == nil {
		l.drop(f, clustermq.NewError(clustermq.ErrSerialization, "receive", "no registry"))
		return
	}
	msg, err := l.opts.Registry.Deserialize(f)
	if err != nil {
		l.drop(f, err)
		return
	}
	if l.h.OnMessage != nil {
		l.h.OnMessage(l, msg)
	}
}

func (l *Link) drop(f *protocol.MessageFrame, err error) {
	l.opts.Metrics.Dropped(l.opts.name())
	log.Event(&l.log, log.LOGLEVEL_WARNINGS).Uint16(log.TYPEID, f.TypeID).Err(err).Msg("dropping frame")
}

// end runs when the receive loop stops on its own; a concurrent Close takes precedence.
func (l *Link) end(err error) {
	if l.closed.Set(true) {
		return
	}
	l.err = err
	l.conn.Close()
	l.opts.Metrics.ConnectionClosed(l.opts.name())

	ll := log.LOGLEVEL_WARNINGS
	if errors.Is(err, io.EOF) || errors.Is(err, clustermq.ErrClosed) {
		ll = log.LOGLEVEL_INFO
	}
	log.Event(&l.log, ll).Err(err).Msg("link down")
	if l.h.OnDisconnect != nil {
		l.h.OnDisconnect(l, err)
	}
}

// CloseLinks closes links concurrently and combines their errors.
func CloseLinks(links []*Link) error {
	var g errgroup.Group
	errs := make([]error, len(links))
	for i, l := range links {
		i, l := i, l
		g.Go(func() error {
			errs[i] = l.Close()
			return nil
		})
	}
	g.Wait()
	return multierr.Combine(errs...)
}
