package reqrep

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/config"
	"github.com/dermesser/clustermq/log"
	"github.com/dermesser/clustermq/metrics"
	"github.com/dermesser/clustermq/outbound"
	"github.com/dermesser/clustermq/peer"
	"github.com/dermesser/clustermq/protocol"
	"github.com/dermesser/clustermq/serialization"
	"github.com/dermesser/clustermq/transport"
)

type requesterConn struct {
	ep   transport.Endpoint
	link *peer.Link
	q    *outbound.MessageQueueSingle
	s    outbound.Sender

	// Holds a token while a request is outstanding.
	slot      chan struct{}
	responses chan any
}

/*
Requester sends requests to responders and waits for the responses.

Every connection carries at most one outstanding request; further requests on it wait for
the slot. Connections are used round-robin. A request that is cancelled or times out
closes its connection, since the late response would otherwise be taken for the answer to
the next request.
*/
type Requester struct {
	opts peer.Options
	proc *outbound.Processor

	mu     sync.Mutex
	conns  []*requesterConn
	next   int
	closed bool
}

func NewRequester(reg *serialization.Registry, cfg config.Options, m *metrics.Metrics) (*Requester, error) {
	opts, err := peer.NewOptions(protocol.Requester, reg, cfg, m)
	if err != nil {
		return nil, err
	}
	r := &Requester{
		opts: opts,
		proc: outbound.NewProcessor(outbound.Options{PollInterval: cfg.PollInterval, Metrics: m, Node: opts.Node.String()}),
	}
	r.proc.OnError(r.sendFailed)
	return r, nil
}

// Connect adds a connection to the responder at ep.
func (r *Requester) Connect(ctx context.Context, ep transport.Endpoint) error {
	if r.find(ep) != nil {
		return clustermq.NewError(clustermq.ErrInvalidArgument, "connect", fmt.Sprintf("already connected to %s", ep))
	}
	conn, remote, err := peer.Connect(ctx, ep, r.opts)
	if err != nil {
		return err
	}

	rc := &requesterConn{
		ep:        ep,
		q:         outbound.NewMessageQueueSingle(),
		slot:      make(chan struct{}, 1),
		responses: make(chan any, 1),
	}
	rc.link = peer.NewLink(conn, remote, r.opts, peer.Handlers{
		OnMessage: func(l *peer.Link, msg any) {
			select {
			case rc.responses <- msg:
			default:
				log.Log(log.LOGLEVEL_WARNINGS, "Requester dropping unexpected response on", l.ID())
			}
		},
		OnDisconnect: func(*peer.Link, error) { r.remove(rc) },
	})
	rc.s = outbound.NewSingleSender(rc.q, rc.link)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		rc.link.Close()
		return clustermq.NewError(clustermq.ErrClosed, "connect", "requester closed")
	}
	r.conns = append(r.conns, rc)
	r.mu.Unlock()

	if err := r.proc.Register(rc.s); err != nil {
		r.remove(rc)
		rc.link.Close()
		return err
	}
	return nil
}

func (r *Requester) find(ep transport.Endpoint) *requesterConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c.ep == ep {
			return c
		}
	}
	return nil
}

func (r *Requester) remove(rc *requesterConn) bool {
	r.mu.Lock()
	found := false
	for i, c := range r.conns {
		if c == rc {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			found = true
			break
		}
	}
	r.mu.Unlock()
	if found {
		r.proc.Unregister(rc.s)
	}
	return found
}

// Disconnect closes the connection to ep. A request waiting on it fails.
func (r *Requester) Disconnect(ep transport.Endpoint) error {
	rc := r.find(ep)
	if rc == nil || !r.remove(rc) {
		return clustermq.NewError(clustermq.ErrNotConnected, "disconnect", fmt.Sprintf("not connected to %s", ep))
	}
	return rc.link.Close()
}

func (r *Requester) Connected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Requester) pick() (*requesterConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, clustermq.NewError(clustermq.ErrClosed, "request", "requester closed")
	}
	if len(r.conns) == 0 {
		return nil, clustermq.NewError(clustermq.ErrNotConnected, "request", "no responder connected")
	}
	rc := r.conns[r.next%len(r.conns)]
	r.next++
	return rc, nil
}

// Request sends msg on the next connection and returns the decoded response.
func (r *Requester) Request(ctx context.Context, msg any) (any, error) {
	f, err := r.opts.Registry.Serialize(msg)
	if err != nil {
		return nil, err
	}
	rc, err := r.pick()
	if err != nil {
		return nil, err
	}

	select {
	case rc.slot <- struct{}{}:
	case <-rc.link.Done():
		return nil, r.linkGone(rc)
	case <-ctx.Done():
		return nil, cancelled(ctx)
	}
	defer func() { <-rc.slot }()

	if err := rc.q.Add(f); err != nil {
		return nil, err
	}
	select {
	case resp := <-rc.responses:
		return resp, nil
	case <-rc.link.Done():
		return nil, r.linkGone(rc)
	case <-ctx.Done():
		log.Log(log.LOGLEVEL_WARNINGS, "Requester abandoning connection", rc.link.ID(), "after unanswered request")
		r.remove(rc)
		rc.link.Close()
		return nil, cancelled(ctx)
	}
}

func (r *Requester) linkGone(rc *requesterConn) error {
	r.remove(rc)
	if err := rc.link.Err(); err != nil {
		return clustermq.WrapError(clustermq.ErrClosed, "request", err)
	}
	return clustermq.NewError(clustermq.ErrClosed, "request", "connection closed")
}

func cancelled(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return clustermq.WrapError(clustermq.ErrTimeout, "request", ctx.Err())
	}
	return clustermq.WrapError(clustermq.ErrCancelled, "request", ctx.Err())
}

func (r *Requester) sendFailed(s outbound.Sender, err error) {
	r.mu.Lock()
	var rc *requesterConn
	for _, c := range r.conns {
		if c.s == s {
			rc = c
			break
		}
	}
	r.mu.Unlock()
	if rc != nil && r.remove(rc) {
		log.Log(log.LOGLEVEL_WARNINGS, "Requester closing connection", rc.link.ID(), "after failed send:", err)
		rc.link.Close()
	}
}

// Close disconnects all responders; waiting requests fail with ErrClosed.
func (r *Requester) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()

	err := r.proc.Close()
	links := make([]*peer.Link, 0, len(conns))
	for _, c := range conns {
		links = append(links, c.link)
	}
	return multierr.Append(err, peer.CloseLinks(links))
}
