// Package reqrep implements request/response messaging. A Requester sends one request at a
// time per connection and waits for its response; a Responder computes responses on a
// worker pool.
package reqrep

import (
	"context"
	"errors"
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
	"github.com/dermesser/clustermq/worker"
)

type responderConn struct {
	link *peer.Link
	q    *outbound.MessageQueueSingle
	s    outbound.Sender
}

/*
Responder accepts requester connections and answers every request with the Worker the
Factory picks for it. Requests are executed on a worker.Scheduler sized by cfg.Workers;
responses are queued per connection and written by one Processor.

There is no error response on the wire. If a handler fails, or its response cannot be
serialized, the connection the request came from is closed so that the requester does not
wait for a response that never comes.
*/
type Responder struct {
	opts    peer.Options
	factory worker.Factory
	binder  *peer.Binder
	proc    *outbound.Processor
	sched   *worker.Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[*peer.Link]*responderConn
	closed bool
}

// NewResponder creates a responder. A nil factory echoes every request.
func NewResponder(reg *serialization.Registry, factory worker.Factory, cfg config.Options, m *metrics.Metrics) (*Responder, error) {
	opts, err := peer.NewOptions(protocol.Responder, reg, cfg, m)
	if err != nil {
		return nil, err
	}
	if factory == nil {
		factory = worker.NewFactoryBuilder().Build()
	}
	r := &Responder{
		opts:    opts,
		factory: factory,
		proc:    outbound.NewProcessor(outbound.Options{PollInterval: cfg.PollInterval, Metrics: m, Node: opts.Node.String()}),
		conns:   make(map[*peer.Link]*responderConn),
	}
	r.sched, err = worker.NewScheduler(cfg.Workers.Min, cfg.Workers.Max,
		worker.WithMaxIdle(cfg.Workers.MaxIdle),
		worker.WithCompleted(r.completed),
		worker.WithFailed(r.failed),
		worker.WithMetrics(m, opts.Node.String()+"-"+log.GetLogToken()))
	if err != nil {
		return nil, err
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.binder = peer.NewBinder(opts, r.accept)
	r.proc.OnError(r.sendFailed)
	return r, nil
}

func (r *Responder) Bind(ctx context.Context, ep transport.Endpoint) (transport.Endpoint, error) {
	return r.binder.Bind(ctx, ep)
}

func (r *Responder) Unbind(ep transport.Endpoint) error {
	return r.binder.Unbind(ep)
}

// Scheduler exposes the worker pool, e.g. for its thread counts.
func (r *Responder) Scheduler() *worker.Scheduler {
	return r.sched
}

func (r *Responder) RequesterCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Responder) accept(conn transport.Conn, remote protocol.NodeType) {
	rc := &responderConn{q: outbound.NewMessageQueueSingle()}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return
	}
	// Registered under the lock so a request cannot arrive before its connection is known.
	rc.link = peer.NewLink(conn, remote, r.opts, peer.Handlers{
		OnMessage:    r.request,
		OnDisconnect: func(l *peer.Link, err error) { r.drop(l) },
	})
	rc.s = outbound.NewSingleSender(rc.q, rc.link)
	r.conns[rc.link] = rc
	r.mu.Unlock()

	if err := r.proc.Register(rc.s); err != nil {
		r.drop(rc.link)
		rc.link.Close()
	}
}

func (r *Responder) lookup(l *peer.Link) *responderConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[l]
}

func (r *Responder) drop(l *peer.Link) *responderConn {
	r.mu.Lock()
	rc, ok := r.conns[l]
	delete(r.conns, l)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.proc.Unregister(rc.s)
	return rc
}

func (r *Responder) hangUp(rc *responderConn, why error) {
	log.Log(log.LOGLEVEL_WARNINGS, "Responder closing connection", rc.link.ID()+":", why)
	if r.drop(rc.link) != nil {
		rc.link.Close()
	}
}

func (r *Responder) request(l *peer.Link, msg any) {
	rc := r.lookup(l)
	if rc == nil {
		return
	}
	if err := r.sched.AddWorker(r.ctx, r.factory.WorkerFor(msg), msg, rc); err != nil {
		log.Log(log.LOGLEVEL_WARNINGS, "Responder could not schedule request:", err)
	}
}

func (r *Responder) completed(response, state any) {
	rc := state.(*responderConn)
	f, err := r.opts.Registry.Serialize(response)
	if err != nil {
		r.hangUp(rc, err)
		return
	}
	if err := rc.q.Add(f); err != nil {
		r.hangUp(rc, err)
	}
}

func (r *Responder) failed(err error, state any) {
	if errors.Is(err, clustermq.ErrClosed) {
		return
	}
	r.hangUp(state.(*responderConn), err)
}

func (r *Responder) sendFailed(s outbound.Sender, err error) {
	r.mu.Lock()
	var rc *responderConn
	for _, c := range r.conns {
		if c.s == s {
			rc = c
			break
		}
	}
	r.mu.Unlock()
	if rc != nil {
		r.hangUp(rc, err)
	}
}

// Close stops accepting, waits for running handlers and disconnects all requesters.
func (r *Responder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.binder.Close()
	r.cancel()
	err = multierr.Append(err, r.sched.Close())
	err = multierr.Append(err, r.proc.Close())

	r.mu.Lock()
	links := make([]*peer.Link, 0, len(r.conns))
	for l := range r.conns {
		links = append(links, l)
	}
	r.conns = map[*peer.Link]*responderConn{}
	r.mu.Unlock()
	return multierr.Append(err, peer.CloseLinks(links))
}
