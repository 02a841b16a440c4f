// Package pubsub implements fan-out messaging: a Publisher sends every message to all
// connected Subscribers.
package pubsub

import (
	"context"
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

type subscription struct {
	link *peer.Link
	q    *outbound.MessageQueueBatch
	s    outbound.Sender
}

/*
Publisher accepts subscriber connections on its bound endpoints and broadcasts messages to
all of them. Each subscriber has its own coalescing queue; one Processor drains all queues.

A subscriber whose connection fails is dropped. There is no replay: a subscriber receives
what is broadcast while it is connected.
*/
type Publisher struct {
	opts   peer.Options
	binder *peer.Binder
	proc   *outbound.Processor

	mu     sync.Mutex
	subs   map[*peer.Link]*subscription
	closed bool
}

func NewPublisher(reg *serialization.Registry, cfg config.Options, m *metrics.Metrics) (*Publisher, error) {
	opts, err := peer.NewOptions(protocol.Publisher, reg, cfg, m)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		opts: opts,
		proc: outbound.NewProcessor(outbound.Options{PollInterval: cfg.PollInterval, Metrics: m, Node: opts.Node.String()}),
		subs: make(map[*peer.Link]*subscription),
	}
	p.binder = peer.NewBinder(opts, p.accept)
	p.proc.OnError(p.sendFailed)
	return p, nil
}

// Bind accepts subscribers on ep and returns the bound endpoint.
func (p *Publisher) Bind(ctx context.Context, ep transport.Endpoint) (transport.Endpoint, error) {
	return p.binder.Bind(ctx, ep)
}

// Unbind stops accepting on ep. Connected subscribers stay connected.
func (p *Publisher) Unbind(ep transport.Endpoint) error {
	return p.binder.Unbind(ep)
}

func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *Publisher) accept(conn transport.Conn, remote protocol.NodeType) {
	link := peer.NewLink(conn, remote, p.opts, peer.Handlers{OnDisconnect: p.disconnected})
	q := outbound.NewMessageQueueBatch(p.opts.Config.SendBufferSize)
	sub := &subscription{link: link, q: q, s: outbound.NewBatchSender(q, link)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		link.Close()
		return
	}
	p.subs[link] = sub
	p.mu.Unlock()

	if err := p.proc.Register(sub.s); err != nil {
		p.remove(link)
		link.Close()
	}
}

func (p *Publisher) remove(link *peer.Link) *subscription {
	p.mu.Lock()
	sub, ok := p.subs[link]
	delete(p.subs, link)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.proc.Unregister(sub.s)
	return sub
}

func (p *Publisher) disconnected(link *peer.Link, err error) {
	if p.remove(link) != nil {
		log.Log(log.LOGLEVEL_INFO, "Publisher lost subscriber", link.ID())
	}
}

func (p *Publisher) sendFailed(s outbound.Sender, err error) {
	p.mu.Lock()
	var link *peer.Link
	for l, sub := range p.subs {
		if sub.s == s {
			link = l
			break
		}
	}
	p.mu.Unlock()
	if link == nil {
		return
	}
	log.Log(log.LOGLEVEL_WARNINGS, "Publisher dropping subscriber", link.ID(), "after failed send:", err)
	p.remove(link)
	link.Close()
}

func (p *Publisher) snapshot() ([]*subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, clustermq.NewError(clustermq.ErrClosed, "broadcast", "publisher closed")
	}
	subs := make([]*subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	return subs, nil
}

// Broadcast queues msg for every connected subscriber. It does not wait for delivery.
func (p *Publisher) Broadcast(msg any) error {
	f, err := p.opts.Registry.Serialize(msg)
	if err != nil {
		return err
	}
	subs, err := p.snapshot()
	if err != nil {
		return err
	}
	for _, s := range subs {
		if err := s.q.Add(f); err != nil {
			return err
		}
	}
	return nil
}

// BroadcastBatch queues msgs as one contiguous batch for every subscriber.
func (p *Publisher) BroadcastBatch(msgs []any) error {
	fs, err := p.opts.Registry.SerializeAll(msgs)
	if err != nil {
		return err
	}
	subs, err := p.snapshot()
	if err != nil {
		return err
	}
	for _, s := range subs {
		if err := s.q.AddRange(fs); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting, stops sending and disconnects all subscribers. Queued messages
// that were not sent yet are discarded.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	links := make([]*peer.Link, 0, len(p.subs))
	for l := range p.subs {
		links = append(links, l)
	}
	p.subs = map[*peer.Link]*subscription{}
	p.mu.Unlock()

	err := p.binder.Close()
	err = multierr.Append(err, p.proc.Close())
	return multierr.Append(err, peer.CloseLinks(links))
}
