package pubsub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/config"
	"github.com/dermesser/clustermq/log"
	"github.com/dermesser/clustermq/metrics"
	"github.com/dermesser/clustermq/peer"
	"github.com/dermesser/clustermq/protocol"
	"github.com/dermesser/clustermq/serialization"
	"github.com/dermesser/clustermq/transport"
)

/*
Subscriber connects to publishers and hands every received message to its callback.

There is exactly one message callback. Set it with OnMessage before connecting; messages
received while no callback is set are discarded. The callback runs on the receive goroutine
of the connection the message arrived on, so callbacks for different publishers may run
concurrently.
*/
type Subscriber struct {
	opts      peer.Options
	onMessage atomic.Pointer[func(any)]

	mu     sync.Mutex
	links  map[transport.Endpoint]*peer.Link
	closed bool
}

func NewSubscriber(reg *serialization.Registry, cfg config.Options, m *metrics.Metrics) (*Subscriber, error) {
	opts, err := peer.NewOptions(protocol.Subscriber, reg, cfg, m)
	if err != nil {
		return nil, err
	}
	return &Subscriber{opts: opts, links: make(map[transport.Endpoint]*peer.Link)}, nil
}

// OnMessage sets the message callback, replacing any previous one.
func (s *Subscriber) OnMessage(fn func(msg any)) {
	s.onMessage.Store(&fn)
}

// Connect subscribes to the publisher at ep.
func (s *Subscriber) Connect(ctx context.Context, ep transport.Endpoint) error {
	s.mu.Lock()
	_, dup := s.links[ep]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return clustermq.NewError(clustermq.ErrClosed, "connect", "subscriber closed")
	}
	if dup {
		return clustermq.NewError(clustermq.ErrInvalidArgument, "connect", fmt.Sprintf("already connected to %s", ep))
	}

	conn, remote, err := peer.Connect(ctx, ep, s.opts)
	if err != nil {
		return err
	}
	link := peer.NewLink(conn, remote, s.opts, peer.Handlers{
		OnMessage: s.deliver,
		OnDisconnect: func(l *peer.Link, err error) {
			s.forget(ep, l)
		},
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		link.Close()
		return clustermq.NewError(clustermq.ErrClosed, "connect", "subscriber closed")
	}
	if s.links[ep] != nil {
		s.mu.Unlock()
		link.Close()
		return clustermq.NewError(clustermq.ErrInvalidArgument, "connect", fmt.Sprintf("already connected to %s", ep))
	}
	s.links[ep] = link
	s.mu.Unlock()
	return nil
}

func (s *Subscriber) deliver(_ *peer.Link, msg any) {
	if fn := s.onMessage.Load(); fn != nil {
		(*fn)(msg)
		return
	}
	log.Log(log.LOGLEVEL_DEBUG, "Subscriber has no callback, discarding", fmt.Sprintf("%T", msg))
}

func (s *Subscriber) forget(ep transport.Endpoint, l *peer.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[ep] == l {
		delete(s.links, ep)
	}
}

// Disconnect closes the connection to ep.
func (s *Subscriber) Disconnect(ep transport.Endpoint) error {
	s.mu.Lock()
	link, ok := s.links[ep]
	delete(s.links, ep)
	s.mu.Unlock()
	if !ok {
		return clustermq.NewError(clustermq.ErrNotConnected, "disconnect", fmt.Sprintf("not connected to %s", ep))
	}
	return link.Close()
}

func (s *Subscriber) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	s.closed = true
	links := make([]*peer.Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.links = map[transport.Endpoint]*peer.Link{}
	s.mu.Unlock()
	return peer.CloseLinks(links)
}
