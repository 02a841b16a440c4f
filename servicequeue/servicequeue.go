// Package servicequeue implements a pull-based work queue. Writers push messages into a
// ServiceQueue; the queue hands every message to exactly one of its connected Readers.
package servicequeue

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/concurrent"
	"github.com/dermesser/clustermq/config"
	"github.com/dermesser/clustermq/log"
	"github.com/dermesser/clustermq/metrics"
	"github.com/dermesser/clustermq/outbound"
	"github.com/dermesser/clustermq/peer"
	"github.com/dermesser/clustermq/protocol"
	"github.com/dermesser/clustermq/serialization"
	"github.com/dermesser/clustermq/transport"
)

/*
ServiceQueue holds messages in memory until a reader takes them.

Writer connections and Enqueue feed one shared FIFO. Reader connections are registered with a
Distributor, which sends each message to one idle reader, picked by cfg.Rotation. Frames are
forwarded as received; the queue only needs serializers for messages passed to Enqueue.

Delivery is at most once: a message whose write to a reader fails is lost, and messages
still queued when the ServiceQueue closes are discarded.
*/
type ServiceQueue struct {
	opts   peer.Options
	binder *peer.Binder
	queue  *concurrent.BlockingQueue[*protocol.MessageFrame]
	dist   *outbound.Distributor

	mu      sync.Mutex
	readers map[*peer.Link]*outbound.Handle
	writers map[*peer.Link]struct{}
	closed  bool
}

func NewServiceQueue(reg *serialization.Registry, cfg config.Options, m *metrics.Metrics) (*ServiceQueue, error) {
	opts, err := peer.NewOptions(protocol.ServiceQueue, reg, cfg, m)
	if err != nil {
		return nil, err
	}
	alg, err := outbound.ParseAlgorithm(cfg.Rotation)
	if err != nil {
		return nil, err
	}
	sq := &ServiceQueue{
		opts:    opts,
		queue:   concurrent.NewBlockingQueue[*protocol.MessageFrame](),
		readers: make(map[*peer.Link]*outbound.Handle),
		writers: make(map[*peer.Link]struct{}),
	}
	sq.dist = outbound.NewDistributor(sq.queue, alg,
		outbound.Options{PollInterval: cfg.PollInterval, Metrics: m, Node: opts.Node.String()})
	sq.dist.OnError(sq.dispatchFailed)
	sq.binder = peer.NewBinder(opts, sq.accept)
	return sq, nil
}

func (sq *ServiceQueue) Bind(ctx context.Context, ep transport.Endpoint) (transport.Endpoint, error) {
	return sq.binder.Bind(ctx, ep)
}

func (sq *ServiceQueue) Unbind(ep transport.Endpoint) error {
	return sq.binder.Unbind(ep)
}

// Enqueue adds msg to the queue, as if a writer had sent it.
func (sq *ServiceQueue) Enqueue(msg any) error {
	f, err := sq.opts.Registry.Serialize(msg)
	if err != nil {
		return err
	}
	sq.mu.Lock()
	closed := sq.closed
	sq.mu.Unlock()
	if closed {
		return clustermq.NewError(clustermq.ErrClosed, "enqueue", "service queue closed")
	}
	sq.queue.Enqueue(f)
	return nil
}

// Count returns the number of messages waiting for a reader.
func (sq *ServiceQueue) Count() int {
	return sq.queue.Len()
}

func (sq *ServiceQueue) ReaderCount() int {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.readers)
}

func (sq *ServiceQueue) WriterCount() int {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.writers)
}

func (sq *ServiceQueue) accept(conn transport.Conn, remote protocol.NodeType) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.closed {
		conn.Close()
		return
	}

	switch remote {
	case protocol.ServiceQueueWriter:
		link := peer.NewLink(conn, remote, sq.opts, peer.Handlers{
			OnFrame:      func(_ *peer.Link, f *protocol.MessageFrame) { sq.queue.Enqueue(f) },
			OnDisconnect: func(l *peer.Link, _ error) { sq.forgetWriter(l) },
		})
		sq.writers[link] = struct{}{}
	case protocol.ServiceQueueReader:
		link := peer.NewLink(conn, remote, sq.opts, peer.Handlers{
			OnFrame:      sq.unexpected,
			OnDisconnect: func(l *peer.Link, _ error) { sq.forgetReader(l) },
		})
		h, err := sq.dist.Register(link)
		if err != nil {
			go link.Close()
			return
		}
		sq.readers[link] = h
	}
}

func (sq *ServiceQueue) unexpected(l *peer.Link, f *protocol.MessageFrame) {
	sq.opts.Metrics.Dropped(sq.opts.Node.String())
	log.Log(log.LOGLEVEL_WARNINGS, "ServiceQueue dropping frame of type", f.TypeID, "sent by reader", l.ID())
}

func (sq *ServiceQueue) forgetWriter(l *peer.Link) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	delete(sq.writers, l)
}

func (sq *ServiceQueue) forgetReader(l *peer.Link) bool {
	sq.mu.Lock()
	h, ok := sq.readers[l]
	delete(sq.readers, l)
	sq.mu.Unlock()
	if ok {
		sq.dist.Unregister(h)
	}
	return ok
}

func (sq *ServiceQueue) dispatchFailed(h *outbound.Handle, err error) {
	l := h.Writer().(*peer.Link)
	if sq.forgetReader(l) {
		log.Log(log.LOGLEVEL_WARNINGS, "ServiceQueue dropping reader", l.ID(), "after failed send:", err)
		l.Close()
	}
}

// Close stops accepting, disconnects all readers and writers and discards queued messages.
func (sq *ServiceQueue) Close() error {
	sq.mu.Lock()
	if sq.closed {
		sq.mu.Unlock()
		return nil
	}
	sq.closed = true
	sq.mu.Unlock()

	err := sq.binder.Close()
	err = multierr.Append(err, sq.dist.Close())

	sq.mu.Lock()
	links := make([]*peer.Link, 0, len(sq.readers)+len(sq.writers))
	for l := range sq.readers {
		links = append(links, l)
	}
	for l := range sq.writers {
		links = append(links, l)
	}
	sq.readers = map[*peer.Link]*outbound.Handle{}
	sq.writers = map[*peer.Link]struct{}{}
	sq.mu.Unlock()

	err = multierr.Append(err, peer.CloseLinks(links))
	sq.queue.Drain()
	return err
}
