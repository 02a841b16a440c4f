package servicequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/concurrent"
	"github.com/dermesser/clustermq/config"
	"github.com/dermesser/clustermq/metrics"
	"github.com/dermesser/clustermq/peer"
	"github.com/dermesser/clustermq/protocol"
	"github.com/dermesser/clustermq/serialization"
	"github.com/dermesser/clustermq/transport"
)

// Reader pulls messages from one or more service queues into a local inbox.
type Reader struct {
	opts  peer.Options
	inbox *concurrent.BlockingQueue[any]

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	links map[transport.Endpoint]*peer.Link
}

func NewReader(reg *serialization.Registry, cfg config.Options, m *metrics.Metrics) (*Reader, error) {
	opts, err := peer.NewOptions(protocol.ServiceQueueReader, reg, cfg, m)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reader{
		opts:   opts,
		inbox:  concurrent.NewBlockingQueue[any](),
		ctx:    ctx,
		cancel: cancel,
		links:  make(map[transport.Endpoint]*peer.Link),
	}, nil
}

func (r *Reader) Connect(ctx context.Context, ep transport.Endpoint) error {
	return connectOnce(ctx, r.ctx, &r.mu, r.links, ep, r.opts, peer.Handlers{
		OnMessage: func(_ *peer.Link, msg any) { r.inbox.Enqueue(msg) },
	})
}

func (r *Reader) Disconnect(ep transport.Endpoint) error {
	return disconnect(&r.mu, r.links, ep)
}

func (r *Reader) Connected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// Receive waits for the next message.
func (r *Reader) Receive(ctx context.Context) (any, error) {
	if r.ctx.Err() != nil {
		return nil, clustermq.NewError(clustermq.ErrClosed, "receive", "reader closed")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	msg, err := r.inbox.Dequeue(ctx)
	if err != nil {
		if r.ctx.Err() != nil {
			return nil, clustermq.NewError(clustermq.ErrClosed, "receive", "reader closed")
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, clustermq.WrapError(clustermq.ErrTimeout, "receive", err)
		}
		return nil, err
	}
	return msg, nil
}

// TryReceive returns the next message if one is waiting.
func (r *Reader) TryReceive() (any, bool) {
	return r.inbox.TryDequeue()
}

// Pending returns the number of received messages not taken yet.
func (r *Reader) Pending() int {
	return r.inbox.Len()
}

// Close disconnects; messages already received stay available to TryReceive.
func (r *Reader) Close() error {
	r.cancel()
	return closeAll(&r.mu, r.links)
}

func connectOnce(ctx, life context.Context, mu *sync.Mutex, links map[transport.Endpoint]*peer.Link,
	ep transport.Endpoint, opts peer.Options, h peer.Handlers) error {
	mu.Lock()
	_, dup := links[ep]
	mu.Unlock()
	if life.Err() != nil {
		return clustermq.NewError(clustermq.ErrClosed, "connect", "closed")
	}
	if dup {
		return clustermq.NewError(clustermq.ErrInvalidArgument, "connect", fmt.Sprintf("already connected to %s", ep))
	}

	conn, remote, err := peer.Connect(ctx, ep, opts)
	if err != nil {
		return err
	}
	h.OnDisconnect = func(l *peer.Link, _ error) {
		mu.Lock()
		defer mu.Unlock()
		if links[ep] == l {
			delete(links, ep)
		}
	}
	link := peer.NewLink(conn, remote, opts, h)

	mu.Lock()
	if life.Err() != nil || links[ep] != nil {
		mu.Unlock()
		link.Close()
		return clustermq.NewError(clustermq.ErrInvalidArgument, "connect", fmt.Sprintf("lost race connecting to %s", ep))
	}
	links[ep] = link
	mu.Unlock()
	return nil
}

func disconnect(mu *sync.Mutex, links map[transport.Endpoint]*peer.Link, ep transport.Endpoint) error {
	mu.Lock()
	link, ok := links[ep]
	delete(links, ep)
	mu.Unlock()
	if !ok {
		return clustermq.NewError(clustermq.ErrNotConnected, "disconnect", fmt.Sprintf("not connected to %s", ep))
	}
	return link.Close()
}

func closeAll(mu *sync.Mutex, links map[transport.Endpoint]*peer.Link) error {
	mu.Lock()
	all := make([]*peer.Link, 0, len(links))
	for ep, l := range links {
		all = append(all, l)
		delete(links, ep)
	}
	mu.Unlock()
	return peer.CloseLinks(all)
}
