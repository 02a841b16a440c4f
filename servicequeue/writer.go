package servicequeue

import (
	"context"
	"fmt"
	"sync"
	"time"

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

type writerConn struct {
	ep   transport.Endpoint
	link *peer.Link
	q    *outbound.MessageQueueBatch
	s    outbound.Sender
}

/*
Writer pushes messages to service queues. Messages are queued locally and written in
coalesced batches; with several connections, each Enqueue goes to the next one in turn.
*/
type Writer struct {
	opts peer.Options
	proc *outbound.Processor

	mu     sync.Mutex
	conns  []*writerConn
	next   int
	closed bool
}

func NewWriter(reg *serialization.Registry, cfg config.Options, m *metrics.Metrics) (*Writer, error) {
	opts, err := peer.NewOptions(protocol.ServiceQueueWriter, reg, cfg, m)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		opts: opts,
		proc: outbound.NewProcessor(outbound.Options{PollInterval: cfg.PollInterval, Metrics: m, Node: opts.Node.String()}),
	}
	w.proc.OnError(w.sendFailed)
	return w, nil
}

func (w *Writer) Connect(ctx context.Context, ep transport.Endpoint) error {
	if w.find(ep) != nil {
		return clustermq.NewError(clustermq.ErrInvalidArgument, "connect", fmt.Sprintf("already connected to %s", ep))
	}
	conn, remote, err := peer.Connect(ctx, ep, w.opts)
	if err != nil {
		return err
	}
	wc := &writerConn{ep: ep, q: outbound.NewMessageQueueBatch(w.opts.Config.SendBufferSize)}
	wc.link = peer.NewLink(conn, remote, w.opts, peer.Handlers{
		OnDisconnect: func(*peer.Link, error) { w.remove(wc) },
	})
	wc.s = outbound.NewBatchSender(wc.q, wc.link)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		wc.link.Close()
		return clustermq.NewError(clustermq.ErrClosed, "connect", "writer closed")
	}
	w.conns = append(w.conns, wc)
	w.mu.Unlock()

	if err := w.proc.Register(wc.s); err != nil {
		w.remove(wc)
		wc.link.Close()
		return err
	}
	return nil
}

func (w *Writer) find(ep transport.Endpoint) *writerConn {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.conns {
		if c.ep == ep {
			return c
		}
	}
	return nil
}

func (w *Writer) remove(wc *writerConn) bool {
	w.mu.Lock()
	found := false
	for i, c := range w.conns {
		if c == wc {
			w.conns = append(w.conns[:i], w.conns[i+1:]...)
			found = true
			break
		}
	}
	w.mu.Unlock()
	if found {
		w.proc.Unregister(wc.s)
	}
	return found
}

func (w *Writer) Disconnect(ep transport.Endpoint) error {
	wc := w.find(ep)
	if wc == nil || !w.remove(wc) {
		return clustermq.NewError(clustermq.ErrNotConnected, "disconnect", fmt.Sprintf("not connected to %s", ep))
	}
	return wc.link.Close()
}

func (w *Writer) Connected() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

func (w *Writer) pick() (*writerConn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, clustermq.NewError(clustermq.ErrClosed, "enqueue", "writer closed")
	}
	if len(w.conns) == 0 {
		return nil, clustermq.NewError(clustermq.ErrNotConnected, "enqueue", "no service queue connected")
	}
	wc := w.conns[w.next%len(w.conns)]
	w.next++
	return wc, nil
}

// Enqueue queues msg for the next connection. It does not wait for the write.
func (w *Writer) Enqueue(msg any) error {
	f, err := w.opts.Registry.Serialize(msg)
	if err != nil {
		return err
	}
	wc, err := w.pick()
	if err != nil {
		return err
	}
	return wc.q.Add(f)
}

// EnqueueBatch queues msgs for one connection, to be written together.
func (w *Writer) EnqueueBatch(msgs []any) error {
	fs, err := w.opts.Registry.SerializeAll(msgs)
	if err != nil {
		return err
	}
	wc, err := w.pick()
	if err != nil {
		return err
	}
	return wc.q.AddRange(fs)
}

// Pending returns the number of messages queued locally and not written yet.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.conns {
		n += c.q.Count()
	}
	return n
}

// Flush waits until every queued message has been written.
func (w *Writer) Flush(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.Config.PollInterval)
	defer ticker.Stop()
	for w.Pending() > 0 {
		select {
		case <-ctx.Done():
			return clustermq.WrapError(clustermq.ErrCancelled, "flush", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (w *Writer) sendFailed(s outbound.Sender, err error) {
	w.mu.Lock()
	var wc *writerConn
	for _, c := range w.conns {
		if c.s == s {
			wc = c
			break
		}
	}
	w.mu.Unlock()
	if wc != nil && w.remove(wc) {
		log.Log(log.LOGLEVEL_WARNINGS, "ServiceQueueWriter closing connection", wc.link.ID(), "after failed send:", err)
		wc.link.Close()
	}
}

// Close disconnects; messages not written yet are discarded.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conns := w.conns
	w.conns = nil
	w.mu.Unlock()

	err := w.proc.Close()
	links := make([]*peer.Link, 0, len(conns))
	for _, c := range conns {
		links = append(links, c.link)
	}
	return multierr.Append(err, peer.CloseLinks(links))
}
