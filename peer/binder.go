package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"gopkg.in/tomb.v2"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/log"
	"github.com/dermesser/clustermq/protocol"
	"github.com/dermesser/clustermq/transport"
)

// AcceptFunc takes over a connection whose handshake succeeded.
type AcceptFunc func(conn transport.Conn, remote protocol.NodeType)

type binding struct {
	ln transport.Listener
	t  tomb.Tomb
}

/*
Binder owns the listeners of one component. Every bound endpoint gets an accept loop; each
accepted connection is handshaked on its own goroutine and then handed to the AcceptFunc.
Connections that fail the handshake are closed.

Connections handed out are owned by the component; Unbind and Close only stop accepting.
*/
type Binder struct {
	opts   Options
	accept AcceptFunc

	mu     sync.Mutex
	bound  map[transport.Endpoint]*binding
	closed bool
}

func NewBinder(opts Options, accept AcceptFunc) *Binder {
	return &Binder{opts: opts, accept: accept, bound: make(map[transport.Endpoint]*binding)}
}

/*
Bind starts listening on ep and returns the bound endpoint. Drivers keep the host as given
and only fill in the port, so the two differ only for port 0. Bindings are keyed by the
returned endpoint: every bind of port 0 gets a new port, and Unbind needs the returned
endpoint. Binding an endpoint twice fails with ErrAlreadyBound; an address in use under
another spelling of the host fails in the driver, also with ErrAlreadyBound.
*/
func (b *Binder) Bind(ctx context.Context, ep transport.Endpoint) (transport.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ep, clustermq.NewError(clustermq.ErrClosed, "bind", "binder closed")
	}
	if _, ok := b.bound[ep]; ok {
		return ep, clustermq.NewError(clustermq.ErrAlreadyBound, "bind", fmt.Sprintf("%s is already bound", ep))
	}
	ln, err := transport.Listen(ctx, ep, b.opts.transport())
	if err != nil {
		return ep, err
	}
	actual := ln.Endpoint()
	if _, ok := b.bound[actual]; ok {
		ln.Close()
		return ep, clustermq.NewError(clustermq.ErrAlreadyBound, "bind", fmt.Sprintf("%s is already bound", actual))
	}
	bd := &binding{ln: ln}
	b.bound[actual] = bd
	bd.t.Go(func() error {
		return b.acceptLoop(bd)
	})
	log.Log(log.LOGLEVEL_INFO, b.opts.name(), "bound to", actual)
	return actual, nil
}

// Unbind stops accepting on ep, which must be an endpoint returned by Bind.
func (b *Binder) Unbind(ep transport.Endpoint) error {
	b.mu.Lock()
	bd, ok := b.bound[ep]
	delete(b.bound, ep)
	b.mu.Unlock()
	if !ok {
		return clustermq.NewError(clustermq.ErrNotConnected, "unbind", fmt.Sprintf("%s is not bound", ep))
	}
	return bd.stop()
}

func (b *Binder) Bound() []transport.Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	eps := make([]transport.Endpoint, 0, len(b.bound))
	for ep := range b.bound {
		eps = append(eps, ep)
	}
	return eps
}

// Close unbinds everything; Bind fails afterwards.
func (b *Binder) Close() error {
	b.mu.Lock()
	b.closed = true
	bound := b.bound
	b.bound = make(map[transport.Endpoint]*binding)
	b.mu.Unlock()

	var err error
	for _, bd := range bound {
		err = multierr.Append(err, bd.stop())
	}
	return err
}

func (bd *binding) stop() error {
	bd.t.Kill(nil)
	err := bd.ln.Close()
	bd.t.Wait()
	return err
}

func (b *Binder) acceptLoop(bd *binding) error {
	ctx := bd.t.Context(nil)
	for {
		conn, err := bd.ln.Accept(ctx)
		if err != nil {
			if !bd.t.Alive() || errors.Is(err, clustermq.ErrClosed) {
				return nil
			}
			log.Log(log.LOGLEVEL_WARNINGS, b.opts.name(), "accept on", bd.ln.Endpoint(), "failed:", err)
			continue
		}
		bd.t.Go(func() error {
			b.handshake(ctx, conn)
			return nil
		})
	}
}

func (b *Binder) handshake(ctx context.Context, conn transport.Conn) {
	remote, err := Handshake(ctx, conn, b.opts)
	if err != nil {
		conn.Close()
		return
	}
	b.accept(conn, remote)
}
