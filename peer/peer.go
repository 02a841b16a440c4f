// Package peer holds the connection plumbing shared by the pattern components: binding and
// accepting, dialing, the greeting handshake and the per-connection receive loop.
package peer

import (
	"context"

	"github.com/dermesser/clustermq/config"
	"github.com/dermesser/clustermq/log"
	"github.com/dermesser/clustermq/metrics"
	"github.com/dermesser/clustermq/protocol"
	"github.com/dermesser/clustermq/serialization"
	"github.com/dermesser/clustermq/transport"
)

// Options describe the local component.
type Options struct {
	Node     protocol.NodeType
	Config   config.Options
	Registry *serialization.Registry
	Metrics  *metrics.Metrics
}

// NewOptions validates cfg and applies its log level.
func NewOptions(node protocol.NodeType, reg *serialization.Registry, cfg config.Options, m *metrics.Metrics) (Options, error) {
	if err := cfg.Validate(); err != nil {
		return Options{}, err
	}
	cfg.ApplyLoglevel()
	return Options{Node: node, Config: cfg, Registry: reg, Metrics: m}, nil
}

func (o Options) transport() transport.Options {
	return transport.OptionsFrom(o.Config)
}

func (o Options) name() string {
	return o.Node.String()
}

// Handshake exchanges greetings on a fresh connection and returns the verified remote role.
func Handshake(ctx context.Context, conn transport.Conn, opts Options) (protocol.NodeType, error) {
	remote, err := protocol.NewNegotiator(opts.Node).Negotiate(ctx, conn, opts.Config.HandshakeTimeout)
	if err != nil {
		opts.Metrics.HandshakeFailed(opts.name())
		l := log.Logger()
		log.Event(&l, log.LOGLEVEL_WARNINGS).Str(log.CONN, conn.ID()).Str(log.NODE, opts.name()).
			Str(log.PEER, conn.RemoteAddr()).Err(err).Msg("handshake failed")
		return 0, err
	}
	return remote, nil
}

// Connect dials ep and completes the handshake. On failure the connection is closed.
func Connect(ctx context.Context, ep transport.Endpoint, opts Options) (transport.Conn, protocol.NodeType, error) {
	conn, err := transport.Dial(ctx, ep, opts.transport())
	if err != nil {
		return nil, 0, err
	}
	remote, err := Handshake(ctx, conn, opts)
	if err != nil {
		conn.Close()
		return nil, 0, err
	}
	log.Log(log.LOGLEVEL_INFO, opts.name(), "connected to", remote, "at", ep)
	return conn, remote, nil
}
