package peer

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/config"
	"github.com/dermesser/clustermq/metrics"
	"github.com/dermesser/clustermq/protocol"
	"github.com/dermesser/clustermq/serialization"
	"github.com/dermesser/clustermq/transport"
)

const stringType = 1

func options(t *testing.T, node protocol.NodeType, m *metrics.Metrics) Options {
	reg := serialization.NewRegistry()
	require.NoError(t, serialization.RegisterString(reg, stringType))
	cfg := config.Default()
	cfg.HandshakeTimeout = time.Second
	cfg.ConnectTimeout = time.Second
	return Options{Node: node, Config: cfg, Registry: reg, Metrics: m}
}

type accepted struct {
	conn   transport.Conn
	remote protocol.NodeType
}

func bind(t *testing.T, opts Options, ep transport.Endpoint) (*Binder, transport.Endpoint, chan accepted) {
	ch := make(chan accepted, 4)
	b := NewBinder(opts, func(conn transport.Conn, remote protocol.NodeType) {
		ch <- accepted{conn, remote}
	})
	actual, err := b.Bind(context.Background(), ep)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, actual, ch
}

func endpoints(t *testing.T) map[string]transport.Endpoint {
	return map[string]transport.Endpoint{
		"tcp":    transport.TCPEndpoint("127.0.0.1", 0),
		"inproc": transport.InProcEndpoint(t.Name()),
	}
}

func TestLinkDeliversMessages(t *testing.T) {
	for name, ep := range endpoints(t) {
		t.Run(name, func(t *testing.T) {
			_, actual, acc := bind(t, options(t, protocol.Publisher, nil), ep)

			sub := options(t, protocol.Subscriber, nil)
			conn, remote, err := Connect(context.Background(), actual, sub)
			require.NoError(t, err)
			assert.Equal(t, protocol.Publisher, remote)

			got := make(chan any, 4)
			client := NewLink(conn, remote, sub, Handlers{
				OnMessage: func(_ *Link, msg any) { got <- msg },
			})
			defer client.Close()

			a := <-acc
			assert.Equal(t, protocol.Subscriber, a.remote)
			server := NewLink(a.conn, a.remote, options(t, protocol.Publisher, nil), Handlers{})
			defer server.Close()

			unknown := protocol.NewFrame(99, []byte("?"))
			f, err := sub.Registry.Serialize("hello")
			require.NoError(t, err)
			require.NoError(t, server.WriteFrames(context.Background(), unknown, f))

			select {
			case msg := <-got:
				assert.Equal(t, "hello", msg)
			case <-time.After(2 * time.Second):
				t.Fatal("message not delivered")
			}
			assert.NoError(t, client.Err())
		})
	}
}

func TestRemoteCloseFiresDisconnect(t *testing.T) {
	for name, ep := range endpoints(t) {
		t.Run(name, func(t *testing.T) {
			_, actual, acc := bind(t, options(t, protocol.Responder, nil), ep)
			req := options(t, protocol.Requester, nil)
			conn, remote, err := Connect(context.Background(), actual, req)
			require.NoError(t, err)

			down := make(chan error, 1)
			client := NewLink(conn, remote, req, Handlers{
				OnDisconnect: func(l *Link, err error) {
					assert.NoError(t, l.Close(), "Close from OnDisconnect is a no-op")
					down <- err
				},
			})

			a := <-acc
			require.NoError(t, a.conn.Close())

			select {
			case err := <-down:
				assert.Error(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("disconnect not reported")
			}
			<-client.Done()
			assert.Error(t, client.Err())
			assert.ErrorIs(t, client.WriteFrames(context.Background(), protocol.NewFrame(stringType, []byte{})), clustermq.ErrClosed)
		})
	}
}

func TestLocalCloseDoesNotFireDisconnect(t *testing.T) {
	ep := transport.InProcEndpoint(t.Name())
	_, actual, acc := bind(t, options(t, protocol.ServiceQueue, nil), ep)
	opts := options(t, protocol.ServiceQueueReader, nil)
	conn, remote, err := Connect(context.Background(), actual, opts)
	require.NoError(t, err)
	a := <-acc
	defer a.conn.Close()

	client := NewLink(conn, remote, opts, Handlers{
		OnDisconnect: func(*Link, error) { t.Error("disconnect callback after local Close") },
	})
	require.NoError(t, client.Close())
	assert.NoError(t, client.Close())
	assert.NoError(t, client.Err())
}

func TestHandshakeRejected(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, "clustermq")
	require.NoError(t, err)

	ep := transport.InProcEndpoint(t.Name())
	_, actual, acc := bind(t, options(t, protocol.Publisher, m), ep)

	_, _, err = Connect(context.Background(), actual, options(t, protocol.Requester, m))
	assert.ErrorIs(t, err, clustermq.ErrProtocol)
	assert.Empty(t, acc)

	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "clustermq_handshake_failures_total")
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond, "both sides count the failure")
}

func TestBindTwice(t *testing.T) {
	b, actual, _ := bind(t, options(t, protocol.Publisher, nil), transport.TCPEndpoint("127.0.0.1", 0))

	_, err := b.Bind(context.Background(), actual)
	assert.ErrorIs(t, err, clustermq.ErrAlreadyBound)
	assert.Len(t, b.Bound(), 1)

	require.NoError(t, b.Unbind(actual))
	assert.ErrorIs(t, b.Unbind(actual), clustermq.ErrNotConnected)

	again, err := b.Bind(context.Background(), actual)
	require.NoError(t, err)
	assert.Equal(t, actual, again)

	require.NoError(t, b.Close())
	_, err = b.Bind(context.Background(), transport.InProcEndpoint(t.Name()))
	assert.ErrorIs(t, err, clustermq.ErrClosed)
}

func TestBindKeyedByBoundEndpoint(t *testing.T) {
	b, first, _ := bind(t, options(t, protocol.Publisher, nil), transport.TCPEndpoint("127.0.0.1", 0))
	require.NoError(t, b.Unbind(first))

	// An explicit port is returned unchanged and matches itself.
	requested := transport.TCPEndpoint("127.0.0.1", first.Port)
	actual, err := b.Bind(context.Background(), requested)
	require.NoError(t, err)
	assert.Equal(t, requested, actual)
	_, err = b.Bind(context.Background(), requested)
	assert.ErrorIs(t, err, clustermq.ErrAlreadyBound)
	require.NoError(t, b.Unbind(requested))

	// Port 0 always means a fresh port.
	one, err := b.Bind(context.Background(), transport.TCPEndpoint("127.0.0.1", 0))
	require.NoError(t, err)
	two, err := b.Bind(context.Background(), transport.TCPEndpoint("127.0.0.1", 0))
	require.NoError(t, err)
	assert.NotEqual(t, one, two)
	assert.Len(t, b.Bound(), 2)
	assert.ErrorIs(t, b.Unbind(transport.TCPEndpoint("127.0.0.1", 0)), clustermq.ErrNotConnected)

	// The same address through the driver, outside the binder's map.
	other := NewBinder(options(t, protocol.Publisher, nil), func(conn transport.Conn, _ protocol.NodeType) { conn.Close() })
	defer other.Close()
	_, err = other.Bind(context.Background(), one)
	assert.ErrorIs(t, err, clustermq.ErrAlreadyBound)
}
