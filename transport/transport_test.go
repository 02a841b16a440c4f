package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/protocol"
)

var testOpts = Options{ConnectTimeout: time.Second, ReadTimeout: 2 * time.Second, WriteTimeout: 2 * time.Second}

// connect returns both ends of a connection to ep.
func connect(t *testing.T, ep Endpoint) (client, server Conn) {
	t.Helper()
	ctx := context.Background()
	l, err := Listen(ctx, ep, testOpts)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	var g errgroup.Group
	g.Go(func() error {
		var err error
		server, err = l.Accept(ctx)
		return err
	})
	client, err = Dial(ctx, l.Endpoint(), testOpts)
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func endpoints(t *testing.T) map[string]Endpoint {
	return map[string]Endpoint{
		"tcp":    TCPEndpoint("127.0.0.1", 0),
		"inproc": InProcEndpoint(t.Name()),
	}
}

func TestFramesRoundTrip(t *testing.T) {
	for name, ep := range endpoints(t) {
		t.Run(name, func(t *testing.T) {
			client, server := connect(t, ep)
			ctx := context.Background()

			frames := []*protocol.MessageFrame{
				protocol.NewFrame(1, []byte("one")),
				protocol.NewFrame(2, nil),
				protocol.NewFrame(3, make([]byte, 100000)),
			}
			require.NoError(t, client.WriteFrames(ctx, frames...))

			for _, want := range frames {
				got, err := server.ReadFrame(ctx)
				require.NoError(t, err)
				assert.Equal(t, want.TypeID, got.TypeID)
				assert.Equal(t, want.Raw, got.Raw)
				assert.False(t, got.Received.IsZero())
			}

			require.NoError(t, server.WriteFrames(ctx, protocol.NewFrame(9, []byte("back"))))
			got, err := client.ReadFrame(ctx)
			require.NoError(t, err)
			assert.Equal(t, []byte("back"), got.Raw)
		})
	}
}

func TestNegotiateOverConn(t *testing.T) {
	for name, ep := range endpoints(t) {
		t.Run(name, func(t *testing.T) {
			client, server := connect(t, ep)
			ctx := context.Background()

			var g errgroup.Group
			var remote protocol.NodeType
			g.Go(func() error {
				var err error
				remote, err = protocol.NewNegotiator(protocol.Publisher).Negotiate(ctx, server, time.Second)
				return err
			})
			got, err := protocol.NewNegotiator(protocol.Subscriber).Negotiate(ctx, client, time.Second)
			require.NoError(t, err)
			require.NoError(t, g.Wait())
			assert.Equal(t, protocol.Publisher, got)
			assert.Equal(t, protocol.Subscriber, remote)
		})
	}
}

func TestDuplicateBind(t *testing.T) {
	ctx := context.Background()

	l, err := Listen(ctx, InProcEndpoint(t.Name()), testOpts)
	require.NoError(t, err)
	_, err = Listen(ctx, InProcEndpoint(t.Name()), testOpts)
	assert.True(t, errors.Is(err, clustermq.ErrAlreadyBound))
	require.NoError(t, l.Close())

	l, err = Listen(ctx, InProcEndpoint(t.Name()), testOpts)
	require.NoError(t, err, "path is free again after Close")
	l.Close()

	tl, err := Listen(ctx, TCPEndpoint("127.0.0.1", 0), testOpts)
	require.NoError(t, err)
	defer tl.Close()
	_, err = Listen(ctx, tl.Endpoint(), testOpts)
	assert.True(t, errors.Is(err, clustermq.ErrAlreadyBound))
}

func TestCloseDisconnectsBothEnds(t *testing.T) {
	client, server := connect(t, InProcEndpoint(t.Name()))
	ctx := context.Background()

	require.NoError(t, client.WriteFrames(ctx, protocol.NewFrame(1, []byte("last"))))
	require.NoError(t, client.Close())

	select {
	case <-server.Done():
	case <-time.After(time.Second):
		t.Fatal("server end not notified")
	}

	f, err := server.ReadFrame(ctx)
	require.NoError(t, err, "queued frames survive the disconnect")
	assert.Equal(t, []byte("last"), f.Raw)

	_, err = server.ReadFrame(ctx)
	assert.True(t, errors.Is(err, clustermq.ErrClosed))
	assert.True(t, errors.Is(server.WriteFrames(ctx, protocol.NewFrame(1, nil)), clustermq.ErrClosed))
}

func TestTCPRemoteCloseIsFraming(t *testing.T) {
	client, server := connect(t, TCPEndpoint("127.0.0.1", 0))
	require.NoError(t, client.Close())

	_, err := server.ReadFrame(context.Background())
	assert.True(t, errors.Is(err, clustermq.ErrFraming))
}

func TestReadFrameCancelled(t *testing.T) {
	for name, ep := range endpoints(t) {
		t.Run(name, func(t *testing.T) {
			_, server := connect(t, ep)
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			_, err := server.ReadFrame(ctx)
			assert.True(t, errors.Is(err, clustermq.ErrCancelled), "got %v", err)
		})
	}
}

func TestDialUnboundTimesOut(t *testing.T) {
	opts := testOpts
	opts.ConnectTimeout = 50 * time.Millisecond
	_, err := Dial(context.Background(), InProcEndpoint(t.Name()), opts)
	assert.True(t, errors.Is(err, clustermq.ErrTimeout), "got %v", err)
}

func TestDialBeforeBind(t *testing.T) {
	ep := InProcEndpoint(t.Name())
	ctx := context.Background()

	dialed := make(chan error, 1)
	go func() {
		c, err := Dial(ctx, ep, testOpts)
		if err == nil {
			c.Close()
		}
		dialed <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l, err := Listen(ctx, ep, testOpts)
	require.NoError(t, err)
	defer l.Close()
	c, err := l.Accept(ctx)
	require.NoError(t, err)
	defer c.Close()
	assert.NoError(t, <-dialed)
}

func TestAcceptAfterClose(t *testing.T) {
	for name, ep := range endpoints(t) {
		t.Run(name, func(t *testing.T) {
			l, err := Listen(context.Background(), ep, testOpts)
			require.NoError(t, err)
			go func() {
				time.Sleep(20 * time.Millisecond)
				l.Close()
			}()
			_, err = l.Accept(context.Background())
			assert.True(t, errors.Is(err, clustermq.ErrClosed), "got %v", err)
		})
	}
}

func TestUnknownDriver(t *testing.T) {
	_, err := Dial(context.Background(), Endpoint{Transport: Kind(42)}, testOpts)
	assert.True(t, errors.Is(err, clustermq.ErrInvalidArgument))
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "tcp://127.0.0.1:9000", TCPEndpoint("127.0.0.1", 9000).String())
	assert.Equal(t, "inproc://jobs", InProcEndpoint("jobs").String())
	assert.Equal(t, "zmq://[::1]:5555", ZmqEndpoint("::1", 5555).String())
}
