//go:build zmq

package zmqtransport

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/protocol"
	"github.com/dermesser/clustermq/transport"
)

var opts = transport.Options{ConnectTimeout: time.Second}

func TestRoundTripWithNegotiation(t *testing.T) {
	ctx := context.Background()
	d := &Driver{PollInterval: time.Millisecond}
	l, err := d.Listen(ctx, transport.ZmqEndpoint("127.0.0.1", 0), opts)
	require.NoError(t, err)
	defer l.Close()

	client, err := d.Dial(ctx, l.Endpoint(), opts)
	require.NoError(t, err)
	defer client.Close()

	var g errgroup.Group
	var remote protocol.NodeType
	g.Go(func() error {
		server, err := l.Accept(ctx)
		if err != nil {
			return err
		}
		remote, err = protocol.NewNegotiator(protocol.Responder).Negotiate(ctx, server, 2*time.Second)
		if err != nil {
			return err
		}
		f, err := server.ReadFrame(ctx)
		if err != nil {
			return err
		}
		return server.WriteFrames(ctx, protocol.NewFrame(f.TypeID, append(f.Raw, '!')))
	})

	got, err := protocol.NewNegotiator(protocol.Requester).Negotiate(ctx, client, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.Responder, got)

	require.NoError(t, client.WriteFrames(ctx, protocol.NewFrame(7, []byte("ping"))))
	f, err := client.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), f.TypeID)
	assert.Equal(t, []byte("ping!"), f.Raw)

	require.NoError(t, g.Wait())
	assert.Equal(t, protocol.Requester, remote)
}

func TestCurve(t *testing.T) {
	ctx := context.Background()
	server, err := NewSecurity()
	require.NoError(t, err)
	defer StopAuth()
	client, err := NewSecurity()
	require.NoError(t, err)
	client.ServerKey = server.Public

	l, err := (&Driver{Security: server}).Listen(ctx, transport.ZmqEndpoint("127.0.0.1", 0), opts)
	require.NoError(t, err)
	defer l.Close()
	c, err := (&Driver{Security: client}).Dial(ctx, l.Endpoint(), opts)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteFrames(ctx, protocol.NewFrame(1, []byte("secret"))))
	sc, err := l.Accept(ctx)
	require.NoError(t, err)
	f, err := sc.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), f.Raw)
}

func TestKeysRoundTrip(t *testing.T) {
	s, err := NewSecurity()
	require.NoError(t, err)
	dir := t.TempDir()
	pub, sec := filepath.Join(dir, "pub"), filepath.Join(dir, "sec")
	require.NoError(t, s.WriteKeys(pub, sec))

	var loaded Security
	require.NoError(t, loaded.LoadKeys(pub, sec))
	assert.Equal(t, s.Public, loaded.Public)
	assert.Equal(t, s.Secret, loaded.Secret)
}

func TestIncompleteClientKeys(t *testing.T) {
	d := &Driver{Security: &Security{Public: "x"}}
	_, err := d.Dial(context.Background(), transport.ZmqEndpoint("127.0.0.1", 1), opts)
	assert.True(t, errors.Is(err, clustermq.ErrInvalidArgument))
}
