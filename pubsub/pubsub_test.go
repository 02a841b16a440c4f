package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/config"
	"github.com/dermesser/clustermq/serialization"
	"github.com/dermesser/clustermq/transport"
)

type Tick struct {
	Seq   int
	Label string
}

func registry(t *testing.T) *serialization.Registry {
	reg := serialization.NewRegistry()
	require.NoError(t, serialization.RegisterMsgpack[Tick](reg, 1))
	require.NoError(t, serialization.RegisterString(reg, 2))
	return reg
}

func endpoints(t *testing.T) map[string]transport.Endpoint {
	return map[string]transport.Endpoint{
		"tcp":    transport.TCPEndpoint("127.0.0.1", 0),
		"inproc": transport.InProcEndpoint(t.Name()),
	}
}

func receive(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	for name, ep := range endpoints(t) {
		t.Run(name, func(t *testing.T) {
			reg := registry(t)
			pub, err := NewPublisher(reg, config.Default(), nil)
			require.NoError(t, err)
			defer pub.Close()
			bound, err := pub.Bind(context.Background(), ep)
			require.NoError(t, err)

			var inboxes []chan any
			for i := 0; i < 3; i++ {
				sub, err := NewSubscriber(reg, config.Default(), nil)
				require.NoError(t, err)
				defer sub.Close()
				inbox := make(chan any, 16)
				sub.OnMessage(func(msg any) { inbox <- msg })
				require.NoError(t, sub.Connect(context.Background(), bound))
				inboxes = append(inboxes, inbox)
			}
			require.Eventually(t, func() bool { return pub.SubscriberCount() == 3 }, 2*time.Second, 5*time.Millisecond)

			require.NoError(t, pub.Broadcast(Tick{Seq: 1, Label: "one"}))
			for _, inbox := range inboxes {
				assert.Equal(t, Tick{Seq: 1, Label: "one"}, receive(t, inbox))
			}
			for i, inbox := range inboxes {
				assert.Never(t, func() bool { return len(inbox) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
					"subscriber %d got a second delivery", i)
			}

			require.NoError(t, pub.BroadcastBatch([]any{"a", "b", Tick{Seq: 2}}))
			for _, inbox := range inboxes {
				assert.Equal(t, "a", receive(t, inbox))
				assert.Equal(t, "b", receive(t, inbox))
				assert.Equal(t, Tick{Seq: 2}, receive(t, inbox))
			}
			time.Sleep(50 * time.Millisecond)
			for _, inbox := range inboxes {
				assert.Empty(t, inbox)
			}
		})
	}
}

func TestSubscriberDisconnect(t *testing.T) {
	for name, ep := range endpoints(t) {
		t.Run(name, func(t *testing.T) {
			reg := registry(t)
			pub, err := NewPublisher(reg, config.Default(), nil)
			require.NoError(t, err)
			defer pub.Close()
			bound, err := pub.Bind(context.Background(), ep)
			require.NoError(t, err)

			sub, err := NewSubscriber(reg, config.Default(), nil)
			require.NoError(t, err)
			defer sub.Close()
			require.NoError(t, sub.Connect(context.Background(), bound))
			assert.ErrorIs(t, sub.Connect(context.Background(), bound), clustermq.ErrInvalidArgument)
			require.Eventually(t, func() bool { return pub.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

			require.NoError(t, sub.Disconnect(bound))
			assert.ErrorIs(t, sub.Disconnect(bound), clustermq.ErrNotConnected)
			assert.Equal(t, 0, sub.Connected())

			// TCP notices the close on read; give the publisher a broadcast to fail on as well.
			require.Eventually(t, func() bool {
				pub.Broadcast("ping")
				return pub.SubscriberCount() == 0
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestPublisherErrors(t *testing.T) {
	pub, err := NewPublisher(registry(t), config.Default(), nil)
	require.NoError(t, err)

	err = pub.Broadcast(42)
	assert.ErrorIs(t, err, clustermq.ErrSerialization, "int has no serializer")
	assert.NoError(t, pub.Broadcast("nobody listens"))

	bound, err := pub.Bind(context.Background(), transport.InProcEndpoint(t.Name()))
	require.NoError(t, err)
	_, err = pub.Bind(context.Background(), bound)
	assert.ErrorIs(t, err, clustermq.ErrAlreadyBound)

	require.NoError(t, pub.Close())
	assert.NoError(t, pub.Close())
	assert.ErrorIs(t, pub.Broadcast("late"), clustermq.ErrClosed)

	bad := config.Default()
	bad.SendBufferSize = 0
	_, err = NewPublisher(registry(t), bad, nil)
	assert.ErrorIs(t, err, clustermq.ErrInvalidArgument)
}
