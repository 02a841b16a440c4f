package servicequeue

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

type Job struct {
	ID int
}

func registry(t *testing.T) *serialization.Registry {
	reg := serialization.NewRegistry()
	require.NoError(t, serialization.RegisterMsgpack[Job](reg, 7))
	return reg
}

func endpoints(t *testing.T) map[string]transport.Endpoint {
	return map[string]transport.Endpoint{
		"tcp":    transport.TCPEndpoint("127.0.0.1", 0),
		"inproc": transport.InProcEndpoint(t.Name()),
	}
}

func TestEveryJobReachesExactlyOneReader(t *testing.T) {
	const jobs = 200
	for name, ep := range endpoints(t) {
		t.Run(name, func(t *testing.T) {
			reg := registry(t)
			sq, err := NewServiceQueue(reg, config.Default(), nil)
			require.NoError(t, err)
			defer sq.Close()
			bound, err := sq.Bind(context.Background(), ep)
			require.NoError(t, err)

			var readers []*Reader
			for i := 0; i < 2; i++ {
				r, err := NewReader(reg, config.Default(), nil)
				require.NoError(t, err)
				defer r.Close()
				require.NoError(t, r.Connect(context.Background(), bound))
				readers = append(readers, r)
			}
			w, err := NewWriter(reg, config.Default(), nil)
			require.NoError(t, err)
			defer w.Close()
			require.NoError(t, w.Connect(context.Background(), bound))

			require.Eventually(t, func() bool {
				return sq.ReaderCount() == 2 && sq.WriterCount() == 1
			}, 2*time.Second, 5*time.Millisecond)

			batch := make([]any, 0, jobs/2)
			for i := 0; i < jobs/2; i++ {
				require.NoError(t, w.Enqueue(Job{ID: i}))
				batch = append(batch, Job{ID: jobs/2 + i})
			}
			require.NoError(t, w.EnqueueBatch(batch))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, w.Flush(ctx))

			require.Eventually(t, func() bool {
				return readers[0].Pending()+readers[1].Pending() == jobs
			}, 5*time.Second, 10*time.Millisecond)

			seen := map[int]bool{}
			for _, r := range readers {
				for {
					m, ok := r.TryReceive()
					if !ok {
						break
					}
					id := m.(Job).ID
					assert.False(t, seen[id], "job %d delivered twice", id)
					seen[id] = true
				}
			}
			assert.Len(t, seen, jobs)
			assert.Equal(t, 0, sq.Count())
		})
	}
}

func TestQueueHoldsJobsUntilAReaderConnects(t *testing.T) {
	reg := registry(t)
	cfg := config.Default()
	cfg.Rotation = config.RotationFirstIdle
	sq, err := NewServiceQueue(reg, cfg, nil)
	require.NoError(t, err)
	defer sq.Close()
	bound, err := sq.Bind(context.Background(), transport.InProcEndpoint(t.Name()))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, sq.Enqueue(Job{ID: i}))
	}
	assert.Equal(t, 3, sq.Count())
	assert.ErrorIs(t, sq.Enqueue("no serializer"), clustermq.ErrSerialization)

	r, err := NewReader(reg, config.Default(), nil)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Connect(context.Background(), bound))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		m, err := r.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, Job{ID: i}, m)
	}
	assert.Equal(t, 0, sq.Count())
}

func TestReaderReceive(t *testing.T) {
	r, err := NewReader(registry(t), config.Default(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Receive(ctx)
	assert.ErrorIs(t, err, clustermq.ErrTimeout)

	_, ok := r.TryReceive()
	assert.False(t, ok)

	done := make(chan error, 1)
	go func() {
		_, err := r.Receive(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, clustermq.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Receive not woken by Close")
	}
	assert.ErrorIs(t, r.Connect(context.Background(), transport.InProcEndpoint("x")), clustermq.ErrClosed)
}

func TestReaderDisconnectIsNoticed(t *testing.T) {
	reg := registry(t)
	sq, err := NewServiceQueue(reg, config.Default(), nil)
	require.NoError(t, err)
	defer sq.Close()
	bound, err := sq.Bind(context.Background(), transport.TCPEndpoint("127.0.0.1", 0))
	require.NoError(t, err)

	r, err := NewReader(reg, config.Default(), nil)
	require.NoError(t, err)
	require.NoError(t, r.Connect(context.Background(), bound))
	assert.ErrorIs(t, r.Connect(context.Background(), bound), clustermq.ErrInvalidArgument)
	require.Eventually(t, func() bool { return sq.ReaderCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Disconnect(bound))
	assert.ErrorIs(t, r.Disconnect(bound), clustermq.ErrNotConnected)
	require.Eventually(t, func() bool { return sq.ReaderCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	w, err := NewWriter(reg, config.Default(), nil)
	require.NoError(t, err)
	defer w.Close()
	assert.ErrorIs(t, w.Enqueue(Job{}), clustermq.ErrNotConnected)
}

func TestInvalidRotation(t *testing.T) {
	cfg := config.Default()
	cfg.Rotation = "random"
	_, err := NewServiceQueue(registry(t), cfg, nil)
	assert.ErrorIs(t, err, clustermq.ErrInvalidArgument)
}
