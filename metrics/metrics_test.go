package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dermesser/clustermq"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FramesSent("Publisher", 3)
	m.FrameReceived("Subscriber")
	m.HandshakeFailed("Requester")
	m.Dropped("Responder")
	m.ConnectionOpened("Publisher")
	c, err := m.RegisterGaugeFunc("x", "x", nil, func() float64 { return 1 })
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg, "clustermq")
	require.NoError(t, err)

	m.FramesSent("Publisher", 3)
	m.FramesSent("Publisher", 2)
	m.HandshakeFailed("Requester")
	m.ConnectionOpened("Subscriber")
	m.ConnectionOpened("Subscriber")
	m.ConnectionClosed("Subscriber")

	assert.Equal(t, 5.0, testutil.ToFloat64(m.framesSent.WithLabelValues("Publisher")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakeFailures.WithLabelValues("Requester")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections.WithLabelValues("Subscriber")))

	_, err = New(reg, "clustermq")
	assert.Error(t, err, "registering twice must fail")
}

func TestGaugeFunc(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg, "clustermq")
	require.NoError(t, err)

	v := 4.0
	g, err := m.RegisterGaugeFunc("workers", "live workers", prometheus.Labels{"pool": "a"}, func() float64 { return v })
	require.NoError(t, err)
	assert.Equal(t, 4.0, testutil.ToFloat64(g))

	again, err := m.RegisterGaugeFunc("workers", "live workers", prometheus.Labels{"pool": "a"}, func() float64 { return 0 })
	assert.ErrorIs(t, err, clustermq.ErrInvalidArgument)
	assert.Nil(t, again)
	assert.Equal(t, 4.0, testutil.ToFloat64(g))

	m.Unregister(g)
	n, err := testutil.GatherAndCount(reg, "clustermq_workers")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
