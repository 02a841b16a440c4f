package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dermesser/clustermq"
)

const NODE = "node"

/*
Metrics bundles the collectors shared by all components of one process. All methods are
safe to call on a nil *Metrics, which records nothing; components default to nil.
*/
type Metrics struct {
	reg       prometheus.Registerer
	namespace string

	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	handshakeFailures *prometheus.CounterVec
	droppedMessages   *prometheus.CounterVec
	connections       *prometheus.GaugeVec
}

// New creates and registers the collectors with reg under namespace.
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		reg:       reg,
		namespace: namespace,
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to transports.",
		}, []string{NODE}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from transports.",
		}, []string{NODE}),
		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Connection attempts rejected during the greeting exchange.",
		}, []string{NODE}),
		droppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped because they could not be deserialized or handled.",
		}, []string{NODE}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently established connections.",
		}, []string{NODE}),
	}
	for _, c := range []prometheus.Collector{m.framesSent, m.framesReceived, m.handshakeFailures, m.droppedMessages, m.connections} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) FramesSent(node string, n int) {
	if m != nil {
		m.framesSent.WithLabelValues(node).Add(float64(n))
	}
}

func (m *Metrics) FrameReceived(node string) {
	if m != nil {
		m.framesReceived.WithLabelValues(node).Inc()
	}
}

func (m *Metrics) HandshakeFailed(node string) {
	if m != nil {
		m.handshakeFailures.WithLabelValues(node).Inc()
	}
}

func (m *Metrics) Dropped(node string) {
	if m != nil {
		m.droppedMessages.WithLabelValues(node).Inc()
	}
}

func (m *Metrics) ConnectionOpened(node string) {
	if m != nil {
		m.connections.WithLabelValues(node).Inc()
	}
}

func (m *Metrics) ConnectionClosed(node string) {
	if m != nil {
		m.connections.WithLabelValues(node).Dec()
	}
}

// RegisterGaugeFunc registers a gauge whose value is read from f on every scrape.
// A gauge with the same name and labels is rejected with clustermq.ErrInvalidArgument.
func (m *Metrics) RegisterGaugeFunc(name, help string, labels prometheus.Labels, f func() float64) (prometheus.Collector, error) {
	if m == nil {
		return nil, nil
	}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, f)
	if err := m.reg.Register(g); err != nil {
		return nil, clustermq.WrapError(clustermq.ErrInvalidArgument, "register gauge", err)
	}
	return g, nil
}

// Unregister removes a collector obtained from RegisterGaugeFunc.
func (m *Metrics) Unregister(c prometheus.Collector) {
	if m != nil && c != nil {
		m.reg.Unregister(c)
	}
}
