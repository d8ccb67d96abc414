package huddle

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes realtime counters. A nil *Metrics records nothing.
type Metrics struct {
	framesReceived     *prometheus.CounterVec
	framesIgnored      prometheus.Counter
	decodeFailures     prometheus.Counter
	sendFailures       *prometheus.CounterVec
	reconnects         prometheus.Counter
	bestEffortFailures *prometheus.CounterVec
	connected          prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "frames_received_total",
			Help:      "Decoded realtime frames by event type.",
		}, []string{"type"}),
		framesIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "frames_ignored_total",
			Help:      "Frames dropped for unknown type or incomplete payload.",
		}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "decode_failures_total",
			Help:      "Frames that were not valid JSON.",
		}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "send_failures_total",
			Help:      "Outgoing frames that failed to write.",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "reconnects_scheduled_total",
			Help:      "Automatic reconnect attempts scheduled.",
		}),
		bestEffortFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "best_effort_failures_total",
			Help:      "Swallowed failures of best-effort operations.",
		}, []string{"op"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle",
			Name:      "connected",
			Help:      "1 while the realtime connection is open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.framesReceived,
			m.framesIgnored,
			m.decodeFailures,
			m.sendFailures,
			m.reconnects,
			m.bestEffortFailures,
			m.connected,
		)
	}
	return m
}

func (m *Metrics) frameReceived(t IncomingEventType) {
	if m != nil {
		m.framesReceived.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) frameIgnored() {
	if m != nil {
		m.framesIgnored.Inc()
	}
}

func (m *Metrics) decodeFailed() {
	if m != nil {
		m.decodeFailures.Inc()
	}
}

func (m *Metrics) sendFailed(t OutgoingEventType) {
	if m != nil {
		m.sendFailures.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) reconnectScheduled() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) bestEffortFailed(op string) {
	if m != nil {
		m.bestEffortFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
