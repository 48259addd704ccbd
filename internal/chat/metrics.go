package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing. One Metrics may be shared by several engines.
type Metrics struct {
	pending     prometheus.Gauge
	correlated  *prometheus.CounterVec
	duplicates  prometheus.Counter
	sendFailure *prometheus.CounterVec
	unread      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_pending_messages",
			Help: "Locally sent messages waiting for confirmation.",
		}),
		correlated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_correlations_total",
			Help: "Pending messages confirmed, by match method.",
		}, []string{"method"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_duplicates_suppressed_total",
			Help: "Push or ack deliveries dropped as already applied.",
		}),
		sendFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_send_failures_total",
			Help: "Sends rolled back, by reason.",
		}, []string{"reason"}),
		unread: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_unread_increments_total",
			Help: "Inbound messages counted as unread.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.pending, m.correlated, m.duplicates, m.sendFailure, m.unread)
	}
	return m
}

func (m *Metrics) addPending(delta int) {
	if m != nil && delta != 0 {
		m.pending.Add(float64(delta))
	}
}

func (m *Metrics) correlatedBy(c correlation) {
	if m != nil {
		m.correlated.WithLabelValues(string(c)).Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) failed(reason string) {
	if m != nil {
		m.sendFailure.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) unreadIncrement() {
	if m != nil {
		m.unread.Inc()
	}
}
