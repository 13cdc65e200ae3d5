package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus instruments. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	handshakes *prometheus.CounterVec
	appended   prometheus.Counter
	duplicates prometheus.Counter
	broadcasts prometheus.Counter
}

// NewMetrics registers the gateway instruments on reg. reg may be nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatwire",
			Subsystem: "gateway",
			Name:      "handshakes_total",
			Help:      "Websocket handshakes by result.",
		}, []string{"result"}),
		appended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwire",
			Subsystem: "gateway",
			Name:      "messages_appended_total",
			Help:      "Messages accepted and persisted.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwire",
			Subsystem: "gateway",
			Name:      "messages_duplicate_total",
			Help:      "Sends deduplicated by client message id.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwire",
			Subsystem: "gateway",
			Name:      "broadcasts_total",
			Help:      "Envelopes fanned out to conversation members.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.handshakes, m.appended, m.duplicates, m.broadcasts)
	}
	return m
}

func (m *Metrics) handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) messageAppended() {
	if m == nil {
		return
	}
	m.appended.Inc()
}

func (m *Metrics) messageDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) broadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}
