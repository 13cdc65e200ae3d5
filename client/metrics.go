package client

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts session-level activity. A nil *Metrics is valid and records
// nothing, so instrumentation stays optional.
type Metrics struct {
	connects   *prometheus.CounterVec
	sent       prometheus.Counter
	received   prometheus.Counter
	duplicates prometheus.Counter
	dropped    prometheus.Counter
}

// NewMetrics builds the session metric set and registers it on reg.
// Pass prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatwire",
			Subsystem: "client",
			Name:      "connects_total",
			Help:      "Connect attempts by result.",
		}, []string{"result"}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwire",
			Subsystem: "client",
			Name:      "messages_sent_total",
			Help:      "Messages emitted over the transport.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwire",
			Subsystem: "client",
			Name:      "messages_received_total",
			Help:      "Live messages appended to the conversation store.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwire",
			Subsystem: "client",
			Name:      "duplicate_messages_dropped_total",
			Help:      "Live messages rejected because their id was already held.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwire",
			Subsystem: "client",
			Name:      "events_dropped_total",
			Help:      "UI events dropped because the consumer fell behind.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.connects, m.sent, m.received, m.duplicates, m.dropped)
	}
	return m
}

func (m *Metrics) connect(result string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(result).Inc()
}

func (m *Metrics) messageSent() {
	if m == nil {
		return
	}
	m.sent.Inc()
}

func (m *Metrics) messageReceived() {
	if m == nil {
		return
	}
	m.received.Inc()
}

func (m *Metrics) duplicateDropped() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) eventDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
