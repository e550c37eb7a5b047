package sip

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters the transaction layer increments. A nil
// *Metrics is valid and every method becomes a no-op, so callers that don't
// care about observability never pay for it.
type Metrics struct {
	messagesDropped  *prometheus.CounterVec
	retransmissions  *prometheus.CounterVec
	transactionsOpen prometheus.Gauge
}

// NewMetrics registers the counters on reg. Pass prometheus.DefaultRegisterer
// to expose them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipstack",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages not delivered to a transaction: unsupported types and unmatched responses.",
		}, []string{"reason"}),
		retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipstack",
			Name:      "retransmissions_total",
			Help:      "Retransmissions sent by transaction timers.",
		}, []string{"method"}),
		transactionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipstack",
			Name:      "transactions_open",
			Help:      "Client and server transactions currently tracked.",
		}),
	}
	reg.MustRegister(m.messagesDropped, m.retransmissions, m.transactionsOpen)
	return m
}

func (m *Metrics) incDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) incRetransmission(method string) {
	if m == nil {
		return
	}
	m.retransmissions.WithLabelValues(method).Inc()
}

func (m *Metrics) txOpened() {
	if m == nil {
		return
	}
	m.transactionsOpen.Inc()
}

func (m *Metrics) txClosed() {
	if m == nil {
		return
	}
	m.transactionsOpen.Dec()
}
