package soupbin

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client's Prometheus counters. All methods are safe on a
// nil receiver, so an unconfigured client pays only a nil check.
//
// HeartbeatSendFailures exists because heartbeat send errors are swallowed
// and retried by design; the counter is the only place they surface.
type Metrics struct {
	HeartbeatsSent        prometheus.Counter
	HeartbeatSendFailures prometheus.Counter
	ReconnectAttempts     prometheus.Counter
	SequencedPackets      prometheus.Counter
	BytesRead             prometheus.Counter
}

// NewMetrics creates and registers the client counters with reg, labelled
// by feed so one registry can serve many sessions.
//
// Parameters:
//   - reg: The registerer to attach the counters to (e.g. prometheus.DefaultRegisterer)
//   - feed: The feed label value for this session's counters
//
// Returns:
//   - A Metrics ready to pass in Config.Metrics
func NewMetrics(reg prometheus.Registerer, feed FeedType) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"feed": string(feed)}

	return &Metrics{
		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Name:        "soupbintcp_heartbeats_sent_total",
			Help:        "Client heartbeats written to the socket.",
			ConstLabels: labels,
		}),
		HeartbeatSendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name:        "soupbintcp_heartbeat_send_failures_total",
			Help:        "Heartbeat sends that failed and were retried on a later pump iteration.",
			ConstLabels: labels,
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name:        "soupbintcp_reconnect_attempts_total",
			Help:        "Reconnect attempts after recoverable transport failures.",
			ConstLabels: labels,
		}),
		SequencedPackets: factory.NewCounter(prometheus.CounterOpts{
			Name:        "soupbintcp_sequenced_packets_total",
			Help:        "Sequenced data packets decoded and handed downstream.",
			ConstLabels: labels,
		}),
		BytesRead: factory.NewCounter(prometheus.CounterOpts{
			Name:        "soupbintcp_bytes_read_total",
			Help:        "Raw bytes surfaced by the transport.",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) incHeartbeatsSent() {
	if m != nil {
		m.HeartbeatsSent.Inc()
	}
}

func (m *Metrics) incHeartbeatSendFailures() {
	if m != nil {
		m.HeartbeatSendFailures.Inc()
	}
}

func (m *Metrics) incReconnectAttempts() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) incSequencedPackets() {
	if m != nil {
		m.SequencedPackets.Inc()
	}
}

func (m *Metrics) addBytesRead(n int) {
	if m != nil {
		m.BytesRead.Add(float64(n))
	}
}
