package client

import (
	"github.com/companyzero/mdlink/client/internal/reconcile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the client statistics. Metrics are only exported when a
// registerer is configured.
type metrics struct {
	historySyncs   prometheus.Counter
	msgsAdded      *prometheus.CounterVec
	duplicates     prometheus.Counter
	skipped        prometheus.Counter
	flushes        prometheus.Counter
	flushErrors    prometheus.Counter
	connAttempts   prometheus.Counter
	connState      prometheus.Gauge
	protocolErrors prometheus.Counter
	conversations  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		historySyncs: f.NewCounter(prometheus.CounterOpts{
			Name: "mdlink_history_syncs",
			Help: "Total number of merged history sync batches",
		}),
		msgsAdded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mdlink_messages_added",
			Help: "Total number of messages added to the conversation model",
		}, []string{"source"}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "mdlink_duplicate_messages",
			Help: "Count of received messages that were already known",
		}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Name: "mdlink_skipped_history_entries",
			Help: "Count of malformed or empty history sync entries",
		}),
		flushes: f.NewCounter(prometheus.CounterOpts{
			Name: "mdlink_flushes",
			Help: "Total number of persistence flushes",
		}),
		flushErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "mdlink_flush_errors",
			Help: "Count of persistence flushes that failed",
		}),
		connAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "mdlink_connection_attempts",
			Help: "Total number of connection attempts to the server",
		}),
		connState: f.NewGauge(prometheus.GaugeOpts{
			Name: "mdlink_connection_state",
			Help: "Current connection state (0 disconnected, 1 connecting, " +
				"2 handshaking, 3 synchronizing, 4 live, 5 reconnecting)",
		}),
		protocolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "mdlink_protocol_errors",
			Help: "Count of inbound nodes skipped because they were malformed",
		}),
		conversations: f.NewGauge(prometheus.GaugeOpts{
			Name: "mdlink_conversations",
			Help: "Number of conversations in the model",
		}),
	}
}

func (m *metrics) historySyncMerged(res reconcile.HistorySyncResult) {
	m.historySyncs.Inc()
	m.msgsAdded.WithLabelValues("history").Add(float64(res.Added))
	m.duplicates.Add(float64(res.Duplicates))
	m.skipped.Add(float64(res.Skipped))
}
