package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// Reconciled counts inbound confirmed messages by the reconciliation
	// path they took: replayed, promoted, duplicate, appended.
	Reconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_reconciled_total",
			Help: "Inbound confirmed messages by reconciliation outcome.",
		},
		[]string{"outcome"},
	)
	SendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_send_failures_total",
			Help: "Optimistic sends that failed, by reason.",
		},
		[]string{"reason"},
	)
	PendingSends = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_pending_sends",
			Help: "Optimistic sends currently awaiting confirmation.",
		},
	)
	ChannelEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_channel_events_total",
			Help: "Inbound real-time channel events by type.",
		},
		[]string{"event"},
	)
	MalformedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_channel_malformed_events_total",
			Help: "Inbound channel events dropped as malformed.",
		},
	)
	CompactedRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_compacted_rows_total",
			Help: "Duplicate rows removed by the compaction sweep.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Reconciled,
		SendFailures,
		PendingSends,
		ChannelEvents,
		MalformedEvents,
		CompactedRows,
	)
}

// Serve exposes /metrics on addr. Blocks; intended for a goroutine.
func Serve(addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listener starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, mux)
}
