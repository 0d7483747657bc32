package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the ingestion pipeline.
type Metrics struct {
	MessagesReceived  prometheus.Counter
	RecordsFlushed    prometheus.Counter
	FlushesTotal      prometheus.Counter
	FlushFailures     prometheus.Counter
	SubscribeFailures prometheus.Counter
	Reconnects        prometheus.Counter
	RecordsDropped    prometheus.Counter
	DuplicatesDropped prometheus.Counter
	QueueDepth        prometheus.Gauge
}

// NewMetrics creates and registers the pipeline metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_ws_messages_total",
			Help: "Websocket messages received from the exchange.",
		}),
		RecordsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_records_flushed_total",
			Help: "OHLC records successfully written to storage.",
		}),
		FlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_flushes_total",
			Help: "Successful batch flushes.",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_flush_failures_total",
			Help: "Batch flushes that failed after retries began.",
		}),
		SubscribeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_subscribe_failures_total",
			Help: "Rejected or failed subscription requests.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_ws_reconnects_total",
			Help: "Websocket reconnections since process start.",
		}),
		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_records_dropped_total",
			Help: "Records discarded by the backpressure queue.",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_duplicates_dropped_total",
			Help: "Re-delivered records suppressed by the dedup filter.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Current depth of the reader-to-writer queue.",
		}),
	}

	reg.MustRegister(
		m.MessagesReceived,
		m.RecordsFlushed,
		m.FlushesTotal,
		m.FlushFailures,
		m.SubscribeFailures,
		m.Reconnects,
		m.RecordsDropped,
		m.DuplicatesDropped,
		m.QueueDepth,
	)
	return m
}
