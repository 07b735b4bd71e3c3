// Package metrics holds the Prometheus collectors shared by the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dselogd"

// Drop reasons for MessagesDropped.
const (
	ReasonQueueFull   = "queue_full"
	ReasonParse       = "parse"
	ReasonNoLeaf      = "no_leaf"
	ReasonEmptyTag    = "empty_tag"
	ReasonBufferError = "buffer_error"
)

// Cycle outcomes for ConsolidationCycles.
const (
	OutcomeWritten = "written"
	OutcomeEmpty   = "empty"
	OutcomeFailed  = "failed"
)

var MessagesReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "messages_received_total",
		Help:      "Messages handed to the dispatcher by the transport.",
	},
	[]string{"source"},
)

var MessagesDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "messages_dropped_total",
		Help:      "Messages skipped without a buffer write.",
	},
	[]string{"reason"},
)

var MessagesUnrouted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "messages_unrouted_total",
		Help:      "Messages whose topic matched no route.",
	},
)

var QueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Messages waiting for a dispatcher worker.",
	},
)

var BufferUpserts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "upserts_total",
		Help:      "Latest-value writes per group.",
	},
	[]string{"group"},
)

var ConsolidationCycles = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consolidate",
		Name:      "cycles_total",
		Help:      "Consolidation iterations by job and outcome.",
	},
	[]string{"job", "outcome"},
)

var ConsolidationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "consolidate",
		Name:      "cycle_duration_seconds",
		Help:      "Time spent snapshotting and writing one group.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"job"},
)

var TablesCreated = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "schema",
		Name:      "tables_created_total",
		Help:      "Tables created from observed records.",
	},
)

var ColumnsAdded = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "schema",
		Name:      "columns_added_total",
		Help:      "Columns added to existing tables.",
	},
)

var RowsInserted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "schema",
		Name:      "rows_inserted_total",
		Help:      "Consolidated rows appended.",
	},
)

var RelayPublishes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "publishes_total",
		Help:      "Snapshot publishes by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(MessagesDropped)
	prometheus.MustRegister(MessagesUnrouted)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(BufferUpserts)
	prometheus.MustRegister(ConsolidationCycles)
	prometheus.MustRegister(ConsolidationDuration)
	prometheus.MustRegister(TablesCreated)
	prometheus.MustRegister(ColumnsAdded)
	prometheus.MustRegister(RowsInserted)
	prometheus.MustRegister(RelayPublishes)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
