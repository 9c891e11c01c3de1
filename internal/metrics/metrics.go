package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Engine metrics. Names kept compatible with the previous
	// generation of the rule engine so dashboards survive the migration.
	MessagesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rule_engine_processed_total",
			Help: "Total number of telemetry messages processed",
		},
	)

	RuleHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_engine_hits_total",
			Help: "Total number of rule hits",
		},
		[]string{"rule_id"},
	)

	ProcessingErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rule_engine_errors_total",
			Help: "Total number of processing errors",
		},
	)

	ProcessLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rule_engine_process_seconds",
			Help:    "Per-message processing latency in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	DuplicateMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rule_engine_duplicate_messages_total",
			Help: "Redelivered messages absorbed as sequence replays or duplicate alert keys",
		},
	)

	SequenceGaps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rule_engine_sequence_gaps_total",
			Help: "Sequence gaps observed in device streams",
		},
	)

	StateResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_engine_state_resets_total",
			Help: "Rule state resets by cause",
		},
		[]string{"cause"}, // cause: predicate, gap, corruption, eviction
	)

	// Alert sink metrics
	SinkAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_engine_sink_appends_total",
			Help: "Alert sink append outcomes",
		},
		[]string{"outcome"}, // outcome: created, duplicate, failed
	)

	SinkRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rule_engine_sink_retries_total",
			Help: "Total number of alert sink append retries",
		},
	)

	SinkAppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rule_engine_sink_append_seconds",
			Help:    "Time taken to append an alert to the sink",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// Broker metrics
	BrokerAcks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_engine_broker_acks_total",
			Help: "Broker acknowledgment outcomes",
		},
		[]string{"outcome"}, // outcome: acked, unacked
	)

	FanoutPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_engine_fanout_publish_total",
			Help: "Alerts published to the fan-out topic",
		},
		[]string{"status"}, // status: success, failed
	)

	FanoutPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rule_engine_fanout_publish_retries_total",
			Help: "Total number of fan-out publish retries",
		},
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rule_engine_worker_queue_size",
			Help: "Current depth of each worker's delivery queue",
		},
		[]string{"worker"},
	)

	StateSlots = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rule_engine_state_slots",
			Help: "Live (device, rule) state slots per shard",
		},
		[]string{"worker"},
	)

	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_engine_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)

	// HTTP metrics for the observability server
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rule_engine_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "endpoint", "status"},
	)
)
