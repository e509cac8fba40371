package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics
	SamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgewatch_samples_total",
			Help: "Total number of samples received",
		},
		[]string{"outcome", "reason"}, // outcome: accepted, rejected
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridgewatch_ingest_duration_seconds",
			Help:    "Time spent applying one sample to an asset",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025},
		},
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridgewatch_ingest_batch_size",
			Help:    "Size of sample batches received over HTTP",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Asset metrics
	AssetSHI = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridgewatch_asset_shi",
			Help: "Current structural health index per asset",
		},
		[]string{"asset_id"},
	)

	AssetConfidence = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridgewatch_asset_confidence",
			Help: "Current SHI confidence per asset",
		},
		[]string{"asset_id"},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgewatch_status_transitions_total",
			Help: "Total number of health band changes",
		},
		[]string{"from", "to"},
	)

	// Alert metrics
	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgewatch_alert_transitions_total",
			Help: "Total number of alert lifecycle changes",
		},
		[]string{"severity", "kind"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgewatch_notifications_total",
			Help: "Total number of alert notifications attempted",
		},
		[]string{"status"}, // status: success, failed
	)

	// Notary metrics
	NotarizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgewatch_notarizations_total",
			Help: "Total number of anchoring attempts",
		},
		[]string{"outcome"}, // outcome: anchored, retry, dropped
	)

	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridgewatch_queue_depth",
			Help: "Current number of jobs waiting in a retry queue",
		},
		[]string{"queue"},
	)

	QueueRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgewatch_queue_rejected_total",
			Help: "Total number of jobs rejected because a queue was full or stopped",
		},
		[]string{"queue"},
	)

	QueueRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgewatch_queue_retries_total",
			Help: "Total number of job retries",
		},
		[]string{"queue"},
	)

	// Checkpoint metrics
	CheckpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridgewatch_checkpoint_duration_seconds",
			Help:    "Time taken to persist dirty baseline states",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	CheckpointAssets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridgewatch_checkpoint_assets_total",
			Help: "Total number of baseline states persisted",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgewatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridgewatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	// Kafka metrics
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgewatch_kafka_messages_total",
			Help: "Total number of Kafka messages handled",
		},
		[]string{"direction", "status"}, // direction: consumed, produced
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgewatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
