package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics for production monitoring
var (
	// Cycle metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleethealth_cycles_total",
			Help: "Total number of pipeline cycles by outcome",
		},
		[]string{"status"}, // status: completed/skipped/aborted/failed
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleethealth_cycle_duration_seconds",
			Help:    "Pipeline cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
		},
	)

	// Telemetry ingest metrics
	TelemetryRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleethealth_telemetry_records_total",
			Help: "Total number of telemetry records received by outcome",
		},
		[]string{"outcome"}, // outcome: accepted/invalid
	)

	// Baseline metrics
	BaselineUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleethealth_baseline_updates_total",
			Help: "Total number of per-metric baseline upserts",
		},
	)

	BaselineBatchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleethealth_baseline_batch_failures_total",
			Help: "Total number of baseline batch transactions rolled back",
		},
	)

	// Rule and event metrics
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleethealth_detections_total",
			Help: "Total number of rule firings",
		},
		[]string{"code", "severity"},
	)

	EventActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleethealth_event_actions_total",
			Help: "Total number of event engine actions",
		},
		[]string{"action"},
	)

	ActiveEvents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleethealth_active_events",
			Help: "Active problem events at the end of the last cycle",
		},
		[]string{"severity"},
	)

	// Policy metrics
	NotificationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleethealth_notifications_total",
			Help: "Total number of notifications written to the outbox",
		},
	)

	TicketsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleethealth_tickets_total",
			Help: "Total number of tickets written to the outbox",
		},
	)

	BudgetSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleethealth_budget_suppressed_total",
			Help: "Total number of P2 dispatches dropped by per-site budgets",
		},
		[]string{"kind"}, // kind: notification/ticket
	)

	// ML metrics
	TrainingRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleethealth_training_runs_total",
			Help: "Total number of training runs by outcome",
		},
		[]string{"status"}, // status: trained/insufficient_data/failed
	)

	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleethealth_predictions_total",
			Help: "Total number of prediction batches by model version state",
		},
		[]string{"model"}, // model: active/none
	)

	// Scheduler lock metrics
	LockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleethealth_lock_acquisitions_total",
			Help: "Total number of scheduler lock acquisition attempts",
		},
		[]string{"lock", "result"}, // result: acquired/busy/lost/error
	)

	// Outbox and relay metrics
	OutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleethealth_outbox_depth",
			Help: "Undispatched outbox rows observed by the relay",
		},
	)

	RelayDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleethealth_relay_deliveries_total",
			Help: "Total number of outbox deliveries by sink and outcome",
		},
		[]string{"sink", "status"}, // status: delivered/failed
	)

	// Stream metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleethealth_stream_subscribers",
			Help: "Current number of websocket health stream subscribers",
		},
	)
)
