// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes.
const (
	OutcomeAudio   = "audio"
	OutcomeText    = "text"
	OutcomeFailed  = "failed"
	OutcomeDemoted = "demoted"
	OutcomeSkipped = "skipped"
)

var (
	// Deliveries counts coordinator runs by outcome and trigger.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dailytrack",
		Name:      "deliveries_total",
		Help:      "Delivery attempts by outcome (audio, text, failed, demoted, skipped) and trigger.",
	}, []string{"outcome", "trigger"})

	// DeliveryDuration measures a full select/resolve/send cycle.
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dailytrack",
		Name:      "delivery_duration_seconds",
		Help:      "Wall time of one delivery cycle.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// SourceAttempts counts provider attempts by result (ok, error, invalid, open).
	SourceAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dailytrack",
		Name:      "source_attempts_total",
		Help:      "Audio provider attempts by provider and result.",
	}, []string{"provider", "result"})

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dailytrack",
		Name:      "source_breaker_state",
		Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
	}, []string{"provider"})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dailytrack",
		Name:      "asset_cache_hits_total",
		Help:      "Asset cache lookups served from disk.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dailytrack",
		Name:      "asset_cache_misses_total",
		Help:      "Asset cache lookups that required a download.",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dailytrack",
		Name:      "asset_cache_evictions_total",
		Help:      "Assets removed by the retention sweep or failed validation.",
	})

	// SchedulesArmed is the number of users with an armed daily timer.
	SchedulesArmed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dailytrack",
		Name:      "schedules_armed",
		Help:      "Users with an armed daily timer.",
	})

	ScheduleFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dailytrack",
		Name:      "schedule_fires_total",
		Help:      "Daily timer occurrences by kind (ontime, catchup, missed).",
	}, []string{"kind"})

	// Tasks counts engine task completions by result.
	Tasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dailytrack",
		Name:      "tasks_total",
		Help:      "Engine task results (ok, error, timeout, panic, skipped, dropped).",
	}, []string{"result"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dailytrack",
		Name:      "task_queue_depth",
		Help:      "Tasks waiting for a worker.",
	})
)
