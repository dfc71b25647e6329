package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Control-plane counters and histograms. Tick metrics are partitioned by
// origin so scheduled and operator-driven runs stay distinguishable.

var (
	// Scheduler
	SchedulerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghostship",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Total tick wake-ups by origin and outcome status",
	}, []string{"origin", "status"})

	SchedulerTickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghostship",
		Subsystem: "scheduler",
		Name:      "tick_errors_total",
		Help:      "Total tick executor failures reported by the scheduler",
	}, []string{"origin"})

	SchedulerTickLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ghostship",
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Tick execution duration as seen by the scheduler",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"origin"})

	SchedulerBurstsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ghostship",
		Subsystem: "scheduler",
		Name:      "bursts_dropped_total",
		Help:      "Generation bursts dropped because the worker was busy",
	})

	SchedulerFrozenSkips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ghostship",
		Subsystem: "scheduler",
		Name:      "frozen_skips_total",
		Help:      "Wake-ups skipped because tick accumulation was frozen",
	})

	// Generation queue
	QueueTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghostship",
		Subsystem: "queue",
		Name:      "tasks_total",
		Help:      "Generation tasks by pass disposition",
	}, []string{"kind", "disposition"})

	QueuePassLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ghostship",
		Subsystem: "queue",
		Name:      "pass_duration_seconds",
		Help:      "Queue drain pass duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"trigger"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ghostship",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Generation tasks by status",
	}, []string{"status"})

	QueueGuardRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghostship",
		Subsystem: "queue",
		Name:      "guard_rejections_total",
		Help:      "Enqueue attempts rejected by the safety guard",
	}, []string{"reason"})

	// Provider
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghostship",
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "Remote generation attempts by result class",
	}, []string{"result"})

	ProviderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ghostship",
		Subsystem: "provider",
		Name:      "request_duration_seconds",
		Help:      "Remote generation call duration",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
	})

	ProviderBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghostship",
		Subsystem: "provider",
		Name:      "breaker_trips_total",
		Help:      "Circuit breaker trips by reason",
	}, []string{"reason"})

	ProviderBreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ghostship",
		Subsystem: "provider",
		Name:      "breaker_open",
		Help:      "1 while the provider offline window is active",
	})

	ProviderQuotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ghostship",
		Subsystem: "provider",
		Name:      "quota_remaining",
		Help:      "Remaining daily provider requests",
	})

	ProviderRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ghostship",
		Subsystem: "provider",
		Name:      "rate_limit_waits_total",
		Help:      "Requests delayed by the client-side pacer",
	})

	// Activity
	ActivitySessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ghostship",
		Subsystem: "activity",
		Name:      "sessions",
		Help:      "Live sessions within the activity window",
	}, []string{"kind"})

	ActivityPrunedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ghostship",
		Subsystem: "activity",
		Name:      "pruned_sessions_total",
		Help:      "Stale session records removed by the janitor",
	})

	ActivityScaleFactor = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ghostship",
		Subsystem: "activity",
		Name:      "scale_factor",
		Help:      "Most recent allocation scaling factor",
	})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ghostship",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ghostship",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ghostship",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Current number of idle PostgreSQL connections in the pool",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ghostship",
		Subsystem: "postgres",
		Name:      "db_pool_wait_count",
		Help:      "Cumulative count of waits for PostgreSQL connections from pool",
	})

	DBPoolWaitDurationSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ghostship",
		Subsystem: "postgres",
		Name:      "db_pool_wait_duration_seconds",
		Help:      "Latest PostgreSQL pool wait duration in seconds",
	})

	// Sim config
	ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghostship",
		Subsystem: "config",
		Name:      "reloads_total",
		Help:      "Sim config loads by trigger",
	}, []string{"trigger"})

	// Admin API
	AdminRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghostship",
		Subsystem: "admin",
		Name:      "requests_total",
		Help:      "Admin API requests by path and status code",
	}, []string{"path", "code"})

	// Alerts
	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghostship",
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Alerts delivered by channel and type",
	}, []string{"channel", "type"})

	AlertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghostship",
		Subsystem: "alerts",
		Name:      "suppressed_total",
		Help:      "Alerts swallowed by the cooldown window",
	}, []string{"type"})
)
