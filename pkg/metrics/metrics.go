package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetguard"

var (
	FailoverAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_attempts_total",
			Help:      "Failover attempts by strategy and resulting group state.",
		},
		[]string{
			"strategy",
			"state",
		},
	)
	FailoverDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "failover_duration_seconds",
			Help:      "Wall time of a failover attempt, including the failover delay.",
			Buckets:   []float64{1, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{
			"strategy",
		},
	)
	InFlightFailovers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failovers_in_flight",
			Help:      "Failover tasks currently running in this process.",
		},
	)
	RiskAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_alerts_total",
			Help:      "Slashing-risk alerts raised, by severity and kind.",
		},
		[]string{
			"severity",
			"kind",
		},
	)
	MonitoredNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitored_nodes",
			Help:      "Live nodes inspected by the last health tick.",
		},
	)
	GroupEvaluationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_evaluation_errors_total",
			Help:      "Failover groups the health scheduler could not evaluate.",
		},
	)
	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Health scheduler iterations by result.",
		},
		[]string{
			"result",
		},
	)
	SchedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Duration of one health scheduler iteration.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	SigningLockConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_lock_conflicts_total",
			Help:      "Double-sign guard conflicts detected, split by whether they were force-overridden.",
		},
		[]string{
			"forced",
		},
	)
	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because the delivery queue was full.",
		},
	)
)
