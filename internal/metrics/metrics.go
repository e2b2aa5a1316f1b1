package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_actions_created_total",
		Help: "Total number of actions created, by kind.",
	}, []string{"kind"})
	ActionsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_actions_replayed_total",
		Help: "Total number of creation requests answered from an idempotency key.",
	})
	ActionsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_actions_claimed_total",
		Help: "Total number of actions handed out to polling agents.",
	})
	ReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_reports_total",
		Help: "Total number of agent reports applied, by resulting status.",
	}, []string{"status"})
	ReportsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_reports_rejected_total",
		Help: "Total number of agent reports rejected by the state machine or ownership check.",
	})
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_execution_duration_seconds",
		Help:    "Duration of service-control command executions.",
		Buckets: prometheus.DefBuckets,
	})
	LongPollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_longpoll_duration_seconds",
		Help:    "Time agent queue polls spent waiting before returning.",
		Buckets: []float64{0.001, 0.1, 0.5, 1, 2.5, 5, 10, 25},
	})
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_heartbeats_total",
		Help: "Total number of agent heartbeats received.",
	})
	PrunedActions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_pruned_actions_total",
		Help: "Total number of actions deleted by the retention pruner.",
	})
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_rate_limited_total",
		Help: "Total number of creation requests rejected by the per-admin rate limit.",
	})
)
