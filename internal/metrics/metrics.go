// Package metrics registers the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BreachesTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoscaler",
		Name:      "breaches_triggered_total",
		Help:      "Threshold breaches that cleared debounce and cooldown.",
	}, []string{"service_id", "action"})

	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoscaler",
		Name:      "decisions_total",
		Help:      "Scaling decisions by action and final state.",
	}, []string{"service_id", "action", "state"})

	DenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoscaler",
		Name:      "denials_total",
		Help:      "Denied scaling decisions by reason class.",
	}, []string{"service_id", "reason"})

	EmergencyOverrides = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoscaler",
		Name:      "emergency_overrides_total",
		Help:      "Budget or compliance gates bypassed at critical urgency.",
	}, []string{"service_id"})

	BudgetUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autoscaler",
		Name:      "budget_utilization_ratio",
		Help:      "Utilization over limit per budget.",
	}, []string{"budget_id"})

	ServiceReplicas = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autoscaler",
		Name:      "service_replicas",
		Help:      "Last known replica count per service.",
	}, []string{"service_id"})

	FailoversPlanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoscaler",
		Name:      "failovers_planned_total",
		Help:      "Failover plans built per trigger region.",
	}, []string{"region_id"})

	PredictorTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autoscaler",
		Name:      "predictor_timeouts_total",
		Help:      "Prediction calls abandoned at the timeout bound.",
	}, []string{"service_id"})

	DecisionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "autoscaler",
		Name:      "decision_duration_seconds",
		Help:      "Wall time of one composer decision cycle.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service_id"})
)
