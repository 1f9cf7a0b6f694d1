package models

import "time"

// MetricSample is a single point-in-time metric observation for a service.
type MetricSample struct {
	ServiceID string    `json:"service_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

func (s MetricSample) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// IsStale reports whether the sample falls outside the retention window.
func (s MetricSample) IsStale(now time.Time, retention time.Duration) bool {
	return retention > 0 && s.Age(now) > retention
}

// PerformanceSnapshot aggregates realized service performance over one
// observation window. The optimizer scores tuned parameters against these
// together with audit outcomes.
type PerformanceSnapshot struct {
	ServiceID     string    `json:"service_id"`
	Metric        string    `json:"metric"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	AvgValue      float64   `json:"avg_value"`
	PeakValue     float64   `json:"peak_value"`
	Replicas      int       `json:"replicas"`
	BreachSeconds float64   `json:"breach_seconds"`
	ReplicaHours  float64   `json:"replica_hours"`
	SampleCount   int       `json:"sample_count"`
	SLACompliant  bool      `json:"sla_compliant"`
}
