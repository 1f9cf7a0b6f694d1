package models

import "time"

// Prediction is a forecast of a service metric over a horizon. It is
// advisory unless Confidence clears the configured floor.
type Prediction struct {
	ServiceID         string        `json:"service_id"`
	Metric            string        `json:"metric"`
	CreatedAt         time.Time     `json:"created_at"`
	Horizon           time.Duration `json:"horizon"`
	Value             float64       `json:"value"`
	Confidence        float64       `json:"confidence"`
	SuggestedReplicas int           `json:"suggested_replicas"`
	ModelName         string        `json:"model_name,omitempty"`
}

func (p *Prediction) IsHighConfidence(floor float64) bool {
	return p.Confidence >= floor
}

// ReplicaDelta is the suggested change relative to current.
func (p *Prediction) ReplicaDelta(current int) int {
	return p.SuggestedReplicas - current
}
