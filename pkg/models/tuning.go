package models

import "time"

// TunedParameters is the optimizer's output: adjusted evaluator/composer
// behavior for one service, picked up on the next decision cycle.
type TunedParameters struct {
	ServiceID           string        `json:"service_id"`
	ConsecutiveBreaches int           `json:"consecutive_breaches"`
	Cooldown            time.Duration `json:"cooldown"`
	PredictionFloor     float64       `json:"prediction_floor"`
	Score               float64       `json:"score"`
	TunedAt             time.Time     `json:"tuned_at"`
}
