package models

import "time"

type CommitmentType string

const (
	CommitmentOnDemand CommitmentType = "on_demand"
	CommitmentReserved CommitmentType = "reserved"
	CommitmentSpot     CommitmentType = "spot"
)

// CostProfile describes what one replica of a service costs per hour.
type CostProfile struct {
	ServiceID      string         `json:"service_id"`
	UnitCostHourly float64        `json:"unit_cost_hourly"`
	Commitment     CommitmentType `json:"commitment"`
	Currency       string         `json:"currency"`
}

func (c *CostProfile) HourlyCost(replicas int) float64 {
	return float64(replicas) * c.UnitCostHourly
}

// Budget caps projected spend for one or more services over a timeframe.
type Budget struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	ServiceIDs     []string      `json:"service_ids"`
	Limit          float64       `json:"limit"`
	Utilization    float64       `json:"utilization"`
	TimeframeStart time.Time     `json:"timeframe_start"`
	Timeframe      time.Duration `json:"timeframe"`
	AlertThreshold float64       `json:"alert_threshold"`
	Enforced       bool          `json:"enforced"`
}

func (b *Budget) Scopes(serviceID string) bool {
	for _, id := range b.ServiceIDs {
		if id == serviceID {
			return true
		}
	}
	return false
}

func (b *Budget) Headroom() float64 {
	return b.Limit - b.Utilization
}

func (b *Budget) UtilizationRatio() float64 {
	if b.Limit <= 0 {
		return 0
	}
	return b.Utilization / b.Limit
}

// Expired reports whether the budget timeframe has elapsed and a rollover
// reset is due.
func (b *Budget) Expired(now time.Time) bool {
	return b.Timeframe > 0 && now.After(b.TimeframeStart.Add(b.Timeframe))
}

// Alternative is a cheaper replica count offered when the requested target
// was reshaped or denied.
type Alternative struct {
	Replicas int     `json:"replicas"`
	Cost     float64 `json:"cost"`
}
