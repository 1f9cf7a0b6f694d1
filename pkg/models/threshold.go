package models

import "time"

type ThresholdOperator string

const (
	OperatorGreaterThan ThresholdOperator = "gt"
	OperatorLessThan    ThresholdOperator = "lt"
	OperatorGreaterOrEq ThresholdOperator = "gte"
	OperatorLessOrEq    ThresholdOperator = "lte"
)

// Compare evaluates value against bound under the operator.
func (o ThresholdOperator) Compare(value, bound float64) bool {
	switch o {
	case OperatorGreaterThan:
		return value > bound
	case OperatorGreaterOrEq:
		return value >= bound
	case OperatorLessThan:
		return value < bound
	case OperatorLessOrEq:
		return value <= bound
	default:
		return false
	}
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// TimeCondition gates a threshold to a recurring daily window. Start and End
// are hours in [0,24); a window wrapping midnight is expressed as Start > End.
type TimeCondition struct {
	StartHour int            `json:"start_hour"`
	EndHour   int            `json:"end_hour"`
	Days      []time.Weekday `json:"days,omitempty"`
}

func (c TimeCondition) Active(now time.Time) bool {
	if len(c.Days) > 0 {
		ok := false
		for _, d := range c.Days {
			if now.Weekday() == d {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	h := now.Hour()
	if c.StartHour == c.EndHour {
		return true
	}
	if c.StartHour < c.EndHour {
		return h >= c.StartHour && h < c.EndHour
	}
	return h >= c.StartHour || h < c.EndHour
}

// Threshold describes one breach detector for one metric.
type Threshold struct {
	ID                  string            `json:"id"`
	Metric              string            `json:"metric"`
	ScaleUpValue        float64           `json:"scale_up_value"`
	ScaleDownValue      float64           `json:"scale_down_value"`
	Operator            ThresholdOperator `json:"operator"`
	ConsecutiveBreaches int               `json:"consecutive_breaches"`
	Cooldown            time.Duration     `json:"cooldown"`
	TimeCondition       *TimeCondition    `json:"time_condition,omitempty"`
	Enabled             bool              `json:"enabled"`
}

type ThresholdAction string

const (
	ThresholdActionScaleUp   ThresholdAction = "scale_up"
	ThresholdActionScaleDown ThresholdAction = "scale_down"
	ThresholdActionAlert     ThresholdAction = "alert"
	ThresholdActionNone      ThresholdAction = "none"
)

// Evaluation is the output of one threshold check.
type Evaluation struct {
	ServiceID   string          `json:"service_id"`
	ThresholdID string          `json:"threshold_id"`
	Metric      string          `json:"metric"`
	Value       float64         `json:"value"`
	Breached    bool            `json:"breached"`
	Action      ThresholdAction `json:"action"`
	Reason      string          `json:"reason"`
	Severity    Severity        `json:"severity"`
	Timestamp   time.Time       `json:"timestamp"`
	Degraded    bool            `json:"degraded"`
}

type BreachStatus string

const (
	BreachActive     BreachStatus = "active"
	BreachResolved   BreachStatus = "resolved"
	BreachSuperseded BreachStatus = "superseded"
)

// Breach is a metric's normal-to-breaching transition and its lifecycle.
type Breach struct {
	ID          string       `json:"id"`
	ServiceID   string       `json:"service_id"`
	ThresholdID string       `json:"threshold_id"`
	Metric      string       `json:"metric"`
	Value       float64      `json:"value"`
	Severity    Severity     `json:"severity"`
	Direction   ThresholdAction `json:"direction"`
	StartedAt   time.Time    `json:"started_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
	Status      BreachStatus `json:"status"`
}

func (b *Breach) Resolve(now time.Time, status BreachStatus) {
	if b.Status != BreachActive {
		return
	}
	b.Status = status
	b.ResolvedAt = &now
}
