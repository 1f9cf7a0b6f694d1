package models

import "time"

type ScalingAction string

const (
	ActionScaleUp   ScalingAction = "SCALE_UP"
	ActionScaleDown ScalingAction = "SCALE_DOWN"
	ActionMaintain  ScalingAction = "MAINTAIN"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

var urgencyRank = map[Urgency]int{
	UrgencyLow:      1,
	UrgencyMedium:   2,
	UrgencyHigh:     3,
	UrgencyCritical: 4,
}

func (u Urgency) AtLeast(other Urgency) bool {
	return urgencyRank[u] >= urgencyRank[other]
}

type DecisionState string

const (
	StatePending    DecisionState = "pending"
	StateApproved   DecisionState = "approved"
	StateDenied     DecisionState = "denied"
	StateExecuting  DecisionState = "executing"
	StateCompleted  DecisionState = "completed"
	StateFailed     DecisionState = "failed"
	StateRolledBack DecisionState = "rolled_back"
)

var legalTransitions = map[DecisionState][]DecisionState{
	StatePending:   {StateApproved, StateDenied},
	StateApproved:  {StateExecuting, StateRolledBack},
	StateExecuting: {StateCompleted, StateFailed, StateRolledBack},
}

// CanTransition reports whether moving from s to next is a legal state
// machine transition.
func (s DecisionState) CanTransition(next DecisionState) bool {
	for _, t := range legalTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

func (s DecisionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRolledBack, StateDenied:
		return true
	}
	return false
}

// Trigger records one signal that contributed to a decision.
type Trigger struct {
	Type     string   `json:"type"`
	Source   string   `json:"source"`
	Detail   string   `json:"detail"`
	Severity Severity `json:"severity,omitempty"`
}

// ScalingDecision is the single audited directive produced per service per
// decision cycle.
type ScalingDecision struct {
	ID            string        `json:"id"`
	ServiceID     string        `json:"service_id"`
	CreatedAt     time.Time     `json:"created_at"`
	Action        ScalingAction `json:"action"`
	FromReplicas  int           `json:"from_replicas"`
	ToReplicas    int           `json:"to_replicas"`
	Triggers      []Trigger     `json:"triggers"`
	Confidence    float64       `json:"confidence"`
	Urgency       Urgency       `json:"urgency"`
	Emergency     bool          `json:"emergency"`
	State         DecisionState `json:"state"`
	Reason        string        `json:"reason"`
	Justification string        `json:"justification,omitempty"`
	Alternatives  []Alternative `json:"alternatives,omitempty"`
	TargetRegion  string        `json:"target_region,omitempty"`
	CrossRegion   bool          `json:"cross_region"`
	SupersededBy  string        `json:"superseded_by,omitempty"`
}

func (d *ScalingDecision) ReplicaDelta() int {
	return d.ToReplicas - d.FromReplicas
}

func (d *ScalingDecision) ShouldExecute() bool {
	return d.State == StateApproved && d.Action != ActionMaintain
}
