package models

import "time"

// ContextSnapshot freezes the full decision input context into the audit
// entry so the rationale can be reviewed against what the engine saw.
type ContextSnapshot struct {
	Samples      []MetricSample  `json:"samples"`
	Budgets      []Budget        `json:"budgets"`
	RegionHealth map[string]float64 `json:"region_health"`
	Prediction   *Prediction     `json:"prediction,omitempty"`
	TakenAt      time.Time       `json:"taken_at"`
}

// ComplianceAssessment records whether the decision honored residency and
// certification constraints, and what was waived under emergency override.
type ComplianceAssessment struct {
	Compliant bool               `json:"compliant"`
	Violations []ComplianceImpact `json:"violations,omitempty"`
	Waivers    []ComplianceImpact `json:"waivers,omitempty"`
	AssessedAt time.Time          `json:"assessed_at"`
}

// SafetyAssessment is the patient-safety impact review attached to every
// decision touching claims-processing capacity.
type SafetyAssessment struct {
	ImpactLevel  Severity  `json:"impact_level"`
	AffectsIntake bool     `json:"affects_intake"`
	Narrative    string    `json:"narrative"`
	AssessedAt   time.Time `json:"assessed_at"`
}

type ApprovalKind string

const (
	ApprovalHuman  ApprovalKind = "human"
	ApprovalSystem ApprovalKind = "system"
)

// ApprovalRecord closes an emergency or cross-region decision for
// compliance purposes. Execution may precede its attachment.
type ApprovalRecord struct {
	Kind       ApprovalKind `json:"kind"`
	Approver   string       `json:"approver"`
	Note       string       `json:"note,omitempty"`
	ApprovedAt time.Time    `json:"approved_at"`
}

// ExecutionStep is an append-only progress record from the executor.
type ExecutionStep struct {
	Sequence   int       `json:"sequence"`
	Phase      string    `json:"phase"`
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RationaleDocument carries the human-readable reasoning. On export the body
// is redacted while structural metadata survives.
type RationaleDocument struct {
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	Type      string    `json:"type"`
	Version   int       `json:"version"`
	Body      string    `json:"body"`
}

// DecisionLogEntry is the immutable audit record, 1:1 with a
// ScalingDecision. Only execution steps and status transitions may be
// appended after creation; the rationale is never rewritten.
type DecisionLogEntry struct {
	ID           string               `json:"id"`
	DecisionID   string               `json:"decision_id"`
	ServiceID    string               `json:"service_id"`
	CreatedAt    time.Time            `json:"created_at"`
	Decision     ScalingDecision      `json:"decision"`
	Context      ContextSnapshot      `json:"context"`
	Compliance   ComplianceAssessment `json:"compliance"`
	Safety       SafetyAssessment     `json:"safety"`
	Rationale    RationaleDocument    `json:"rationale"`
	Approval     *ApprovalRecord      `json:"approval,omitempty"`
	Steps        []ExecutionStep      `json:"steps,omitempty"`
	FinalState   DecisionState        `json:"final_state"`
}

// RequiresApproval reports whether the entry needs an approval sub-record
// before it is closed for compliance purposes.
func (e *DecisionLogEntry) RequiresApproval() bool {
	return e.Decision.Emergency || e.Decision.CrossRegion
}

func (e *DecisionLogEntry) ComplianceClosed() bool {
	return !e.RequiresApproval() || e.Approval != nil
}

// Redacted returns a copy fit for export: rationale body removed,
// structural metadata intact.
func (e *DecisionLogEntry) Redacted() DecisionLogEntry {
	out := *e
	out.Rationale.Body = "[REDACTED]"
	return out
}

// AuditFilter selects entries for the audit query surface. Zero values mean
// "no constraint"; results are always newest-first.
type AuditFilter struct {
	ServiceID        string
	From             time.Time
	To               time.Time
	Action           ScalingAction
	State            DecisionState
	ViolationsOnly   bool
	EmergencyOnly    bool
	MinConfidence    float64
	Limit            int
}
