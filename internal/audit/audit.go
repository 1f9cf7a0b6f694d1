// Package audit owns the tamper-evident decision record. Every
// ScalingDecision yields exactly one DecisionLogEntry at creation; only
// execution steps, status transitions and the approval sub-record may be
// attached afterwards.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medgrid/autoscaler/internal/logger"
	"github.com/medgrid/autoscaler/pkg/models"
)

var (
	ErrEntryNotFound  = errors.New("audit entry not found")
	ErrAlreadyClosed  = errors.New("audit entry already terminal")
	ErrDuplicateEntry = errors.New("audit entry already exists for decision")
)

// Repository persists audit entries. The engine ships a Postgres
// implementation and an in-memory one for tests and the simulator.
type Repository interface {
	Insert(ctx context.Context, entry *models.DecisionLogEntry) error
	Get(ctx context.Context, entryID string) (*models.DecisionLogEntry, error)
	AppendStep(ctx context.Context, entryID string, step models.ExecutionStep) error
	UpdateState(ctx context.Context, entryID string, state models.DecisionState) error
	AttachApproval(ctx context.Context, entryID string, approval models.ApprovalRecord) error
	Query(ctx context.Context, filter models.AuditFilter) ([]models.DecisionLogEntry, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

type Config struct {
	Retention time.Duration
}

// Log is the audit component. It is the only writer of audit state.
type Log struct {
	repo   Repository
	config Config
	now    func() time.Time
}

func NewLog(repo Repository, cfg Config) *Log {
	if cfg.Retention <= 0 {
		cfg.Retention = 365 * 24 * time.Hour
	}
	return &Log{repo: repo, config: cfg, now: time.Now}
}

func NewLogWithClock(repo Repository, cfg Config, now func() time.Time) *Log {
	l := NewLog(repo, cfg)
	l.now = now
	return l
}

// Record creates the entry for a decision together with its compliance and
// patient-safety assessments. Called exactly once per decision, at decision
// creation.
func (l *Log) Record(ctx context.Context, decision *models.ScalingDecision, snapshot models.ContextSnapshot, impacts []models.ComplianceImpact) (*models.DecisionLogEntry, error) {
	now := l.now()

	entry := &models.DecisionLogEntry{
		ID:         uuid.NewString(),
		DecisionID: decision.ID,
		ServiceID:  decision.ServiceID,
		CreatedAt:  now,
		Decision:   *decision,
		Context:    snapshot,
		Compliance: assessCompliance(impacts, now),
		Safety:     assessSafety(decision, now),
		Rationale: models.RationaleDocument{
			Author:    "decision-composer",
			CreatedAt: now,
			Type:      "scaling-rationale",
			Version:   1,
			Body:      rationaleBody(decision),
		},
		FinalState: decision.State,
	}

	if err := l.repo.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("record audit entry: %w", err)
	}

	logger.WithDecision(decision.ServiceID, decision.ID).Info("Audit entry recorded")
	return entry, nil
}

// Step appends one executor progress report to the entry.
func (l *Log) Step(ctx context.Context, entryID, phase, detail string) error {
	return l.repo.AppendStep(ctx, entryID, models.ExecutionStep{
		Phase:      phase,
		Detail:     detail,
		RecordedAt: l.now(),
	})
}

// Transition appends a state change to the entry.
func (l *Log) Transition(ctx context.Context, entryID string, state models.DecisionState) error {
	return l.repo.UpdateState(ctx, entryID, state)
}

// Approve attaches the approval sub-record that closes emergency and
// cross-region entries for compliance purposes.
func (l *Log) Approve(ctx context.Context, entryID string, kind models.ApprovalKind, approver, note string) error {
	return l.repo.AttachApproval(ctx, entryID, models.ApprovalRecord{
		Kind:       kind,
		Approver:   approver,
		Note:       note,
		ApprovedAt: l.now(),
	})
}

// Query runs the audit query surface; results are newest-first.
func (l *Log) Query(ctx context.Context, filter models.AuditFilter) ([]models.DecisionLogEntry, error) {
	return l.repo.Query(ctx, filter)
}

// Purge removes entries past the retention period.
func (l *Log) Purge(ctx context.Context) (int, error) {
	cutoff := l.now().Add(-l.config.Retention)
	removed, err := l.repo.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit entries: %w", err)
	}
	if removed > 0 {
		logger.Infof("Purged %d audit entries older than %s", removed, cutoff.Format(time.RFC3339))
	}
	return removed, nil
}

// Export returns entries in a time range with rationale bodies redacted
// and structural metadata intact, for regulatory reporting.
func (l *Log) Export(ctx context.Context, from, to time.Time) ([]models.DecisionLogEntry, error) {
	entries, err := l.repo.Query(ctx, models.AuditFilter{From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("export audit entries: %w", err)
	}

	out := make([]models.DecisionLogEntry, 0, len(entries))
	for i := range entries {
		out = append(out, entries[i].Redacted())
	}
	return out, nil
}

func assessCompliance(impacts []models.ComplianceImpact, now time.Time) models.ComplianceAssessment {
	assessment := models.ComplianceAssessment{
		Compliant:  true,
		AssessedAt: now,
	}
	for _, impact := range impacts {
		if impact.Waived {
			assessment.Waivers = append(assessment.Waivers, impact)
		} else {
			assessment.Violations = append(assessment.Violations, impact)
		}
	}
	if len(assessment.Violations) > 0 || len(assessment.Waivers) > 0 {
		assessment.Compliant = false
	}
	return assessment
}

// assessSafety reviews the patient-safety impact of capacity changes on
// claims intake. Scale-downs and denials on intake-facing services carry
// the risk; added capacity never does.
func assessSafety(decision *models.ScalingDecision, now time.Time) models.SafetyAssessment {
	assessment := models.SafetyAssessment{
		ImpactLevel: models.SeverityLow,
		AssessedAt:  now,
	}

	switch {
	case decision.State == models.StateDenied && decision.Urgency.AtLeast(models.UrgencyHigh):
		assessment.ImpactLevel = models.SeverityHigh
		assessment.AffectsIntake = true
		assessment.Narrative = "urgent capacity request denied; claims intake latency may breach patient-safety SLO"
	case decision.Action == models.ActionScaleDown:
		assessment.ImpactLevel = models.SeverityMedium
		assessment.AffectsIntake = true
		assessment.Narrative = "capacity reduction; intake headroom shrinks until next cycle"
	case decision.Emergency:
		assessment.ImpactLevel = models.SeverityMedium
		assessment.Narrative = "emergency action taken under degraded conditions; retrospective review required"
	default:
		assessment.Narrative = "no adverse patient-safety impact identified"
	}
	return assessment
}

func rationaleBody(decision *models.ScalingDecision) string {
	body := fmt.Sprintf("action=%s from=%d to=%d urgency=%s reason=%s",
		decision.Action, decision.FromReplicas, decision.ToReplicas,
		decision.Urgency, decision.Reason)
	if decision.Justification != "" {
		body += " justification=" + decision.Justification
	}
	for _, t := range decision.Triggers {
		body += fmt.Sprintf(" trigger[%s]=%s", t.Type, t.Detail)
	}
	return body
}
