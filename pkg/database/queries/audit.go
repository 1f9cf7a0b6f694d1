// Package queries holds the SQL repositories. The audit repository keeps
// scalar filter columns alongside a JSONB document so the query surface
// stays indexed while the entry structure can evolve.
package queries

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/medgrid/autoscaler/internal/audit"
	"github.com/medgrid/autoscaler/pkg/models"
)

type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Insert(ctx context.Context, entry *models.DecisionLogEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	query := `
		INSERT INTO audit_entries
			(id, decision_id, service_id, created_at, action, final_state, emergency, compliant, confidence, entry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = r.db.ExecContext(ctx, query,
		entry.ID, entry.DecisionID, entry.ServiceID, entry.CreatedAt,
		string(entry.Decision.Action), string(entry.FinalState),
		entry.Decision.Emergency, entry.Compliance.Compliant,
		entry.Decision.Confidence, doc,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return audit.ErrDuplicateEntry
		}
		return err
	}
	return nil
}

func (r *AuditRepository) Get(ctx context.Context, entryID string) (*models.DecisionLogEntry, error) {
	var doc []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT entry FROM audit_entries WHERE id = $1`, entryID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, audit.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}

	var entry models.DecisionLogEntry
	if err := json.Unmarshal(doc, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal audit entry: %w", err)
	}
	return &entry, nil
}

// AppendStep adds one execution step to the entry document. The
// read-modify-write runs in a transaction with the row locked.
func (r *AuditRepository) AppendStep(ctx context.Context, entryID string, step models.ExecutionStep) error {
	return r.mutate(ctx, entryID, func(entry *models.DecisionLogEntry) {
		step.Sequence = len(entry.Steps) + 1
		entry.Steps = append(entry.Steps, step)
	})
}

func (r *AuditRepository) UpdateState(ctx context.Context, entryID string, state models.DecisionState) error {
	return r.mutate(ctx, entryID, func(entry *models.DecisionLogEntry) {
		entry.FinalState = state
		entry.Decision.State = state
	})
}

func (r *AuditRepository) AttachApproval(ctx context.Context, entryID string, approval models.ApprovalRecord) error {
	return r.mutate(ctx, entryID, func(entry *models.DecisionLogEntry) {
		entry.Approval = &approval
	})
}

func (r *AuditRepository) mutate(ctx context.Context, entryID string, fn func(*models.DecisionLogEntry)) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit mutation: %w", err)
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx,
		`SELECT entry FROM audit_entries WHERE id = $1 FOR UPDATE`, entryID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.ErrEntryNotFound
	}
	if err != nil {
		return err
	}

	var entry models.DecisionLogEntry
	if err := json.Unmarshal(doc, &entry); err != nil {
		return fmt.Errorf("unmarshal audit entry: %w", err)
	}

	fn(&entry)

	updated, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE audit_entries SET entry = $1, final_state = $2 WHERE id = $3`,
		updated, string(entry.FinalState), entryID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Query filters on the indexed scalar columns and decodes matching
// documents, newest first.
func (r *AuditRepository) Query(ctx context.Context, filter models.AuditFilter) ([]models.DecisionLogEntry, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.ServiceID != "" {
		conds = append(conds, "service_id = "+arg(filter.ServiceID))
	}
	if !filter.From.IsZero() {
		conds = append(conds, "created_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "created_at <= "+arg(filter.To))
	}
	if filter.Action != "" {
		conds = append(conds, "action = "+arg(string(filter.Action)))
	}
	if filter.State != "" {
		conds = append(conds, "final_state = "+arg(string(filter.State)))
	}
	if filter.EmergencyOnly {
		conds = append(conds, "emergency")
	}
	if filter.ViolationsOnly {
		conds = append(conds, "NOT compliant")
	}
	if filter.MinConfidence > 0 {
		conds = append(conds, "confidence >= "+arg(filter.MinConfidence))
	}

	query := "SELECT entry FROM audit_entries"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.DecisionLogEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var entry models.DecisionLogEntry
		if err := json.Unmarshal(doc, &entry); err != nil {
			return nil, fmt.Errorf("unmarshal audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *AuditRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE created_at < $1`, cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
