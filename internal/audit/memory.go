package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/medgrid/autoscaler/pkg/models"
)

// MemoryRepository keeps audit entries in process. Tests and the scenario
// simulator use it; production wires the Postgres repository.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[string]*models.DecisionLogEntry
	byDec   map[string]string // decisionID -> entryID
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		entries: make(map[string]*models.DecisionLogEntry),
		byDec:   make(map[string]string),
	}
}

func (r *MemoryRepository) Insert(ctx context.Context, entry *models.DecisionLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byDec[entry.DecisionID]; exists {
		return ErrDuplicateEntry
	}

	copied := *entry
	r.entries[entry.ID] = &copied
	r.byDec[entry.DecisionID] = entry.ID
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, entryID string) (*models.DecisionLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	copied := *entry
	return &copied, nil
}

func (r *MemoryRepository) AppendStep(ctx context.Context, entryID string, step models.ExecutionStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[entryID]
	if !ok {
		return ErrEntryNotFound
	}
	step.Sequence = len(entry.Steps) + 1
	entry.Steps = append(entry.Steps, step)
	return nil
}

func (r *MemoryRepository) UpdateState(ctx context.Context, entryID string, state models.DecisionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[entryID]
	if !ok {
		return ErrEntryNotFound
	}
	entry.FinalState = state
	entry.Decision.State = state
	return nil
}

func (r *MemoryRepository) AttachApproval(ctx context.Context, entryID string, approval models.ApprovalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[entryID]
	if !ok {
		return ErrEntryNotFound
	}
	entry.Approval = &approval
	return nil
}

func (r *MemoryRepository) Query(ctx context.Context, filter models.AuditFilter) ([]models.DecisionLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.DecisionLogEntry
	for _, entry := range r.entries {
		if matches(entry, filter) {
			out = append(out, *entry)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int
	for id, entry := range r.entries {
		if entry.CreatedAt.Before(cutoff) {
			delete(r.entries, id)
			delete(r.byDec, entry.DecisionID)
			removed++
		}
	}
	return removed, nil
}

func matches(entry *models.DecisionLogEntry, filter models.AuditFilter) bool {
	if filter.ServiceID != "" && entry.ServiceID != filter.ServiceID {
		return false
	}
	if !filter.From.IsZero() && entry.CreatedAt.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && entry.CreatedAt.After(filter.To) {
		return false
	}
	if filter.Action != "" && entry.Decision.Action != filter.Action {
		return false
	}
	if filter.State != "" && entry.FinalState != filter.State {
		return false
	}
	if filter.ViolationsOnly && len(entry.Compliance.Violations) == 0 && len(entry.Compliance.Waivers) == 0 {
		return false
	}
	if filter.EmergencyOnly && !entry.Decision.Emergency {
		return false
	}
	if filter.MinConfidence > 0 && entry.Decision.Confidence < filter.MinConfidence {
		return false
	}
	return true
}
