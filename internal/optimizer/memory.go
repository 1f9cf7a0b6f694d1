package optimizer

import (
	"context"
	"sync"
	"time"

	"github.com/medgrid/autoscaler/pkg/models"
)

// MemorySnapshots is an in-memory SnapshotSource and sink, used by the
// simulator and wherever no database is wired.
type MemorySnapshots struct {
	mu    sync.RWMutex
	snaps []models.PerformanceSnapshot
}

func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{}
}

func (m *MemorySnapshots) Insert(ctx context.Context, snap models.PerformanceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, snap)
	return nil
}

func (m *MemorySnapshots) Snapshots(ctx context.Context, serviceID string, from, to time.Time) ([]models.PerformanceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.PerformanceSnapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		if s.ServiceID != serviceID {
			continue
		}
		if s.WindowEnd.Before(from) || s.WindowStart.After(to) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// PurgeOlderThan drops windows that ended before the cutoff.
func (m *MemorySnapshots) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.snaps[:0]
	for _, s := range m.snaps {
		if s.WindowEnd.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
	}
	removed := len(m.snaps) - len(kept)
	m.snaps = kept
	return removed, nil
}

// All returns every stored snapshot, oldest insert first.
func (m *MemorySnapshots) All() []models.PerformanceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PerformanceSnapshot, len(m.snaps))
	copy(out, m.snaps)
	return out
}
