// Package costgate enforces budgets and the cost/performance tradeoff on
// every candidate scaling target.
package costgate

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/medgrid/autoscaler/internal/logger"
	"github.com/medgrid/autoscaler/internal/metrics"
	"github.com/medgrid/autoscaler/pkg/models"
)

var (
	ErrBudgetUnknown  = errors.New("budget not registered")
	ErrProfileUnknown = errors.New("cost profile not registered")
)

// Ledger owns budget utilization. All reads and charges go through
// per-budget locks so two concurrent decisions cannot both observe stale
// headroom and both approve past the limit. Utilization is monotonically
// non-decreasing within a timeframe; only Rollover resets it.
type Ledger struct {
	mu       sync.RWMutex
	budgets  map[string]*models.Budget
	locks    map[string]*sync.Mutex
	profiles map[string]*models.CostProfile
	now      func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		budgets:  make(map[string]*models.Budget),
		locks:    make(map[string]*sync.Mutex),
		profiles: make(map[string]*models.CostProfile),
		now:      time.Now,
	}
}

func NewLedgerWithClock(now func() time.Time) *Ledger {
	l := NewLedger()
	l.now = now
	return l
}

func (l *Ledger) RegisterBudget(b models.Budget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := b
	l.budgets[b.ID] = &copied
	l.locks[b.ID] = &sync.Mutex{}
}

func (l *Ledger) RegisterProfile(p models.CostProfile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := p
	l.profiles[p.ServiceID] = &copied
}

func (l *Ledger) Profile(serviceID string) (*models.CostProfile, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.profiles[serviceID]
	if !ok {
		return nil, false
	}
	copied := *p
	return &copied, true
}

// Scoping returns copies of the budgets covering a service.
func (l *Ledger) Scoping(serviceID string) []models.Budget {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.Budget
	for _, b := range l.budgets {
		if b.Scopes(serviceID) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Ledger) Budget(id string) (models.Budget, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.budgets[id]
	if !ok {
		return models.Budget{}, false
	}
	return *b, true
}

// withBudgets runs fn while holding the locks of every named budget, in ID
// order so concurrent charges cannot deadlock.
func (l *Ledger) withBudgets(ids []string, fn func(budgets []*models.Budget) error) error {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	l.mu.RLock()
	locks := make([]*sync.Mutex, 0, len(sorted))
	budgets := make([]*models.Budget, 0, len(sorted))
	for _, id := range sorted {
		b, ok := l.budgets[id]
		if !ok {
			l.mu.RUnlock()
			return ErrBudgetUnknown
		}
		budgets = append(budgets, b)
		locks = append(locks, l.locks[id])
	}
	l.mu.RUnlock()

	for _, lk := range locks {
		lk.Lock()
	}
	defer func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}()

	return fn(budgets)
}

// Charge adds amount to every named budget. Callers must have verified
// headroom inside the same withBudgets critical section; Charge itself
// never rejects, because emergency overrides are allowed to exceed limits.
func (l *Ledger) Charge(ids []string, amount float64) error {
	return l.withBudgets(ids, func(budgets []*models.Budget) error {
		for _, b := range budgets {
			b.Utilization += amount
			metrics.BudgetUtilization.WithLabelValues(b.ID).Set(b.UtilizationRatio())
		}
		return nil
	})
}

// Rollover resets budgets whose timeframe has elapsed and returns the IDs
// reset. This is the only path that decreases utilization.
func (l *Ledger) Rollover() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.budgets))
	for id := range l.budgets {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	var reset []string
	now := l.now()
	_ = l.withBudgets(ids, func(budgets []*models.Budget) error {
		for _, b := range budgets {
			if !b.Expired(now) {
				continue
			}
			for !now.Before(b.TimeframeStart.Add(b.Timeframe)) {
				b.TimeframeStart = b.TimeframeStart.Add(b.Timeframe)
			}
			b.Utilization = 0
			metrics.BudgetUtilization.WithLabelValues(b.ID).Set(0)
			reset = append(reset, b.ID)
			logger.WithField("budget_id", b.ID).Info("Budget timeframe rolled over")
		}
		return nil
	})
	return reset
}
