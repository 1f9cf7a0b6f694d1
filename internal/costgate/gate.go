package costgate

import (
	"fmt"
	"sort"
	"time"

	"github.com/medgrid/autoscaler/internal/logger"
	"github.com/medgrid/autoscaler/internal/metrics"
	"github.com/medgrid/autoscaler/pkg/models"
)

// Request is a candidate scaling target under review.
type Request struct {
	Service        *models.Service
	TargetReplicas int
	Urgency        models.Urgency
	Severity       models.Severity
	// ChargeWindow is how long the added capacity is assumed to run when
	// projecting spend against budgets.
	ChargeWindow time.Duration
}

// Result is the gate's verdict. Alternatives are sorted by cost.
type Result struct {
	Approved      bool
	FinalReplicas int
	Reason        string
	Justification string
	Alternatives  []models.Alternative
	BudgetAlerts  []string
	ProjectedCost float64
}

type Config struct {
	ROIFloor            float64
	DefaultChargeWindow time.Duration
}

// Gate applies budget enforcement and ROI reshaping. The whole
// review of a request, headroom check through charge, runs while holding
// every scoping budget's lock, so concurrent decisions can never both
// spend the same headroom.
type Gate struct {
	ledger *Ledger
	config Config
}

func NewGate(ledger *Ledger, cfg Config) *Gate {
	if cfg.ROIFloor <= 0 {
		cfg.ROIFloor = 0.5
	}
	if cfg.DefaultChargeWindow <= 0 {
		cfg.DefaultChargeWindow = time.Hour
	}
	return &Gate{ledger: ledger, config: cfg}
}

func (g *Gate) Review(req Request) Result {
	service := req.Service
	window := req.ChargeWindow
	if window <= 0 {
		window = g.config.DefaultChargeWindow
	}

	delta := req.TargetReplicas - service.CurrentReplicas
	if delta <= 0 {
		// Shrinking or holding never spends budget.
		return Result{
			Approved:      true,
			FinalReplicas: req.TargetReplicas,
			Reason:        "no additional spend",
		}
	}

	profile, ok := g.ledger.Profile(service.ID)
	if !ok {
		// Nothing to enforce against; approve but say so.
		return Result{
			Approved:      true,
			FinalReplicas: req.TargetReplicas,
			Reason:        "no cost profile registered",
		}
	}

	costOf := func(replicas int) float64 {
		d := replicas - service.CurrentReplicas
		if d < 0 {
			d = 0
		}
		return profile.HourlyCost(d) * window.Hours()
	}

	scoping := g.ledger.Scoping(service.ID)
	ids := make([]string, len(scoping))
	for i, b := range scoping {
		ids[i] = b.ID
	}

	var res Result
	err := g.ledger.withBudgets(ids, func(budgets []*models.Budget) error {
		res = g.reviewLocked(req, budgets, costOf)
		if res.Approved && res.ProjectedCost > 0 {
			for _, b := range budgets {
				b.Utilization += res.ProjectedCost
				metrics.BudgetUtilization.WithLabelValues(b.ID).Set(b.UtilizationRatio())
			}
		}
		return nil
	})
	if err != nil {
		res = Result{Approved: false, Reason: fmt.Sprintf("ledger error: %v", err)}
	}

	if !res.Approved {
		metrics.DenialsTotal.WithLabelValues(service.ID, "budget_exceeded").Inc()
		return res
	}

	res.BudgetAlerts = g.alerts(service.ID)
	logger.WithService(service.ID).Infof(
		"Cost gate approved %d -> %d (cost %.2f)",
		service.CurrentReplicas, res.FinalReplicas, res.ProjectedCost,
	)
	return res
}

// reviewLocked runs under every scoping budget's lock.
func (g *Gate) reviewLocked(req Request, budgets []*models.Budget, costOf func(int) float64) Result {
	service := req.Service

	// Critical urgency bypasses enforcement entirely, with a recorded
	// justification; the spend still lands on the ledger so utilization
	// reflects reality.
	if req.Urgency == models.UrgencyCritical {
		cost := costOf(req.TargetReplicas)
		metrics.EmergencyOverrides.WithLabelValues(service.ID).Inc()
		return Result{
			Approved:      true,
			FinalReplicas: req.TargetReplicas,
			Reason:        "emergency override",
			Justification: fmt.Sprintf("critical urgency bypassed budget enforcement; projected cost %.2f charged to %d budget(s)", cost, len(budgets)),
			ProjectedCost: cost,
		}
	}

	affordable := func(replicas int) bool {
		cost := costOf(replicas)
		for _, b := range budgets {
			if b.Enforced && b.Utilization+cost > b.Limit {
				return false
			}
		}
		return true
	}

	res := Result{Approved: true, FinalReplicas: req.TargetReplicas, Reason: "within budget"}

	if !affordable(req.TargetReplicas) {
		res = g.searchAffordable(req, affordable, costOf)
		if !res.Approved {
			return res
		}
	}

	// ROI reshaping: below the floor and below high urgency, pick the
	// count that maximizes the ROI proxy instead of the requested target.
	if !req.Urgency.AtLeast(models.UrgencyHigh) {
		if roi := g.roi(req, res.FinalReplicas, costOf); roi < g.config.ROIFloor {
			best, bestROI := res.FinalReplicas, roi
			for r := service.CurrentReplicas + 1; r <= res.FinalReplicas; r++ {
				if candidate := g.roi(req, r, costOf); candidate > bestROI {
					bestROI = candidate
					best = r
				}
			}
			if best != res.FinalReplicas {
				res.Reason = fmt.Sprintf(
					"reshaped for cost efficiency: ROI of requested target below floor %.2f",
					g.config.ROIFloor,
				)
				res.FinalReplicas = best
			}
		}
	}

	res.ProjectedCost = costOf(res.FinalReplicas)
	return res
}

// searchAffordable walks the monotonic sequence of replica counts from the
// requested target down toward current, keeping the highest count within
// all budgets; unaffordable counts become ranked alternatives.
func (g *Gate) searchAffordable(req Request, affordable func(int) bool, costOf func(int) float64) Result {
	service := req.Service

	for r := req.TargetReplicas - 1; r >= service.CurrentReplicas; r-- {
		if !affordable(r) {
			continue
		}

		res := Result{FinalReplicas: r}
		if r == service.CurrentReplicas {
			res.Approved = false
			res.Reason = "budget exhausted: no additional replicas affordable"
		} else {
			res.Approved = true
			res.Reason = fmt.Sprintf(
				"requested %d exceeds budget; %d is the highest affordable target",
				req.TargetReplicas, r,
			)
		}

		for alt := r + 1; alt <= req.TargetReplicas; alt++ {
			res.Alternatives = append(res.Alternatives, models.Alternative{
				Replicas: alt,
				Cost:     costOf(alt),
			})
		}
		sort.Slice(res.Alternatives, func(i, j int) bool {
			return res.Alternatives[i].Cost < res.Alternatives[j].Cost
		})
		return res
	}

	return Result{
		Approved: false,
		Reason:   "budget exceeded at every target including current utilization",
	}
}

// roi is the weighted-performance-gain over cost-delta proxy. Gain
// saturates with the step size, so marginal replicas must buy real
// headroom to justify their spend.
func (g *Gate) roi(req Request, target int, costOf func(int) float64) float64 {
	delta := float64(target - req.Service.CurrentReplicas)
	if delta <= 0 {
		return 0
	}
	cost := costOf(target)
	if cost <= 0 {
		return 1
	}

	weight := 1.0
	switch req.Severity {
	case models.SeverityCritical:
		weight = 4
	case models.SeverityHigh:
		weight = 3
	case models.SeverityMedium:
		weight = 2
	}

	gain := weight * delta / (delta + 1)
	return gain / cost
}

// ScopingBudgets exposes the current budget view for audit snapshots and
// idempotence fingerprints.
func (g *Gate) ScopingBudgets(serviceID string) []models.Budget {
	return g.ledger.Scoping(serviceID)
}

func (g *Gate) alerts(serviceID string) []string {
	var alerts []string
	for _, b := range g.ledger.Scoping(serviceID) {
		if b.AlertThreshold > 0 && b.UtilizationRatio() >= b.AlertThreshold {
			alerts = append(alerts, fmt.Sprintf(
				"budget %s at %.0f%% of limit", b.ID, b.UtilizationRatio()*100,
			))
		}
	}
	return alerts
}
