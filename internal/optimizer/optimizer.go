// Package optimizer tunes evaluator and composer parameters offline. It
// never sits in the decision path: it scores candidate parameter sets
// against realized service performance and audited decision history, then
// publishes the winner for the engine to pick up on its next cycle.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/medgrid/autoscaler/internal/audit"
	"github.com/medgrid/autoscaler/internal/events"
	"github.com/medgrid/autoscaler/internal/logger"
	"github.com/medgrid/autoscaler/pkg/models"
)

var ErrInsufficientHistory = errors.New("not enough history to tune")

// SnapshotSource yields realized performance windows for a service.
type SnapshotSource interface {
	Snapshots(ctx context.Context, serviceID string, from, to time.Time) ([]models.PerformanceSnapshot, error)
}

type Config struct {
	Window            time.Duration // how far back to score against
	MinSnapshots      int
	MaxIterations     int
	TargetUtilization float64 // metric level considered fully efficient

	// Candidate bounds.
	MinConsecutive int
	MaxConsecutive int
	MinCooldown    time.Duration
	MaxCooldown    time.Duration
}

func (c *Config) defaults() {
	if c.Window <= 0 {
		c.Window = 7 * 24 * time.Hour
	}
	if c.MinSnapshots <= 0 {
		c.MinSnapshots = 12
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 50
	}
	if c.TargetUtilization <= 0 {
		c.TargetUtilization = 70
	}
	if c.MinConsecutive <= 0 {
		c.MinConsecutive = 1
	}
	if c.MaxConsecutive <= 0 {
		c.MaxConsecutive = 10
	}
	if c.MinCooldown <= 0 {
		c.MinCooldown = 30 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 30 * time.Minute
	}
}

type Optimizer struct {
	config    Config
	auditLog  *audit.Log
	snapshots SnapshotSource
	publisher *events.Publisher
	now       func() time.Time
}

func New(cfg Config, auditLog *audit.Log, snapshots SnapshotSource, publisher *events.Publisher) *Optimizer {
	cfg.defaults()
	return &Optimizer{
		config:    cfg,
		auditLog:  auditLog,
		snapshots: snapshots,
		publisher: publisher,
		now:       time.Now,
	}
}

func NewWithClock(cfg Config, auditLog *audit.Log, snapshots SnapshotSource, publisher *events.Publisher, now func() time.Time) *Optimizer {
	o := New(cfg, auditLog, snapshots, publisher)
	o.now = now
	return o
}

// history is the realized record a candidate is scored against.
type history struct {
	snapshots []models.PerformanceSnapshot
	decisions []models.DecisionLogEntry
	window    time.Duration
}

// Tune hill-climbs from the service's current parameters to the best
// neighboring candidate under the realized-history objective and publishes
// the result. Services without enough history are left untouched.
func (o *Optimizer) Tune(ctx context.Context, service *models.Service, current models.TunedParameters) (*models.TunedParameters, error) {
	hist, err := o.gather(ctx, service.ID)
	if err != nil {
		return nil, err
	}

	best := o.clampCandidate(current)
	best.ServiceID = service.ID
	bestScore := o.score(best, hist)

	for i := 0; i < o.config.MaxIterations; i++ {
		improved := false
		for _, cand := range o.neighbors(best) {
			if s := o.score(cand, hist); s > bestScore {
				best, bestScore = cand, s
				improved = true
			}
		}
		if !improved {
			break
		}
	}

	best.Score = bestScore
	best.TunedAt = o.now()

	logger.WithService(service.ID).Infof(
		"Tuned: consecutive=%d cooldown=%s floor=%.2f score=%.3f",
		best.ConsecutiveBreaches, best.Cooldown, best.PredictionFloor, best.Score,
	)
	if o.publisher != nil {
		o.publisher.ParametersTuned(best)
	}
	return &best, nil
}

func (o *Optimizer) gather(ctx context.Context, serviceID string) (*history, error) {
	to := o.now()
	from := to.Add(-o.config.Window)

	snaps, err := o.snapshots.Snapshots(ctx, serviceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("loading snapshots: %w", err)
	}
	if len(snaps) < o.config.MinSnapshots {
		return nil, fmt.Errorf("%w: %d snapshots, need %d", ErrInsufficientHistory, len(snaps), o.config.MinSnapshots)
	}

	entries, err := o.auditLog.Query(ctx, models.AuditFilter{
		ServiceID: serviceID,
		From:      from,
		To:        to,
	})
	if err != nil {
		return nil, fmt.Errorf("loading decision history: %w", err)
	}

	// Query is newest-first; flap detection walks forward in time.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	return &history{snapshots: snaps, decisions: entries, window: o.config.Window}, nil
}

// score is the tuning objective: realized SLA compliance weighted 0.6,
// realized cost efficiency 0.3, flap penalty 0.1. Higher is better.
func (o *Optimizer) score(cand models.TunedParameters, hist *history) float64 {
	sla := o.slaScore(cand, hist.snapshots)
	cost := o.costScore(hist.snapshots)
	flap := o.flapPenalty(cand, hist.decisions)
	return 0.6*sla + 0.3*cost - 0.1*flap
}

// slaScore rewards windows that met their SLA and discounts the candidate's
// reaction delay: every extra consecutive-breach sample and every minute of
// cooldown postpones a corrective decision during a real breach.
func (o *Optimizer) slaScore(cand models.TunedParameters, snaps []models.PerformanceSnapshot) float64 {
	if len(snaps) == 0 {
		return 0
	}

	var total float64
	for _, s := range snaps {
		if s.SLACompliant {
			total += 1.0
			continue
		}
		window := s.WindowEnd.Sub(s.WindowStart).Seconds()
		if window <= 0 {
			continue
		}
		healthy := 1.0 - s.BreachSeconds/window
		if healthy < 0 {
			healthy = 0
		}
		total += healthy
	}
	base := total / float64(len(snaps))

	delay := 0.02*float64(cand.ConsecutiveBreaches-1) + 0.01*cand.Cooldown.Minutes()
	if delay > 0.3 {
		delay = 0.3
	}
	return base * (1.0 - delay)
}

// costScore measures how much of the paid-for capacity did useful work:
// average realized utilization against the target, capped at 1 so
// overload does not masquerade as efficiency.
func (o *Optimizer) costScore(snaps []models.PerformanceSnapshot) float64 {
	if len(snaps) == 0 {
		return 0
	}
	var total float64
	for _, s := range snaps {
		util := s.AvgValue / o.config.TargetUtilization
		if util > 1 {
			util = 1
		}
		total += util
	}
	return total / float64(len(snaps))
}

// flapPenalty counts direction reversals the candidate's cooldown would NOT
// have suppressed, as a fraction of executed decisions. A reversal inside
// the cooldown window is attributed to the old parameters, not the
// candidate.
func (o *Optimizer) flapPenalty(cand models.TunedParameters, entries []models.DecisionLogEntry) float64 {
	executed := 0
	flaps := 0
	var prev *models.DecisionLogEntry

	for i := range entries {
		e := &entries[i]
		if e.Decision.Action == models.ActionMaintain || e.Decision.State == models.StateDenied {
			continue
		}
		executed++
		if prev != nil && reversal(prev.Decision.Action, e.Decision.Action) {
			if e.CreatedAt.Sub(prev.CreatedAt) >= cand.Cooldown {
				flaps++
			}
		}
		prev = e
	}

	if executed == 0 {
		return 0
	}
	return float64(flaps) / float64(executed)
}

func reversal(a, b models.ScalingAction) bool {
	return (a == models.ActionScaleUp && b == models.ActionScaleDown) ||
		(a == models.ActionScaleDown && b == models.ActionScaleUp)
}

// neighbors yields the one-step moves around a candidate, bounds enforced.
func (o *Optimizer) neighbors(c models.TunedParameters) []models.TunedParameters {
	var out []models.TunedParameters
	add := func(n models.TunedParameters) {
		n = o.clampCandidate(n)
		if n != c {
			out = append(out, n)
		}
	}

	up, down := c, c
	up.ConsecutiveBreaches++
	down.ConsecutiveBreaches--
	add(up)
	add(down)

	longer, shorter := c, c
	longer.Cooldown += 30 * time.Second
	shorter.Cooldown -= 30 * time.Second
	add(longer)
	add(shorter)

	looser, tighter := c, c
	looser.PredictionFloor -= 0.05
	tighter.PredictionFloor += 0.05
	add(looser)
	add(tighter)

	return out
}

func (o *Optimizer) clampCandidate(c models.TunedParameters) models.TunedParameters {
	if c.ConsecutiveBreaches < o.config.MinConsecutive {
		c.ConsecutiveBreaches = o.config.MinConsecutive
	}
	if c.ConsecutiveBreaches > o.config.MaxConsecutive {
		c.ConsecutiveBreaches = o.config.MaxConsecutive
	}
	if c.Cooldown < o.config.MinCooldown {
		c.Cooldown = o.config.MinCooldown
	}
	if c.Cooldown > o.config.MaxCooldown {
		c.Cooldown = o.config.MaxCooldown
	}
	if c.PredictionFloor < 0.5 {
		c.PredictionFloor = 0.5
	}
	if c.PredictionFloor > 0.95 {
		c.PredictionFloor = 0.95
	}
	c.Score = 0
	c.TunedAt = time.Time{}
	return c
}
