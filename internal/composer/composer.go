// Package composer merges reactive, predictive and cost/compliance signals
// into one audited scaling directive per service per decision cycle, and
// owns the decision state machine.
package composer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medgrid/autoscaler/internal/audit"
	"github.com/medgrid/autoscaler/internal/costgate"
	"github.com/medgrid/autoscaler/internal/evaluator"
	"github.com/medgrid/autoscaler/internal/events"
	"github.com/medgrid/autoscaler/internal/executor"
	"github.com/medgrid/autoscaler/internal/logger"
	"github.com/medgrid/autoscaler/internal/metrics"
	"github.com/medgrid/autoscaler/internal/placement"
	"github.com/medgrid/autoscaler/internal/predictor"
	"github.com/medgrid/autoscaler/internal/store"
	"github.com/medgrid/autoscaler/pkg/models"
)

var (
	// ErrDecisionInProgress is the fail-fast answer to a second decision
	// request while one is executing; callers retry next cycle.
	ErrDecisionInProgress = errors.New("decision in progress for service")

	ErrIllegalTransition = errors.New("illegal decision state transition")
	ErrUnknownDecision   = errors.New("decision not tracked")
)

type Config struct {
	MaxScaleStep       int
	TargetValue        float64 // metric level one replica is sized for
	CriticalFloorDelta int     // minimum added replicas under a critical breach
	PredictionHorizon  time.Duration
	AutomaticRollback  bool
}

// Request is one decision cycle's input for a service.
type Request struct {
	Service     *models.Service
	Evaluations []models.Evaluation
	Samples     []models.MetricSample
	Urgency     models.Urgency // empty derives from breach severity
}

// Composer owns ScalingDecision state transitions exclusively.
type Composer struct {
	config    Config
	evaluator *evaluator.Evaluator
	ensemble  *predictor.Ensemble
	gate      *costgate.Gate
	selector  *placement.Selector
	auditLog  *audit.Log
	publisher *events.Publisher
	exec      executor.Executor

	mu         sync.Mutex
	inFlight   map[string]*inflight
	entryIndex map[string]string // decision ID -> audit entry ID
	now        func() time.Time

	// cache holds the idempotence decisions and the per-service cooldown
	// marks, both TTL-bounded; housekeeping purges what Get has not.
	cache *store.Store
}

type inflight struct {
	decision *models.ScalingDecision
	entryID  string
	cancel   context.CancelFunc
	done     chan struct{}
}

// cooldownMark records the last approved scaling action; while it lives in
// the cache, non-emergency actions for the service are held to maintain.
type cooldownMark struct {
	action models.ScalingAction
	until  time.Time
}

type Deps struct {
	Evaluator *evaluator.Evaluator
	Ensemble  *predictor.Ensemble
	Gate      *costgate.Gate
	Selector  *placement.Selector
	AuditLog  *audit.Log
	Publisher *events.Publisher
	Executor  executor.Executor
}

func New(cfg Config, deps Deps) *Composer {
	if cfg.MaxScaleStep <= 0 {
		cfg.MaxScaleStep = 3
	}
	if cfg.CriticalFloorDelta <= 0 {
		cfg.CriticalFloorDelta = 2
	}
	if cfg.PredictionHorizon <= 0 {
		cfg.PredictionHorizon = 15 * time.Minute
	}
	c := &Composer{
		config:     cfg,
		evaluator:  deps.Evaluator,
		ensemble:   deps.Ensemble,
		gate:       deps.Gate,
		selector:   deps.Selector,
		auditLog:   deps.AuditLog,
		publisher:  deps.Publisher,
		exec:       deps.Executor,
		inFlight:   make(map[string]*inflight),
		entryIndex: make(map[string]string),
		now:        time.Now,
	}
	c.cache = store.NewWithClock(func() time.Time { return c.now() })
	return c
}

func NewWithClock(cfg Config, deps Deps, now func() time.Time) *Composer {
	c := New(cfg, deps)
	c.now = now
	return c
}

// Compose runs one decision cycle for a service and returns the audited
// directive. Identical inputs within the cooldown window return the cached
// identical outcome without re-running the gates.
func (c *Composer) Compose(ctx context.Context, req Request) (*models.ScalingDecision, error) {
	service := req.Service
	start := c.now()
	defer func() {
		metrics.DecisionLatency.WithLabelValues(service.ID).Observe(c.now().Sub(start).Seconds())
	}()

	urgency := req.Urgency
	breaches := c.evaluator.ActiveBreaches(service.ID)
	if urgency == "" {
		urgency = deriveUrgency(breaches)
	}
	emergency := urgency == models.UrgencyCritical

	// Single in-flight guard; an emergency preempts, everything else
	// fails fast.
	victim, err := c.admit(service.ID, emergency)
	if err != nil {
		return nil, err
	}

	fp := fingerprint(req, urgency, c.gate, c.selector)
	if v, ok := c.cache.Get(decisionKey(service.ID, fp)); ok {
		copied := v.(models.ScalingDecision)
		return &copied, nil
	}

	decision := &models.ScalingDecision{
		ID:           uuid.NewString(),
		ServiceID:    service.ID,
		CreatedAt:    c.now(),
		Action:       models.ActionMaintain,
		FromReplicas: service.CurrentReplicas,
		ToReplicas:   service.CurrentReplicas,
		Urgency:      urgency,
		Emergency:    emergency,
		State:        models.StatePending,
	}

	if victim != nil {
		victim.SupersededBy = decision.ID
		if entryID, ok := c.entryOf(victim.ID); ok {
			if err := c.auditLog.Step(ctx, entryID, "superseded", "superseded by emergency decision "+decision.ID); err != nil {
				logger.WithDecision(service.ID, victim.ID).Debugf("Step record failed: %v", err)
			}
		}
		c.publisher.DecisionSuperseded(victim, decision)
	}

	prediction := c.predict(ctx, service, decision)
	candidate, action := c.mergeSignals(req, breaches, prediction, decision)

	// One non-emergency action per cooldown window, no matter which signal
	// proposed it; a breach severe enough to matter arrives as an emergency.
	if action != models.ActionMaintain && !emergency {
		if mark, open := c.cooldownOpen(service.ID); open {
			decision.Reason = fmt.Sprintf("cooldown active until %s after %s: holding %d replicas",
				mark.until.Format(time.RFC3339), mark.action, service.CurrentReplicas)
			action = models.ActionMaintain
		}
	}

	var impacts []models.ComplianceImpact

	if action == models.ActionMaintain {
		if decision.Reason == "" {
			decision.Reason = firstReason(req.Evaluations, "within normal parameters")
		}
		c.transition(decision, models.StateApproved)
	} else {
		impacts = c.applyGates(ctx, req, decision, candidate, action)
	}

	if decision.State == models.StateApproved && decision.Action != models.ActionMaintain {
		c.markCooldown(service, decision.Action)
	}

	snapshot := models.ContextSnapshot{
		Samples:      req.Samples,
		Budgets:      c.gateBudgets(service.ID),
		RegionHealth: c.selector.HealthSnapshot(),
		Prediction:   prediction,
		TakenAt:      c.now(),
	}

	entry, err := c.auditLog.Record(ctx, decision, snapshot, impacts)
	if err != nil {
		return nil, fmt.Errorf("decision %s not recorded: %w", decision.ID, err)
	}
	if decision.Emergency {
		// System approval closes the compliance record; human review can
		// replace it retrospectively.
		if err := c.auditLog.Approve(ctx, entry.ID, models.ApprovalSystem, "composer", decision.Justification); err != nil {
			logger.WithDecision(service.ID, decision.ID).Warnf("Approval record failed: %v", err)
		}
	}

	c.remember(service, fp, decision)
	c.trackEntry(decision, entry.ID)

	c.publisher.DecisionMade(decision)
	metrics.DecisionsTotal.WithLabelValues(service.ID, string(decision.Action), string(decision.State)).Inc()

	logger.WithDecision(service.ID, decision.ID).Infof(
		"Decision: %s %d -> %d (%s, urgency=%s, emergency=%v)",
		decision.Action, decision.FromReplicas, decision.ToReplicas,
		decision.State, urgency, emergency,
	)
	return decision, nil
}

// mergeSignals applies the merge rule: threshold base, predictor widening
// above the confidence floor only, critical-breach floor, clamp.
func (c *Composer) mergeSignals(req Request, breaches []models.Breach, prediction *models.Prediction, decision *models.ScalingDecision) (int, models.ScalingAction) {
	service := req.Service

	action, eval := dominantAction(req.Evaluations)
	candidate := service.CurrentReplicas

	switch action {
	case models.ActionScaleUp:
		candidate = c.scaleUpTarget(service, eval)
		decision.Triggers = append(decision.Triggers, models.Trigger{
			Type: "threshold", Source: eval.ThresholdID, Detail: eval.Reason, Severity: eval.Severity,
		})
	case models.ActionScaleDown:
		candidate = service.CurrentReplicas - 1
		decision.Triggers = append(decision.Triggers, models.Trigger{
			Type: "threshold", Source: eval.ThresholdID, Detail: eval.Reason, Severity: eval.Severity,
		})
	}

	confidence := 1.0
	for _, e := range req.Evaluations {
		if e.Degraded {
			confidence = 0.5
			break
		}
	}

	// Predictor may widen, never narrow.
	if prediction != nil && prediction.Confidence >= c.ensembleFloor(service.ID) {
		if prediction.SuggestedReplicas > candidate {
			candidate = prediction.SuggestedReplicas
			if action == models.ActionMaintain || action == models.ActionScaleDown {
				action = models.ActionScaleUp
			}
			decision.Triggers = append(decision.Triggers, models.Trigger{
				Type: "prediction", Source: prediction.ModelName,
				Detail: fmt.Sprintf("forecast %.1f suggests %d replicas", prediction.Value, prediction.SuggestedReplicas),
			})
		}
		confidence = (confidence + prediction.Confidence) / 2
	}

	// Any critical breach forces a floor of current+2.
	for _, b := range breaches {
		if b.Severity == models.SeverityCritical {
			floor := service.CurrentReplicas + c.config.CriticalFloorDelta
			if candidate < floor {
				candidate = floor
				action = models.ActionScaleUp
				decision.Triggers = append(decision.Triggers, models.Trigger{
					Type: "critical-floor", Source: b.ThresholdID,
					Detail: fmt.Sprintf("critical %s breach forces minimum +%d", b.Metric, c.config.CriticalFloorDelta),
					Severity: models.SeverityCritical,
				})
			}
			break
		}
	}

	candidate = service.ClampReplicas(candidate)
	if candidate == service.CurrentReplicas {
		action = models.ActionMaintain
	}

	decision.Confidence = confidence
	return candidate, action
}

// applyGates passes the candidate through the cost gate and, when the
// source region lacks spare capacity, the placement selector.
func (c *Composer) applyGates(ctx context.Context, req Request, decision *models.ScalingDecision, candidate int, action models.ScalingAction) []models.ComplianceImpact {
	service := req.Service
	severity := maxSeverity(req.Evaluations)

	gateRes := c.gate.Review(costgate.Request{
		Service:        service,
		TargetReplicas: candidate,
		Urgency:        decision.Urgency,
		Severity:       severity,
	})

	decision.Alternatives = gateRes.Alternatives
	decision.Justification = gateRes.Justification
	for _, alert := range gateRes.BudgetAlerts {
		c.publisher.BudgetAlert(service.ID, alert)
	}

	if !gateRes.Approved {
		decision.Action = action
		decision.ToReplicas = service.CurrentReplicas
		decision.Reason = gateRes.Reason
		c.transition(decision, models.StateDenied)
		return nil
	}

	final := gateRes.FinalReplicas
	decision.Action = action
	decision.ToReplicas = final
	decision.Reason = gateRes.Reason
	if final == service.CurrentReplicas {
		decision.Action = models.ActionMaintain
	}

	var impacts []models.ComplianceImpact
	delta := final - service.CurrentReplicas
	if delta > 0 {
		impacts = c.place(service, delta, decision)
		if decision.State == models.StateDenied {
			return impacts
		}
	}

	c.transition(decision, models.StateApproved)
	return impacts
}

// place finds room for added capacity when the source region is short.
func (c *Composer) place(service *models.Service, delta int, decision *models.ScalingDecision) []models.ComplianceImpact {
	source, ok := c.selector.Region(service.Region)
	if ok && source.SpareCapacity() >= delta {
		// The failover floor still applies even when capacity is local.
		if sel, err := c.selector.Select(service, delta, decision.Urgency); err == nil && sel.Failover != nil {
			c.publisher.FailoverPlanned(service.ID, sel.Failover)
		}
		return nil
	}

	sel, err := c.selector.Select(service, delta, decision.Urgency)
	if err != nil {
		decision.Reason = fmt.Sprintf("no compliant region for %d added replicas: %v", delta, err)
		c.transition(decision, models.StateDenied)
		metrics.DenialsTotal.WithLabelValues(service.ID, "placement").Inc()
		return nil
	}

	best := sel.Candidates[0]
	decision.TargetRegion = best.Region.ID
	decision.CrossRegion = best.Region.ID != service.Region
	decision.Triggers = append(decision.Triggers, models.Trigger{
		Type: "placement", Source: best.Region.ID,
		Detail: fmt.Sprintf("placed %d replicas in %s (score %.2f)", delta, best.Region.ID, best.Score),
	})

	if sel.Failover != nil {
		c.publisher.FailoverPlanned(service.ID, sel.Failover)
	}

	var impacts []models.ComplianceImpact
	for _, cand := range sel.Candidates {
		if cand.Region.ID == best.Region.ID {
			impacts = append(impacts, cand.Compliance...)
		}
	}
	return impacts
}

func (c *Composer) predict(ctx context.Context, service *models.Service, decision *models.ScalingDecision) *models.Prediction {
	if c.ensemble == nil {
		return nil
	}

	res, err := c.ensemble.Predict(ctx, service, c.config.PredictionHorizon)
	if err != nil {
		// A dead predictor degrades to reactive-only, recorded as such.
		decision.Triggers = append(decision.Triggers, models.Trigger{
			Type: "prediction", Source: "ensemble", Detail: "unavailable",
		})
		return nil
	}
	if !res.Binding {
		logger.WithService(service.ID).Debugf("Prediction advisory: %s", res.Advisory)
	}
	pred := res.Prediction
	return &pred
}

func (c *Composer) scaleUpTarget(service *models.Service, eval *models.Evaluation) int {
	delta := 1
	if c.config.TargetValue > 0 && eval != nil && eval.Value > c.config.TargetValue {
		ratio := eval.Value / c.config.TargetValue
		ideal := int(float64(service.CurrentReplicas)*ratio + 0.999)
		delta = ideal - service.CurrentReplicas
		if delta < 1 {
			delta = 1
		}
	}
	if delta > c.config.MaxScaleStep {
		delta = c.config.MaxScaleStep
	}
	return service.CurrentReplicas + delta
}

func (c *Composer) ensembleFloor(serviceID string) float64 {
	if c.ensemble == nil {
		return 1.01 // unreachable floor: no predictor, no widening
	}
	return c.ensemble.FloorFor(serviceID)
}

func (c *Composer) gateBudgets(serviceID string) []models.Budget {
	if c.gate == nil {
		return nil
	}
	return c.gate.ScopingBudgets(serviceID)
}

func deriveUrgency(breaches []models.Breach) models.Urgency {
	urgency := models.UrgencyLow
	for _, b := range breaches {
		switch b.Severity {
		case models.SeverityCritical:
			return models.UrgencyCritical
		case models.SeverityHigh:
			if !urgency.AtLeast(models.UrgencyHigh) {
				urgency = models.UrgencyHigh
			}
		case models.SeverityMedium:
			if !urgency.AtLeast(models.UrgencyMedium) {
				urgency = models.UrgencyMedium
			}
		}
	}
	return urgency
}

// dominantAction picks the binding threshold signal: scale-up beats
// scale-down, higher severity beats lower.
func dominantAction(evals []models.Evaluation) (models.ScalingAction, *models.Evaluation) {
	var up, down *models.Evaluation
	for i := range evals {
		e := &evals[i]
		switch e.Action {
		case models.ThresholdActionScaleUp:
			if up == nil || e.Severity.AtLeast(up.Severity) {
				up = e
			}
		case models.ThresholdActionScaleDown:
			if down == nil || e.Severity.AtLeast(down.Severity) {
				down = e
			}
		}
	}
	if up != nil {
		return models.ActionScaleUp, up
	}
	if down != nil {
		return models.ActionScaleDown, down
	}
	return models.ActionMaintain, nil
}

func maxSeverity(evals []models.Evaluation) models.Severity {
	max := models.SeverityLow
	for _, e := range evals {
		if e.Breached && e.Severity.AtLeast(max) {
			max = e.Severity
		}
	}
	return max
}

func firstReason(evals []models.Evaluation, fallback string) string {
	for _, e := range evals {
		if e.Action == models.ThresholdActionAlert {
			return "alert only: " + e.Reason
		}
	}
	return fallback
}

// fingerprint canonicalizes the inputs that must yield identical outcomes
// within one cooldown window.
func fingerprint(req Request, urgency models.Urgency, gate *costgate.Gate, selector *placement.Selector) string {
	var parts []string
	for _, s := range req.Samples {
		parts = append(parts, s.Metric+"="+strconv.FormatFloat(s.Value, 'f', 4, 64))
	}
	// The scoping set matters, the utilization level does not: composing a
	// decision charges the budget, and that charge must not break the cache
	// for the identical follow-up request.
	for _, b := range gate.ScopingBudgets(req.Service.ID) {
		parts = append(parts, "budget:"+b.ID)
	}
	health := selector.HealthSnapshot()
	regionIDs := make([]string, 0, len(health))
	for id := range health {
		regionIDs = append(regionIDs, id)
	}
	sort.Strings(regionIDs)
	for _, id := range regionIDs {
		parts = append(parts, id+"="+strconv.FormatFloat(health[id], 'f', 3, 64))
	}
	parts = append(parts, string(urgency), strconv.Itoa(req.Service.CurrentReplicas))
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

func (c *Composer) remember(service *models.Service, fp string, decision *models.ScalingDecision) {
	cooldown := service.CooldownFor(decision.Action)
	if cooldown <= 0 {
		// Without a configured cooldown the short default still
		// guarantees per-cycle idempotence.
		cooldown = 30 * time.Second
	}
	c.cache.SetTTL(decisionKey(service.ID, fp), *decision, cooldown)
}

// markCooldown opens the service's action cooldown window; it expires out
// of the cache on its own.
func (c *Composer) markCooldown(service *models.Service, action models.ScalingAction) {
	window := service.CooldownFor(action)
	if window <= 0 {
		return
	}
	c.cache.SetTTL(cooldownKey(service.ID), cooldownMark{
		action: action,
		until:  c.now().Add(window),
	}, window)
}

func (c *Composer) cooldownOpen(serviceID string) (cooldownMark, bool) {
	v, ok := c.cache.Get(cooldownKey(serviceID))
	if !ok {
		return cooldownMark{}, false
	}
	return v.(cooldownMark), true
}

// PurgeExpired drops expired cache entries; the orchestrator calls this on
// its housekeeping schedule.
func (c *Composer) PurgeExpired() int {
	return c.cache.PurgeExpired()
}

func decisionKey(serviceID, fp string) string {
	return "decision|" + serviceID + "|" + fp
}

func cooldownKey(serviceID string) string {
	return "cooldown|" + serviceID
}
