// Package evaluator implements the stateful breach detector. It debounces
// threshold crossings, enforces per-threshold cooldowns and emits at most
// one binding scaling action per evaluation.
package evaluator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medgrid/autoscaler/internal/logger"
	"github.com/medgrid/autoscaler/internal/metrics"
	"github.com/medgrid/autoscaler/pkg/models"
)

type Config struct {
	DefaultConsecutive int
	DefaultCooldown    time.Duration
}

// Evaluator tracks breach state per (service, threshold) pair. It is the
// sole owner of Breach lifecycles.
type Evaluator struct {
	config Config

	mu       sync.Mutex
	states   map[string]*thresholdState // key: serviceID|thresholdID
	tuned    map[string]models.TunedParameters
	breaches map[string]*models.Breach // active breach per key
	now      func() time.Time
}

type thresholdState struct {
	consecutiveUp   int
	consecutiveDown int
	lastTriggered   time.Time
	triggered       bool
}

func New(cfg Config) *Evaluator {
	if cfg.DefaultConsecutive <= 0 {
		cfg.DefaultConsecutive = 3
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 5 * time.Minute
	}
	return &Evaluator{
		config:   cfg,
		states:   make(map[string]*thresholdState),
		tuned:    make(map[string]models.TunedParameters),
		breaches: make(map[string]*models.Breach),
		now:      time.Now,
	}
}

func NewWithClock(cfg Config, now func() time.Time) *Evaluator {
	e := New(cfg)
	e.now = now
	return e
}

// ApplyTuned installs optimizer output; it takes effect on the next
// evaluation for that service.
func (e *Evaluator) ApplyTuned(params models.TunedParameters) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tuned[params.ServiceID] = params

	logger.WithService(params.ServiceID).Infof(
		"Tuned parameters applied: consecutive=%d cooldown=%s",
		params.ConsecutiveBreaches, params.Cooldown,
	)
}

// Evaluate checks one metric sample against one threshold. A nil sample is
// evaluated as value 0: a silent metric source is an explicit signal here,
// not an error.
func (e *Evaluator) Evaluate(serviceID string, threshold models.Threshold, sample *models.MetricSample) models.Evaluation {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	eval := models.Evaluation{
		ServiceID:   serviceID,
		ThresholdID: threshold.ID,
		Metric:      threshold.Metric,
		Action:      models.ThresholdActionNone,
		Severity:    models.SeverityLow,
		Timestamp:   now,
	}

	if !threshold.Enabled {
		eval.Reason = "threshold disabled"
		return eval
	}

	// Time/state conditions gate everything else.
	if threshold.TimeCondition != nil && !threshold.TimeCondition.Active(now) {
		eval.Reason = "outside active window"
		return eval
	}

	if sample == nil {
		eval.Degraded = true
	} else {
		eval.Value = sample.Value
	}

	key := serviceID + "|" + threshold.ID
	state := e.states[key]
	if state == nil {
		state = &thresholdState{}
		e.states[key] = state
	}

	upBreach := threshold.Operator.Compare(eval.Value, threshold.ScaleUpValue)
	downBreach := mirror(threshold.Operator).Compare(eval.Value, threshold.ScaleDownValue)

	switch {
	case upBreach:
		state.consecutiveUp++
		state.consecutiveDown = 0
		e.resolveBreachLocked(key, models.ThresholdActionScaleDown, now)
		e.fill(&eval, threshold, state, models.ThresholdActionScaleUp, threshold.ScaleUpValue, now)
		e.openBreachLocked(key, serviceID, threshold, &eval, models.ThresholdActionScaleUp, now)
	case downBreach:
		state.consecutiveDown++
		state.consecutiveUp = 0
		e.resolveBreachLocked(key, models.ThresholdActionScaleUp, now)
		e.fill(&eval, threshold, state, models.ThresholdActionScaleDown, threshold.ScaleDownValue, now)
		e.openBreachLocked(key, serviceID, threshold, &eval, models.ThresholdActionScaleDown, now)
	default:
		state.consecutiveUp = 0
		state.consecutiveDown = 0
		e.resolveBreachLocked(key, "", now)
		eval.Reason = "within bounds"
	}

	if eval.Action == models.ThresholdActionScaleUp || eval.Action == models.ThresholdActionScaleDown {
		state.lastTriggered = now
		state.triggered = true
		metrics.BreachesTriggered.WithLabelValues(serviceID, string(eval.Action)).Inc()
	}

	return eval
}

func (e *Evaluator) fill(eval *models.Evaluation, threshold models.Threshold, state *thresholdState, direction models.ThresholdAction, bound float64, now time.Time) {
	eval.Breached = true
	eval.Severity = severityFor(eval.Value, bound)

	consecutive := state.consecutiveUp
	if direction == models.ThresholdActionScaleDown {
		consecutive = state.consecutiveDown
	}

	required := e.requiredConsecutive(eval.ServiceID, threshold)
	if consecutive < required {
		eval.Action = models.ThresholdActionAlert
		eval.Reason = fmt.Sprintf("breach %d/%d, debouncing", consecutive, required)
		return
	}

	cooldown := e.cooldownFor(eval.ServiceID, threshold)
	if state.triggered && now.Sub(state.lastTriggered) < cooldown {
		eval.Action = models.ThresholdActionAlert
		eval.Reason = "cooldown active"
		return
	}

	eval.Action = direction
	eval.Reason = fmt.Sprintf("%s %.2f breached %s bound %.2f for %d consecutive evaluations",
		eval.Metric, eval.Value, directionWord(direction), bound, consecutive)
}

func (e *Evaluator) requiredConsecutive(serviceID string, threshold models.Threshold) int {
	if t, ok := e.tuned[serviceID]; ok && t.ConsecutiveBreaches > 0 {
		return t.ConsecutiveBreaches
	}
	if threshold.ConsecutiveBreaches > 0 {
		return threshold.ConsecutiveBreaches
	}
	return e.config.DefaultConsecutive
}

func (e *Evaluator) cooldownFor(serviceID string, threshold models.Threshold) time.Duration {
	if t, ok := e.tuned[serviceID]; ok && t.Cooldown > 0 {
		return t.Cooldown
	}
	if threshold.Cooldown > 0 {
		return threshold.Cooldown
	}
	return e.config.DefaultCooldown
}

// InCooldown reports whether the threshold's cooldown window is open for a
// service. The composer consults this for idempotence checks.
func (e *Evaluator) InCooldown(serviceID string, threshold models.Threshold) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.states[serviceID+"|"+threshold.ID]
	if state == nil || !state.triggered {
		return false
	}
	return e.now().Sub(state.lastTriggered) < e.cooldownFor(serviceID, threshold)
}

// ActiveBreaches returns copies of the open breaches for a service.
func (e *Evaluator) ActiveBreaches(serviceID string) []models.Breach {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []models.Breach
	for _, b := range e.breaches {
		if b.ServiceID == serviceID && b.Status == models.BreachActive {
			out = append(out, *b)
		}
	}
	return out
}

// SupersedeBreaches resolves active breaches when a new decision takes over.
func (e *Evaluator) SupersedeBreaches(serviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for _, b := range e.breaches {
		if b.ServiceID == serviceID {
			b.Resolve(now, models.BreachSuperseded)
		}
	}
}

func (e *Evaluator) openBreachLocked(key, serviceID string, threshold models.Threshold, eval *models.Evaluation, direction models.ThresholdAction, now time.Time) {
	if existing, ok := e.breaches[key]; ok && existing.Status == models.BreachActive {
		// Breach continues: track peak severity and value.
		if eval.Severity.AtLeast(existing.Severity) {
			existing.Severity = eval.Severity
			existing.Value = eval.Value
		}
		return
	}

	e.breaches[key] = &models.Breach{
		ID:          uuid.NewString(),
		ServiceID:   serviceID,
		ThresholdID: threshold.ID,
		Metric:      threshold.Metric,
		Value:       eval.Value,
		Severity:    eval.Severity,
		Direction:   direction,
		StartedAt:   now,
		Status:      models.BreachActive,
	}

	logger.WithService(serviceID).Warnf(
		"Breach opened: %s=%.2f severity=%s", threshold.Metric, eval.Value, eval.Severity,
	)
}

// resolveBreachLocked closes the active breach under key when it runs in
// the given direction; empty direction matches any.
func (e *Evaluator) resolveBreachLocked(key string, direction models.ThresholdAction, now time.Time) {
	b, ok := e.breaches[key]
	if !ok || b.Status != models.BreachActive {
		return
	}
	if direction != "" && b.Direction != direction {
		return
	}
	b.Resolve(now, models.BreachResolved)
	logger.WithService(b.ServiceID).Infof("Breach resolved: %s", b.Metric)
}

// severityFor bands the percentage deviation from the crossed bound.
func severityFor(value, bound float64) models.Severity {
	var deviation float64
	if bound != 0 {
		deviation = abs(value-bound) / abs(bound) * 100
	} else {
		deviation = 100
	}

	switch {
	case deviation > 100:
		return models.SeverityCritical
	case deviation > 50:
		return models.SeverityHigh
	case deviation > 25:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func mirror(op models.ThresholdOperator) models.ThresholdOperator {
	switch op {
	case models.OperatorGreaterThan:
		return models.OperatorLessThan
	case models.OperatorGreaterOrEq:
		return models.OperatorLessOrEq
	case models.OperatorLessThan:
		return models.OperatorGreaterThan
	case models.OperatorLessOrEq:
		return models.OperatorGreaterOrEq
	default:
		return op
	}
}

func directionWord(a models.ThresholdAction) string {
	if a == models.ThresholdActionScaleDown {
		return "scale-down"
	}
	return "scale-up"
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
