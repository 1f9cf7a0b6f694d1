package composer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medgrid/autoscaler/internal/audit"
	"github.com/medgrid/autoscaler/internal/costgate"
	"github.com/medgrid/autoscaler/internal/evaluator"
	"github.com/medgrid/autoscaler/internal/events"
	"github.com/medgrid/autoscaler/internal/executor"
	"github.com/medgrid/autoscaler/internal/placement"
	"github.com/medgrid/autoscaler/internal/predictor"
	"github.com/medgrid/autoscaler/pkg/models"
)

// staticModel returns a fixed forecast, standing in for a trained model.
type staticModel struct {
	prediction models.Prediction
}

func (m staticModel) Name() string { return "static" }

func (m staticModel) Predict(ctx context.Context, service *models.Service, horizon time.Duration) (models.Prediction, error) {
	return m.prediction, nil
}

type harness struct {
	evaluator *evaluator.Evaluator
	ledger    *costgate.Ledger
	repo      *audit.MemoryRepository
	exec      *executor.SimExecutor
	composer  *Composer
}

type harnessOpts struct {
	budgetUsed float64
	stepDelay  time.Duration
	prediction *models.Prediction
	now        func() time.Time
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	eval := evaluator.New(evaluator.Config{DefaultConsecutive: 1, DefaultCooldown: time.Minute})

	ledger := costgate.NewLedger()
	ledger.RegisterBudget(models.Budget{
		ID:             "budget-1",
		ServiceIDs:     []string{"claims-processor"},
		Limit:          100,
		Utilization:    opts.budgetUsed,
		TimeframeStart: time.Now(),
		Timeframe:      30 * 24 * time.Hour,
		Enforced:       true,
	})
	ledger.RegisterProfile(models.CostProfile{
		ServiceID:      "claims-processor",
		UnitCostHourly: 10,
		Commitment:     models.CommitmentOnDemand,
		Currency:       "USD",
	})

	registry := placement.NewRegistry([]models.RegionProfile{{
		ID: "us-east", Capacity: 50, UsedCapacity: 5,
		HealthScore: 0.95, Tier: 1, ResidencyZone: "us",
		Certifications: []string{"hipaa"},
		CostMultiplier: 1.0,
	}})

	repo := audit.NewMemoryRepository()
	exec := executor.NewSim(opts.stepDelay)
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	var ensemble *predictor.Ensemble
	if opts.prediction != nil {
		ensemble = predictor.NewEnsemble(predictor.EnsembleConfig{
			Models: []predictor.Model{staticModel{prediction: *opts.prediction}},
		})
	}

	cfg := Config{
		TargetValue:       70,
		AutomaticRollback: true,
	}
	deps := Deps{
		Evaluator: eval,
		Ensemble:  ensemble,
		Gate:      costgate.NewGate(ledger, costgate.Config{}),
		Selector:  placement.NewSelector(registry, placement.Config{}),
		AuditLog:  audit.NewLog(repo, audit.Config{}),
		Publisher: events.NewPublisher(bus),
		Executor:  exec,
	}

	var comp *Composer
	if opts.now != nil {
		comp = NewWithClock(cfg, deps, opts.now)
	} else {
		comp = New(cfg, deps)
	}

	return &harness{
		evaluator: eval,
		ledger:    ledger,
		repo:      repo,
		exec:      exec,
		composer:  comp,
	}
}

func testService() *models.Service {
	return &models.Service{
		ID:              "claims-processor",
		Name:            "Claims Processor",
		Region:          "us-east",
		CurrentReplicas: 3,
		MinReplicas:     2,
		MaxReplicas:     10,
		ScaleUpCooldown: 10 * time.Minute,
	}
}

func scaleUpEval(value float64, severity models.Severity) models.Evaluation {
	return models.Evaluation{
		ServiceID:   "claims-processor",
		ThresholdID: "cpu-high",
		Metric:      "cpu_utilization",
		Value:       value,
		Breached:    true,
		Severity:    severity,
		Action:      models.ThresholdActionScaleUp,
		Reason:      "cpu_utilization breached scale-up bound",
	}
}

func cpuSamples(value float64) []models.MetricSample {
	return []models.MetricSample{{
		ServiceID: "claims-processor",
		Metric:    "cpu_utilization",
		Value:     value,
		Timestamp: time.Now(),
	}}
}

func (h *harness) entryFor(t *testing.T, decisionID string) models.DecisionLogEntry {
	t.Helper()
	entries, err := h.repo.Query(context.Background(), models.AuditFilter{})
	require.NoError(t, err)
	for _, e := range entries {
		if e.DecisionID == decisionID {
			return e
		}
	}
	t.Fatalf("no audit entry for decision %s", decisionID)
	return models.DecisionLogEntry{}
}

func TestComposeScaleUpFromThreshold(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	svc := testService()

	decision, err := h.composer.Compose(context.Background(), Request{
		Service:     svc,
		Evaluations: []models.Evaluation{scaleUpEval(85, models.SeverityLow)},
		Samples:     cpuSamples(85),
	})
	require.NoError(t, err)

	// 85 over a 70-per-replica target sizes 3 replicas up to 4.
	assert.Equal(t, models.ActionScaleUp, decision.Action)
	assert.Equal(t, 3, decision.FromReplicas)
	assert.Equal(t, 4, decision.ToReplicas)
	assert.Equal(t, models.StateApproved, decision.State)
	assert.False(t, decision.Emergency)
	require.NotEmpty(t, decision.Triggers)
	assert.Equal(t, "threshold", decision.Triggers[0].Type)

	// Exactly one audit entry exists for the decision.
	entry := h.entryFor(t, decision.ID)
	assert.Equal(t, models.StateApproved, entry.FinalState)
}

func TestComposeMaintainWithoutSignals(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	svc := testService()

	decision, err := h.composer.Compose(context.Background(), Request{
		Service: svc,
		Samples: cpuSamples(50),
	})
	require.NoError(t, err)

	assert.Equal(t, models.ActionMaintain, decision.Action)
	assert.Equal(t, svc.CurrentReplicas, decision.ToReplicas)
	assert.Equal(t, models.StateApproved, decision.State)
	assert.False(t, decision.ShouldExecute())
}

func TestComposeClampsToMaxReplicas(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	svc := testService()
	svc.CurrentReplicas = 9

	// 210 against a 70 target asks for far more than max allows.
	decision, err := h.composer.Compose(context.Background(), Request{
		Service:     svc,
		Evaluations: []models.Evaluation{scaleUpEval(210, models.SeverityHigh)},
		Samples:     cpuSamples(210),
		Urgency:     models.UrgencyHigh,
	})
	require.NoError(t, err)

	assert.Equal(t, 10, decision.ToReplicas)
	assert.LessOrEqual(t, decision.ToReplicas, svc.MaxReplicas)
	assert.GreaterOrEqual(t, decision.ToReplicas, svc.MinReplicas)
}

func TestComposeIdempotentWithinCooldown(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	svc := testService()

	req := Request{
		Service:     svc,
		Evaluations: []models.Evaluation{scaleUpEval(85, models.SeverityLow)},
		Samples:     cpuSamples(85),
	}

	first, err := h.composer.Compose(context.Background(), req)
	require.NoError(t, err)
	b, _ := h.ledger.Budget("budget-1")
	charged := b.Utilization
	assert.Greater(t, charged, 0.0)

	// Identical inputs inside the cooldown return the cached decision and
	// never touch the budget again.
	second, err := h.composer.Compose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	b, _ = h.ledger.Budget("budget-1")
	assert.Equal(t, charged, b.Utilization)
}

func TestComposeDeniedWhenBudgetExhausted(t *testing.T) {
	h := newHarness(t, harnessOpts{budgetUsed: 100})
	svc := testService()

	decision, err := h.composer.Compose(context.Background(), Request{
		Service:     svc,
		Evaluations: []models.Evaluation{scaleUpEval(85, models.SeverityHigh)},
		Samples:     cpuSamples(85),
		Urgency:     models.UrgencyHigh,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StateDenied, decision.State)
	assert.Equal(t, svc.CurrentReplicas, decision.ToReplicas)
	assert.False(t, decision.ShouldExecute())

	// The denial is audited with a high-impact safety assessment.
	entry := h.entryFor(t, decision.ID)
	assert.Equal(t, models.StateDenied, entry.FinalState)
	assert.Equal(t, models.SeverityHigh, entry.Safety.ImpactLevel)
}

func TestComposeCriticalBypassesBudget(t *testing.T) {
	h := newHarness(t, harnessOpts{budgetUsed: 100})
	svc := testService()

	// A real critical breach drives both the urgency derivation and the
	// +2 floor.
	th := models.Threshold{
		ID: "cpu-high", Metric: "cpu_utilization",
		ScaleUpValue: 80, Operator: models.OperatorGreaterThan,
		ConsecutiveBreaches: 1, Enabled: true,
	}
	eval := h.evaluator.Evaluate(svc.ID, th, &models.MetricSample{
		ServiceID: svc.ID, Metric: "cpu_utilization", Value: 170, Timestamp: time.Now(),
	})
	require.Equal(t, models.ThresholdActionScaleUp, eval.Action)
	require.Equal(t, models.SeverityCritical, eval.Severity)

	decision, err := h.composer.Compose(context.Background(), Request{
		Service:     svc,
		Evaluations: []models.Evaluation{eval},
		Samples:     cpuSamples(170),
	})
	require.NoError(t, err)

	assert.True(t, decision.Emergency)
	assert.Equal(t, models.StateApproved, decision.State)
	assert.NotEmpty(t, decision.Justification)
	// The critical floor guarantees at least +2.
	assert.GreaterOrEqual(t, decision.ToReplicas, svc.CurrentReplicas+2)

	// Emergency entries carry a system approval until a human reviews.
	entry := h.entryFor(t, decision.ID)
	require.NotNil(t, entry.Approval)
	assert.Equal(t, models.ApprovalSystem, entry.Approval.Kind)
	assert.True(t, entry.ComplianceClosed())
}

func TestExecuteCompletesDecision(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	svc := testService()

	decision, err := h.composer.Compose(context.Background(), Request{
		Service:     svc,
		Evaluations: []models.Evaluation{scaleUpEval(85, models.SeverityLow)},
		Samples:     cpuSamples(85),
	})
	require.NoError(t, err)
	require.True(t, decision.ShouldExecute())

	require.NoError(t, h.composer.Execute(context.Background(), svc, decision))

	require.Eventually(t, func() bool {
		return h.entryFor(t, decision.ID).FinalState == models.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 4, h.exec.Replicas(svc.ID))
	assert.False(t, h.composer.InFlight(svc.ID))

	// Execution steps landed on the audit record.
	entry := h.entryFor(t, decision.ID)
	require.NotEmpty(t, entry.Steps)
	assert.Equal(t, "accepted", entry.Steps[0].Phase)
}

func TestExecuteRejectsUntrackedDecision(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	svc := testService()

	rogue := &models.ScalingDecision{
		ID: "rogue", ServiceID: svc.ID,
		Action: models.ActionScaleUp, State: models.StateApproved,
		FromReplicas: 3, ToReplicas: 4,
	}
	err := h.composer.Execute(context.Background(), svc, rogue)
	assert.ErrorIs(t, err, ErrUnknownDecision)
}

func TestExecuteRejectsNonExecutable(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	svc := testService()

	decision, err := h.composer.Compose(context.Background(), Request{
		Service: svc,
		Samples: cpuSamples(50),
	})
	require.NoError(t, err)
	require.Equal(t, models.ActionMaintain, decision.Action)

	assert.ErrorIs(t, h.composer.Execute(context.Background(), svc, decision), ErrIllegalTransition)
}

func TestComposeFailsFastWhileExecuting(t *testing.T) {
	h := newHarness(t, harnessOpts{stepDelay: 200 * time.Millisecond})
	svc := testService()

	decision, err := h.composer.Compose(context.Background(), Request{
		Service:     svc,
		Evaluations: []models.Evaluation{scaleUpEval(85, models.SeverityLow)},
		Samples:     cpuSamples(85),
	})
	require.NoError(t, err)
	require.NoError(t, h.composer.Execute(context.Background(), svc, decision))

	_, err = h.composer.Compose(context.Background(), Request{
		Service: svc,
		Samples: cpuSamples(60),
	})
	assert.ErrorIs(t, err, ErrDecisionInProgress)
}

func TestExecuteRollsBackPartialFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	svc := testService()

	decision, err := h.composer.Compose(context.Background(), Request{
		Service:     svc,
		Evaluations: []models.Evaluation{scaleUpEval(160, models.SeverityHigh)},
		Samples:     cpuSamples(160),
		Urgency:     models.UrgencyHigh,
	})
	require.NoError(t, err)
	require.Greater(t, decision.ToReplicas, svc.CurrentReplicas+1)

	h.exec.FailNext(errors.New("control plane unavailable"))
	require.NoError(t, h.composer.Execute(context.Background(), svc, decision))

	require.Eventually(t, func() bool {
		return h.entryFor(t, decision.ID).FinalState == models.StateRolledBack
	}, 5*time.Second, 10*time.Millisecond)

	// The partial resize was reversed.
	assert.Equal(t, decision.FromReplicas, h.exec.Replicas(svc.ID))
	assert.False(t, h.composer.InFlight(svc.ID))

	entry := h.entryFor(t, decision.ID)
	var rolledBack bool
	for _, s := range entry.Steps {
		if s.Phase == "rollback" {
			rolledBack = true
		}
	}
	assert.True(t, rolledBack)
}

func TestEmergencySupersedesInFlightDecision(t *testing.T) {
	h := newHarness(t, harnessOpts{stepDelay: 200 * time.Millisecond})
	svc := testService()

	victim, err := h.composer.Compose(context.Background(), Request{
		Service:     svc,
		Evaluations: []models.Evaluation{scaleUpEval(160, models.SeverityHigh)},
		Samples:     cpuSamples(160),
		Urgency:     models.UrgencyHigh,
	})
	require.NoError(t, err)
	require.NoError(t, h.composer.Execute(context.Background(), svc, victim))
	require.True(t, h.composer.InFlight(svc.ID))

	successor, err := h.composer.Compose(context.Background(), Request{
		Service:     svc,
		Evaluations: []models.Evaluation{scaleUpEval(170, models.SeverityCritical)},
		Samples:     cpuSamples(170),
		Urgency:     models.UrgencyCritical,
	})
	require.NoError(t, err)
	assert.True(t, successor.Emergency)
	assert.NotEqual(t, victim.ID, successor.ID)

	// The victim is linked forward to its emergency successor.
	assert.Equal(t, successor.ID, victim.SupersededBy)

	// The cancelled execution lands as rolled back, not failed.
	require.Eventually(t, func() bool {
		return h.entryFor(t, victim.ID).FinalState == models.StateRolledBack
	}, 5*time.Second, 10*time.Millisecond)

	entry := h.entryFor(t, victim.ID)
	var superseded bool
	for _, s := range entry.Steps {
		if s.Phase == "superseded" {
			superseded = true
		}
	}
	assert.True(t, superseded)
}

func TestCooldownSuppressesRepeatActions(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	svc := testService()

	first, err := h.composer.Compose(context.Background(), Request{
		Service:     svc,
		Evaluations: []models.Evaluation{scaleUpEval(85, models.SeverityLow)},
		Samples:     cpuSamples(85),
	})
	require.NoError(t, err)
	require.Equal(t, models.ActionScaleUp, first.Action)
	require.Equal(t, models.StateApproved, first.State)

	// A fresh breach inside the cooldown window composes a new decision,
	// but the action is held to maintain.
	held, err := h.composer.Compose(context.Background(), Request{
		Service:     svc,
		Evaluations: []models.Evaluation{scaleUpEval(90, models.SeverityMedium)},
		Samples:     cpuSamples(90),
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, held.ID)
	assert.Equal(t, models.ActionMaintain, held.Action)
	assert.Equal(t, svc.CurrentReplicas, held.ToReplicas)
	assert.Contains(t, held.Reason, "cooldown active")

	// An emergency is never held back.
	urgent, err := h.composer.Compose(context.Background(), Request{
		Service:     svc,
		Evaluations: []models.Evaluation{scaleUpEval(170, models.SeverityCritical)},
		Samples:     cpuSamples(170),
		Urgency:     models.UrgencyCritical,
	})
	require.NoError(t, err)
	assert.True(t, urgent.Emergency)
	assert.Equal(t, models.ActionScaleUp, urgent.Action)
	assert.Equal(t, models.StateApproved, urgent.State)
}

func TestCooldownHoldsBindingPrediction(t *testing.T) {
	pred := models.Prediction{
		ServiceID:         "claims-processor",
		Metric:            "cpu_utilization",
		CreatedAt:         time.Now(),
		Value:             120,
		Confidence:        0.9,
		SuggestedReplicas: 6,
	}
	h := newHarness(t, harnessOpts{prediction: &pred})
	svc := testService()

	// The binding forecast widens the threshold target.
	first, err := h.composer.Compose(context.Background(), Request{
		Service:     svc,
		Evaluations: []models.Evaluation{scaleUpEval(85, models.SeverityLow)},
		Samples:     cpuSamples(85),
	})
	require.NoError(t, err)
	require.Equal(t, models.ActionScaleUp, first.Action)
	require.Equal(t, 6, first.ToReplicas)
	require.Equal(t, models.StateApproved, first.State)

	// Inside the cooldown the forecast still argues for more replicas, but
	// without an emergency the service holds.
	alert := models.Evaluation{
		ServiceID:   "claims-processor",
		ThresholdID: "latency-alert",
		Metric:      "latency_p99",
		Value:       300,
		Breached:    true,
		Severity:    models.SeverityLow,
		Action:      models.ThresholdActionAlert,
		Reason:      "latency_p99 above alert bound",
	}
	held, err := h.composer.Compose(context.Background(), Request{
		Service:     svc,
		Evaluations: []models.Evaluation{alert},
		Samples:     cpuSamples(60),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionMaintain, held.Action)
	assert.False(t, held.Emergency)
	assert.Equal(t, svc.CurrentReplicas, held.ToReplicas)
	assert.Contains(t, held.Reason, "cooldown active")
}

func TestPurgeExpiredDropsStaleCache(t *testing.T) {
	base := time.Now()
	var offset time.Duration
	h := newHarness(t, harnessOpts{now: func() time.Time { return base.Add(offset) }})
	svc := testService()

	req := Request{
		Service:     svc,
		Evaluations: []models.Evaluation{scaleUpEval(85, models.SeverityLow)},
		Samples:     cpuSamples(85),
	}
	first, err := h.composer.Compose(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, models.ActionScaleUp, first.Action)

	assert.Equal(t, 0, h.composer.PurgeExpired())

	// Past the 10 minute cooldown both the cached decision and the
	// cooldown mark are stale.
	offset = 11 * time.Minute
	assert.Equal(t, 2, h.composer.PurgeExpired())

	second, err := h.composer.Compose(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.ActionScaleUp, second.Action)
	assert.Equal(t, models.StateApproved, second.State)
}

func TestDeriveUrgency(t *testing.T) {
	tests := []struct {
		name     string
		breaches []models.Breach
		expected models.Urgency
	}{
		{"no breaches", nil, models.UrgencyLow},
		{"medium", []models.Breach{{Severity: models.SeverityMedium}}, models.UrgencyMedium},
		{"high wins over medium", []models.Breach{
			{Severity: models.SeverityMedium}, {Severity: models.SeverityHigh},
		}, models.UrgencyHigh},
		{"critical wins", []models.Breach{
			{Severity: models.SeverityHigh}, {Severity: models.SeverityCritical},
		}, models.UrgencyCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, deriveUrgency(tt.breaches))
		})
	}
}

func TestDominantAction(t *testing.T) {
	up := models.Evaluation{Action: models.ThresholdActionScaleUp, Severity: models.SeverityLow}
	down := models.Evaluation{Action: models.ThresholdActionScaleDown, Severity: models.SeverityHigh}

	// Scale-up beats scale-down regardless of severity.
	action, eval := dominantAction([]models.Evaluation{down, up})
	assert.Equal(t, models.ActionScaleUp, action)
	require.NotNil(t, eval)
	assert.Equal(t, models.ThresholdActionScaleUp, eval.Action)

	action, _ = dominantAction([]models.Evaluation{down})
	assert.Equal(t, models.ActionScaleDown, action)

	action, eval = dominantAction(nil)
	assert.Equal(t, models.ActionMaintain, action)
	assert.Nil(t, eval)
}
