package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medgrid/autoscaler/internal/audit"
	"github.com/medgrid/autoscaler/internal/collector"
	"github.com/medgrid/autoscaler/internal/composer"
	"github.com/medgrid/autoscaler/internal/costgate"
	"github.com/medgrid/autoscaler/internal/evaluator"
	"github.com/medgrid/autoscaler/internal/events"
	"github.com/medgrid/autoscaler/internal/executor"
	"github.com/medgrid/autoscaler/internal/optimizer"
	"github.com/medgrid/autoscaler/internal/placement"
	"github.com/medgrid/autoscaler/pkg/models"
)

type engine struct {
	orch *Orchestrator
	coll *collector.StaticCollector
	exec *executor.SimExecutor
	repo *audit.MemoryRepository
	eval *evaluator.Evaluator
	sink *optimizer.MemorySnapshots
}

func newEngine(t *testing.T, cfg Config) *engine {
	return newEngineTuned(t, cfg, optimizer.Config{MinSnapshots: 1})
}

func newEngineTuned(t *testing.T, cfg Config, optCfg optimizer.Config) *engine {
	t.Helper()

	eval := evaluator.New(evaluator.Config{DefaultConsecutive: 1, DefaultCooldown: time.Minute})

	ledger := costgate.NewLedger()
	ledger.RegisterBudget(models.Budget{
		ID:             "budget-1",
		ServiceIDs:     []string{"claims-processor"},
		Limit:          500,
		TimeframeStart: time.Now(),
		Timeframe:      30 * 24 * time.Hour,
		Enforced:       true,
	})
	ledger.RegisterProfile(models.CostProfile{
		ServiceID:      "claims-processor",
		UnitCostHourly: 4.5,
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
	auditLog := audit.NewLog(repo, audit.Config{})
	exec := executor.NewSim(0)
	bus := events.NewBus(64)
	publisher := events.NewPublisher(bus)

	comp := composer.New(composer.Config{
		TargetValue:       70,
		AutomaticRollback: true,
	}, composer.Deps{
		Evaluator: eval,
		Gate:      costgate.NewGate(ledger, costgate.Config{}),
		Selector:  placement.NewSelector(registry, placement.Config{}),
		AuditLog:  auditLog,
		Publisher: publisher,
		Executor:  exec,
	})

	sink := optimizer.NewMemorySnapshots()
	opt := optimizer.New(optCfg, auditLog, sink, publisher)

	orch := New(cfg, Deps{
		Evaluator: eval,
		Composer:  comp,
		Ledger:    ledger,
		AuditLog:  auditLog,
		Optimizer: opt,
		Snapshots: sink,
		Bus:       bus,
		Publisher: publisher,
	})
	require.NoError(t, orch.Start())
	t.Cleanup(orch.Stop)

	coll := collector.NewStatic()
	return &engine{orch: orch, coll: coll, exec: exec, repo: repo, eval: eval, sink: sink}
}

func engineService() *models.Service {
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

func engineThresholds() []models.Threshold {
	return []models.Threshold{{
		ID:                  "cpu-high",
		Metric:              "cpu_utilization",
		ScaleUpValue:        80,
		ScaleDownValue:      30,
		Operator:            models.OperatorGreaterThan,
		ConsecutiveBreaches: 1,
		Cooldown:            10 * time.Minute,
		Enabled:             true,
	}}
}

func TestStartServiceRejectsDuplicate(t *testing.T) {
	eng := newEngine(t, Config{SampleInterval: time.Hour, DecideInterval: time.Hour})
	svc := engineService()

	require.NoError(t, eng.orch.StartService(svc, engineThresholds(), eng.coll, nil))
	err := eng.orch.StartService(svc, engineThresholds(), eng.coll, nil)
	assert.ErrorContains(t, err, "pipeline already exists")

	assert.Equal(t, []string{"claims-processor"}, eng.orch.RunningServices())
}

func TestStopServiceRemovesPipeline(t *testing.T) {
	eng := newEngine(t, Config{SampleInterval: time.Hour, DecideInterval: time.Hour})

	require.NoError(t, eng.orch.StartService(engineService(), engineThresholds(), eng.coll, nil))
	_, ok := eng.orch.History("claims-processor")
	assert.True(t, ok)

	require.NoError(t, eng.orch.StopService("claims-processor"))
	assert.Empty(t, eng.orch.RunningServices())
	_, ok = eng.orch.History("claims-processor")
	assert.False(t, ok)

	assert.ErrorContains(t, eng.orch.StopService("claims-processor"), "no pipeline")
}

func TestPipelineRecordsHistoryAndNotifiesObserver(t *testing.T) {
	eng := newEngine(t, Config{SampleInterval: 20 * time.Millisecond, DecideInterval: time.Hour})
	eng.coll.SetValue("claims-processor", "cpu_utilization", 55)

	var mu sync.Mutex
	observed := 0
	onSample := func(models.MetricSample) {
		mu.Lock()
		observed++
		mu.Unlock()
	}

	require.NoError(t, eng.orch.StartService(engineService(), engineThresholds(), eng.coll, onSample))

	require.Eventually(t, func() bool {
		history, ok := eng.orch.History("claims-processor")
		return ok && len(history.Recent("cpu_utilization")) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, observed, 2)
}

func TestPipelineScalesUpOnBreach(t *testing.T) {
	eng := newEngine(t, Config{SampleInterval: 20 * time.Millisecond, DecideInterval: time.Hour})
	eng.coll.SetValue("claims-processor", "cpu_utilization", 85)

	require.NoError(t, eng.orch.StartService(engineService(), engineThresholds(), eng.coll, nil))

	// The breach kicks an immediate decide cycle; the hour-long poll never
	// fires inside the test window.
	require.Eventually(t, func() bool {
		return eng.exec.Replicas("claims-processor") == 4
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		entries, err := eng.repo.Query(context.Background(), models.AuditFilter{
			ServiceID: "claims-processor",
		})
		if err != nil || len(entries) == 0 {
			return false
		}
		return entries[0].Decision.State == models.StateCompleted
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPipelineSurvivesCollectorFailure(t *testing.T) {
	eng := newEngine(t, Config{SampleInterval: 20 * time.Millisecond, DecideInterval: time.Hour})
	eng.coll.SetValue("claims-processor", "cpu_utilization", 55)
	eng.coll.Fail(errSampleDown)

	require.NoError(t, eng.orch.StartService(engineService(), engineThresholds(), eng.coll, nil))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"claims-processor"}, eng.orch.RunningServices())

	// Recovery resumes sampling on the next tick.
	eng.coll.Fail(nil)
	require.Eventually(t, func() bool {
		history, ok := eng.orch.History("claims-processor")
		return ok && len(history.Recent("cpu_utilization")) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshotHousekeepingFeedsOptimizer(t *testing.T) {
	eng := newEngine(t, Config{
		SampleInterval:   20 * time.Millisecond,
		DecideInterval:   time.Hour,
		SnapshotInterval: time.Minute,
	})
	eng.coll.SetValue("claims-processor", "cpu_utilization", 55)

	require.NoError(t, eng.orch.StartService(engineService(), engineThresholds(), eng.coll, nil))
	require.Eventually(t, func() bool {
		history, ok := eng.orch.History("claims-processor")
		return ok && len(history.Recent("cpu_utilization")) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	eng.orch.snapshotServices()

	snaps := eng.sink.All()
	require.NotEmpty(t, snaps)
	snap := snaps[0]
	assert.Equal(t, "claims-processor", snap.ServiceID)
	assert.Equal(t, "cpu_utilization", snap.Metric)
	assert.InDelta(t, 55, snap.AvgValue, 0.001)
	assert.GreaterOrEqual(t, snap.SampleCount, 3)
	assert.Equal(t, 3, snap.Replicas)
	assert.True(t, snap.SLACompliant)
	assert.Zero(t, snap.BreachSeconds)

	// The tuning pass scores against the realized windows and installs the
	// winner.
	tuned := eng.orch.SubscribeEvents(models.EventTypeParametersTuned)
	eng.orch.tuneServices()

	select {
	case ev := <-tuned:
		assert.Equal(t, "claims-processor", ev.ServiceID)
	case <-time.After(2 * time.Second):
		t.Fatal("no tuning event published")
	}

	params, ok := eng.orch.TunedFor("claims-processor")
	require.True(t, ok)
	assert.Equal(t, 1, params.ConsecutiveBreaches)
	assert.Equal(t, 30*time.Second, params.Cooldown)

	// A calm week tunes the debounce down to a single breach; a threshold
	// asking for three now binds on the first.
	spike := models.Threshold{
		ID:                  "cpu-spike",
		Metric:              "cpu_utilization",
		ScaleUpValue:        80,
		Operator:            models.OperatorGreaterThan,
		ConsecutiveBreaches: 3,
		Enabled:             true,
	}
	eval := eng.eval.Evaluate("claims-processor", spike, &models.MetricSample{
		ServiceID: "claims-processor", Metric: "cpu_utilization", Value: 90, Timestamp: time.Now(),
	})
	assert.Equal(t, models.ThresholdActionScaleUp, eval.Action)
}

func TestSummarizeApportionsBreachTime(t *testing.T) {
	svc := engineService()
	to := time.Now()
	from := to.Add(-time.Minute)

	sample := func(value float64, age time.Duration) models.MetricSample {
		return models.MetricSample{
			ServiceID: svc.ID,
			Metric:    "cpu_utilization",
			Value:     value,
			Timestamp: to.Add(-age),
		}
	}
	samples := []models.MetricSample{
		sample(60, 50*time.Second),
		sample(90, 40*time.Second),
		sample(95, 30*time.Second),
		sample(70, 20*time.Second),
		sample(99, 5*time.Minute), // outside the window, ignored
	}

	snaps := summarize(svc, engineThresholds(), samples, from, to)
	require.Len(t, snaps, 1)

	snap := snaps[0]
	assert.Equal(t, 4, snap.SampleCount)
	assert.InDelta(t, 78.75, snap.AvgValue, 0.001)
	assert.InDelta(t, 95, snap.PeakValue, 0.001)
	// Two of four samples breached the 80 bound over a 60 second window.
	assert.InDelta(t, 30, snap.BreachSeconds, 0.001)
	assert.False(t, snap.SLACompliant)
	assert.Equal(t, svc.CurrentReplicas, snap.Replicas)
	assert.InDelta(t, float64(svc.CurrentReplicas)/60.0, snap.ReplicaHours, 0.001)
}

func TestTuneCarriesForwardPreviousParameters(t *testing.T) {
	eng := newEngineTuned(t,
		Config{SampleInterval: 20 * time.Millisecond, DecideInterval: time.Hour},
		optimizer.Config{MinSnapshots: 1, MaxIterations: 1},
	)
	eng.coll.SetValue("claims-processor", "cpu_utilization", 55)

	require.NoError(t, eng.orch.StartService(engineService(), engineThresholds(), eng.coll, nil))
	require.Eventually(t, func() bool {
		history, ok := eng.orch.History("claims-processor")
		return ok && len(history.Recent("cpu_utilization")) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	eng.orch.snapshotServices()
	require.NotEmpty(t, eng.sink.All())

	eng.orch.mu.Lock()
	eng.orch.lastTuned["claims-processor"] = models.TunedParameters{
		ServiceID:           "claims-processor",
		ConsecutiveBreaches: 5,
		Cooldown:            5 * time.Minute,
		PredictionFloor:     0.7,
	}
	eng.orch.mu.Unlock()

	// Each single-iteration pass moves one hill-climb step from the last
	// installed parameters.
	eng.orch.tuneServices()
	first, ok := eng.orch.TunedFor("claims-processor")
	require.True(t, ok)
	assert.Equal(t, 4, first.ConsecutiveBreaches)
	assert.Equal(t, 5*time.Minute, first.Cooldown)

	eng.orch.tuneServices()
	second, ok := eng.orch.TunedFor("claims-processor")
	require.True(t, ok)
	assert.Equal(t, 3, second.ConsecutiveBreaches)
	assert.Equal(t, 5*time.Minute, second.Cooldown)
}

var errSampleDown = errors.New("collector endpoint down")
