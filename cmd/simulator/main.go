// Command simulator drives the full decision engine against scripted load
// phases with a simulated control plane, printing the decision trace. It
// runs entirely in memory; no database or metric source is required.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/medgrid/autoscaler/internal/audit"
	"github.com/medgrid/autoscaler/internal/collector"
	"github.com/medgrid/autoscaler/internal/composer"
	"github.com/medgrid/autoscaler/internal/costgate"
	"github.com/medgrid/autoscaler/internal/evaluator"
	"github.com/medgrid/autoscaler/internal/events"
	"github.com/medgrid/autoscaler/internal/executor"
	"github.com/medgrid/autoscaler/internal/logger"
	"github.com/medgrid/autoscaler/internal/optimizer"
	"github.com/medgrid/autoscaler/internal/orchestrator"
	"github.com/medgrid/autoscaler/internal/placement"
	"github.com/medgrid/autoscaler/internal/predictor"
	"github.com/medgrid/autoscaler/pkg/models"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type phase struct {
	name     string
	cpu      float64
	duration time.Duration
}

func run() error {
	logLevel := flag.String("log-level", "info", "log level")
	sampleEvery := flag.Duration("sample-interval", 2*time.Second, "sampling interval")
	decideEvery := flag.Duration("decide-interval", 5*time.Second, "decision poll interval")
	flag.Parse()

	logger.Setup(*logLevel, "development")
	logger.Info("Starting scaling scenario simulator")

	bus := events.NewBus(100)
	publisher := events.NewPublisher(bus)

	eval := evaluator.New(evaluator.Config{
		DefaultConsecutive: 2,
		DefaultCooldown:    10 * time.Second,
	})

	ledger := costgate.NewLedger()
	ledger.RegisterBudget(models.Budget{
		ID:             "budget-claims",
		Name:           "Claims platform monthly",
		ServiceIDs:     []string{"claims-processor"},
		Limit:          500,
		TimeframeStart: time.Now(),
		Timeframe:      30 * 24 * time.Hour,
		AlertThreshold: 0.8,
		Enforced:       true,
	})
	ledger.RegisterProfile(models.CostProfile{
		ServiceID:      "claims-processor",
		UnitCostHourly: 4.5,
		Commitment:     models.CommitmentOnDemand,
		Currency:       "USD",
	})
	gate := costgate.NewGate(ledger, costgate.Config{})

	registry := placement.NewRegistry([]models.RegionProfile{
		{
			ID: "us-east", Name: "US East", Capacity: 40, UsedCapacity: 10,
			HealthScore: 0.95, Tier: 1, ResidencyZone: "us",
			Certifications: []string{"hipaa", "hitrust"},
			CostMultiplier: 1.0,
			LatencyMs:      map[string]float64{"us-west": 65},
		},
		{
			ID: "us-west", Name: "US West", Capacity: 40, UsedCapacity: 20,
			HealthScore: 0.9, Tier: 1, ResidencyZone: "us",
			Certifications: []string{"hipaa", "hitrust"},
			CostMultiplier: 1.1,
			LatencyMs:      map[string]float64{"us-east": 65},
		},
	})
	selector := placement.NewSelector(registry, placement.Config{})

	auditLog := audit.NewLog(audit.NewMemoryRepository(), audit.Config{})

	coll := collector.NewStatic()
	exec := executor.NewSim(500 * time.Millisecond)

	var orch *orchestrator.Orchestrator
	history := func(serviceID, metric string) []models.MetricSample {
		if rb, ok := orch.History(serviceID); ok {
			return rb.Recent(metric)
		}
		return nil
	}
	ensemble := predictor.NewEnsemble(predictor.EnsembleConfig{
		Models: []predictor.Model{
			predictor.NewLinearModel("cpu_utilization", 70, history),
		},
	})

	comp := composer.New(composer.Config{
		TargetValue:       70,
		AutomaticRollback: true,
	}, composer.Deps{
		Evaluator: eval,
		Ensemble:  ensemble,
		Gate:      gate,
		Selector:  selector,
		AuditLog:  auditLog,
		Publisher: publisher,
		Executor:  exec,
	})

	snapshots := optimizer.NewMemorySnapshots()
	opt := optimizer.New(optimizer.Config{MinSnapshots: 1}, auditLog, snapshots, publisher)

	orch = orchestrator.New(orchestrator.Config{
		SampleInterval:   *sampleEvery,
		DecideInterval:   *decideEvery,
		SnapshotInterval: 30 * time.Second,
	}, orchestrator.Deps{
		Evaluator: eval,
		Composer:  comp,
		Ensemble:  ensemble,
		Ledger:    ledger,
		AuditLog:  auditLog,
		Optimizer: opt,
		Snapshots: snapshots,
		Bus:       bus,
		Publisher: publisher,
	})

	stream := orch.SubscribeAllEvents()
	go func() {
		for event := range stream {
			fmt.Printf("[%s] %-22s %s\n",
				event.Timestamp.Format("15:04:05"), event.Type, event.Message)
		}
	}()

	if err := orch.Start(); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	service := &models.Service{
		ID:              "claims-processor",
		Name:            "Claims Processor",
		Region:          "us-east",
		CurrentReplicas: 3,
		MinReplicas:     2,
		MaxReplicas:     12,
		ScaleUpCooldown: 10 * time.Second,
		ResidencyZones:  []string{"us"},
		RequiredCerts:   []string{"hipaa"},
	}
	thresholds := []models.Threshold{{
		ID:                  "cpu-high",
		Metric:              "cpu_utilization",
		ScaleUpValue:        80,
		ScaleDownValue:      30,
		Operator:            models.OperatorGreaterThan,
		ConsecutiveBreaches: 2,
		Cooldown:            10 * time.Second,
		Enabled:             true,
	}}

	coll.SetValue(service.ID, "cpu_utilization", 55)
	if err := orch.StartService(service, thresholds, coll, nil); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	phases := []phase{
		{"Normal operation", 55, 15 * time.Second},
		{"Sustained high load", 85, 20 * time.Second},
		{"Critical overload", 145, 15 * time.Second},
		{"Recovery", 45, 15 * time.Second},
	}

	for _, ph := range phases {
		logger.Infof("=== Phase: %s (cpu %.0f%%, %s) ===", ph.name, ph.cpu, ph.duration)
		coll.SetValue(service.ID, "cpu_utilization", ph.cpu)
		time.Sleep(ph.duration)
	}

	entries, err := auditLog.Query(context.Background(), models.AuditFilter{ServiceID: service.ID})
	if err == nil {
		logger.Infof("=== Decision trace: %d audited decisions ===", len(entries))
		for _, e := range entries {
			fmt.Printf("%s  %-10s %d -> %-2d  state=%-11s emergency=%v  %s\n",
				e.CreatedAt.Format("15:04:05"),
				e.Decision.Action, e.Decision.FromReplicas, e.Decision.ToReplicas,
				e.FinalState, e.Decision.Emergency, e.Decision.Reason)
		}
	}

	logger.Infof("Final replica count: %d", exec.Replicas(service.ID))
	orch.Stop()
	return nil
}
