package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

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
	"github.com/medgrid/autoscaler/pkg/config"
	"github.com/medgrid/autoscaler/pkg/database"
	"github.com/medgrid/autoscaler/pkg/database/queries"
	"github.com/medgrid/autoscaler/pkg/models"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Setup(cfg.App.LogLevel, cfg.App.Mode)
	logger.Infof("Starting %s in %s mode", cfg.App.Name, cfg.App.Mode)

	db, err := database.New(cfg.Database.ToDBConfig())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	if *migrate {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		logger.Info("Running database migrations")
		if err := database.NewMigrator(db).Run(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("Migrations completed successfully")
		return nil
	}

	orch, coll, seasonal, err := buildEngine(cfg, db)
	if err != nil {
		return err
	}

	if err := orch.Start(); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	// Event feed into the structured log.
	eventChan := orch.SubscribeAllEvents()
	go func() {
		for event := range eventChan {
			logger.WithService(event.ServiceID).Debugf("[%s] %s", event.Type, event.Message)
		}
	}()

	for _, svcCfg := range cfg.Services {
		service := svcCfg.ToService()
		if err := orch.StartService(service, svcCfg.ToThresholds(), coll, seasonal.Observe); err != nil {
			return fmt.Errorf("starting service %s: %w", service.ID, err)
		}
	}

	var metricsServer *http.Server
	if cfg.Prometheus.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Prometheus.Port),
			Handler: mux,
		}
		go func() {
			logger.Infof("Metrics server listening on port %d", cfg.Prometheus.Port)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("Metrics server error: %v", err)
			}
		}()
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdownChan
	logger.Infof("Received signal %v, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Metrics server shutdown error: %v", err)
		}
	}
	orch.Stop()

	logger.Info("Engine stopped gracefully")
	return nil
}

// buildEngine assembles the decision pipeline components from config.
func buildEngine(cfg *config.Config, db *database.DB) (*orchestrator.Orchestrator, collector.Collector, *predictor.SeasonalModel, error) {
	bus := events.NewBus(cfg.Events.BufferSize)
	publisher := events.NewPublisher(bus)

	eval := evaluator.New(evaluator.Config{
		DefaultConsecutive: cfg.Evaluator.DefaultConsecutive,
		DefaultCooldown:    cfg.Evaluator.DefaultCooldown,
	})

	ledger := costgate.NewLedger()
	now := time.Now()
	for _, b := range cfg.Budgets {
		ledger.RegisterBudget(b.ToBudget(now))
	}
	for _, svc := range cfg.Services {
		if svc.UnitCostHourly > 0 {
			ledger.RegisterProfile(svc.ToCostProfile())
		}
	}
	gate := costgate.NewGate(ledger, costgate.Config{
		ROIFloor:            cfg.Decision.ROIFloor,
		DefaultChargeWindow: cfg.Decision.ChargeWindow,
	})

	regions := make([]models.RegionProfile, 0, len(cfg.Regions))
	for _, r := range cfg.Regions {
		regions = append(regions, r.ToRegionProfile())
	}
	registry := placement.NewRegistry(regions)
	selector := placement.NewSelector(registry, placement.Config{
		FailureFloor: cfg.Placement.FailureFloor,
	})

	auditRepo := queries.NewAuditRepository(db.DB)
	auditLog := audit.NewLog(auditRepo, audit.Config{Retention: cfg.Audit.Retention})

	var orch *orchestrator.Orchestrator
	history := func(serviceID, metric string) []models.MetricSample {
		if rb, ok := orch.History(serviceID); ok {
			return rb.Recent(metric)
		}
		return nil
	}

	seasonal := predictor.NewSeasonalModel("cpu_utilization", cfg.Predictor.TargetValue)
	var ensemble *predictor.Ensemble
	if cfg.Predictor.Enabled {
		ensemble = predictor.NewEnsemble(predictor.EnsembleConfig{
			Models: []predictor.Model{
				predictor.NewLinearModel("cpu_utilization", cfg.Predictor.TargetValue, history),
				seasonal,
			},
			ConfidenceFloor: cfg.Predictor.ConfidenceFloor,
			Timeout:         cfg.Predictor.Timeout,
		})
	}

	// The executor boundary hides the control plane; the shipped
	// implementation simulates replica provisioning.
	exec := executor.NewSim(2 * time.Second)

	comp := composer.New(composer.Config{
		MaxScaleStep:       cfg.Decision.MaxScaleStep,
		TargetValue:        cfg.Decision.TargetValue,
		CriticalFloorDelta: cfg.Decision.CriticalFloorDelta,
		PredictionHorizon:  cfg.Predictor.Horizon,
		AutomaticRollback:  cfg.Decision.AutomaticRollback,
	}, composer.Deps{
		Evaluator: eval,
		Ensemble:  ensemble,
		Gate:      gate,
		Selector:  selector,
		AuditLog:  auditLog,
		Publisher: publisher,
		Executor:  exec,
	})

	snapshots := queries.NewSnapshotRepository(db.DB)
	var opt *optimizer.Optimizer
	if cfg.Optimizer.Enabled {
		opt = optimizer.New(optimizer.Config{
			Window:            cfg.Optimizer.Window,
			MinSnapshots:      cfg.Optimizer.MinSnapshots,
			TargetUtilization: cfg.Optimizer.TargetUtilization,
		}, auditLog, snapshots, publisher)
	}

	orch = orchestrator.New(orchestrator.Config{
		SampleInterval:    cfg.Collector.Interval,
		DecideInterval:    cfg.Decision.Interval,
		PurgeInterval:     cfg.Audit.PurgeInterval,
		TuneInterval:      cfg.Optimizer.Interval,
		SnapshotInterval:  cfg.Optimizer.SnapshotInterval,
		SnapshotRetention: cfg.Optimizer.SnapshotRetention,
		HistoryLength:     cfg.Evaluator.HistoryLength,
		HistoryRetention:  cfg.Evaluator.HistoryRetention,
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

	coll := buildCollector(cfg)
	return orch, coll, seasonal, nil
}

func buildCollector(cfg *config.Config) collector.Collector {
	base := collector.NewStatic()
	return collector.NewResilient(collector.ResilientConfig{
		Collector:     base,
		MaxFailures:   cfg.Collector.CircuitBreaker.MaxFailures,
		BreakerReset:  cfg.Collector.CircuitBreaker.Timeout,
		RetryAttempts: cfg.Collector.RetryAttempts,
	})
}
