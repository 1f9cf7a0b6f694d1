// Package orchestrator owns the per-service decision pipelines and the
// engine-wide housekeeping schedule: budget rollover, audit retention and
// the offline tuning pass.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medgrid/autoscaler/internal/audit"
	"github.com/medgrid/autoscaler/internal/collector"
	"github.com/medgrid/autoscaler/internal/composer"
	"github.com/medgrid/autoscaler/internal/costgate"
	"github.com/medgrid/autoscaler/internal/evaluator"
	"github.com/medgrid/autoscaler/internal/events"
	"github.com/medgrid/autoscaler/internal/logger"
	"github.com/medgrid/autoscaler/internal/optimizer"
	"github.com/medgrid/autoscaler/internal/predictor"
	"github.com/medgrid/autoscaler/internal/store"
	"github.com/medgrid/autoscaler/pkg/models"
)

type Config struct {
	SampleInterval    time.Duration
	DecideInterval    time.Duration
	RolloverInterval  time.Duration
	PurgeInterval     time.Duration
	TuneInterval      time.Duration
	SnapshotInterval  time.Duration
	SnapshotRetention time.Duration
	HistoryLength     int
	HistoryRetention  time.Duration
}

func (c *Config) defaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 10 * time.Second
	}
	if c.DecideInterval <= 0 {
		c.DecideInterval = 30 * time.Second
	}
	if c.RolloverInterval <= 0 {
		c.RolloverInterval = time.Hour
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = 24 * time.Hour
	}
	if c.TuneInterval <= 0 {
		c.TuneInterval = 6 * time.Hour
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Minute
	}
	if c.SnapshotRetention <= 0 {
		c.SnapshotRetention = 14 * 24 * time.Hour
	}
	if c.HistoryLength <= 0 {
		c.HistoryLength = 120
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 10 * time.Minute
	}
}

// SnapshotSink receives the summarized performance windows the optimizer
// later scores tuning candidates against.
type SnapshotSink interface {
	Insert(ctx context.Context, snap models.PerformanceSnapshot) error
}

// snapshotPurger is the optional retention side of a sink.
type snapshotPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Deps are the shared engine components every pipeline composes through.
type Deps struct {
	Evaluator *evaluator.Evaluator
	Composer  *composer.Composer
	Ensemble  *predictor.Ensemble
	Ledger    *costgate.Ledger
	AuditLog  *audit.Log
	Optimizer *optimizer.Optimizer
	Snapshots SnapshotSink
	Bus       *events.Bus
	Publisher *events.Publisher
}

type Orchestrator struct {
	config Config
	deps   Deps

	mu         sync.RWMutex
	pipelines  map[string]*Pipeline
	services   map[string]*models.Service
	thresholds map[string][]models.Threshold
	lastTuned  map[string]models.TunedParameters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, deps Deps) *Orchestrator {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		config:     cfg,
		deps:       deps,
		pipelines:  make(map[string]*Pipeline),
		services:   make(map[string]*models.Service),
		thresholds: make(map[string][]models.Threshold),
		lastTuned:  make(map[string]models.TunedParameters),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (o *Orchestrator) Start() error {
	logger.Info("Orchestrator starting")
	o.wg.Add(1)
	go o.housekeeping()
	return nil
}

func (o *Orchestrator) Stop() {
	logger.Info("Orchestrator stopping")

	o.mu.Lock()
	for serviceID, pipeline := range o.pipelines {
		logger.WithService(serviceID).Info("Stopping pipeline")
		pipeline.Stop()
	}
	o.pipelines = make(map[string]*Pipeline)
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.deps.Bus.Close()

	logger.Info("Orchestrator stopped")
}

// StartService spins up the decision pipeline for one service. onSample,
// when non-nil, observes every collected sample.
func (o *Orchestrator) StartService(service *models.Service, thresholds []models.Threshold, coll collector.Collector, onSample func(models.MetricSample)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.pipelines[service.ID]; exists {
		return fmt.Errorf("pipeline already exists for service %s", service.ID)
	}

	pipeline := NewPipeline(PipelineConfig{
		Service:        service,
		Thresholds:     thresholds,
		SampleInterval: o.config.SampleInterval,
		DecideInterval: o.config.DecideInterval,
		Collector:      coll,
		Evaluator:      o.deps.Evaluator,
		Composer:       o.deps.Composer,
		Publisher:      o.deps.Publisher,
		History:        store.NewRingBuffer(o.config.HistoryLength, o.config.HistoryRetention),
		OnSample:       onSample,
	})

	if err := pipeline.Start(); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}

	o.pipelines[service.ID] = pipeline
	o.services[service.ID] = service
	o.thresholds[service.ID] = thresholds
	logger.WithService(service.ID).Info("Service pipeline started")
	return nil
}

func (o *Orchestrator) StopService(serviceID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	pipeline, exists := o.pipelines[serviceID]
	if !exists {
		return fmt.Errorf("no pipeline for service %s", serviceID)
	}

	pipeline.Stop()
	delete(o.pipelines, serviceID)
	delete(o.services, serviceID)
	delete(o.thresholds, serviceID)
	delete(o.lastTuned, serviceID)
	logger.WithService(serviceID).Info("Service pipeline stopped")
	return nil
}

// History exposes a running service's sample buffer, typically to wire
// prediction models against it.
func (o *Orchestrator) History(serviceID string) (*store.RingBuffer, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.pipelines[serviceID]
	if !ok {
		return nil, false
	}
	return p.History(), true
}

func (o *Orchestrator) RunningServices() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ids := make([]string, 0, len(o.pipelines))
	for id, p := range o.pipelines {
		if p.IsRunning() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (o *Orchestrator) SubscribeEvents(eventType models.EventType) <-chan *models.Event {
	return o.deps.Bus.Subscribe(eventType)
}

func (o *Orchestrator) SubscribeAllEvents() <-chan *models.Event {
	return o.deps.Bus.SubscribeAll()
}

// housekeeping runs the slow engine-wide chores off the decision path.
func (o *Orchestrator) housekeeping() {
	defer o.wg.Done()

	rollover := time.NewTicker(o.config.RolloverInterval)
	purge := time.NewTicker(o.config.PurgeInterval)
	tune := time.NewTicker(o.config.TuneInterval)
	snapshot := time.NewTicker(o.config.SnapshotInterval)
	defer rollover.Stop()
	defer purge.Stop()
	defer tune.Stop()
	defer snapshot.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-rollover.C:
			o.rolloverBudgets()
		case <-purge.C:
			o.purgeAudit()
			o.purgeSnapshots()
			if n := o.deps.Composer.PurgeExpired(); n > 0 {
				logger.Debugf("Composer cache purge removed %d entries", n)
			}
		case <-tune.C:
			o.tuneServices()
		case <-snapshot.C:
			o.snapshotServices()
		}
	}
}

func (o *Orchestrator) rolloverBudgets() {
	rolled := o.deps.Ledger.Rollover()
	for _, id := range rolled {
		logger.Infof("Budget timeframe rolled over: %s", id)
	}
}

func (o *Orchestrator) purgeAudit() {
	removed, err := o.deps.AuditLog.Purge(o.ctx)
	if err != nil {
		logger.Errorf("Audit purge failed: %v", err)
		return
	}
	if removed > 0 {
		logger.Infof("Audit retention purge removed %d entries", removed)
	}
}

func (o *Orchestrator) purgeSnapshots() {
	purger, ok := o.deps.Snapshots.(snapshotPurger)
	if !ok {
		return
	}
	removed, err := purger.PurgeOlderThan(o.ctx, time.Now().Add(-o.config.SnapshotRetention))
	if err != nil {
		logger.Errorf("Snapshot purge failed: %v", err)
		return
	}
	if removed > 0 {
		logger.Infof("Snapshot retention purge removed %d windows", removed)
	}
}

// snapshotServices summarizes each running service's recent samples into
// performance windows and hands them to the snapshot sink, where the
// optimizer later reads them back.
func (o *Orchestrator) snapshotServices() {
	if o.deps.Snapshots == nil {
		return
	}

	to := time.Now()
	from := to.Add(-o.config.SnapshotInterval)

	o.mu.RLock()
	type target struct {
		service    *models.Service
		thresholds []models.Threshold
		history    *store.RingBuffer
	}
	targets := make([]target, 0, len(o.pipelines))
	for id, p := range o.pipelines {
		targets = append(targets, target{
			service:    o.services[id],
			thresholds: o.thresholds[id],
			history:    p.History(),
		})
	}
	o.mu.RUnlock()

	for _, t := range targets {
		for _, snap := range summarize(t.service, t.thresholds, t.history.Recent(""), from, to) {
			if err := o.deps.Snapshots.Insert(o.ctx, snap); err != nil {
				logger.WithService(t.service.ID).Errorf("Snapshot insert failed: %v", err)
			}
		}
	}
}

// summarize folds the samples within [from, to] into one snapshot per
// metric. Breach time is apportioned by the fraction of samples past an
// enabled scale-up bound.
func summarize(service *models.Service, thresholds []models.Threshold, samples []models.MetricSample, from, to time.Time) []models.PerformanceSnapshot {
	byMetric := make(map[string][]models.MetricSample)
	for _, s := range samples {
		if s.Timestamp.Before(from) || s.Timestamp.After(to) {
			continue
		}
		byMetric[s.Metric] = append(byMetric[s.Metric], s)
	}

	window := to.Sub(from)
	snaps := make([]models.PerformanceSnapshot, 0, len(byMetric))
	for metric, group := range byMetric {
		var sum, peak float64
		breached := 0
		for _, s := range group {
			sum += s.Value
			if s.Value > peak {
				peak = s.Value
			}
			for _, th := range thresholds {
				if th.Enabled && th.Metric == metric && th.Operator.Compare(s.Value, th.ScaleUpValue) {
					breached++
					break
				}
			}
		}
		snaps = append(snaps, models.PerformanceSnapshot{
			ServiceID:     service.ID,
			Metric:        metric,
			WindowStart:   from,
			WindowEnd:     to,
			AvgValue:      sum / float64(len(group)),
			PeakValue:     peak,
			Replicas:      service.CurrentReplicas,
			BreachSeconds: window.Seconds() * float64(breached) / float64(len(group)),
			ReplicaHours:  float64(service.CurrentReplicas) * window.Hours(),
			SampleCount:   len(group),
			SLACompliant:  breached == 0,
		})
	}
	return snaps
}

// tuneServices runs the offline optimizer per service and installs the
// results. Each pass climbs from the previously installed parameters, so
// tuning converges across passes instead of restarting. A service without
// enough history is skipped silently.
func (o *Orchestrator) tuneServices() {
	if o.deps.Optimizer == nil {
		return
	}

	o.mu.RLock()
	services := make([]*models.Service, 0, len(o.services))
	for _, svc := range o.services {
		services = append(services, svc)
	}
	o.mu.RUnlock()

	for _, svc := range services {
		o.mu.RLock()
		current, seeded := o.lastTuned[svc.ID]
		o.mu.RUnlock()
		if !seeded {
			current = models.TunedParameters{ServiceID: svc.ID}
		}
		tuned, err := o.deps.Optimizer.Tune(o.ctx, svc, current)
		if err != nil {
			logger.WithService(svc.ID).Debugf("Tuning skipped: %v", err)
			continue
		}
		o.mu.Lock()
		o.lastTuned[svc.ID] = *tuned
		o.mu.Unlock()
		o.deps.Evaluator.ApplyTuned(*tuned)
		if o.deps.Ensemble != nil {
			o.deps.Ensemble.SetFloor(svc.ID, tuned.PredictionFloor)
		}
	}
}

// TunedFor reports the last parameters installed for a service by the
// tuning pass.
func (o *Orchestrator) TunedFor(serviceID string) (models.TunedParameters, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.lastTuned[serviceID]
	return p, ok
}
