package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/medgrid/autoscaler/internal/collector"
	"github.com/medgrid/autoscaler/internal/composer"
	"github.com/medgrid/autoscaler/internal/evaluator"
	"github.com/medgrid/autoscaler/internal/events"
	"github.com/medgrid/autoscaler/internal/logger"
	"github.com/medgrid/autoscaler/internal/store"
	"github.com/medgrid/autoscaler/pkg/models"
)

type PipelineConfig struct {
	Service        *models.Service
	Thresholds     []models.Threshold
	SampleInterval time.Duration
	DecideInterval time.Duration
	Collector      collector.Collector
	Evaluator      *evaluator.Evaluator
	Composer       *composer.Composer
	Publisher      *events.Publisher
	History        *store.RingBuffer

	// OnSample, when set, observes every collected sample; prediction
	// models that learn online hook in here.
	OnSample func(models.MetricSample)
}

// Pipeline runs one service's sample-evaluate-decide loop. Sampling ticks
// on its own interval; composition runs on a slower poll and immediately
// when an evaluation triggers a scaling action. Both paths funnel through
// the composer's in-flight guard.
type Pipeline struct {
	config  PipelineConfig
	ctx     context.Context
	cancel  context.CancelFunc
	kick    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	evalMu    sync.Mutex
	lastEvals []models.Evaluation
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 10 * time.Second
	}
	if cfg.DecideInterval <= 0 {
		cfg.DecideInterval = 30 * time.Second
	}
	if cfg.History == nil {
		cfg.History = store.NewRingBuffer(120, 10*time.Minute)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
	}
}

func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.wg.Add(2)
	go p.sampleLoop()
	go p.decideLoop()

	logger.WithService(p.config.Service.ID).Info("Pipeline started")
	return nil
}

func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	logger.WithService(p.config.Service.ID).Info("Pipeline stopped")
}

func (p *Pipeline) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// History exposes the sample buffer so prediction models can read it.
func (p *Pipeline) History() *store.RingBuffer {
	return p.config.History
}

func (p *Pipeline) sampleLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.SampleInterval)
	defer ticker.Stop()

	p.sampleCycle()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sampleCycle()
		}
	}
}

func (p *Pipeline) decideLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.DecideInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.decideCycle()
		case <-p.kick:
			p.decideCycle()
		}
	}
}

// sampleCycle fetches fresh samples and evaluates every threshold. A
// collection failure evaluates thresholds against no sample; silence is a
// signal, not a stop.
func (p *Pipeline) sampleCycle() {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.SampleInterval)
	defer cancel()

	service := p.config.Service

	samples, err := p.config.Collector.Sample(ctx, service.ID)
	if err != nil {
		logger.WithService(service.ID).Errorf("Collection failed: %v", err)
		p.config.Publisher.Error(service.ID, "metric collection failed", err)
	}
	p.config.History.Append(samples...)
	if p.config.OnSample != nil {
		for _, s := range samples {
			p.config.OnSample(s)
		}
	}

	byMetric := make(map[string]*models.MetricSample, len(samples))
	for i := range samples {
		byMetric[samples[i].Metric] = &samples[i]
	}

	urgent := false
	evaluations := make([]models.Evaluation, 0, len(p.config.Thresholds))
	for _, threshold := range p.config.Thresholds {
		eval := p.config.Evaluator.Evaluate(service.ID, threshold, byMetric[threshold.Metric])
		evaluations = append(evaluations, eval)
		if eval.Action == models.ThresholdActionScaleUp || eval.Action == models.ThresholdActionScaleDown {
			urgent = true
		}
	}

	p.evalMu.Lock()
	p.lastEvals = evaluations
	p.evalMu.Unlock()

	if urgent {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
}

// decideCycle runs one composition and, when it yields an executable
// directive, hands it to the executor.
func (p *Pipeline) decideCycle() {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.DecideInterval)
	defer cancel()

	service := p.config.Service

	// Evaluation state advances only in the sample loop; composing reuses
	// the latest outcomes so debounce counters are not double-stepped.
	samples := p.config.History.Recent("")
	p.evalMu.Lock()
	evaluations := make([]models.Evaluation, len(p.lastEvals))
	copy(evaluations, p.lastEvals)
	p.evalMu.Unlock()

	decision, err := p.config.Composer.Compose(ctx, composer.Request{
		Service:     service,
		Evaluations: evaluations,
		Samples:     samples,
	})
	if err != nil {
		if errors.Is(err, composer.ErrDecisionInProgress) {
			logger.WithService(service.ID).Debug("Decision cycle skipped: execution in flight")
			return
		}
		logger.WithService(service.ID).Errorf("Composition failed: %v", err)
		p.config.Publisher.Error(service.ID, "decision composition failed", err)
		return
	}

	if !decision.ShouldExecute() {
		return
	}
	if err := p.config.Composer.Execute(ctx, service, decision); err != nil {
		if !errors.Is(err, composer.ErrDecisionInProgress) {
			logger.WithDecision(service.ID, decision.ID).Errorf("Execution failed to start: %v", err)
		}
	}
}
