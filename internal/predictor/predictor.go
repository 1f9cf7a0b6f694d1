// Package predictor defines the forecasting contract. The composer
// depends only on the Model interface and the ensemble merge; model
// internals are replaceable without touching decision logic.
package predictor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/medgrid/autoscaler/internal/logger"
	"github.com/medgrid/autoscaler/internal/metrics"
	"github.com/medgrid/autoscaler/pkg/models"
)

var (
	ErrUnavailable  = errors.New("predictor unavailable")
	ErrNoModels     = errors.New("no prediction models configured")
	ErrInsufficient = errors.New("insufficient history for prediction")
)

// Model forecasts a service metric over a horizon.
type Model interface {
	Name() string
	Predict(ctx context.Context, service *models.Service, horizon time.Duration) (models.Prediction, error)
}

// Ensemble merges multiple model outputs via confidence-weighted averaging.
// Below the confidence floor the merged prediction is advisory only.
type Ensemble struct {
	models          []Model
	confidenceFloor float64
	timeout         time.Duration

	mu        sync.RWMutex
	perFloors map[string]float64 // tuned per-service overrides
}

type EnsembleConfig struct {
	Models          []Model
	ConfidenceFloor float64
	Timeout         time.Duration
}

func NewEnsemble(cfg EnsembleConfig) *Ensemble {
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = 0.7
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Ensemble{
		models:          cfg.Models,
		confidenceFloor: cfg.ConfidenceFloor,
		timeout:         cfg.Timeout,
		perFloors:       make(map[string]float64),
	}
}

func (e *Ensemble) ConfidenceFloor() float64 {
	return e.confidenceFloor
}

// FloorFor returns the confidence floor for a service, preferring a tuned
// per-service override.
func (e *Ensemble) FloorFor(serviceID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if f, ok := e.perFloors[serviceID]; ok {
		return f
	}
	return e.confidenceFloor
}

// SetFloor installs a tuned per-service confidence floor, picked up on the
// next prediction.
func (e *Ensemble) SetFloor(serviceID string, floor float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.perFloors[serviceID] = floor
}

// Result is the merged forecast plus whether it is binding for the merge
// rule or logged as advisory only.
type Result struct {
	Prediction models.Prediction
	Binding    bool
	Advisory   string
}

// Predict queries every model within the timeout bound and merges the
// answers. A dead or slow predictor degrades to an unavailable result; it
// never blocks the decision cycle indefinitely.
func (e *Ensemble) Predict(ctx context.Context, service *models.Service, horizon time.Duration) (Result, error) {
	if len(e.models) == 0 {
		return Result{}, ErrNoModels
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		pred models.Prediction
		err  error
	}
	results := make(chan outcome, len(e.models))

	for _, m := range e.models {
		go func(m Model) {
			pred, err := m.Predict(ctx, service, horizon)
			results <- outcome{pred: pred, err: err}
		}(m)
	}

	var preds []models.Prediction
	for range e.models {
		select {
		case <-ctx.Done():
			metrics.PredictorTimeouts.WithLabelValues(service.ID).Inc()
			if len(preds) == 0 {
				return Result{Advisory: "prediction unavailable"}, ErrUnavailable
			}
			return e.merge(service, horizon, preds), nil
		case out := <-results:
			if out.err != nil {
				logger.WithService(service.ID).Debugf("Model failed: %v", out.err)
				continue
			}
			preds = append(preds, out.pred)
		}
	}

	if len(preds) == 0 {
		return Result{Advisory: "prediction unavailable"}, ErrUnavailable
	}
	return e.merge(service, horizon, preds), nil
}

func (e *Ensemble) merge(service *models.Service, horizon time.Duration, preds []models.Prediction) Result {
	var weightSum, valueSum, replicaSum, confidenceSum float64
	for _, p := range preds {
		w := p.Confidence
		if w <= 0 {
			continue
		}
		weightSum += w
		valueSum += p.Value * w
		replicaSum += float64(p.SuggestedReplicas) * w
		confidenceSum += p.Confidence
	}

	merged := models.Prediction{
		ServiceID: service.ID,
		Metric:    preds[0].Metric,
		CreatedAt: preds[0].CreatedAt,
		Horizon:   horizon,
		ModelName: "ensemble",
	}
	if weightSum > 0 {
		merged.Value = valueSum / weightSum
		merged.SuggestedReplicas = int(replicaSum/weightSum + 0.5)
	}
	merged.Confidence = confidenceSum / float64(len(preds))

	floor := e.FloorFor(service.ID)
	res := Result{Prediction: merged}
	if merged.Confidence >= floor {
		res.Binding = true
	} else {
		res.Advisory = "below confidence floor"
		logger.WithService(service.ID).Debugf(
			"Prediction advisory only: confidence %.2f < floor %.2f",
			merged.Confidence, floor,
		)
	}
	return res
}
