package predictor

import (
	"context"
	"time"

	"github.com/medgrid/autoscaler/pkg/models"
)

// HistoryFunc supplies the retained samples for a service, oldest first.
type HistoryFunc func(serviceID, metric string) []models.MetricSample

// LinearModel extrapolates a least-squares trend over retained history.
// Confidence comes from the fit quality, never from synthetic randomness.
type LinearModel struct {
	metric    string
	targetPer float64 // metric units one replica absorbs
	history   HistoryFunc
	now       func() time.Time
}

func NewLinearModel(metric string, targetPerReplica float64, history HistoryFunc) *LinearModel {
	return &LinearModel{
		metric:    metric,
		targetPer: targetPerReplica,
		history:   history,
		now:       time.Now,
	}
}

func (m *LinearModel) Name() string { return "linear" }

func (m *LinearModel) Predict(ctx context.Context, service *models.Service, horizon time.Duration) (models.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return models.Prediction{}, err
	}

	samples := m.history(service.ID, m.metric)
	if len(samples) < 3 {
		return models.Prediction{}, ErrInsufficient
	}

	// Least squares over (seconds since first sample, value).
	t0 := samples[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(samples))
	for _, s := range samples {
		x := s.Timestamp.Sub(t0).Seconds()
		sumX += x
		sumY += s.Value
		sumXY += x * s.Value
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return models.Prediction{}, ErrInsufficient
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	atX := m.now().Add(horizon).Sub(t0).Seconds()
	predicted := intercept + slope*atX
	if predicted < 0 {
		predicted = 0
	}

	// Confidence from residual spread around the fitted line.
	var sqErr, sqTot float64
	meanY := sumY / n
	for _, s := range samples {
		x := s.Timestamp.Sub(t0).Seconds()
		fit := intercept + slope*x
		sqErr += (s.Value - fit) * (s.Value - fit)
		sqTot += (s.Value - meanY) * (s.Value - meanY)
	}
	confidence := 0.5
	if sqTot > 0 {
		r2 := 1 - sqErr/sqTot
		if r2 < 0 {
			r2 = 0
		}
		confidence = 0.3 + 0.6*r2
	}

	return models.Prediction{
		ServiceID:         service.ID,
		Metric:            m.metric,
		CreatedAt:         m.now(),
		Horizon:           horizon,
		Value:             predicted,
		Confidence:        confidence,
		SuggestedReplicas: m.suggestReplicas(service, predicted),
		ModelName:         m.Name(),
	}, nil
}

func (m *LinearModel) suggestReplicas(service *models.Service, predicted float64) int {
	if m.targetPer <= 0 {
		return service.CurrentReplicas
	}
	suggested := int(predicted/m.targetPer + 0.999)
	if suggested < 1 {
		suggested = 1
	}
	return service.ClampReplicas(suggested)
}
