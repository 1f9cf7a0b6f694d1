package predictor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/medgrid/autoscaler/pkg/models"
)

// SeasonalModel forecasts from an hour-of-week pattern table built from
// observed samples. Claims traffic is strongly diurnal, so a few weeks of
// observations beat a short trend line for horizons past an hour.
type SeasonalModel struct {
	metric    string
	targetPer float64

	mu       sync.RWMutex
	patterns map[string]*patternCell // serviceID|weekday|hour
	now      func() time.Time
}

type patternCell struct {
	sum   float64
	count int
}

func NewSeasonalModel(metric string, targetPerReplica float64) *SeasonalModel {
	return &SeasonalModel{
		metric:    metric,
		targetPer: targetPerReplica,
		patterns:  make(map[string]*patternCell),
		now:       time.Now,
	}
}

func (m *SeasonalModel) Name() string { return "seasonal" }

// Observe folds a sample into the pattern table.
func (m *SeasonalModel) Observe(sample models.MetricSample) {
	if sample.Metric != m.metric {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := cellKey(sample.ServiceID, sample.Timestamp)
	cell := m.patterns[key]
	if cell == nil {
		cell = &patternCell{}
		m.patterns[key] = cell
	}
	cell.sum += sample.Value
	cell.count++
}

func (m *SeasonalModel) Predict(ctx context.Context, service *models.Service, horizon time.Duration) (models.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return models.Prediction{}, err
	}

	target := m.now().Add(horizon)

	m.mu.RLock()
	cell := m.patterns[cellKey(service.ID, target)]
	m.mu.RUnlock()

	if cell == nil || cell.count == 0 {
		return models.Prediction{}, ErrInsufficient
	}

	predicted := cell.sum / float64(cell.count)

	// More observations of this hour-of-week slot mean more confidence,
	// saturating at a dozen weeks.
	confidence := float64(cell.count) / 12.0
	if confidence > 0.9 {
		confidence = 0.9
	}

	suggested := service.CurrentReplicas
	if m.targetPer > 0 {
		suggested = int(predicted/m.targetPer + 0.999)
		if suggested < 1 {
			suggested = 1
		}
		suggested = service.ClampReplicas(suggested)
	}

	return models.Prediction{
		ServiceID:         service.ID,
		Metric:            m.metric,
		CreatedAt:         m.now(),
		Horizon:           horizon,
		Value:             predicted,
		Confidence:        confidence,
		SuggestedReplicas: suggested,
		ModelName:         m.Name(),
	}, nil
}

func cellKey(serviceID string, t time.Time) string {
	return serviceID + "|" + t.Weekday().String() + "|" + strconv.Itoa(t.Hour())
}
