package collector

import (
	"context"
	"sync"
	"time"

	"github.com/medgrid/autoscaler/pkg/models"
)

// StaticCollector serves programmed metric values. It backs tests and the
// scenario simulator; real deployments plug a metric-source client into the
// same interface.
type StaticCollector struct {
	mu     sync.RWMutex
	values map[string]map[string]float64 // serviceID -> metric -> value
	err    error
	now    func() time.Time
	closed bool
}

func NewStatic() *StaticCollector {
	return &StaticCollector{
		values: make(map[string]map[string]float64),
		now:    time.Now,
	}
}

func NewStaticWithClock(now func() time.Time) *StaticCollector {
	c := NewStatic()
	c.now = now
	return c
}

func (c *StaticCollector) SetValue(serviceID, metric string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.values[serviceID] == nil {
		c.values[serviceID] = make(map[string]float64)
	}
	c.values[serviceID][metric] = value
}

// Fail makes every subsequent Sample return err; nil restores service.
func (c *StaticCollector) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *StaticCollector) Sample(ctx context.Context, serviceID string) ([]models.MetricSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.err != nil {
		return nil, c.err
	}

	metrics, ok := c.values[serviceID]
	if !ok {
		return nil, nil
	}

	now := c.now()
	samples := make([]models.MetricSample, 0, len(metrics))
	for metric, value := range metrics {
		samples = append(samples, models.MetricSample{
			ServiceID: serviceID,
			Metric:    metric,
			Value:     value,
			Timestamp: now,
			Source:    "static",
		})
	}
	return samples, nil
}

func (c *StaticCollector) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *StaticCollector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
