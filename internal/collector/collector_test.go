package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medgrid/autoscaler/internal/resilience"
	"github.com/medgrid/autoscaler/pkg/models"
)

func TestStaticSample(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewStaticWithClock(func() time.Time { return now })

	c.SetValue("svc-1", "cpu_utilization", 72.5)
	c.SetValue("svc-1", "memory_utilization", 48)

	samples, err := c.Sample(context.Background(), "svc-1")
	require.NoError(t, err)
	require.Len(t, samples, 2)

	byMetric := make(map[string]models.MetricSample, len(samples))
	for _, s := range samples {
		byMetric[s.Metric] = s
	}
	assert.Equal(t, 72.5, byMetric["cpu_utilization"].Value)
	assert.Equal(t, now, byMetric["cpu_utilization"].Timestamp)
	assert.Equal(t, "static", byMetric["cpu_utilization"].Source)
}

func TestStaticUnknownService(t *testing.T) {
	c := NewStatic()
	samples, err := c.Sample(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestStaticFailAndRecover(t *testing.T) {
	c := NewStatic()
	c.SetValue("svc-1", "cpu_utilization", 50)

	boom := errors.New("scrape failed")
	c.Fail(boom)
	_, err := c.Sample(context.Background(), "svc-1")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, c.HealthCheck(context.Background()), boom)

	c.Fail(nil)
	_, err = c.Sample(context.Background(), "svc-1")
	assert.NoError(t, err)
}

// flakyCollector fails a programmed number of times before succeeding.
type flakyCollector struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyCollector) Sample(ctx context.Context, serviceID string) ([]models.MetricSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transient scrape error")
	}
	return []models.MetricSample{{ServiceID: serviceID, Metric: "cpu_utilization", Value: 60}}, nil
}

func (f *flakyCollector) HealthCheck(ctx context.Context) error { return nil }
func (f *flakyCollector) Close() error                          { return nil }

func TestResilientRetriesTransientFailures(t *testing.T) {
	inner := &flakyCollector{failures: 2}
	c := NewResilient(ResilientConfig{
		Collector:     inner,
		MaxFailures:   5,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	})

	samples, err := c.Sample(context.Background(), "svc-1")
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, resilience.StateClosed, c.CircuitState())
}

func TestResilientOpensCircuit(t *testing.T) {
	inner := &flakyCollector{failures: 100}
	c := NewResilient(ResilientConfig{
		Collector:     inner,
		MaxFailures:   2,
		BreakerReset:  time.Hour,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	})

	for i := 0; i < 2; i++ {
		_, err := c.Sample(context.Background(), "svc-1")
		require.Error(t, err)
	}
	assert.Equal(t, resilience.StateOpen, c.CircuitState())

	// The open breaker answers without touching the backend.
	before := inner.calls
	_, err := c.Sample(context.Background(), "svc-1")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, before, inner.calls)
}

func TestResilientHonorsContextCancellation(t *testing.T) {
	inner := &flakyCollector{failures: 100}
	c := NewResilient(ResilientConfig{
		Collector:     inner,
		MaxFailures:   50,
		RetryAttempts: 10,
		RetryDelay:    time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Sample(ctx, "svc-1")
	assert.ErrorIs(t, err, context.Canceled)
}
