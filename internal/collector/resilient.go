package collector

import (
	"context"
	"time"

	"github.com/medgrid/autoscaler/internal/logger"
	"github.com/medgrid/autoscaler/internal/resilience"
	"github.com/medgrid/autoscaler/pkg/models"
)

// ResilientCollector decorates any Collector with bounded retries and a
// circuit breaker so a flaky metric source cannot stall decision cycles.
type ResilientCollector struct {
	inner         Collector
	breaker       *resilience.CircuitBreaker
	retryAttempts int
	retryDelay    time.Duration
}

type ResilientConfig struct {
	Collector     Collector
	MaxFailures   int
	BreakerReset  time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

func NewResilient(cfg ResilientConfig) *ResilientCollector {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	return &ResilientCollector{
		inner: cfg.Collector,
		breaker: resilience.NewCircuitBreaker(resilience.Config{
			Name:        "collector",
			MaxFailures: cfg.MaxFailures,
			Timeout:     cfg.BreakerReset,
		}),
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
	}
}

func (c *ResilientCollector) Sample(ctx context.Context, serviceID string) ([]models.MetricSample, error) {
	var samples []models.MetricSample
	var lastErr error

	err := c.breaker.Execute(func() error {
		for attempt := 1; attempt <= c.retryAttempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			var err error
			samples, err = c.inner.Sample(ctx, serviceID)
			if err == nil {
				return nil
			}

			lastErr = err
			logger.WithService(serviceID).Warnf(
				"Sample attempt %d/%d failed: %v", attempt, c.retryAttempts, err,
			)

			if attempt < c.retryAttempts {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(c.retryDelay):
				}
			}
		}
		return lastErr
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

func (c *ResilientCollector) HealthCheck(ctx context.Context) error {
	return c.inner.HealthCheck(ctx)
}

func (c *ResilientCollector) Close() error {
	return c.inner.Close()
}

func (c *ResilientCollector) CircuitState() resilience.State {
	return c.breaker.State()
}
