// Package collector defines the metric source contract and the
// resilient decorator the orchestrator actually samples through. A failed
// or empty sample degrades decision confidence downstream; it never halts
// evaluation.
package collector

import (
	"context"
	"errors"

	"github.com/medgrid/autoscaler/pkg/models"
)

var (
	ErrCollectionFailed = errors.New("metric collection failed")
	ErrServiceUnknown   = errors.New("service unknown to metric source")
	ErrInvalidResponse  = errors.New("invalid response from metric source")
)

// Collector supplies point-in-time metric values per service.
type Collector interface {
	// Sample fetches the current samples for one service.
	Sample(ctx context.Context, serviceID string) ([]models.MetricSample, error)

	// HealthCheck verifies the collector can reach its data source.
	HealthCheck(ctx context.Context) error

	// Close releases any resources held by the collector.
	Close() error
}
