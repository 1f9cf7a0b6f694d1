package store

import (
	"sync"
	"time"

	"github.com/medgrid/autoscaler/pkg/models"
)

// RingBuffer holds recent metric samples for one service, bounded both by
// sample count and by the retention window.
type RingBuffer struct {
	mu        sync.RWMutex
	samples   []models.MetricSample
	maxLen    int
	retention time.Duration
	now       func() time.Time
}

func NewRingBuffer(maxLen int, retention time.Duration) *RingBuffer {
	if maxLen <= 0 {
		maxLen = 120
	}
	return &RingBuffer{
		maxLen:    maxLen,
		retention: retention,
		now:       time.Now,
	}
}

func NewRingBufferWithClock(maxLen int, retention time.Duration, now func() time.Time) *RingBuffer {
	rb := NewRingBuffer(maxLen, retention)
	rb.now = now
	return rb
}

func (r *RingBuffer) Append(samples ...models.MetricSample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples = append(r.samples, samples...)
	if len(r.samples) > r.maxLen {
		r.samples = r.samples[len(r.samples)-r.maxLen:]
	}
}

// Recent returns the retained samples for one metric, oldest first.
func (r *RingBuffer) Recent(metric string) []models.MetricSample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]models.MetricSample, 0, len(r.samples))
	for _, s := range r.samples {
		if metric != "" && s.Metric != metric {
			continue
		}
		if s.IsStale(now, r.retention) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Latest returns the newest retained sample for a metric.
func (r *RingBuffer) Latest(metric string) (models.MetricSample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	for i := len(r.samples) - 1; i >= 0; i-- {
		s := r.samples[i]
		if s.Metric != metric {
			continue
		}
		if s.IsStale(now, r.retention) {
			return models.MetricSample{}, false
		}
		return s, true
	}
	return models.MetricSample{}, false
}

func (r *RingBuffer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.samples)
}
