package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medgrid/autoscaler/internal/logger"
	"github.com/medgrid/autoscaler/pkg/models"
)

// SimExecutor fulfils the executor contract in-process. It backs the
// scenario simulator and tests; a real deployment substitutes a control
// plane client behind the same interface.
type SimExecutor struct {
	mu          sync.Mutex
	replicas    map[string]int
	stepDelay   time.Duration
	failNext    error
	now         func() time.Time
}

func NewSim(stepDelay time.Duration) *SimExecutor {
	return &SimExecutor{
		replicas:  make(map[string]int),
		stepDelay: stepDelay,
		now:       time.Now,
	}
}

func NewSimWithClock(stepDelay time.Duration, now func() time.Time) *SimExecutor {
	e := NewSim(stepDelay)
	e.now = now
	return e
}

// FailNext makes the next resize terminate with err.
func (e *SimExecutor) FailNext(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext = err
}

func (e *SimExecutor) Replicas(serviceID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replicas[serviceID]
}

func (e *SimExecutor) Resize(ctx context.Context, service *models.Service, targetReplicas int) (*Handle, error) {
	if targetReplicas < 0 {
		return nil, fmt.Errorf("%w: target %d", ErrResizeRejected, targetReplicas)
	}

	e.mu.Lock()
	current, ok := e.replicas[service.ID]
	if !ok {
		current = service.CurrentReplicas
		e.replicas[service.ID] = current
	}
	plannedErr := e.failNext
	e.failNext = nil
	e.mu.Unlock()

	handle, reporter := NewHandle(service.ID, targetReplicas)

	go e.run(ctx, reporter, service.ID, current, targetReplicas, plannedErr)

	return handle, nil
}

func (e *SimExecutor) run(ctx context.Context, reporter *Reporter, serviceID string, from, to int, plannedErr error) {
	step := 1
	if to < from {
		step = -1
	}

	reporter.Step("accepted", fmt.Sprintf("resize %d -> %d", from, to), e.now())

	replicas := from
	for replicas != to {
		if err := ctx.Err(); err != nil {
			reporter.Fail(err, replicas, e.now())
			return
		}
		if plannedErr != nil && replicas != from {
			// Fail partway so rollback paths see partial progress.
			reporter.Fail(plannedErr, replicas, e.now())
			return
		}

		if e.stepDelay > 0 {
			select {
			case <-ctx.Done():
				reporter.Fail(ctx.Err(), replicas, e.now())
				return
			case <-time.After(e.stepDelay):
			}
		}

		replicas += step
		e.mu.Lock()
		e.replicas[serviceID] = replicas
		e.mu.Unlock()

		phase := "provisioning"
		if step < 0 {
			phase = "draining"
		}
		reporter.Step(phase, fmt.Sprintf("now at %d replicas", replicas), e.now())
	}

	if plannedErr != nil {
		reporter.Fail(plannedErr, replicas, e.now())
		return
	}

	logger.WithService(serviceID).Debugf("Sim resize complete at %d replicas", replicas)
	reporter.Complete(replicas, e.now())
}

func (e *SimExecutor) Close() error {
	return nil
}
