package composer

import (
	"context"
	"fmt"

	"github.com/medgrid/autoscaler/internal/executor"
	"github.com/medgrid/autoscaler/internal/logger"
	"github.com/medgrid/autoscaler/internal/metrics"
	"github.com/medgrid/autoscaler/pkg/models"
)

// admit enforces the single in-flight decision per service. An emergency
// request cancels and supersedes a running non-emergency decision, which
// is returned so the caller can link it to its successor; any other
// overlap fails fast with ErrDecisionInProgress.
func (c *Composer) admit(serviceID string, emergency bool) (*models.ScalingDecision, error) {
	c.mu.Lock()
	current, busy := c.inFlight[serviceID]
	if !busy {
		c.mu.Unlock()
		return nil, nil
	}

	if !emergency || current.decision.Emergency {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (%s)", ErrDecisionInProgress, serviceID, current.decision.ID)
	}

	victim := current
	delete(c.inFlight, serviceID)
	c.mu.Unlock()

	victim.cancel()
	<-victim.done

	c.evaluator.SupersedeBreaches(serviceID)

	logger.WithDecision(serviceID, victim.decision.ID).Warn("Decision superseded by emergency request")
	return victim.decision, nil
}

// trackEntry remembers which audit entry belongs to a decision so that
// execution steps and state transitions land on the same record.
func (c *Composer) trackEntry(decision *models.ScalingDecision, entryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryIndex[decision.ID] = entryID
}

func (c *Composer) entryOf(decisionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entryID, ok := c.entryIndex[decisionID]
	return entryID, ok
}

// transition moves a decision through the state machine; the composer is
// its sole owner so an illegal transition is a bug, not an input error.
func (c *Composer) transition(decision *models.ScalingDecision, next models.DecisionState) {
	if !decision.State.CanTransition(next) {
		logger.WithDecision(decision.ServiceID, decision.ID).Errorf(
			"Illegal transition %s -> %s suppressed", decision.State, next,
		)
		return
	}
	decision.State = next
}

// Execute hands an approved decision to the executor and follows its
// progress to a terminal state. It returns once execution has started;
// completion is reported through the audit log and event bus.
func (c *Composer) Execute(ctx context.Context, service *models.Service, decision *models.ScalingDecision) error {
	if !decision.ShouldExecute() {
		return fmt.Errorf("%w: decision %s in state %s", ErrIllegalTransition, decision.ID, decision.State)
	}

	c.mu.Lock()
	if _, busy := c.inFlight[service.ID]; busy {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDecisionInProgress, service.ID)
	}
	entryID, tracked := c.entryIndex[decision.ID]
	if !tracked {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDecision, decision.ID)
	}
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	flight := &inflight{
		decision: decision,
		entryID:  entryID,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.inFlight[service.ID] = flight
	c.mu.Unlock()

	c.transition(decision, models.StateExecuting)
	if err := c.auditLog.Transition(ctx, entryID, models.StateExecuting); err != nil {
		logger.WithDecision(service.ID, decision.ID).Warnf("Audit transition failed: %v", err)
	}
	c.publisher.ExecutionStarted(decision)

	handle, err := c.exec.Resize(execCtx, service, decision.ToReplicas)
	if err != nil {
		cancel()
		close(flight.done)
		c.finish(service.ID, flight, models.StateFailed, err)
		return fmt.Errorf("resize rejected: %w", err)
	}

	go c.watch(execCtx, service, flight, handle)
	return nil
}

// watch consumes executor progress into the audit record and drives the
// decision to its terminal state.
func (c *Composer) watch(ctx context.Context, service *models.Service, flight *inflight, handle *executor.Handle) {
	defer close(flight.done)
	decision := flight.decision

	progress := handle.Progress()
	for {
		select {
		case step, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			if err := c.auditLog.Step(ctx, flight.entryID, step.Phase, step.Detail); err != nil {
				logger.WithDecision(service.ID, decision.ID).Debugf("Step record failed: %v", err)
			}

		case report := <-handle.Done():
			if report.Success {
				service.CurrentReplicas = report.FinalReplicas
				metrics.ServiceReplicas.WithLabelValues(service.ID).Set(float64(report.FinalReplicas))
				c.finish(service.ID, flight, models.StateCompleted, nil)
				c.publisher.ExecutionComplete(decision)
				return
			}

			err := report.Err
			if err == nil {
				err = fmt.Errorf("executor reported failure at %d replicas", report.FinalReplicas)
			}
			c.publisher.ExecutionFailed(decision, err)

			// A cancelled execution was superseded; it ends rolled-back,
			// not failed.
			if ctx.Err() != nil {
				c.finish(service.ID, flight, models.StateRolledBack, err)
				return
			}
			if c.config.AutomaticRollback && report.FinalReplicas != decision.FromReplicas {
				c.rollback(service, flight, report.FinalReplicas)
				return
			}
			c.finish(service.ID, flight, models.StateFailed, err)
			return
		}
	}
}

// rollback reverses a partially applied resize back to the decision's
// starting replica count and records the post-mortem trail.
func (c *Composer) rollback(service *models.Service, flight *inflight, stranded int) {
	decision := flight.decision
	ctx := context.Background()

	logger.WithDecision(service.ID, decision.ID).Warnf(
		"Rolling back: stranded at %d, returning to %d", stranded, decision.FromReplicas,
	)
	if err := c.auditLog.Step(ctx, flight.entryID, "rollback", fmt.Sprintf(
		"execution failed at %d replicas, returning to %d", stranded, decision.FromReplicas,
	)); err != nil {
		logger.WithDecision(service.ID, decision.ID).Debugf("Step record failed: %v", err)
	}

	handle, err := c.exec.Resize(ctx, service, decision.FromReplicas)
	if err != nil {
		c.finish(service.ID, flight, models.StateFailed, fmt.Errorf("rollback rejected: %w", err))
		return
	}

	progress := handle.Progress()
	for {
		select {
		case _, ok := <-progress:
			if !ok {
				progress = nil
			}
		case report := <-handle.Done():
			if report.Success {
				service.CurrentReplicas = decision.FromReplicas
				metrics.ServiceReplicas.WithLabelValues(service.ID).Set(float64(decision.FromReplicas))
			}
			c.finish(service.ID, flight, models.StateRolledBack, report.Err)
			return
		}
	}
}

// finish releases the in-flight slot and records the terminal state.
func (c *Composer) finish(serviceID string, flight *inflight, state models.DecisionState, cause error) {
	decision := flight.decision

	c.mu.Lock()
	if c.inFlight[serviceID] == flight {
		delete(c.inFlight, serviceID)
	}
	c.mu.Unlock()

	c.transition(decision, state)

	if err := c.auditLog.Transition(context.Background(), flight.entryID, state); err != nil {
		logger.WithDecision(serviceID, decision.ID).Warnf("Audit transition failed: %v", err)
	}

	if cause != nil {
		logger.WithDecision(serviceID, decision.ID).Errorf("Decision %s: %v", state, cause)
	} else {
		logger.WithDecision(serviceID, decision.ID).Infof("Decision %s", state)
	}
}

// InFlight reports whether a decision is currently executing for a service.
func (c *Composer) InFlight(serviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.inFlight[serviceID]
	return busy
}
