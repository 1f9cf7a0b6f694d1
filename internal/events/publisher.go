package events

import (
	"github.com/medgrid/autoscaler/pkg/models"
)

// Publisher wraps the bus with typed constructors for the engine's events.
type Publisher struct {
	bus     *Bus
	traceID string
}

func NewPublisher(bus *Bus) *Publisher {
	return &Publisher{bus: bus}
}

func (p *Publisher) WithTraceID(traceID string) *Publisher {
	return &Publisher{bus: p.bus, traceID: traceID}
}

func (p *Publisher) publish(event *models.Event) {
	if p.traceID != "" {
		event.TraceID = p.traceID
	}
	p.bus.Publish(event)
}

func (p *Publisher) BreachDetected(breach models.Breach) {
	event := models.NewEvent(models.EventTypeBreachDetected, breach.ServiceID,
		"Breach detected: "+breach.Metric).WithData(breach)
	if breach.Severity == models.SeverityCritical {
		event.WithSeverity(models.EventSeverityCritical)
	} else {
		event.WithSeverity(models.EventSeverityWarning)
	}
	p.publish(event)
}

func (p *Publisher) BreachResolved(breach models.Breach) {
	p.publish(models.NewEvent(models.EventTypeBreachResolved, breach.ServiceID,
		"Breach resolved: "+breach.Metric).WithData(breach))
}

func (p *Publisher) DecisionMade(decision *models.ScalingDecision) {
	event := models.NewEvent(models.EventTypeDecisionMade, decision.ServiceID,
		"Scaling decision: "+string(decision.Action)).WithData(decision)
	if decision.Emergency {
		event.WithSeverity(models.EventSeverityCritical)
	}
	p.publish(event)
}

func (p *Publisher) DecisionSuperseded(victim, successor *models.ScalingDecision) {
	p.publish(models.NewEvent(models.EventTypeDecisionSuperseded, victim.ServiceID,
		"Decision superseded by emergency "+successor.ID).
		WithSeverity(models.EventSeverityWarning).
		WithData(map[string]interface{}{
			"superseded": victim.ID,
			"successor":  successor.ID,
		}))
}

func (p *Publisher) ExecutionStarted(decision *models.ScalingDecision) {
	p.publish(models.NewEvent(models.EventTypeExecutionStarted, decision.ServiceID,
		"Execution started: "+string(decision.Action)).WithData(decision))
}

func (p *Publisher) ExecutionComplete(decision *models.ScalingDecision) {
	p.publish(models.NewEvent(models.EventTypeExecutionComplete, decision.ServiceID,
		"Execution complete").WithData(decision))
}

func (p *Publisher) ExecutionFailed(decision *models.ScalingDecision, err error) {
	p.publish(models.NewEvent(models.EventTypeExecutionFailed, decision.ServiceID,
		"Execution failed").
		WithSeverity(models.EventSeverityCritical).
		WithData(map[string]interface{}{
			"decision_id": decision.ID,
			"error":       err.Error(),
		}))
}

func (p *Publisher) BudgetAlert(serviceID, message string) {
	p.publish(models.NewEvent(models.EventTypeBudgetAlert, serviceID, message).
		WithSeverity(models.EventSeverityWarning))
}

func (p *Publisher) FailoverPlanned(serviceID string, plan *models.FailoverPlan) {
	p.publish(models.NewEvent(models.EventTypeFailoverPlanned, serviceID,
		"Failover planned from "+plan.TriggerRegion).
		WithSeverity(models.EventSeverityCritical).
		WithData(plan))
}

func (p *Publisher) AuditAppended(entry *models.DecisionLogEntry) {
	p.publish(models.NewEvent(models.EventTypeAuditAppended, entry.ServiceID,
		"Audit entry recorded").WithData(entry.ID))
}

func (p *Publisher) ParametersTuned(params models.TunedParameters) {
	p.publish(models.NewEvent(models.EventTypeParametersTuned, params.ServiceID,
		"Strategy parameters tuned").WithData(params))
}

func (p *Publisher) Error(serviceID, message string, err error) {
	p.publish(models.NewEvent(models.EventTypeError, serviceID, message).
		WithSeverity(models.EventSeverityCritical).
		WithData(map[string]interface{}{"error": err.Error()}))
}
