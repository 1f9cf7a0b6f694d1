package models

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTypeBreachDetected     EventType = "breach.detected"
	EventTypeBreachResolved     EventType = "breach.resolved"
	EventTypeDecisionMade       EventType = "decision.made"
	EventTypeDecisionSuperseded EventType = "decision.superseded"
	EventTypeExecutionStarted   EventType = "execution.started"
	EventTypeExecutionComplete  EventType = "execution.complete"
	EventTypeExecutionFailed    EventType = "execution.failed"
	EventTypeBudgetAlert        EventType = "budget.alert"
	EventTypeFailoverPlanned    EventType = "failover.planned"
	EventTypeAuditAppended      EventType = "audit.appended"
	EventTypeParametersTuned    EventType = "parameters.tuned"
	EventTypeError              EventType = "error"
)

type EventSeverity string

const (
	EventSeverityInfo     EventSeverity = "info"
	EventSeverityWarning  EventSeverity = "warning"
	EventSeverityCritical EventSeverity = "critical"
)

type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	ServiceID string        `json:"service_id"`
	Message   string        `json:"message"`
	Severity  EventSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
	TraceID   string        `json:"trace_id,omitempty"`
	Data      interface{}   `json:"data,omitempty"`
}

func NewEvent(eventType EventType, serviceID, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		ServiceID: serviceID,
		Message:   message,
		Severity:  EventSeverityInfo,
		Timestamp: time.Now(),
	}
}

func (e *Event) WithSeverity(severity EventSeverity) *Event {
	e.Severity = severity
	return e
}

func (e *Event) WithData(data interface{}) *Event {
	e.Data = data
	return e
}
