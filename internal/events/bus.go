// Package events carries engine notifications between components over
// buffered channels. Consumers that fall behind lose events with a logged
// warning; the decision path never blocks on a slow subscriber.
package events

import (
	"sync"

	"github.com/medgrid/autoscaler/internal/logger"
	"github.com/medgrid/autoscaler/pkg/models"
)

type Bus struct {
	mu          sync.RWMutex
	subscribers map[models.EventType][]chan *models.Event
	allChans    []chan *models.Event
	bufferSize  int
	closed      bool
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[models.EventType][]chan *models.Event),
		bufferSize:  bufferSize,
	}
}

func (b *Bus) Subscribe(eventType models.EventType) <-chan *models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *models.Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

func (b *Bus) SubscribeAll() <-chan *models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *models.Event, b.bufferSize)
	for _, eventType := range allEventTypes() {
		b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	}
	b.allChans = append(b.allChans, ch)
	return ch
}

func (b *Bus) Publish(event *models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			logger.Warnf("Event channel full, dropping event: %s", event.Type)
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	closed := make(map[chan *models.Event]bool)
	for _, ch := range b.allChans {
		close(ch)
		closed[ch] = true
	}
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			if !closed[ch] {
				close(ch)
				closed[ch] = true
			}
		}
	}

	b.subscribers = make(map[models.EventType][]chan *models.Event)
	b.allChans = nil
}

func allEventTypes() []models.EventType {
	return []models.EventType{
		models.EventTypeBreachDetected,
		models.EventTypeBreachResolved,
		models.EventTypeDecisionMade,
		models.EventTypeDecisionSuperseded,
		models.EventTypeExecutionStarted,
		models.EventTypeExecutionComplete,
		models.EventTypeExecutionFailed,
		models.EventTypeBudgetAlert,
		models.EventTypeFailoverPlanned,
		models.EventTypeAuditAppended,
		models.EventTypeParametersTuned,
		models.EventTypeError,
	}
}
