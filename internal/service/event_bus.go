// internal/service/event_bus.go
package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"sweep-service/pkg/driver"
)

// Event types published on the bus
const (
	EventStateChanged = "state_changed"
	EventDeviceError  = "device_error"
	EventScan         = "scan"
)

// Event represents a device event
type Event struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventBus fans driver events out to subscribers. It implements
// driver.EventHandler and never blocks the caller: a full subscriber misses
// the event.
type EventBus struct {
	mutex       sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
	logger      *zap.Logger
}

var _ driver.EventHandler = (*EventBus)(nil)

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		logger:      logger,
	}
}

// Subscribe returns a channel of future events and a function that ends the
// subscription
func (eb *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	ch := make(chan Event, buffer)
	if eb.closed {
		close(ch)
		return ch, func() {}
	}

	id := eb.nextID
	eb.nextID++
	eb.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			eb.mutex.Lock()
			defer eb.mutex.Unlock()
			if sub, ok := eb.subscribers[id]; ok {
				delete(eb.subscribers, id)
				close(sub)
			}
		})
	}
}

// Publish delivers an event to every subscriber
func (eb *EventBus) Publish(event Event) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for _, subscriber := range eb.subscribers {
		select {
		case subscriber <- event:
		default:
			eb.logger.Debug("Subscriber is slow, dropping event",
				zap.String("event_type", event.Type),
			)
		}
	}
}

// Close ends all subscriptions
func (eb *EventBus) Close() {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for id, subscriber := range eb.subscribers {
		delete(eb.subscribers, id)
		close(subscriber)
	}
}

// OnStateChanged publishes a state transition
func (eb *EventBus) OnStateChanged(deviceID string, oldState, newState driver.State) {
	eb.Publish(Event{
		Type:   EventStateChanged,
		Source: deviceID,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
		},
		Timestamp: time.Now(),
	})
}

// OnDeviceError publishes a fault
func (eb *EventBus) OnDeviceError(deviceID string, err error) {
	eb.Publish(Event{
		Type:   EventDeviceError,
		Source: deviceID,
		Data: map[string]interface{}{
			"error": err.Error(),
			"code":  driver.CodeOf(err),
		},
		Timestamp: time.Now(),
	})
}

// OnScan publishes the completion of a scan
func (eb *EventBus) OnScan(deviceID string, sequence uint64, samples int) {
	eb.Publish(Event{
		Type:   EventScan,
		Source: deviceID,
		Data: map[string]interface{}{
			"sequence": sequence,
			"samples":  samples,
		},
		Timestamp: time.Now(),
	})
}
