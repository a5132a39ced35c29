package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventRoutingDecision      EventType = "routing.decision"
	EventRoutingFailed        EventType = "routing.failed"
	EventBackendHealthChanged EventType = "backend.health_changed"
	EventBackendInvoked       EventType = "backend.invoked"
	EventConfigReloaded       EventType = "config.reloaded"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event envelope.
func NewEvent(eventType EventType, requestID string, payload any) (Event, error) {
	ev := Event{Type: eventType, Timestamp: time.Now(), RequestID: requestID}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, WrapOp("NewEvent", err)
	}
	ev.Payload = raw
	return ev, nil
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
