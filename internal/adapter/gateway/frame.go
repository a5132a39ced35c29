package gateway

import "llm-router/internal/domain"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	// FrameTypeEvent carries one bus event to the client.
	FrameTypeEvent FrameType = "event"
	// FrameTypeSubscribe is sent by a client to filter the event types it
	// receives. An empty list restores the full stream.
	FrameTypeSubscribe FrameType = "subscribe"
)

// Frame is the envelope exchanged between client and server over WebSocket.
type Frame struct {
	Type   FrameType          `json:"type"`
	Event  *domain.Event      `json:"event,omitempty"`  // event frames only
	Events []domain.EventType `json:"events,omitempty"` // subscribe frames only
}
