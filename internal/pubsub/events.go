package pubsub

import "time"

// EventType identifies the event payload for type switches.
type EventType string

const (
	EventTypeOperationStatus   EventType = "operation_status"
	EventTypeOperationProgress EventType = "operation_progress"
)

// OperationStatusEvent is published on every registry state transition.
type OperationStatusEvent struct {
	Type        EventType `json:"type"`
	OperationID string    `json:"operation_id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// OperationProgressEvent is published on every progress update.
type OperationProgressEvent struct {
	Type        EventType      `json:"type"`
	OperationID string         `json:"operation_id"`
	Percentage  float64        `json:"percentage"`
	CurrentStep string         `json:"current_step"`
	Context     map[string]any `json:"context,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
