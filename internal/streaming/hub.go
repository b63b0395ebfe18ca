// Package streaming fans out live run events to in-process subscribers.
package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event emitted while a run progresses.
type StreamEvent struct {
	ExecutionID string    `json:"execution_id,omitempty"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	StepID      string    `json:"step_id,omitempty"`
	LogID       int64     `json:"log_id,omitempty"`
	EventType   string    `json:"event_type"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	WorkflowID  string   `json:"workflow_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
