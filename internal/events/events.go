package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the scheduler.
const (
	TypeRunStarted     = "run.started"
	TypeRunFinished    = "run.finished"
	TypeTaskCompleted  = "task.completed"
	TypeTaskDegraded   = "task.degraded"
	TypeTaskFailed     = "task.failed"
	TypeGroupCompleted = "group.completed"
	TypeGroupFailed    = "group.failed"
)

// NoTask is the TaskID of events that are not about a single task.
const NoTask = -1

// Event is one progress notification.
type Event struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	GroupID string `json:"group_id,omitempty"`
	TaskID  int    `json:"task_id"`

	// Payload contains type-specific data serialized as JSON
	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RunPayload accompanies run.started and run.finished.
type RunPayload struct {
	Groups int `json:"groups"`
	Total  int `json:"total"`
}

// TaskPayload accompanies task events.
type TaskPayload struct {
	Provider string `json:"provider,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *Event) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// NewEvent creates an Event with a fresh id. A nil payload is omitted.
func NewEvent(eventType, runID, groupID string, taskID int, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		RunID:     runID,
		GroupID:   groupID,
		TaskID:    taskID,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *Event) error
}

// EventEmitter defines an interface for components that can emit events.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *Event) error
}
