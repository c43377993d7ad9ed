package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	payload := TaskPayload{Provider: "gemini", Attempts: 2}

	event, err := NewEvent(TypeTaskCompleted, "run-1", "ch01", 7, payload)

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, TypeTaskCompleted, event.Type)
	assert.Equal(t, "run-1", event.RunID)
	assert.Equal(t, "ch01", event.GroupID)
	assert.Equal(t, 7, event.TaskID)
	assert.WithinDuration(t, time.Now(), event.CreatedAt, 2*time.Second)

	var decoded TaskPayload
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	assert.Equal(t, payload, decoded)

	require.NoError(t, event.UnmarshalPayload(&decoded))
	assert.Equal(t, "gemini", decoded.Provider)
}

func TestNewEventWithoutPayload(t *testing.T) {
	event, err := NewEvent(TypeGroupCompleted, "run-1", "ch01", NoTask, nil)
	require.NoError(t, err)
	assert.Nil(t, event.Payload)
	assert.Equal(t, NoTask, event.TaskID)
}

func TestNewEventUnencodablePayload(t *testing.T) {
	_, err := NewEvent(TypeTaskFailed, "run-1", "ch01", 1, make(chan int))
	assert.Error(t, err)
}

// MockEventHandler implements the EventHandler interface for testing
type MockEventHandler struct {
	mu sync.Mutex
	// The last event received by this handler
	LastEvent *Event
	// Error to return from HandleEvent
	HandlerError error
	// Count of events handled
	HandledCount int
}

// HandleEvent implements the EventHandler interface
func (h *MockEventHandler) HandleEvent(ctx context.Context, event *Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.LastEvent = event
	h.HandledCount++
	return h.HandlerError
}

func TestEventHandler(t *testing.T) {
	handler := &MockEventHandler{}

	event, err := NewEvent(TypeTaskCompleted, "run-1", "ch01", 1, nil)
	require.NoError(t, err)

	err = handler.HandleEvent(context.Background(), event)
	assert.NoError(t, err)
	assert.Equal(t, 1, handler.HandledCount)
	assert.Equal(t, event, handler.LastEvent)

	expectedErr := errors.New("handler error")
	handler.HandlerError = expectedErr
	err = handler.HandleEvent(context.Background(), event)
	assert.Equal(t, expectedErr, err)
	assert.Equal(t, 2, handler.HandledCount)
}
