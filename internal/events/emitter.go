package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Dispatcher fans run and task events out to subscribed handlers in the
// caller's goroutine, so a handler sees events for one task in the order
// the scheduler produced them. Safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []EventHandler
	logger   *slog.Logger
}

// NewDispatcher returns a Dispatcher with no subscribers.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger.With("component", "event_dispatcher")}
}

// Subscribe adds h to the set of handlers that receive every later event.
func (d *Dispatcher) Subscribe(h EventHandler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	n := len(d.handlers)
	d.mu.Unlock()
	d.logger.Debug("subscriber added", "subscribers", n)
}

// EmitEvent delivers event to every subscriber. A failing subscriber does
// not stop delivery to the rest; their errors are joined.
func (d *Dispatcher) EmitEvent(ctx context.Context, event *Event) error {
	d.mu.RLock()
	handlers := d.handlers[:len(d.handlers):len(d.handlers)]
	d.mu.RUnlock()

	var errs []error
	for i, h := range handlers {
		if err := h.HandleEvent(ctx, event); err != nil {
			d.logger.Warn("subscriber rejected event",
				"subscriber", i,
				"type", event.Type,
				"run_id", event.RunID,
				"group_id", event.GroupID,
				"task_id", event.TaskID,
				"error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopEmitter discards every event.
type NopEmitter struct{}

// EmitEvent implements EventEmitter.
func (NopEmitter) EmitEvent(context.Context, *Event) error { return nil }
