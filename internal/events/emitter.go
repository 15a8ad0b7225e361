package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrInvalidEvent is returned for events that do not describe a terminal
// transition of a known execution.
var ErrInvalidEvent = errors.New("invalid execution event")

// InMemoryEventEmitter dispatches execution events synchronously to the
// handlers subscribed to the event's kind.
type InMemoryEventEmitter struct {
	mu     sync.RWMutex
	all    []EventHandler
	byKind map[Kind][]EventHandler
	logger *slog.Logger
}

// NewInMemoryEventEmitter creates an emitter with no handlers.
func NewInMemoryEventEmitter(logger *slog.Logger) *InMemoryEventEmitter {
	return &InMemoryEventEmitter{
		byKind: make(map[Kind][]EventHandler),
		logger: logger.With("component", "execution_event_emitter"),
	}
}

// RegisterHandler subscribes handler to events of the given kinds, or to
// every event when no kind is given.
func (e *InMemoryEventEmitter) RegisterHandler(handler EventHandler, kinds ...Kind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(kinds) == 0 {
		e.all = append(e.all, handler)
	}
	for _, k := range kinds {
		e.byKind[k] = append(e.byKind[k], handler)
	}
	e.logger.Debug("registered event handler", "kinds", kinds)
}

func (e *InMemoryEventEmitter) handlersFor(kind Kind) []EventHandler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]EventHandler, 0, len(e.all)+len(e.byKind[kind]))
	out = append(out, e.all...)
	return append(out, e.byKind[kind]...)
}

// EmitEvent delivers event to every subscribed handler. A failing or
// panicking handler does not stop delivery; all handler errors are joined.
func (e *InMemoryEventEmitter) EmitEvent(ctx context.Context, event *ExecutionEvent) error {
	if err := validate(event); err != nil {
		return err
	}

	handlers := e.handlersFor(event.Kind)
	log := e.logger.With(
		"event_id", event.ID,
		"kind", event.Kind,
		"execution_id", event.ExecutionID,
		"status", event.Status)
	log.Debug("emitting event", "handler_count", len(handlers))

	var errs []error
	for i, handler := range handlers {
		if err := deliver(ctx, handler, event); err != nil {
			log.Error("handler failed to process event", "handler_index", i, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validate(event *ExecutionEvent) error {
	switch {
	case event == nil:
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	case event.Kind != KindChain && event.Kind != KindBatch:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, event.Kind)
	case event.ExecutionID == "":
		return fmt.Errorf("%w: missing execution id", ErrInvalidEvent)
	case !event.Status.IsTerminal():
		return fmt.Errorf("%w: status %s is not terminal", ErrInvalidEvent, event.Status)
	}
	return nil
}

func deliver(ctx context.Context, handler EventHandler, event *ExecutionEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return handler.HandleEvent(ctx, event)
}
