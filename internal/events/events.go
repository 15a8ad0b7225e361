package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/docpipe/internal/domain"
)

// Kind identifies the execution record an event refers to.
type Kind string

const (
	KindChain Kind = "chain"
	KindBatch Kind = "batch"
)

// ExecutionEvent reports that a chain or batch reached a terminal status.
type ExecutionEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	Kind Kind `json:"kind"`

	// ExecutionID is the chain ID for chain events and the batch ID for batch events.
	ExecutionID string `json:"execution_id"`

	// BatchID is set on chain events when the chain belongs to a batch.
	BatchID string `json:"batch_id,omitempty"`

	Status domain.Status `json:"status"`

	Error string `json:"error,omitempty"`

	// OccurredAt is when the transition was recorded
	OccurredAt time.Time `json:"occurred_at"`
}

// NewExecutionEvent creates an event for a terminal transition.
func NewExecutionEvent(kind Kind, executionID, batchID string, status domain.Status, errMsg string) *ExecutionEvent {
	return &ExecutionEvent{
		ID:          uuid.New(),
		Kind:        kind,
		ExecutionID: executionID,
		BatchID:     batchID,
		Status:      status,
		Error:       errMsg,
		OccurredAt:  time.Now().UTC(),
	}
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *ExecutionEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *ExecutionEvent) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *ExecutionEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
// This allows services to publish events without direct knowledge of handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *ExecutionEvent) error
}
