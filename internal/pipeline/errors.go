package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrChainRevoked is returned when a chain stops at a stage boundary because it was revoked.
	ErrChainRevoked = errors.New("chain revoked")

	// ErrRetriesExhausted is attached to a retryable failure that used up its retry budget.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrUnknownStage is returned when a chain names a stage the registry does not know.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrUnknownChain is returned when a chain name has no definition.
	ErrUnknownChain = errors.New("unknown chain")

	// ErrInterrupted is wrapped by a StageError when the run's context ends
	// mid-stage. The chain is left resumable.
	ErrInterrupted = errors.New("run interrupted")
)

// ValidationError reports bad stage input or output. It is never retried.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", msg, e.Err)
	}
	return "validation failed: " + msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, message string, err error) *ValidationError {
	return &ValidationError{Field: field, Message: message, Err: err}
}

// RetryableError marks a transient failure that the retry policy may retry.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	if e.Err == nil {
		return "retryable error"
	}
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as retryable. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// StageError is a fatal failure of one stage.
type StageError struct {
	StageName string
	Message   string
	Err       error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %s: %s: %v", e.StageName, e.Message, e.Err)
	}
	return fmt.Sprintf("stage %s: %s", e.StageName, e.Message)
}

func (e *StageError) Unwrap() error { return e.Err }

// PipelineError is an orchestrator-level failure such as an unavailable
// context store or a revoked chain.
type PipelineError struct {
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline: %s: %v", e.Message, e.Err)
	}
	return "pipeline: " + e.Message
}

func (e *PipelineError) Unwrap() error { return e.Err }
