package pipeline

import (
	"context"

	"github.com/google/uuid"
)

// taskNamespace seeds deterministic task IDs.
var taskNamespace = uuid.MustParse("6f1c2d1e-8b8a-4f55-9d0e-7f3a3b0f2c11")

// TaskID returns the stable ID of stage stageName within chainID. Redelivery
// and resume of the same stage address the same task.
func TaskID(chainID, stageName string) string {
	return uuid.NewSHA1(taskNamespace, []byte(chainID+"/"+stageName)).String()
}

// TaskAttempt identifies one attempt of one stage for the lifecycle hooks.
type TaskAttempt struct {
	TaskID      string
	TaskName    string
	ChainID     string
	ChainName   string
	BatchID     string
	TotalTasks  int
	// Attempt is 1 for the first try and increments per retry.
	Attempt     int
	InitiatedBy string
	InputPath   string
}

// Hooks observe the lifecycle of every stage attempt. Implementations must
// not fail the task: persistence problems are theirs to report.
type Hooks interface {
	PreRun(ctx context.Context, a TaskAttempt)
	PostSuccess(ctx context.Context, a TaskAttempt)
	PostFailure(ctx context.Context, a TaskAttempt, err error)
	PostRetry(ctx context.Context, a TaskAttempt, reason error)
}

// NopHooks ignores every event.
type NopHooks struct{}

func (NopHooks) PreRun(context.Context, TaskAttempt)             {}
func (NopHooks) PostSuccess(context.Context, TaskAttempt)        {}
func (NopHooks) PostFailure(context.Context, TaskAttempt, error) {}
func (NopHooks) PostRetry(context.Context, TaskAttempt, error)   {}

// RevocationChecker reports whether a chain (or its batch) was revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, batchID, chainID string) (bool, error)
}

// Finalizer closes the durable record of a chain that stopped outside the
// hook flow: a revocation (cause wraps ErrChainRevoked) or a context store
// failure. CompleteChain attaches the final output of a successful chain.
type Finalizer interface {
	AbortChain(ctx context.Context, chainID string, cause error) error
	CompleteChain(ctx context.Context, chainID string, result []byte) error
}
