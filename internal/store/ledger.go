package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/phrazzld/docpipe/internal/domain"
)

// ChainStore persists ChainExecution records. Every status change is a
// conditional update and reports whether a row actually transitioned.
type ChainStore interface {
	// InsertChainIfAbsent creates the record unless one with the same ID exists.
	InsertChainIfAbsent(ctx context.Context, chain *domain.ChainExecution) (bool, error)

	// GetChain returns ErrChainNotFound when the chain does not exist.
	GetChain(ctx context.Context, id string) (*domain.ChainExecution, error)

	// ListChainsByBatch returns the chains of a batch ordered by creation time.
	ListChainsByBatch(ctx context.Context, batchID string) ([]*domain.ChainExecution, error)

	// TransitionChain moves the chain to `to` if its status is one of `from`.
	// A non-empty errMsg is recorded on terminal transitions.
	TransitionChain(ctx context.Context, id string, from []domain.Status, to domain.Status, errMsg string, at time.Time) (bool, error)

	// IncrementChainCounters adds the deltas while the chain is non-terminal
	// and completed+failed stays within total_tasks.
	IncrementChainCounters(ctx context.Context, id string, completed, failed int, at time.Time) (bool, error)

	// CompleteChainIfDone transitions a non-terminal chain whose counters
	// reached total_tasks to FAILURE when any task failed, else SUCCESS.
	CompleteChainIfDone(ctx context.Context, id string, at time.Time) (domain.Status, bool, error)

	// SetChainFinalResult stores the serialized final output.
	SetChainFinalResult(ctx context.Context, id string, result []byte, at time.Time) error
}

// TaskLogStore persists TaskLog rows keyed by task_id.
type TaskLogStore interface {
	// UpsertTaskStarted creates the row or moves a non-terminal row back to
	// STARTED, keeping the larger retries value.
	UpsertTaskStarted(ctx context.Context, log *domain.TaskLog) error

	// FinishTaskLog records a terminal status unless the row is already terminal.
	// A missing row is created. It reports whether the row transitioned.
	FinishTaskLog(ctx context.Context, log *domain.TaskLog) (bool, error)

	// MarkTaskRetry moves a non-terminal row to RETRY.
	MarkTaskRetry(ctx context.Context, taskID, reason string, at time.Time) (bool, error)

	// GetTaskLog returns ErrTaskLogNotFound when the task does not exist.
	GetTaskLog(ctx context.Context, taskID string) (*domain.TaskLog, error)

	// ListTaskLogs returns the tasks of a chain ordered by start time.
	ListTaskLogs(ctx context.Context, chainID string) ([]*domain.TaskLog, error)
}

// BatchStore persists BatchExecution records and the chunk fan-in journal.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch *domain.BatchExecution) error

	// GetBatch returns ErrBatchNotFound when the batch does not exist.
	GetBatch(ctx context.Context, batchID string) (*domain.BatchExecution, error)

	// TransitionBatch moves the batch to `to` if its status is one of `from`.
	TransitionBatch(ctx context.Context, batchID string, from []domain.Status, to domain.Status, errMsg string, at time.Time) (bool, error)

	// InsertChunk journals a chunk result. It reports false when the chunk
	// was already recorded.
	InsertChunk(ctx context.Context, batchID string, result domain.ChunkResult, at time.Time) (bool, error)

	// AddBatchCounters adds item and chunk deltas while the batch is
	// non-terminal and completed+failed stays within total_items.
	AddBatchCounters(ctx context.Context, batchID string, completedItems, failedItems, completedChunks, failedChunks int, at time.Time) (bool, error)

	// CompleteBatchIfDone transitions a non-terminal batch whose item
	// counters reached total_items to FAILURE when any item failed, else SUCCESS.
	CompleteBatchIfDone(ctx context.Context, batchID string, at time.Time) (domain.Status, bool, error)

	// SetBatchErrorIfEmpty records the first error reported for a batch.
	SetBatchErrorIfEmpty(ctx context.Context, batchID, msg string, at time.Time) error
}

// LedgerStore is the durable store behind the execution ledger.
type LedgerStore interface {
	ChainStore
	TaskLogStore
	BatchStore

	// WithTx returns a LedgerStore that runs every statement on tx.
	WithTx(tx *sql.Tx) LedgerStore
}
