package ledger

import (
	"context"

	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/events"
	"github.com/phrazzld/docpipe/internal/store"
)

// CreateBatch persists a new PENDING batch.
func (l *Ledger) CreateBatch(ctx context.Context, b *domain.BatchExecution) error {
	return l.store.CreateBatch(ctx, b)
}

// MarkBatchStarted moves a PENDING batch to STARTED.
func (l *Ledger) MarkBatchStarted(ctx context.Context, batchID string) (bool, error) {
	return l.store.TransitionBatch(ctx, batchID,
		[]domain.Status{domain.StatusPending}, domain.StatusStarted, "", l.now())
}

// RecordChunkResult folds one chunk outcome into the batch. The chunk is
// journaled first, so a redelivered result is ignored. The batch finishes
// once every item is accounted for. It reports whether the result was new.
func (l *Ledger) RecordChunkResult(ctx context.Context, batchID string, r domain.ChunkResult) (bool, error) {
	ctx, cancel := l.writeContext(ctx)
	defer cancel()

	var recorded bool
	err := l.inTx(ctx, func(st store.LedgerStore) ([]*events.ExecutionEvent, error) {
		now := l.now()
		inserted, err := st.InsertChunk(ctx, batchID, r, now)
		if err != nil || !inserted {
			return nil, err
		}
		recorded = true

		completedChunks, failedChunks := 1, 0
		if r.Crashed {
			completedChunks, failedChunks = 0, 1
		}
		applied, err := st.AddBatchCounters(ctx, batchID, r.Completed, r.Failed, completedChunks, failedChunks, now)
		if err != nil {
			return nil, err
		}
		if !applied {
			l.logger.Warn("chunk result not applied to batch counters",
				"batch_id", batchID,
				"chunk_index", r.ChunkIndex)
			return nil, nil
		}

		status, done, err := st.CompleteBatchIfDone(ctx, batchID, now)
		if err != nil || !done {
			return nil, err
		}
		return []*events.ExecutionEvent{
			events.NewExecutionEvent(events.KindBatch, batchID, "", status, ""),
		}, nil
	})
	if err != nil {
		return false, err
	}
	if recorded {
		l.metrics.BatchItemsProcessed(r.Completed, r.Failed)
	}
	return recorded, nil
}

// RevokeBatch marks a batch REVOKED and revokes each of its running chains.
// Chunks that already started stop at their next chain or stage boundary.
func (l *Ledger) RevokeBatch(ctx context.Context, batchID string) (bool, error) {
	if _, err := l.store.GetBatch(ctx, batchID); err != nil {
		return false, err
	}

	changed, err := l.store.TransitionBatch(ctx, batchID, domain.NonTerminalStatuses(), domain.StatusRevoked, "revoked", l.now())
	if err != nil || !changed {
		return changed, err
	}
	l.emit(ctx, events.NewExecutionEvent(events.KindBatch, batchID, "", domain.StatusRevoked, "revoked"))

	chains, err := l.store.ListChainsByBatch(ctx, batchID)
	if err != nil {
		return true, err
	}
	for _, c := range chains {
		if c.Status.IsTerminal() {
			continue
		}
		if _, err := l.finalizeChain(ctx, c.ID, domain.StatusRevoked, "batch revoked"); err != nil {
			l.logger.Warn("failed to revoke chain of revoked batch", "batch_id", batchID, "chain_id", c.ID, "error", err)
		}
	}
	l.logger.Info("batch revoked", "batch_id", batchID, "chains", len(chains))
	return true, nil
}

// GetBatch returns a batch record.
func (l *Ledger) GetBatch(ctx context.Context, batchID string) (*domain.BatchExecution, error) {
	return l.store.GetBatch(ctx, batchID)
}

// ListChains returns the chains recorded for a batch.
func (l *Ledger) ListChains(ctx context.Context, batchID string) ([]*domain.ChainExecution, error) {
	return l.store.ListChainsByBatch(ctx, batchID)
}
