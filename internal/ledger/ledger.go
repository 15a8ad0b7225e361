// Package ledger records chain, task and batch executions durably. It backs
// the orchestrator's lifecycle hooks, its revocation checks and its chain
// finalization, and it owns the idempotent fan-in of batch chunk results.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/events"
	"github.com/phrazzld/docpipe/internal/pipeline"
	"github.com/phrazzld/docpipe/internal/platform/metrics"
	"github.com/phrazzld/docpipe/internal/redact"
	"github.com/phrazzld/docpipe/internal/store"
)

// DefaultWriteTimeout bounds each ledger write issued on behalf of a hook.
const DefaultWriteTimeout = 5 * time.Second

// Ledger is the single write path for execution records.
type Ledger struct {
	db           *sql.DB
	store        store.LedgerStore
	emitter      events.EventEmitter
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
	writeTimeout time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithEmitter publishes terminal transitions to e.
func WithEmitter(e events.EventEmitter) Option { return func(l *Ledger) { l.emitter = e } }

// WithMetrics records batch throughput in m.
func WithMetrics(m *metrics.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithWriteTimeout bounds each write.
func WithWriteTimeout(d time.Duration) Option { return func(l *Ledger) { l.writeTimeout = d } }

// New creates a Ledger. Multi-statement updates run in transactions on db.
func New(db *sql.DB, st store.LedgerStore, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		db:           db,
		store:        st,
		logger:       logger.With("component", "ledger"),
		now:          func() time.Time { return time.Now().UTC() },
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var (
	_ pipeline.RevocationChecker = (*Ledger)(nil)
	_ pipeline.Finalizer         = (*Ledger)(nil)
)

// writeContext detaches ledger writes from the caller's cancellation so a
// cancelled run still records its outcome.
func (l *Ledger) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
}

// inTx runs fn against a transaction-bound store and emits the collected
// events only after commit.
func (l *Ledger) inTx(ctx context.Context, fn func(st store.LedgerStore) ([]*events.ExecutionEvent, error)) error {
	var pending []*events.ExecutionEvent
	err := store.RunInTransaction(ctx, l.db, func(ctx context.Context, tx *sql.Tx) error {
		evs, err := fn(l.store.WithTx(tx))
		pending = evs
		return err
	})
	if err != nil {
		return err
	}
	l.emit(ctx, pending...)
	return nil
}

func (l *Ledger) emit(ctx context.Context, evs ...*events.ExecutionEvent) {
	if l.emitter == nil {
		return
	}
	for _, ev := range evs {
		if ev == nil {
			continue
		}
		if err := l.emitter.EmitEvent(ctx, ev); err != nil {
			l.logger.Warn("event handler failed", "kind", ev.Kind, "execution_id", ev.ExecutionID, "error", err)
		}
	}
}

// ledgerBatchID maps the standalone sentinel to "no batch".
func ledgerBatchID(batchID string) string {
	if batchID == domain.StandaloneBatchID {
		return ""
	}
	return batchID
}

func errorText(err error) string {
	return domain.TruncateError(redact.Error(err))
}

// StartTask records the start of a stage attempt. The chain is created on
// first sight and moved from PENDING to STARTED; the task row is upserted.
func (l *Ledger) StartTask(ctx context.Context, a pipeline.TaskAttempt) error {
	ctx, cancel := l.writeContext(ctx)
	defer cancel()
	now := l.now()

	input, err := json.Marshal(map[string]string{"input_path": a.InputPath})
	if err != nil {
		return fmt.Errorf("failed to encode chain input: %w", err)
	}
	chain, err := domain.NewChainExecution(a.ChainID, a.ChainName, ledgerBatchID(a.BatchID), a.TotalTasks, a.InitiatedBy, input)
	if err != nil {
		return err
	}
	if _, err := l.store.InsertChainIfAbsent(ctx, chain); err != nil {
		return err
	}
	if _, err := l.store.TransitionChain(ctx, a.ChainID,
		[]domain.Status{domain.StatusPending}, domain.StatusStarted, "", now); err != nil {
		return err
	}

	retries := a.Attempt - 1
	if retries < 0 {
		retries = 0
	}
	return l.store.UpsertTaskStarted(ctx, &domain.TaskLog{
		TaskID:           a.TaskID,
		TaskName:         a.TaskName,
		StartedAt:        &now,
		Retries:          retries,
		ChainExecutionID: a.ChainID,
	})
}

// SucceedTask records a successful task and completes the chain when every
// task has finished. A duplicate delivery changes nothing.
func (l *Ledger) SucceedTask(ctx context.Context, a pipeline.TaskAttempt) error {
	ctx, cancel := l.writeContext(ctx)
	defer cancel()

	return l.inTx(ctx, func(st store.LedgerStore) ([]*events.ExecutionEvent, error) {
		now := l.now()
		changed, err := st.FinishTaskLog(ctx, &domain.TaskLog{
			TaskID:           a.TaskID,
			TaskName:         a.TaskName,
			Status:           domain.StatusSuccess,
			StartedAt:        &now,
			FinishedAt:       &now,
			Retries:          max(a.Attempt-1, 0),
			ChainExecutionID: a.ChainID,
		})
		if err != nil || !changed {
			return nil, err
		}
		if _, err := st.IncrementChainCounters(ctx, a.ChainID, 1, 0, now); err != nil {
			return nil, err
		}
		status, done, err := st.CompleteChainIfDone(ctx, a.ChainID, now)
		if err != nil || !done {
			return nil, err
		}
		return []*events.ExecutionEvent{
			events.NewExecutionEvent(events.KindChain, a.ChainID, ledgerBatchID(a.BatchID), status, ""),
		}, nil
	})
}

// FailTask records a failed task and finalizes the chain as FAILURE, since
// the remaining tasks of the chain will never run. The first failure of a
// batched chain is also recorded on the batch.
func (l *Ledger) FailTask(ctx context.Context, a pipeline.TaskAttempt, cause error) error {
	ctx, cancel := l.writeContext(ctx)
	defer cancel()
	msg := errorText(cause)
	batchID := ledgerBatchID(a.BatchID)

	return l.inTx(ctx, func(st store.LedgerStore) ([]*events.ExecutionEvent, error) {
		now := l.now()
		changed, err := st.FinishTaskLog(ctx, &domain.TaskLog{
			TaskID:           a.TaskID,
			TaskName:         a.TaskName,
			Status:           domain.StatusFailure,
			Error:            msg,
			StartedAt:        &now,
			FinishedAt:       &now,
			Retries:          max(a.Attempt-1, 0),
			ChainExecutionID: a.ChainID,
		})
		if err != nil || !changed {
			return nil, err
		}
		if _, err := st.IncrementChainCounters(ctx, a.ChainID, 0, 1, now); err != nil {
			return nil, err
		}

		status, done, err := st.CompleteChainIfDone(ctx, a.ChainID, now)
		if err != nil {
			return nil, err
		}
		if !done {
			done, err = st.TransitionChain(ctx, a.ChainID, domain.NonTerminalStatuses(), domain.StatusFailure, msg, now)
			if err != nil {
				return nil, err
			}
			status = domain.StatusFailure
		}

		if batchID != "" {
			if err := st.SetBatchErrorIfEmpty(ctx, batchID, msg, now); err != nil {
				return nil, err
			}
		}
		if !done {
			return nil, nil
		}
		return []*events.ExecutionEvent{
			events.NewExecutionEvent(events.KindChain, a.ChainID, batchID, status, msg),
		}, nil
	})
}

// RetryTask marks a task as waiting for a retry. Counters are untouched.
func (l *Ledger) RetryTask(ctx context.Context, a pipeline.TaskAttempt, reason error) error {
	ctx, cancel := l.writeContext(ctx)
	defer cancel()

	_, err := l.store.MarkTaskRetry(ctx, a.TaskID, errorText(reason), l.now())
	return err
}

// IsRevoked reports whether the chain or its batch was revoked. Records
// that do not exist yet are not revoked.
func (l *Ledger) IsRevoked(ctx context.Context, batchID, chainID string) (bool, error) {
	chain, err := l.store.GetChain(ctx, chainID)
	switch {
	case err == nil:
		if chain.Status == domain.StatusRevoked {
			return true, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return false, err
	}

	batchID = ledgerBatchID(batchID)
	if batchID == "" {
		return false, nil
	}
	batch, err := l.store.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return batch.Status == domain.StatusRevoked, nil
}

// AbortChain finalizes a chain stopped outside the hook flow: REVOKED when
// cause wraps pipeline.ErrChainRevoked, FAILURE otherwise.
func (l *Ledger) AbortChain(ctx context.Context, chainID string, cause error) error {
	ctx, cancel := l.writeContext(ctx)
	defer cancel()

	status := domain.StatusFailure
	if errors.Is(cause, pipeline.ErrChainRevoked) {
		status = domain.StatusRevoked
	}
	_, err := l.finalizeChain(ctx, chainID, status, errorText(cause))
	return err
}

// CompleteChain stores the serialized output of a successful chain.
func (l *Ledger) CompleteChain(ctx context.Context, chainID string, result []byte) error {
	ctx, cancel := l.writeContext(ctx)
	defer cancel()

	err := l.store.SetChainFinalResult(ctx, chainID, result, l.now())
	if errors.Is(err, store.ErrNotFound) {
		// Chains with no recorded tasks have no row to attach a result to.
		l.logger.Warn("no chain record for final result", "chain_id", chainID)
		return nil
	}
	return err
}

// RevokeChain marks a running chain REVOKED. Task logs are left alone: the
// in-flight stage finishes and records its own terminal status, and the
// orchestrator stops at the next stage boundary.
func (l *Ledger) RevokeChain(ctx context.Context, chainID string) (bool, error) {
	if _, err := l.store.GetChain(ctx, chainID); err != nil {
		return false, err
	}
	return l.finalizeChain(ctx, chainID, domain.StatusRevoked, "revoked")
}

func (l *Ledger) finalizeChain(ctx context.Context, chainID string, status domain.Status, msg string) (bool, error) {
	var changed bool
	err := l.inTx(ctx, func(st store.LedgerStore) ([]*events.ExecutionEvent, error) {
		now := l.now()
		ok, err := st.TransitionChain(ctx, chainID, domain.NonTerminalStatuses(), status, msg, now)
		if err != nil || !ok {
			return nil, err
		}
		changed = true
		chain, err := st.GetChain(ctx, chainID)
		if err != nil {
			return nil, err
		}
		return []*events.ExecutionEvent{
			events.NewExecutionEvent(events.KindChain, chainID, chain.BatchID, status, msg),
		}, nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		l.logger.Info("chain finalized", "chain_id", chainID, "status", status)
	}
	return changed, nil
}

// GetChain returns a chain record.
func (l *Ledger) GetChain(ctx context.Context, chainID string) (*domain.ChainExecution, error) {
	return l.store.GetChain(ctx, chainID)
}

// ListTaskLogs returns the tasks of a chain.
func (l *Ledger) ListTaskLogs(ctx context.Context, chainID string) ([]*domain.TaskLog, error) {
	return l.store.ListTaskLogs(ctx, chainID)
}
