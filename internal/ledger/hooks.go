package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/docpipe/internal/pipeline"
	"github.com/phrazzld/docpipe/internal/platform/metrics"
)

// Hook names used in warnings and metrics.
const (
	HookPreRun      = "pre_run"
	HookPostSuccess = "post_success"
	HookPostFailure = "post_failure"
	HookPostRetry   = "post_retry"
)

// LedgerInconsistencyWarning reports a hook whose ledger update failed. The
// business task is unaffected; the ledger may lag the real outcome.
type LedgerInconsistencyWarning struct {
	Hook    string
	TaskID  string
	ChainID string
	Err     error
}

func (w *LedgerInconsistencyWarning) Error() string {
	return fmt.Sprintf("ledger inconsistency in %s for task %s (chain %s): %v", w.Hook, w.TaskID, w.ChainID, w.Err)
}

func (w *LedgerInconsistencyWarning) Unwrap() error {
	return w.Err
}

// Hooks adapts a Ledger to pipeline.Hooks.
type Hooks struct {
	ledger  *Ledger
	metrics *metrics.Metrics
	logger  *slog.Logger
	// OnWarning observes every warning after it is logged; tests use it.
	OnWarning func(*LedgerInconsistencyWarning)
}

var _ pipeline.Hooks = (*Hooks)(nil)

// NewHooks creates hooks writing to l.
func NewHooks(l *Ledger, m *metrics.Metrics, logger *slog.Logger) *Hooks {
	return &Hooks{
		ledger:  l,
		metrics: m,
		logger:  logger.With("component", "ledger_hooks"),
	}
}

func (h *Hooks) PreRun(ctx context.Context, a pipeline.TaskAttempt) {
	h.check(ctx, HookPreRun, a, h.ledger.StartTask(ctx, a))
}

func (h *Hooks) PostSuccess(ctx context.Context, a pipeline.TaskAttempt) {
	h.check(ctx, HookPostSuccess, a, h.ledger.SucceedTask(ctx, a))
}

func (h *Hooks) PostFailure(ctx context.Context, a pipeline.TaskAttempt, err error) {
	h.check(ctx, HookPostFailure, a, h.ledger.FailTask(ctx, a, err))
}

func (h *Hooks) PostRetry(ctx context.Context, a pipeline.TaskAttempt, reason error) {
	h.check(ctx, HookPostRetry, a, h.ledger.RetryTask(ctx, a, reason))
}

func (h *Hooks) check(ctx context.Context, hook string, a pipeline.TaskAttempt, err error) {
	if err == nil {
		return
	}
	w := &LedgerInconsistencyWarning{Hook: hook, TaskID: a.TaskID, ChainID: a.ChainID, Err: err}
	h.logger.WarnContext(ctx, "ledger update failed",
		"hook", hook,
		"task_id", a.TaskID,
		"task_name", a.TaskName,
		"chain_id", a.ChainID,
		"attempt", a.Attempt,
		"error", w)
	h.metrics.LedgerInconsistent(hook)
	if h.OnWarning != nil {
		h.OnWarning(w)
	}
}
