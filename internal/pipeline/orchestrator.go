package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/platform/metrics"
	"github.com/phrazzld/docpipe/internal/store"
)

const tracerName = "github.com/phrazzld/docpipe/internal/pipeline"

// RunRequest describes one document to push through a chain.
type RunRequest struct {
	BatchID     string
	ChainID     string
	InputPath   string
	Options     domain.Options
	InitiatedBy string
}

// Orchestrator runs a chain's stages in order against a single
// PipelineContext, persisting the context after every stage.
type Orchestrator struct {
	contexts  store.ContextStore
	hooks     Hooks
	revoked   RevocationChecker
	finalizer Finalizer
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHooks sets the lifecycle hooks.
func WithHooks(h Hooks) Option { return func(o *Orchestrator) { o.hooks = h } }

// WithRevocationChecker sets the source of revocation state.
func WithRevocationChecker(r RevocationChecker) Option {
	return func(o *Orchestrator) { o.revoked = r }
}

// WithFinalizer sets the chain finalizer.
func WithFinalizer(f Finalizer) Option { return func(o *Orchestrator) { o.finalizer = f } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// NewOrchestrator creates an orchestrator persisting contexts in contexts.
func NewOrchestrator(contexts store.ContextStore, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		contexts: contexts,
		hooks:    NopHooks{},
		tracer:   otel.Tracer(tracerName),
		logger:   logger.With("component", "orchestrator"),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes chain for req. It resumes a stored context for the same
// (batch, chain) key, skipping stages that already succeeded. A fatal stage
// failure returns *StageError; orchestrator failures return *PipelineError.
// When ctx ends mid-stage the *StageError wraps ErrInterrupted and nothing is
// recorded as failed.
func (o *Orchestrator) Run(ctx context.Context, chain *Chain, req RunRequest) (*domain.PipelineContext, error) {
	if req.ChainID == "" {
		req.ChainID = uuid.NewString()
	}
	log := o.logger.With("chain_id", req.ChainID, "chain_name", chain.Name, "batch_id", req.BatchID)

	pctx, err := o.loadOrCreate(ctx, chain, req)
	if err != nil {
		return nil, err
	}
	if pctx.Status.IsTerminal() {
		log.Info("chain already finished", "status", pctx.Status)
		if pctx.Status == domain.StatusSuccess {
			return pctx, nil
		}
		return pctx, &PipelineError{Message: fmt.Sprintf("chain already finished with status %s", pctx.Status)}
	}

	o.metrics.ChainStarted()
	defer o.metrics.ChainDone()

	pctx.Status = domain.StatusStarted
	total := len(chain.Stages)

	for _, stage := range chain.Stages {
		name := stage.Name()
		if pctx.HasCompleted(name) {
			log.Debug("skipping completed stage", "stage", name)
			continue
		}

		revoked, err := o.isRevoked(ctx, pctx)
		if err != nil {
			log.Warn("revocation check failed, continuing", "stage", name, "error", err)
		}
		if revoked {
			pctx.Status = domain.StatusRevoked
			pctx.CurrentStage = ""
			if saveErr := o.contexts.Save(ctx, pctx); saveErr != nil {
				log.Error("failed to save revoked context", "error", saveErr)
			}
			log.Info("chain revoked at stage boundary", "next_stage", name)
			perr := &PipelineError{Message: "stopped before stage " + name, Err: ErrChainRevoked}
			if o.finalizer != nil {
				if err := o.finalizer.AbortChain(ctx, pctx.ChainID, perr); err != nil {
					log.Warn("failed to record chain revocation", "error", err)
				}
			}
			return pctx, perr
		}

		pctx.CurrentStage = name
		if err := o.contexts.Save(ctx, pctx); err != nil {
			return pctx, o.abort(ctx, pctx, err)
		}

		attempt := TaskAttempt{
			TaskID:      TaskID(pctx.ChainID, name),
			TaskName:    name,
			ChainID:     pctx.ChainID,
			ChainName:   chain.Name,
			BatchID:     pctx.BatchID,
			TotalTasks:  total,
			Attempt:     1,
			InitiatedBy: pctx.InitiatedBy,
			InputPath:   pctx.InputPath,
		}

		next, stageErr := o.runStage(ctx, chain, stage, pctx, attempt)
		if next != nil {
			pctx = next
		}

		if errors.Is(stageErr, ErrInterrupted) {
			// The stored context stays STARTED at this stage so redelivery resumes it.
			log.Warn("chain interrupted", "stage", name, "error", stageErr)
			return pctx, stageErr
		}
		if stageErr != nil {
			pctx.Status = domain.StatusFailure
			pctx.Error = stageErr.Error()
			if err := o.contexts.Save(ctx, pctx); err != nil {
				log.Error("failed to save failed context", "stage", name, "error", err)
			}
			log.Error("chain failed", "stage", name, "error", stageErr)
			return pctx, stageErr
		}

		pctx.MarkCompleted(name)
		if err := o.contexts.Save(ctx, pctx); err != nil {
			return pctx, o.abort(ctx, pctx, err)
		}
	}

	pctx.Status = domain.StatusSuccess
	pctx.CurrentStage = ""
	if err := o.contexts.Save(ctx, pctx); err != nil {
		return pctx, o.abort(ctx, pctx, err)
	}
	if o.finalizer != nil && pctx.Output != nil {
		if result, err := json.Marshal(pctx.Output); err == nil {
			if err := o.finalizer.CompleteChain(ctx, pctx.ChainID, result); err != nil {
				log.Warn("failed to record chain result", "error", err)
			}
		}
	}
	log.Info("chain succeeded", "stages", total)
	return pctx, nil
}

func (o *Orchestrator) loadOrCreate(ctx context.Context, chain *Chain, req RunRequest) (*domain.PipelineContext, error) {
	pctx, err := o.contexts.Load(ctx, req.BatchID, req.ChainID)
	switch {
	case err == nil:
		o.logger.Info("resuming chain",
			"chain_id", req.ChainID,
			"completed_stages", pctx.CompletedStages)
		return pctx, nil
	case !errors.Is(err, store.ErrContextNotFound):
		return nil, &PipelineError{Message: "failed to load context", Err: err}
	}

	pctx, err = domain.NewPipelineContext(req.BatchID, req.ChainID, chain.Name, req.InputPath, req.Options)
	if err != nil {
		return nil, &PipelineError{Message: "invalid run request", Err: err}
	}
	pctx.InitiatedBy = req.InitiatedBy
	if err := o.contexts.Save(ctx, pctx); err != nil {
		return nil, &PipelineError{Message: "failed to save context", Err: err}
	}
	return pctx, nil
}

func (o *Orchestrator) isRevoked(ctx context.Context, pctx *domain.PipelineContext) (bool, error) {
	if o.revoked == nil {
		return false, nil
	}
	return o.revoked.IsRevoked(ctx, pctx.BatchID, pctx.ChainID)
}

func (o *Orchestrator) abort(ctx context.Context, pctx *domain.PipelineContext, cause error) error {
	perr := &PipelineError{Message: "context store unavailable", Err: cause}
	o.logger.Error("aborting chain", "chain_id", pctx.ChainID, "error", cause)
	if o.finalizer != nil {
		if err := o.finalizer.AbortChain(ctx, pctx.ChainID, perr); err != nil {
			o.logger.Error("failed to finalize aborted chain", "chain_id", pctx.ChainID, "error", err)
		}
	}
	return perr
}

// runStage drives one stage through validation, retried execution and the
// lifecycle hooks. The returned context is the stage's output when non-nil.
func (o *Orchestrator) runStage(
	ctx context.Context,
	chain *Chain,
	stage Stage,
	pctx *domain.PipelineContext,
	attempt TaskAttempt,
) (*domain.PipelineContext, error) {
	name := stage.Name()
	log := o.logger.With("chain_id", attempt.ChainID, "stage", name, "task_id", attempt.TaskID)

	o.hooks.PreRun(ctx, attempt)

	if err := stage.ValidateInput(pctx); err != nil {
		serr := &StageError{StageName: name, Message: "input validation failed", Err: err}
		o.hooks.PostFailure(ctx, attempt, serr)
		return nil, serr
	}

	var out *domain.PipelineContext
	for {
		result, err := o.execute(ctx, chain, stage, pctx, attempt)
		if err == nil {
			out = result
			break
		}

		if ctx.Err() != nil {
			return nil, interrupted(name, ctx.Err())
		}

		retry, delay, classified := chain.Retry.Decide(err, attempt.Attempt-1)
		if !retry {
			msg := "execution failed"
			if errors.Is(classified, ErrRetriesExhausted) {
				msg = "retries exhausted"
			}
			serr := &StageError{StageName: name, Message: msg, Err: classified}
			o.hooks.PostFailure(ctx, attempt, serr)
			return nil, serr
		}

		log.Warn("stage attempt failed, retrying",
			"attempt", attempt.Attempt,
			"delay", delay,
			"error", err)
		o.metrics.StageRetried(name)
		o.hooks.PostRetry(ctx, attempt, err)

		pctx.RetryCount++
		pctx.Error = err.Error()
		if saveErr := o.contexts.Save(ctx, pctx); saveErr != nil {
			log.Warn("failed to save context before retry", "error", saveErr)
		}

		if err := o.sleep(ctx, delay); err != nil {
			return nil, interrupted(name, err)
		}

		attempt.Attempt++
		o.hooks.PreRun(ctx, attempt)
	}

	if out == nil {
		out = pctx
	}
	if err := stage.ValidateOutput(out); err != nil {
		serr := &StageError{StageName: name, Message: "output validation failed", Err: err}
		o.hooks.PostFailure(ctx, attempt, serr)
		return out, serr
	}

	o.hooks.PostSuccess(ctx, attempt)
	return out, nil
}

// interrupted reports a stage stopped by the run's context. No failure hook
// fires, so the task log stays open for the resumed run.
func interrupted(stage string, cause error) *StageError {
	return &StageError{StageName: stage, Message: "interrupted", Err: fmt.Errorf("%w: %w", ErrInterrupted, cause)}
}

// execute runs one Execute attempt inside a span and the per-stage timeout.
// A timeout of the attempt itself is reported as retryable.
func (o *Orchestrator) execute(
	ctx context.Context,
	chain *Chain,
	stage Stage,
	pctx *domain.PipelineContext,
	attempt TaskAttempt,
) (*domain.PipelineContext, error) {
	name := stage.Name()
	spanCtx, span := o.tracer.Start(ctx, "stage."+name, trace.WithAttributes(
		attribute.String("docpipe.chain_id", attempt.ChainID),
		attribute.String("docpipe.chain_name", attempt.ChainName),
		attribute.String("docpipe.stage", name),
		attribute.Int("docpipe.attempt", attempt.Attempt),
	))
	defer span.End()

	execCtx := spanCtx
	if chain.StageTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(spanCtx, chain.StageTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := stage.Execute(execCtx, pctx)
	elapsed := time.Since(start)

	if err != nil && ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		err = Retryable(fmt.Errorf("stage timed out after %s: %w", chain.StageTimeout, err))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status := "failure"
		if IsRetryable(err) {
			status = "retry"
		}
		o.metrics.ObserveStage(name, status, elapsed)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	o.metrics.ObserveStage(name, "success", elapsed)
	return out, nil
}
