package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/events"
	"github.com/phrazzld/docpipe/internal/pipeline"
	"github.com/phrazzld/docpipe/internal/platform/memory"
	"github.com/phrazzld/docpipe/internal/platform/metrics"
	"github.com/phrazzld/docpipe/internal/platform/sqlstore"
)

var stageNames = []string{"ocr", "layout", "llm_analysis", "post_processing"}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*events.ExecutionEvent
}

func (r *recordingEmitter) EmitEvent(_ context.Context, ev *events.ExecutionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) all() []*events.ExecutionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*events.ExecutionEvent(nil), r.events...)
}

type fixture struct {
	db      *sql.DB
	ledger  *Ledger
	hooks   *Hooks
	emitter *recordingEmitter
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", filepath.Join(t.TempDir(), "ledger.db"))
	db, err := sqlstore.Open(ctx, sqlstore.DialectSQLite, dsn, sqlstore.PoolOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlstore.Migrate(ctx, db, sqlstore.DialectSQLite, logger))

	m := metrics.New(prometheus.NewRegistry())
	em := &recordingEmitter{}
	l := New(db, sqlstore.NewLedgerStore(db, sqlstore.DialectSQLite), logger, WithEmitter(em), WithMetrics(m))
	return &fixture{db: db, ledger: l, hooks: NewHooks(l, m, logger), emitter: em, metrics: m}
}

func attempt(chainID, batchID, stage string, n int) pipeline.TaskAttempt {
	return pipeline.TaskAttempt{
		TaskID:      pipeline.TaskID(chainID, stage),
		TaskName:    stage,
		ChainID:     chainID,
		ChainName:   pipeline.DefaultChainName,
		BatchID:     batchID,
		TotalTasks:  len(stageNames),
		Attempt:     n,
		InitiatedBy: "tester",
		InputPath:   "docs/a.pdf",
	}
}

func (f *fixture) createBatch(t *testing.T, items, chunkSize int) *domain.BatchExecution {
	t.Helper()
	b, err := domain.NewBatchExecution(ulid.Make().String(), "test", pipeline.DefaultChainName, items, chunkSize, "tester", nil)
	require.NoError(t, err)
	require.NoError(t, f.ledger.CreateBatch(context.Background(), b))
	return b
}

func TestHooksHappyPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	chainID := "chain-a"

	for _, stage := range stageNames {
		a := attempt(chainID, domain.StandaloneBatchID, stage, 1)
		f.hooks.PreRun(ctx, a)
		f.hooks.PostSuccess(ctx, a)
	}
	// Redelivered success of the last task.
	f.hooks.PostSuccess(ctx, attempt(chainID, domain.StandaloneBatchID, "post_processing", 1))

	chain, err := f.ledger.GetChain(ctx, chainID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, chain.Status)
	assert.Equal(t, 4, chain.CompletedTasks)
	assert.Equal(t, 0, chain.FailedTasks)
	assert.Empty(t, chain.BatchID)
	assert.Equal(t, "tester", chain.InitiatedBy)
	assert.NotNil(t, chain.StartedAt)
	assert.NotNil(t, chain.FinishedAt)

	logs, err := f.ledger.ListTaskLogs(ctx, chainID)
	require.NoError(t, err)
	require.Len(t, logs, 4)
	for _, l := range logs {
		assert.Equal(t, domain.StatusSuccess, l.Status)
	}

	evs := f.emitter.all()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindChain, evs[0].Kind)
	assert.Equal(t, domain.StatusSuccess, evs[0].Status)

	require.NoError(t, f.ledger.CompleteChain(ctx, chainID, []byte(`{"format":"json"}`)))
	chain, err = f.ledger.GetChain(ctx, chainID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"format":"json"}`, string(chain.FinalResult))
}

func TestHooksFailureFinalizesChain(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	b := f.createBatch(t, 1, 1)
	chainID := "chain-c"

	for _, stage := range stageNames[:2] {
		a := attempt(chainID, b.BatchID, stage, 1)
		f.hooks.PreRun(ctx, a)
		f.hooks.PostSuccess(ctx, a)
	}
	failing := attempt(chainID, b.BatchID, "llm_analysis", 1)
	f.hooks.PreRun(ctx, failing)
	f.hooks.PostFailure(ctx, failing, errors.New("analyzer rejected document with api_key=sk-123456"))
	f.hooks.PostFailure(ctx, failing, errors.New("duplicate delivery"))

	chain, err := f.ledger.GetChain(ctx, chainID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailure, chain.Status)
	assert.Equal(t, 2, chain.CompletedTasks)
	assert.Equal(t, 1, chain.FailedTasks)
	assert.Equal(t, 4, chain.TotalTasks)
	assert.Equal(t, b.BatchID, chain.BatchID)

	task, err := f.ledger.store.GetTaskLog(ctx, failing.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailure, task.Status)
	assert.NotContains(t, task.Error, "sk-123456")

	batch, err := f.ledger.GetBatch(ctx, b.BatchID)
	require.NoError(t, err)
	assert.NotEmpty(t, batch.ErrorMessage)
	assert.Equal(t, 0, batch.FailedItems, "item counters belong to chunk fan-in")

	evs := f.emitter.all()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.StatusFailure, evs[0].Status)
	assert.Equal(t, b.BatchID, evs[0].BatchID)
}

func TestHooksRetryTracksAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	chainID := "chain-retry"

	first := attempt(chainID, domain.StandaloneBatchID, "ocr", 1)
	f.hooks.PreRun(ctx, first)
	f.hooks.PostRetry(ctx, first, errors.New("connection reset"))

	task, err := f.ledger.store.GetTaskLog(ctx, first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetry, task.Status)

	second := attempt(chainID, domain.StandaloneBatchID, "ocr", 2)
	f.hooks.PreRun(ctx, second)
	f.hooks.PostSuccess(ctx, second)

	task, err = f.ledger.store.GetTaskLog(ctx, first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, task.Status)
	assert.Equal(t, 1, task.Retries)

	chain, err := f.ledger.GetChain(ctx, chainID)
	require.NoError(t, err)
	assert.Equal(t, 1, chain.CompletedTasks)
	assert.Equal(t, domain.StatusStarted, chain.Status)
}

func TestConcurrentHookDelivery(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	chainID := "chain-concurrent"

	for _, stage := range stageNames {
		f.hooks.PreRun(ctx, attempt(chainID, domain.StandaloneBatchID, stage, 1))
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		for _, stage := range stageNames {
			wg.Add(1)
			go func(stage string) {
				defer wg.Done()
				f.hooks.PostSuccess(ctx, attempt(chainID, domain.StandaloneBatchID, stage, 1))
			}(stage)
		}
	}
	wg.Wait()

	chain, err := f.ledger.GetChain(ctx, chainID)
	require.NoError(t, err)
	assert.Equal(t, 4, chain.CompletedTasks)
	assert.Equal(t, domain.StatusSuccess, chain.Status)
	assert.Len(t, f.emitter.all(), 1)
}

func TestHooksReportInconsistency(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.db.Close())

	var warnings []*LedgerInconsistencyWarning
	f.hooks.OnWarning = func(w *LedgerInconsistencyWarning) { warnings = append(warnings, w) }

	a := attempt("chain-x", domain.StandaloneBatchID, "ocr", 1)
	f.hooks.PreRun(context.Background(), a)
	f.hooks.PostSuccess(context.Background(), a)

	require.Len(t, warnings, 2)
	assert.Equal(t, HookPreRun, warnings[0].Hook)
	assert.Equal(t, HookPostSuccess, warnings[1].Hook)
	assert.Equal(t, a.TaskID, warnings[0].TaskID)
	assert.Contains(t, warnings[0].Error(), "chain-x")
	assert.Error(t, errors.Unwrap(warnings[0]))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LedgerInconsistency.WithLabelValues(HookPreRun)))
}

func TestRevocation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	chainID := "chain-revoke"

	revoked, err := f.ledger.IsRevoked(ctx, domain.StandaloneBatchID, chainID)
	require.NoError(t, err)
	assert.False(t, revoked, "unknown chains are not revoked")

	a := attempt(chainID, domain.StandaloneBatchID, "ocr", 1)
	f.hooks.PreRun(ctx, a)

	changed, err := f.ledger.RevokeChain(ctx, chainID)
	require.NoError(t, err)
	assert.True(t, changed)

	revoked, err = f.ledger.IsRevoked(ctx, domain.StandaloneBatchID, chainID)
	require.NoError(t, err)
	assert.True(t, revoked)

	task, err := f.ledger.store.GetTaskLog(ctx, a.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarted, task.Status, "the in-flight task is still running")

	// The in-flight stage records its own outcome; the chain stays revoked.
	f.hooks.PostSuccess(ctx, a)
	task, err = f.ledger.store.GetTaskLog(ctx, a.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, task.Status)

	chain, err := f.ledger.GetChain(ctx, chainID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, chain.Status)
	assert.Equal(t, 0, chain.CompletedTasks, "revoked chains keep their counters")

	changed, err = f.ledger.RevokeChain(ctx, chainID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = f.ledger.RevokeChain(ctx, "missing")
	assert.Error(t, err)
}

// funcStage runs fn as its Execute step.
type funcStage struct {
	name  string
	fn    func(ctx context.Context, p *domain.PipelineContext) (*domain.PipelineContext, error)
	calls int
}

func (s *funcStage) Name() string                              { return s.name }
func (s *funcStage) ValidateInput(*domain.PipelineContext) error  { return nil }
func (s *funcStage) ValidateOutput(*domain.PipelineContext) error { return nil }

func (s *funcStage) Execute(ctx context.Context, p *domain.PipelineContext) (*domain.PipelineContext, error) {
	s.calls++
	if s.fn != nil {
		return s.fn(ctx, p)
	}
	return p, nil
}

func (f *fixture) orchestrator() *pipeline.Orchestrator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return pipeline.NewOrchestrator(memory.NewContextStore(time.Hour), logger,
		pipeline.WithHooks(f.hooks),
		pipeline.WithRevocationChecker(f.ledger),
		pipeline.WithFinalizer(f.ledger),
		pipeline.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func newStages() []*funcStage {
	out := make([]*funcStage, len(stageNames))
	for i, name := range stageNames {
		out[i] = &funcStage{name: name}
	}
	return out
}

func chainOf(stages []*funcStage) *pipeline.Chain {
	c := &pipeline.Chain{Name: pipeline.DefaultChainName, Retry: pipeline.RetryPolicy{MaxRetries: 1}}
	for _, s := range stages {
		c.Stages = append(c.Stages, s)
	}
	return c
}

func TestRevokedChainFinishesInFlightStage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	chainID := "chain-revoked-mid-stage"

	stages := newStages()
	stages[1].fn = func(ctx context.Context, p *domain.PipelineContext) (*domain.PipelineContext, error) {
		_, err := f.ledger.RevokeChain(ctx, chainID)
		return p, err
	}

	_, err := f.orchestrator().Run(ctx, chainOf(stages), pipeline.RunRequest{
		BatchID:   domain.StandaloneBatchID,
		ChainID:   chainID,
		InputPath: "docs/a.pdf",
		Options:   domain.DefaultOptions(),
	})
	require.ErrorIs(t, err, pipeline.ErrChainRevoked)
	assert.Equal(t, 0, stages[2].calls, "no stage starts after the revocation")
	assert.Equal(t, 0, stages[3].calls)

	chain, err := f.ledger.GetChain(ctx, chainID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, chain.Status)

	logs, err := f.ledger.ListTaskLogs(ctx, chainID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	byName := map[string]domain.Status{}
	for _, l := range logs {
		byName[l.TaskName] = l.Status
	}
	assert.Equal(t, domain.StatusSuccess, byName["ocr"])
	assert.Contains(t, []domain.Status{domain.StatusSuccess, domain.StatusFailure}, byName["layout"],
		"the in-flight stage still reaches a terminal status")
}

func TestInterruptedChainResumesAfterRedelivery(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	b := f.createBatch(t, 1, 1)
	chainID := "chain-interrupted"
	o := f.orchestrator()

	runCtx, cancel := context.WithCancel(context.Background())
	stages := newStages()
	stages[1].fn = func(ctx context.Context, p *domain.PipelineContext) (*domain.PipelineContext, error) {
		cancel()
		return nil, ctx.Err()
	}
	req := pipeline.RunRequest{BatchID: b.BatchID, ChainID: chainID, InputPath: "docs/a.pdf", Options: domain.DefaultOptions()}

	_, err := o.Run(runCtx, chainOf(stages), req)
	require.ErrorIs(t, err, pipeline.ErrInterrupted)

	ctx := context.Background()
	chain, err := f.ledger.GetChain(ctx, chainID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarted, chain.Status)
	assert.Equal(t, 0, chain.FailedTasks)

	stages[1].fn = nil
	pctx, err := o.Run(ctx, chainOf(stages), req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, pctx.Status)
	assert.Equal(t, 1, stages[0].calls, "completed stages never re-run")
	assert.Equal(t, 2, stages[1].calls)

	chain, err = f.ledger.GetChain(ctx, chainID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, chain.Status)
	assert.Equal(t, 4, chain.CompletedTasks)
	assert.Equal(t, 0, chain.FailedTasks)
}

func TestAbortChain(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.hooks.PreRun(ctx, attempt("aborted", domain.StandaloneBatchID, "ocr", 1))
	cause := &pipeline.PipelineError{Message: "context store unavailable", Err: errors.New("redis down")}
	require.NoError(t, f.ledger.AbortChain(ctx, "aborted", cause))

	chain, err := f.ledger.GetChain(ctx, "aborted")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailure, chain.Status)
	assert.Contains(t, chain.ErrorMessage, "context store unavailable")

	f.hooks.PreRun(ctx, attempt("stopped", domain.StandaloneBatchID, "ocr", 1))
	revoked := &pipeline.PipelineError{Message: "stopped before stage layout", Err: pipeline.ErrChainRevoked}
	require.NoError(t, f.ledger.AbortChain(ctx, "stopped", revoked))

	chain, err = f.ledger.GetChain(ctx, "stopped")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, chain.Status)

	// Aborting a chain with no record is a no-op.
	require.NoError(t, f.ledger.AbortChain(ctx, "never-started", cause))
}

func TestRecordChunkResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	b := f.createBatch(t, 5, 2)

	started, err := f.ledger.MarkBatchStarted(ctx, b.BatchID)
	require.NoError(t, err)
	assert.True(t, started)

	results := []domain.ChunkResult{
		{ChunkIndex: 2, Completed: 1},
		{ChunkIndex: 0, Completed: 2},
		{ChunkIndex: 1, Completed: 1, Failed: 1},
	}
	for _, r := range results {
		recorded, err := f.ledger.RecordChunkResult(ctx, b.BatchID, r)
		require.NoError(t, err)
		assert.True(t, recorded)
	}
	recorded, err := f.ledger.RecordChunkResult(ctx, b.BatchID, results[0])
	require.NoError(t, err)
	assert.False(t, recorded, "redelivered chunk")

	batch, err := f.ledger.GetBatch(ctx, b.BatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailure, batch.Status)
	assert.Equal(t, 4, batch.CompletedItems)
	assert.Equal(t, 1, batch.FailedItems)
	assert.Equal(t, 3, batch.CompletedChunks)

	evs := f.emitter.all()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindBatch, evs[0].Kind)
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.BatchItems.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BatchItems.WithLabelValues("failure")))
}

func TestRevokeBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	b := f.createBatch(t, 2, 1)
	_, err := f.ledger.MarkBatchStarted(ctx, b.BatchID)
	require.NoError(t, err)

	f.hooks.PreRun(ctx, attempt("item-0", b.BatchID, "ocr", 1))

	changed, err := f.ledger.RevokeBatch(ctx, b.BatchID)
	require.NoError(t, err)
	assert.True(t, changed)

	revoked, err := f.ledger.IsRevoked(ctx, b.BatchID, "item-1")
	require.NoError(t, err)
	assert.True(t, revoked, "chains not yet recorded inherit the batch revocation")

	chain, err := f.ledger.GetChain(ctx, "item-0")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, chain.Status)

	recorded, err := f.ledger.RecordChunkResult(ctx, b.BatchID, domain.ChunkResult{ChunkIndex: 0, Completed: 1})
	require.NoError(t, err)
	assert.True(t, recorded)

	batch, err := f.ledger.GetBatch(ctx, b.BatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, batch.Status)
	assert.Equal(t, 0, batch.CompletedItems, "revoked batches keep their counters")

	changed, err = f.ledger.RevokeBatch(ctx, b.BatchID)
	require.NoError(t, err)
	assert.False(t, changed)
}
