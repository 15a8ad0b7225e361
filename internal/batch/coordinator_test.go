package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/ledger"
	"github.com/phrazzld/docpipe/internal/pipeline"
	"github.com/phrazzld/docpipe/internal/platform/memory"
	"github.com/phrazzld/docpipe/internal/platform/metrics"
	"github.com/phrazzld/docpipe/internal/platform/sqlstore"
	"github.com/phrazzld/docpipe/internal/task"
)

const chainDefs = `
chains:
  - name: document_analysis
    stages: [ocr, layout, llm_analysis, post_processing]
    stage_timeout: 5s
    retry: {max_retries: 3, initial_backoff: 1s, multiplier: 2, max_backoff: 10m, jitter: false}
`

// fakeStage lets a test decide the outcome of each call by input path.
type fakeStage struct {
	name string

	mu      sync.Mutex
	calls   map[string]int
	outcome func(inputPath string, call int) error
}

func newFakeStage(name string) *fakeStage {
	return &fakeStage{name: name, calls: make(map[string]int)}
}

func (s *fakeStage) Name() string                                { return s.name }
func (s *fakeStage) ValidateInput(*domain.PipelineContext) error  { return nil }
func (s *fakeStage) ValidateOutput(*domain.PipelineContext) error { return nil }

func (s *fakeStage) Execute(_ context.Context, pctx *domain.PipelineContext) (*domain.PipelineContext, error) {
	s.mu.Lock()
	s.calls[pctx.InputPath]++
	call := s.calls[pctx.InputPath]
	outcome := s.outcome
	s.mu.Unlock()

	if outcome != nil {
		if err := outcome(pctx.InputPath, call); err != nil {
			return nil, err
		}
	}
	return pctx, nil
}

func (s *fakeStage) callsFor(inputPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[inputPath]
}

// flakySubmitter fails submission of chunks that fail matches.
type flakySubmitter struct {
	inner Submitter
	fail  func(t task.Task) bool
}

func (f *flakySubmitter) Submit(ctx context.Context, t task.Task) error {
	if f.fail(t) {
		return errors.New("queue unavailable")
	}
	return f.inner.Submit(ctx, t)
}

// capturingSubmitter holds tasks instead of running them.
type capturingSubmitter struct {
	mu    sync.Mutex
	tasks []task.Task
}

func (c *capturingSubmitter) Submit(_ context.Context, t task.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, t)
	return nil
}

type harness struct {
	coord     *Coordinator
	ledger    *ledger.Ledger
	runner    *task.TaskRunner
	taskStore *task.MockTaskStore
	stages    map[string]*fakeStage
	catalog   *pipeline.Catalog
	orch      *pipeline.Orchestrator
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, submitter func(r *task.TaskRunner) Submitter) *harness {
	t.Helper()
	ctx := context.Background()
	log := discardLogger()

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", filepath.Join(t.TempDir(), "batch.db"))
	db, err := sqlstore.Open(ctx, sqlstore.DialectSQLite, dsn, sqlstore.PoolOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlstore.Migrate(ctx, db, sqlstore.DialectSQLite, log))

	m := metrics.New(prometheus.NewRegistry())
	l := ledger.New(db, sqlstore.NewLedgerStore(db, sqlstore.DialectSQLite), log, ledger.WithMetrics(m))

	stages := map[string]*fakeStage{}
	registry := pipeline.NewRegistry()
	for _, name := range []string{pipeline.StageOCR, pipeline.StageLayout, pipeline.StageLLMAnalysis, pipeline.StagePostProcessing} {
		s := newFakeStage(name)
		stages[name] = s
		registry.Register(s)
	}
	defs, err := pipeline.LoadDefinitions(strings.NewReader(chainDefs))
	require.NoError(t, err)
	catalog, err := registry.BuildCatalog(defs, pipeline.DefaultRetryPolicy())
	require.NoError(t, err)

	orch := pipeline.NewOrchestrator(memory.NewContextStore(time.Hour), log,
		pipeline.WithHooks(ledger.NewHooks(l, m, log)),
		pipeline.WithRevocationChecker(l),
		pipeline.WithFinalizer(l),
		pipeline.WithMetrics(m),
		pipeline.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)

	taskStore := task.NewMockTaskStore()
	cfg := task.DefaultTaskRunnerConfig()
	cfg.WorkerCount = 3
	runner := task.NewTaskRunner(taskStore, cfg, log)

	var sub Submitter = runner
	if submitter != nil {
		sub = submitter(runner)
	}

	coord := NewCoordinator(catalog, orch, sub, l, Config{DefaultChunkSize: 2, MaxItems: 50, PollInterval: 10 * time.Millisecond}, log)
	coord.RegisterFactories(runner)

	require.NoError(t, runner.Start())
	t.Cleanup(runner.Stop)

	return &harness{
		coord:     coord,
		ledger:    l,
		runner:    runner,
		taskStore: taskStore,
		stages:    stages,
		catalog:   catalog,
		orch:      orch,
	}
}

func (h *harness) await(t *testing.T, batchID string) *domain.BatchExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := h.coord.AwaitBatch(ctx, batchID)
	require.NoError(t, err)
	return b
}

func items(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("docs/%03d.pdf", i)
	}
	return out
}

func request(paths []string) BatchRequest {
	return BatchRequest{
		Name:        "invoices",
		ChainName:   pipeline.DefaultChainName,
		Items:       paths,
		Options:     domain.DefaultOptions(),
		InitiatedBy: "tester",
	}
}

func TestBatchHappyPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	batchID, err := h.coord.StartBatch(context.Background(), request(items(1)))
	require.NoError(t, err)

	b := h.await(t, batchID)
	assert.Equal(t, domain.StatusSuccess, b.Status)
	assert.Equal(t, 1, b.TotalItems)
	assert.Equal(t, 1, b.CompletedItems)
	assert.Equal(t, 0, b.FailedItems)
	assert.Equal(t, 1, b.TotalChunks)
	assert.Equal(t, 1, b.CompletedChunks)

	chain, err := h.ledger.GetChain(context.Background(), ChainIDFor(batchID, 0))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, chain.Status)
	assert.Equal(t, 4, chain.TotalTasks)
	assert.Equal(t, 4, chain.CompletedTasks)
	assert.Equal(t, 0, chain.FailedTasks)
	assert.Equal(t, batchID, chain.BatchID)
	assert.Equal(t, "tester", chain.InitiatedBy)
	assert.NotNil(t, chain.FinishedAt)

	logs, err := h.ledger.ListTaskLogs(context.Background(), chain.ID)
	require.NoError(t, err)
	require.Len(t, logs, 4)
	for _, tl := range logs {
		assert.Equal(t, domain.StatusSuccess, tl.Status, tl.TaskName)
		assert.Equal(t, 0, tl.Retries, tl.TaskName)
	}
}

func TestBatchTransientFailureRecovers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stages[pipeline.StageOCR].outcome = func(_ string, call int) error {
		if call <= 2 {
			return pipeline.Retryable(errors.New("ocr engine busy"))
		}
		return nil
	}

	batchID, err := h.coord.StartBatch(context.Background(), request(items(1)))
	require.NoError(t, err)

	b := h.await(t, batchID)
	assert.Equal(t, domain.StatusSuccess, b.Status)
	assert.Equal(t, 1, b.CompletedItems)

	chainID := ChainIDFor(batchID, 0)
	chain, err := h.ledger.GetChain(context.Background(), chainID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, chain.Status)
	assert.Equal(t, 4, chain.CompletedTasks)
	assert.Equal(t, 0, chain.FailedTasks)

	logs, err := h.ledger.ListTaskLogs(context.Background(), chainID)
	require.NoError(t, err)
	require.Len(t, logs, 4)
	retries := map[string]int{}
	for _, tl := range logs {
		assert.Equal(t, domain.StatusSuccess, tl.Status, tl.TaskName)
		retries[tl.TaskName] = tl.Retries
	}
	assert.Equal(t, 2, retries[pipeline.StageOCR])
	assert.Equal(t, 0, retries[pipeline.StageLayout])
	assert.Equal(t, 3, h.stages[pipeline.StageOCR].callsFor("docs/000.pdf"))
	assert.Equal(t, 1, h.stages[pipeline.StageLayout].callsFor("docs/000.pdf"))
}

func TestBatchFatalStageFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stages[pipeline.StageLLMAnalysis].outcome = func(string, int) error {
		return pipeline.NewValidationError("analysis", "model refused the document", nil)
	}

	batchID, err := h.coord.StartBatch(context.Background(), request(items(1)))
	require.NoError(t, err)

	b := h.await(t, batchID)
	assert.Equal(t, domain.StatusFailure, b.Status)
	assert.Equal(t, 0, b.CompletedItems)
	assert.Equal(t, 1, b.FailedItems)
	assert.Contains(t, b.ErrorMessage, "model refused the document")

	chainID := ChainIDFor(batchID, 0)
	chain, err := h.ledger.GetChain(context.Background(), chainID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailure, chain.Status)
	assert.Equal(t, 2, chain.CompletedTasks)
	assert.Equal(t, 1, chain.FailedTasks)
	assert.Equal(t, 4, chain.TotalTasks)
	assert.NotNil(t, chain.FinishedAt)

	logs, err := h.ledger.ListTaskLogs(context.Background(), chainID)
	require.NoError(t, err)
	require.Len(t, logs, 3, "the stage after the failure is never logged")
	for _, tl := range logs {
		assert.NotEqual(t, pipeline.StagePostProcessing, tl.TaskName)
		if tl.TaskName == pipeline.StageLLMAnalysis {
			assert.Equal(t, domain.StatusFailure, tl.Status)
			assert.Equal(t, 0, tl.Retries, "validation errors are not retried")
		}
	}
	assert.Equal(t, 1, h.stages[pipeline.StageLLMAnalysis].callsFor("docs/000.pdf"))
	assert.Zero(t, h.stages[pipeline.StagePostProcessing].callsFor("docs/000.pdf"))
}

func TestBatchAggregatesChunks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stages[pipeline.StageOCR].outcome = func(path string, _ int) error {
		if path == "docs/003.pdf" {
			return errors.New("unreadable scan")
		}
		return nil
	}

	req := request(items(7))
	req.ChunkSize = 3
	batchID, err := h.coord.StartBatch(context.Background(), req)
	require.NoError(t, err)

	b := h.await(t, batchID)
	assert.Equal(t, domain.StatusFailure, b.Status)
	assert.Equal(t, 3, b.TotalChunks)
	assert.Equal(t, 3, b.CompletedChunks)
	assert.Equal(t, 0, b.FailedChunks)
	assert.Equal(t, 6, b.CompletedItems)
	assert.Equal(t, 1, b.FailedItems)
	assert.Equal(t, 3, b.ChunkSize)

	chains, err := h.ledger.ListChains(context.Background(), batchID)
	require.NoError(t, err)
	assert.Len(t, chains, 7)
}

func TestBatchChunkPanicFailsWholeChunk(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stages[pipeline.StageLayout].outcome = func(path string, _ int) error {
		if path == "docs/001.pdf" {
			panic("layout blew up")
		}
		return nil
	}

	batchID, err := h.coord.StartBatch(context.Background(), request(items(3)))
	require.NoError(t, err)

	b := h.await(t, batchID)
	assert.Equal(t, domain.StatusFailure, b.Status)
	assert.Equal(t, 1, b.CompletedItems)
	assert.Equal(t, 2, b.FailedItems)
	assert.Equal(t, 1, b.CompletedChunks)
	assert.Equal(t, 1, b.FailedChunks)
}

func TestBatchSubmitFailureConverges(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(r *task.TaskRunner) Submitter {
		return &flakySubmitter{inner: r, fail: func(tk task.Task) bool {
			ct, ok := tk.(*ChunkTask)
			return ok && ct.payload.ChunkIndex == 1
		}}
	})

	batchID, err := h.coord.StartBatch(context.Background(), request(items(4)))
	require.NoError(t, err)

	b := h.await(t, batchID)
	assert.Equal(t, domain.StatusFailure, b.Status)
	assert.Equal(t, 2, b.CompletedItems)
	assert.Equal(t, 2, b.FailedItems)
	assert.Equal(t, 1, b.FailedChunks)
	assert.Equal(t, 1, b.CompletedChunks)
}

func TestRevokedBatchStopsChains(t *testing.T) {
	t.Parallel()

	captured := &capturingSubmitter{}
	h := newHarness(t, func(*task.TaskRunner) Submitter { return captured })
	ctx := context.Background()

	batchID, err := h.coord.StartBatch(ctx, request(items(3)))
	require.NoError(t, err)
	require.Len(t, captured.tasks, 2)

	revoked, err := h.coord.RevokeBatch(ctx, batchID)
	require.NoError(t, err)
	assert.True(t, revoked)

	for _, tk := range captured.tasks {
		require.NoError(t, tk.Execute(ctx))
	}

	b, err := h.coord.AwaitBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, b.Status)

	for _, s := range h.stages {
		for _, path := range items(3) {
			assert.Zero(t, s.callsFor(path), "%s ran for %s", s.name, path)
		}
	}

	again, err := h.coord.RevokeBatch(ctx, batchID)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestChunkRedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	captured := &capturingSubmitter{}
	h := newHarness(t, func(*task.TaskRunner) Submitter { return captured })
	ctx := context.Background()

	batchID, err := h.coord.StartBatch(ctx, request(items(2)))
	require.NoError(t, err)
	require.Len(t, captured.tasks, 1)

	require.NoError(t, captured.tasks[0].Execute(ctx))
	require.NoError(t, captured.tasks[0].Execute(ctx))

	b, err := h.coord.AwaitBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, b.Status)
	assert.Equal(t, 2, b.CompletedItems)
	assert.Equal(t, 0, b.FailedItems)
	assert.Equal(t, 1, b.CompletedChunks)

	// The second delivery resumed finished chains instead of rerunning stages.
	assert.Equal(t, 1, h.stages[pipeline.StageOCR].callsFor("docs/000.pdf"))
}

func TestRecoveredChunkRuns(t *testing.T) {
	t.Parallel()

	captured := &capturingSubmitter{}
	h := newHarness(t, func(*task.TaskRunner) Submitter { return captured })
	ctx := context.Background()

	batchID, err := h.coord.StartBatch(ctx, request(items(2)))
	require.NoError(t, err)
	require.Len(t, captured.tasks, 1)
	lost := captured.tasks[0]

	// A second runner over a store holding the interrupted task, as after a restart.
	store := task.NewMockTaskStore()
	store.Put(task.Record{
		ID:        lost.ID(),
		Type:      lost.Type(),
		Payload:   lost.Payload(),
		Status:    task.TaskStatusProcessing,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})
	restarted := task.NewTaskRunner(store, task.DefaultTaskRunnerConfig(), discardLogger())
	h.coord.RegisterFactories(restarted)
	require.NoError(t, restarted.Start())
	t.Cleanup(restarted.Stop)

	b := h.await(t, batchID)
	assert.Equal(t, domain.StatusSuccess, b.Status)
	assert.Equal(t, 2, b.CompletedItems)

	require.Eventually(t, func() bool {
		rec, ok := store.Get(lost.ID())
		return ok && rec.Status == task.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartChainRunsStandalone(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	chainID, err := h.coord.StartChain(ctx, ChainRequest{
		InputPath:   "docs/single.pdf",
		Options:     domain.DefaultOptions(),
		InitiatedBy: "tester",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, err := h.ledger.GetChain(ctx, chainID)
		return err == nil && c.Status == domain.StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	c, err := h.ledger.GetChain(ctx, chainID)
	require.NoError(t, err)
	assert.Empty(t, c.BatchID)
	assert.Equal(t, pipeline.DefaultChainName, c.ChainName)
	assert.Equal(t, 4, c.CompletedTasks)
}

func TestStartBatchValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*BatchRequest)
		wantErr error
	}{
		{"no items", func(r *BatchRequest) { r.Items = nil }, domain.ErrEmptyInput},
		{"blank item", func(r *BatchRequest) { r.Items = []string{"docs/a.pdf", "  "} }, domain.ErrEmptyInput},
		{"too many items", func(r *BatchRequest) { r.Items = items(51) }, ErrTooManyItems},
		{"negative chunk size", func(r *BatchRequest) { r.ChunkSize = -1 }, domain.ErrValidation},
		{"unknown chain", func(r *BatchRequest) { r.ChainName = "translate" }, pipeline.ErrUnknownChain},
		{"bad options", func(r *BatchRequest) { r.Options.LLM.Temperature = 5 }, domain.ErrInvalidOptions},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := request(items(2))
			tc.mutate(&req)
			_, err := h.coord.StartBatch(ctx, req)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	_, err := h.coord.StartChain(ctx, ChainRequest{Options: domain.DefaultOptions()})
	assert.ErrorIs(t, err, domain.ErrEmptyInput)
}

func TestChainIDForIsDeterministic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ChainIDFor("b1", 3), ChainIDFor("b1", 3))
	assert.NotEqual(t, ChainIDFor("b1", 3), ChainIDFor("b1", 4))
	assert.NotEqual(t, ChainIDFor("b1", 3), ChainIDFor("b2", 3))
	assert.Equal(t, chunkTaskID("b1", 0), chunkTaskID("b1", 0))
}
