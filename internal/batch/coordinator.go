// Package batch splits batches of documents into chunks, runs every chunk
// as a background task and folds chunk outcomes back into the ledger.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/pipeline"
	"github.com/phrazzld/docpipe/internal/task"
)

// ErrTooManyItems is returned when a batch exceeds the configured item limit.
var ErrTooManyItems = errors.New("too many items in batch")

// ChainResolver looks up chain definitions by name.
type ChainResolver interface {
	Get(name string) (*pipeline.Chain, error)
}

// ChainRunner runs one document through a chain.
type ChainRunner interface {
	Run(ctx context.Context, chain *pipeline.Chain, req pipeline.RunRequest) (*domain.PipelineContext, error)
}

// Submitter queues background tasks.
type Submitter interface {
	Submit(ctx context.Context, t task.Task) error
}

// FactoryRegistrar accepts task factories for recovery.
type FactoryRegistrar interface {
	RegisterFactory(taskType string, f task.Factory)
}

// Ledger is the slice of the execution ledger the coordinator drives.
type Ledger interface {
	CreateBatch(ctx context.Context, b *domain.BatchExecution) error
	MarkBatchStarted(ctx context.Context, batchID string) (bool, error)
	RecordChunkResult(ctx context.Context, batchID string, r domain.ChunkResult) (bool, error)
	GetBatch(ctx context.Context, batchID string) (*domain.BatchExecution, error)
	RevokeBatch(ctx context.Context, batchID string) (bool, error)
	RevokeChain(ctx context.Context, chainID string) (bool, error)
}

// Config bounds batch submission.
type Config struct {
	DefaultChunkSize int
	MaxItems         int
	PollInterval     time.Duration
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		DefaultChunkSize: 10,
		MaxItems:         10000,
		PollInterval:     500 * time.Millisecond,
	}
}

// BatchRequest asks for a batch of documents to be processed.
type BatchRequest struct {
	Name        string
	ChainName   string
	Items       []string
	ChunkSize   int
	Options     domain.Options
	InitiatedBy string
}

// ChainRequest asks for one standalone chain run.
type ChainRequest struct {
	ChainName   string
	InputPath   string
	Options     domain.Options
	InitiatedBy string
}

// Coordinator fans batches out to chunk tasks.
type Coordinator struct {
	chains ChainResolver
	runner ChainRunner
	tasks  Submitter
	ledger Ledger
	config Config
	logger *slog.Logger
	newID  func() string
}

// NewCoordinator creates a coordinator.
func NewCoordinator(
	chains ChainResolver,
	runner ChainRunner,
	tasks Submitter,
	ledger Ledger,
	config Config,
	logger *slog.Logger,
) *Coordinator {
	defaults := DefaultConfig()
	if config.DefaultChunkSize <= 0 {
		config.DefaultChunkSize = defaults.DefaultChunkSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	return &Coordinator{
		chains: chains,
		runner: runner,
		tasks:  tasks,
		ledger: ledger,
		config: config,
		logger: logger.With("component", "batch_coordinator"),
		newID:  func() string { return ulid.Make().String() },
	}
}

// RegisterFactories installs the chunk and chain factories on r so that
// persisted tasks survive a restart.
func (c *Coordinator) RegisterFactories(r FactoryRegistrar) {
	r.RegisterFactory(task.TaskTypeBatchChunk, c.chunkFactory)
	r.RegisterFactory(task.TaskTypeChainRun, c.chainFactory)
}

func (c *Coordinator) validate(req *BatchRequest) error {
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: batch items", domain.ErrEmptyInput)
	}
	if c.config.MaxItems > 0 && len(req.Items) > c.config.MaxItems {
		return fmt.Errorf("%w: %d > %d", ErrTooManyItems, len(req.Items), c.config.MaxItems)
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item) == "" {
			return fmt.Errorf("%w: item %d", domain.ErrEmptyInput, i)
		}
	}
	if req.ChunkSize < 0 {
		return fmt.Errorf("%w: chunk size must be positive", domain.ErrValidation)
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = c.config.DefaultChunkSize
	}
	return req.Options.Validate()
}

// StartBatch records a new batch, submits one task per chunk and returns
// the batch ID. A chunk that cannot be submitted is recorded as failed.
func (c *Coordinator) StartBatch(ctx context.Context, req BatchRequest) (string, error) {
	if err := c.validate(&req); err != nil {
		return "", err
	}
	chain, err := c.chains.Get(req.ChainName)
	if err != nil {
		return "", err
	}

	opts, err := json.Marshal(req.Options)
	if err != nil {
		return "", fmt.Errorf("failed to marshal options: %w", err)
	}

	batchID := c.newID()
	b, err := domain.NewBatchExecution(batchID, req.Name, chain.Name, len(req.Items), req.ChunkSize, req.InitiatedBy, opts)
	if err != nil {
		return "", err
	}
	if err := c.ledger.CreateBatch(ctx, b); err != nil {
		return "", fmt.Errorf("failed to create batch: %w", err)
	}

	log := c.logger.With("batch_id", batchID, "chain_name", chain.Name)
	log.Info("batch created", "items", b.TotalItems, "chunks", b.TotalChunks, "chunk_size", b.ChunkSize)

	for idx := 0; idx < b.TotalChunks; idx++ {
		start := idx * req.ChunkSize
		end := min(start+req.ChunkSize, len(req.Items))

		items := make([]ChunkItem, 0, end-start)
		for i := start; i < end; i++ {
			items = append(items, ChunkItem{ChainID: ChainIDFor(batchID, i), InputPath: req.Items[i]})
		}

		err := c.submitChunk(ctx, ChunkPayload{
			BatchID:     batchID,
			ChainName:   chain.Name,
			ChunkIndex:  idx,
			Items:       items,
			Options:     req.Options,
			InitiatedBy: req.InitiatedBy,
		})
		if err == nil {
			continue
		}

		log.Error("failed to submit chunk", "chunk_index", idx, "error", err)
		crashed := domain.ChunkResult{ChunkIndex: idx, Failed: len(items), Crashed: true}
		if _, recErr := c.ledger.RecordChunkResult(ctx, batchID, crashed); recErr != nil {
			log.Error("failed to record unsubmitted chunk", "chunk_index", idx, "error", recErr)
		}
	}

	if _, err := c.ledger.MarkBatchStarted(ctx, batchID); err != nil {
		log.Warn("failed to mark batch started", "error", err)
	}
	return batchID, nil
}

func (c *Coordinator) submitChunk(ctx context.Context, p ChunkPayload) error {
	t, err := c.newChunkTask(p)
	if err != nil {
		return err
	}
	return c.tasks.Submit(ctx, t)
}

// StartChain submits one chain outside of any batch and returns its ID.
func (c *Coordinator) StartChain(ctx context.Context, req ChainRequest) (string, error) {
	if strings.TrimSpace(req.InputPath) == "" {
		return "", fmt.Errorf("%w: input path", domain.ErrEmptyInput)
	}
	if err := req.Options.Validate(); err != nil {
		return "", err
	}
	chain, err := c.chains.Get(req.ChainName)
	if err != nil {
		return "", err
	}

	t, err := c.newChainTask(ChainPayload{
		ChainID:     uuid.NewString(),
		ChainName:   chain.Name,
		InputPath:   req.InputPath,
		Options:     req.Options,
		InitiatedBy: req.InitiatedBy,
	})
	if err != nil {
		return "", err
	}
	if err := c.tasks.Submit(ctx, t); err != nil {
		return "", fmt.Errorf("failed to submit chain: %w", err)
	}
	c.logger.Info("chain submitted", "chain_id", t.payload.ChainID, "chain_name", chain.Name)
	return t.payload.ChainID, nil
}

// AwaitBatch polls the ledger until the batch is terminal or ctx is done.
func (c *Coordinator) AwaitBatch(ctx context.Context, batchID string) (*domain.BatchExecution, error) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		b, err := c.ledger.GetBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if b.Status.IsTerminal() {
			return b, nil
		}

		select {
		case <-ctx.Done():
			return b, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RevokeBatch revokes a batch and its unfinished chains. Running stages
// finish; the chains stop at their next stage boundary.
func (c *Coordinator) RevokeBatch(ctx context.Context, batchID string) (bool, error) {
	revoked, err := c.ledger.RevokeBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	c.logger.Info("batch revocation requested", "batch_id", batchID, "revoked", revoked)
	return revoked, nil
}

// RevokeChain revokes a single chain.
func (c *Coordinator) RevokeChain(ctx context.Context, chainID string) (bool, error) {
	revoked, err := c.ledger.RevokeChain(ctx, chainID)
	if err != nil {
		return false, err
	}
	c.logger.Info("chain revocation requested", "chain_id", chainID, "revoked", revoked)
	return revoked, nil
}
