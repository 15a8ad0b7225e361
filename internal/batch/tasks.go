package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/pipeline"
	"github.com/phrazzld/docpipe/internal/platform/logger"
	"github.com/phrazzld/docpipe/internal/task"
)

// idNamespace seeds the deterministic chain and chunk task IDs.
var idNamespace = uuid.MustParse("2a3f8c55-5e0b-4d6c-9a71-0c84d1b7e6f4")

// ChainIDFor returns the chain ID of item itemIndex in batchID.
func ChainIDFor(batchID string, itemIndex int) string {
	return uuid.NewSHA1(idNamespace, []byte(batchID+"/item/"+strconv.Itoa(itemIndex))).String()
}

func chunkTaskID(batchID string, chunkIndex int) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(batchID+"/chunk/"+strconv.Itoa(chunkIndex)))
}

// ChunkItem is one document of a chunk.
type ChunkItem struct {
	ChainID   string `json:"chain_id"`
	InputPath string `json:"input_path"`
}

// ChunkPayload is the persisted payload of a batch_chunk task.
type ChunkPayload struct {
	BatchID     string         `json:"batch_id"`
	ChainName   string         `json:"chain_name"`
	ChunkIndex  int            `json:"chunk_index"`
	Items       []ChunkItem    `json:"items"`
	Options     domain.Options `json:"options"`
	InitiatedBy string         `json:"initiated_by,omitempty"`
}

// ChainPayload is the persisted payload of a chain_run task.
type ChainPayload struct {
	ChainID     string         `json:"chain_id"`
	ChainName   string         `json:"chain_name"`
	InputPath   string         `json:"input_path"`
	Options     domain.Options `json:"options"`
	InitiatedBy string         `json:"initiated_by,omitempty"`
}

// ChunkTask runs the items of one chunk sequentially and reports the
// chunk's outcome to the ledger.
type ChunkTask struct {
	id      uuid.UUID
	payload ChunkPayload
	raw     []byte
	coord   *Coordinator
}

func (c *Coordinator) newChunkTask(p ChunkPayload) (*ChunkTask, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chunk payload: %w", err)
	}
	return &ChunkTask{id: chunkTaskID(p.BatchID, p.ChunkIndex), payload: p, raw: raw, coord: c}, nil
}

func (t *ChunkTask) ID() uuid.UUID           { return t.id }
func (t *ChunkTask) Type() string            { return task.TaskTypeBatchChunk }
func (t *ChunkTask) Payload() []byte         { return t.raw }
func (t *ChunkTask) Status() task.TaskStatus { return task.TaskStatusPending }

// Execute runs every item of the chunk. A panic anywhere in the chunk
// counts all of its items as failed. A cancelled context leaves the chunk
// unreported so that recovery runs it again.
func (t *ChunkTask) Execute(ctx context.Context) error {
	p := t.payload
	log := logger.FromContextOrDefault(ctx, t.coord.logger).With(
		"batch_id", p.BatchID,
		"chunk_index", p.ChunkIndex,
		"items", len(p.Items))

	result, err := t.run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("chunk interrupted, leaving it for recovery", "error", err)
			return err
		}
		log.Error("chunk crashed", "error", err)
		result = domain.ChunkResult{ChunkIndex: p.ChunkIndex, Failed: len(p.Items), Crashed: true}
	}

	recorded, err := t.coord.ledger.RecordChunkResult(ctx, p.BatchID, result)
	if err != nil {
		return fmt.Errorf("failed to record chunk %d of batch %s: %w", p.ChunkIndex, p.BatchID, err)
	}
	if !recorded {
		log.Info("chunk result already recorded")
		return nil
	}
	log.Info("chunk finished", "completed", result.Completed, "failed", result.Failed)
	return nil
}

func (t *ChunkTask) run(ctx context.Context) (result domain.ChunkResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chunk panicked: %v", r)
		}
	}()

	p := t.payload
	chain, err := t.coord.chains.Get(p.ChainName)
	if err != nil {
		return result, err
	}

	result.ChunkIndex = p.ChunkIndex
	for _, item := range p.Items {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		_, runErr := t.coord.runner.Run(ctx, chain, pipeline.RunRequest{
			BatchID:     p.BatchID,
			ChainID:     item.ChainID,
			InputPath:   item.InputPath,
			Options:     p.Options,
			InitiatedBy: p.InitiatedBy,
		})
		if runErr != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Failed++
			continue
		}
		result.Completed++
	}
	return result, nil
}

// ChainTask runs one standalone chain.
type ChainTask struct {
	id      uuid.UUID
	payload ChainPayload
	raw     []byte
	coord   *Coordinator
}

func (c *Coordinator) newChainTask(p ChainPayload) (*ChainTask, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chain payload: %w", err)
	}
	id, err := uuid.Parse(p.ChainID)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id %q", domain.ErrInvalidID, p.ChainID)
	}
	return &ChainTask{id: id, payload: p, raw: raw, coord: c}, nil
}

func (t *ChainTask) ID() uuid.UUID           { return t.id }
func (t *ChainTask) Type() string            { return task.TaskTypeChainRun }
func (t *ChainTask) Payload() []byte         { return t.raw }
func (t *ChainTask) Status() task.TaskStatus { return task.TaskStatusPending }

// Execute runs the chain. A stage failure is a recorded outcome of the
// chain, not a task failure, so only orchestrator errors are returned.
func (t *ChainTask) Execute(ctx context.Context) error {
	p := t.payload
	chain, err := t.coord.chains.Get(p.ChainName)
	if err != nil {
		return err
	}

	_, err = t.coord.runner.Run(ctx, chain, pipeline.RunRequest{
		BatchID:     domain.StandaloneBatchID,
		ChainID:     p.ChainID,
		InputPath:   p.InputPath,
		Options:     p.Options,
		InitiatedBy: p.InitiatedBy,
	})
	var stageErr *pipeline.StageError
	if err != nil && errors.As(err, &stageErr) && ctx.Err() == nil {
		logger.FromContextOrDefault(ctx, t.coord.logger).Info("chain finished with a failed stage",
			slog.String("chain_id", p.ChainID),
			slog.String("stage", stageErr.StageName))
		return nil
	}
	return err
}

// chunkFactory rebuilds batch_chunk tasks during recovery.
func (c *Coordinator) chunkFactory(rec task.Record) (task.Task, error) {
	var p ChunkPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode chunk payload: %w", err)
	}
	return c.newChunkTask(p)
}

// chainFactory rebuilds chain_run tasks during recovery.
func (c *Coordinator) chainFactory(rec task.Record) (task.Task, error) {
	var p ChainPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode chain payload: %w", err)
	}
	return c.newChainTask(p)
}
