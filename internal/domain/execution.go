package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxTaskErrorLength bounds the error text stored on a TaskLog.
const MaxTaskErrorLength = 500

// ChainExecution is the durable record of one chain run.
type ChainExecution struct {
	ID             string          `json:"id"`
	ChainName      string          `json:"chain_name"`
	BatchID        string          `json:"batch_id,omitempty"`
	Status         Status          `json:"status"`
	TotalTasks     int             `json:"total_tasks"`
	CompletedTasks int             `json:"completed_tasks"`
	FailedTasks    int             `json:"failed_tasks"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	InitiatedBy    string          `json:"initiated_by,omitempty"`
	InputData      json.RawMessage `json:"input_data,omitempty"`
	FinalResult    json.RawMessage `json:"final_result,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewChainExecution creates a PENDING chain record.
func NewChainExecution(id, chainName, batchID string, totalTasks int, initiatedBy string, input json.RawMessage) (*ChainExecution, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: chain execution id is required", ErrInvalidID)
	}
	if totalTasks <= 0 {
		return nil, fmt.Errorf("%w: total tasks must be positive", ErrValidation)
	}
	now := time.Now().UTC()
	return &ChainExecution{
		ID:          id,
		ChainName:   chainName,
		BatchID:     batchID,
		Status:      StatusPending,
		TotalTasks:  totalTasks,
		InitiatedBy: initiatedBy,
		InputData:   input,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Progress returns the fraction of tasks that reached a terminal state.
func (c *ChainExecution) Progress() float64 {
	if c.TotalTasks == 0 {
		return 0
	}
	return float64(c.CompletedTasks+c.FailedTasks) / float64(c.TotalTasks)
}

// TaskLog records one task within a chain. A retried task keeps its row.
type TaskLog struct {
	ID               uuid.UUID  `json:"id"`
	TaskID           string     `json:"task_id"`
	TaskName         string     `json:"task_name"`
	Status           Status     `json:"status"`
	Error            string     `json:"error,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Retries          int        `json:"retries"`
	ChainExecutionID string     `json:"chain_execution_id"`
}

// TruncateError shortens msg to MaxTaskErrorLength runes.
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxTaskErrorLength {
		return msg
	}
	return string(r[:MaxTaskErrorLength])
}

// BatchExecution is the durable record of a batch of chains processed in chunks.
type BatchExecution struct {
	ID              uuid.UUID       `json:"id"`
	BatchID         string          `json:"batch_id"`
	BatchName       string          `json:"batch_name"`
	ChainName       string          `json:"chain_name"`
	Status          Status          `json:"status"`
	TotalItems      int             `json:"total_items"`
	CompletedItems  int             `json:"completed_items"`
	FailedItems     int             `json:"failed_items"`
	TotalChunks     int             `json:"total_chunks"`
	CompletedChunks int             `json:"completed_chunks"`
	FailedChunks    int             `json:"failed_chunks"`
	ChunkSize       int             `json:"chunk_size"`
	Options         json.RawMessage `json:"options,omitempty"`
	FinalResult     json.RawMessage `json:"final_result,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	InitiatedBy     string          `json:"initiated_by,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TotalChunksFor returns ceil(items/chunkSize).
func TotalChunksFor(items, chunkSize int) int {
	if items <= 0 || chunkSize <= 0 {
		return 0
	}
	return (items + chunkSize - 1) / chunkSize
}

// NewBatchExecution creates a PENDING batch record with zero counters.
func NewBatchExecution(batchID, name, chainName string, totalItems, chunkSize int, initiatedBy string, opts json.RawMessage) (*BatchExecution, error) {
	if batchID == "" {
		return nil, fmt.Errorf("%w: batch id is required", ErrInvalidID)
	}
	if totalItems <= 0 {
		return nil, fmt.Errorf("%w: batch items", ErrEmptyInput)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive", ErrValidation)
	}
	now := time.Now().UTC()
	return &BatchExecution{
		ID:          uuid.New(),
		BatchID:     batchID,
		BatchName:   name,
		ChainName:   chainName,
		Status:      StatusPending,
		TotalItems:  totalItems,
		TotalChunks: TotalChunksFor(totalItems, chunkSize),
		ChunkSize:   chunkSize,
		Options:     opts,
		InitiatedBy: initiatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Progress returns the fraction of items that reached a terminal state.
func (b *BatchExecution) Progress() float64 {
	if b.TotalItems == 0 {
		return 0
	}
	return float64(b.CompletedItems+b.FailedItems) / float64(b.TotalItems)
}

// ChunkResult is the outcome one chunk reports during fan-in.
type ChunkResult struct {
	ChunkIndex int `json:"chunk_index"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	// Crashed marks a chunk that failed as a whole rather than item by item.
	Crashed bool `json:"crashed"`
}
