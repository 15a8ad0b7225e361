package store

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/docpipe/internal/domain"
)

// DefaultContextTTL is how long a saved PipelineContext lives without further saves.
const DefaultContextTTL = 24 * time.Hour

// ContextKeyPrefix prefixes every context key.
const ContextKeyPrefix = "pipeline"

// ContextKey returns the storage key for a context: pipeline:batch:{batchID}:chain:{chainID}.
// An empty batchID maps to the standalone sentinel.
func ContextKey(batchID, chainID string) string {
	if batchID == "" {
		batchID = domain.StandaloneBatchID
	}
	return fmt.Sprintf("%s:batch:%s:chain:%s", ContextKeyPrefix, batchID, chainID)
}

// BatchKeyPattern returns a glob matching every context key of a batch.
func BatchKeyPattern(batchID string) string {
	if batchID == "" {
		batchID = domain.StandaloneBatchID
	}
	return fmt.Sprintf("%s:batch:%s:chain:*", ContextKeyPrefix, batchID)
}

// ContextStore holds in-flight PipelineContexts under a TTL.
type ContextStore interface {
	// Save serializes pctx under its key, refreshing the TTL and advancing
	// pctx.UpdatedAt so that it strictly increases across saves.
	Save(ctx context.Context, pctx *domain.PipelineContext) error

	// Load returns the stored context or an error wrapping ErrContextNotFound.
	Load(ctx context.Context, batchID, chainID string) (*domain.PipelineContext, error)

	// LoadAllByBatch returns every stored context of a batch. Order is unspecified.
	LoadAllByBatch(ctx context.Context, batchID string) ([]*domain.PipelineContext, error)

	// Delete removes a context and reports whether it existed.
	Delete(ctx context.Context, batchID, chainID string) (bool, error)

	// Exists reports whether a context is stored under the key.
	Exists(ctx context.Context, batchID, chainID string) (bool, error)
}

// NextUpdatedAt returns a timestamp for a save of a context last saved at prev.
// It is now in UTC, bumped past prev when the clock has not advanced.
func NextUpdatedAt(prev, now time.Time) time.Time {
	now = now.UTC()
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
