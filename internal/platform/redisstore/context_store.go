// Package redisstore implements store.ContextStore on Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/store"
)

const (
	entity    = "pipeline_context"
	scanCount = 200
)

// Options configures a ContextStore.
type Options struct {
	TTL              time.Duration
	OperationTimeout time.Duration
}

// ContextStore keeps serialized contexts as Redis strings with a TTL that is
// refreshed on every save.
type ContextStore struct {
	client  redis.UniversalClient
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates a Redis client for addr.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// New creates a ContextStore over client.
func New(client redis.UniversalClient, opts Options, logger *slog.Logger) *ContextStore {
	if opts.TTL <= 0 {
		opts.TTL = store.DefaultContextTTL
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 2 * time.Second
	}
	return &ContextStore{
		client:  client,
		ttl:     opts.TTL,
		timeout: opts.OperationTimeout,
		logger:  logger.With("component", "redis_context_store"),
		now:     time.Now,
	}
}

// Ping checks connectivity.
func (s *ContextStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Save implements store.ContextStore.
func (s *ContextStore) Save(ctx context.Context, pctx *domain.PipelineContext) error {
	prev := pctx.UpdatedAt
	pctx.UpdatedAt = store.NextUpdatedAt(prev, s.now())
	data, err := json.Marshal(pctx)
	if err != nil {
		pctx.UpdatedAt = prev
		return store.NewStoreError(entity, "save", "failed to encode context", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := store.ContextKey(pctx.BatchID, pctx.ChainID)
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		pctx.UpdatedAt = prev
		return store.NewStoreError(entity, "save", "failed to write context", unavailable(err))
	}
	return nil
}

// Load implements store.ContextStore.
func (s *ContextStore) Load(ctx context.Context, batchID, chainID string) (*domain.PipelineContext, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := store.ContextKey(batchID, chainID)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", store.ErrContextNotFound, key)
	}
	if err != nil {
		return nil, store.NewStoreError(entity, "load", "failed to read context", unavailable(err))
	}
	return decode(data)
}

// LoadAllByBatch implements store.ContextStore. Keys that expire between the
// scan and the read are skipped.
func (s *ContextStore) LoadAllByBatch(ctx context.Context, batchID string) ([]*domain.PipelineContext, error) {
	pattern := store.BatchKeyPattern(batchID)

	var keys []string
	var cursor uint64
	for {
		scanCtx, cancel := context.WithTimeout(ctx, s.timeout)
		page, next, err := s.client.Scan(scanCtx, cursor, pattern, scanCount).Result()
		cancel()
		if err != nil {
			return nil, store.NewStoreError(entity, "scan", "failed to list batch contexts", unavailable(err))
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	out := make([]*domain.PipelineContext, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for start := 0; start < len(keys); start += scanCount {
		end := min(start+scanCount, len(keys))

		getCtx, cancel := context.WithTimeout(ctx, s.timeout)
		values, err := s.client.MGet(getCtx, keys[start:end]...).Result()
		cancel()
		if err != nil {
			return nil, store.NewStoreError(entity, "load", "failed to read batch contexts", unavailable(err))
		}

		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			key := keys[start+i]
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			pctx, err := decode([]byte(raw))
			if err != nil {
				return nil, err
			}
			out = append(out, pctx)
		}
	}
	return out, nil
}

// Delete implements store.ContextStore.
func (s *ContextStore) Delete(ctx context.Context, batchID, chainID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.client.Del(ctx, store.ContextKey(batchID, chainID)).Result()
	if err != nil {
		return false, store.NewStoreError(entity, "delete", "failed to delete context", unavailable(err))
	}
	return n > 0, nil
}

// Exists implements store.ContextStore.
func (s *ContextStore) Exists(ctx context.Context, batchID, chainID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.client.Exists(ctx, store.ContextKey(batchID, chainID)).Result()
	if err != nil {
		return false, store.NewStoreError(entity, "exists", "failed to check context", unavailable(err))
	}
	return n > 0, nil
}

func decode(data []byte) (*domain.PipelineContext, error) {
	var pctx domain.PipelineContext
	if err := json.Unmarshal(data, &pctx); err != nil {
		return nil, store.NewStoreError(entity, "load", "failed to decode context", err)
	}
	return &pctx, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
