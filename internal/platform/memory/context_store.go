// Package memory provides process-local implementations of the store
// contracts, used for single-node development and in tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/store"
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

// ContextStore keeps serialized contexts in a map with per-key expiry.
type ContextStore struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// NewContextStore creates a store whose entries expire ttl after their last save.
func NewContextStore(ttl time.Duration) *ContextStore {
	if ttl <= 0 {
		ttl = store.DefaultContextTTL
	}
	return &ContextStore{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (s *ContextStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Save implements store.ContextStore.
func (s *ContextStore) Save(_ context.Context, pctx *domain.PipelineContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := pctx.UpdatedAt
	pctx.UpdatedAt = store.NextUpdatedAt(prev, s.now())
	data, err := json.Marshal(pctx)
	if err != nil {
		pctx.UpdatedAt = prev
		return store.NewStoreError("pipeline_context", "save", "failed to encode context", err)
	}

	s.entries[store.ContextKey(pctx.BatchID, pctx.ChainID)] = entry{
		data:      data,
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

// Load implements store.ContextStore.
func (s *ContextStore) Load(_ context.Context, batchID, chainID string) (*domain.PipelineContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.ContextKey(batchID, chainID)
	e, ok := s.live(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrContextNotFound, key)
	}
	return decode(e.data)
}

// LoadAllByBatch implements store.ContextStore.
func (s *ContextStore) LoadAllByBatch(_ context.Context, batchID string) ([]*domain.PipelineContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pattern := store.BatchKeyPattern(batchID)
	var out []*domain.PipelineContext
	for key := range s.entries {
		if ok, _ := path.Match(pattern, key); !ok {
			continue
		}
		e, live := s.live(key)
		if !live {
			continue
		}
		pctx, err := decode(e.data)
		if err != nil {
			return nil, err
		}
		out = append(out, pctx)
	}
	return out, nil
}

// Delete implements store.ContextStore.
func (s *ContextStore) Delete(_ context.Context, batchID, chainID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.ContextKey(batchID, chainID)
	_, ok := s.live(key)
	delete(s.entries, key)
	return ok, nil
}

// Exists implements store.ContextStore.
func (s *ContextStore) Exists(_ context.Context, batchID, chainID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live(store.ContextKey(batchID, chainID))
	return ok, nil
}

// live returns the entry under key, evicting it if expired. Callers hold mu.
func (s *ContextStore) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func decode(data []byte) (*domain.PipelineContext, error) {
	var pctx domain.PipelineContext
	if err := json.Unmarshal(data, &pctx); err != nil {
		return nil, store.NewStoreError("pipeline_context", "load", "failed to decode context", err)
	}
	return &pctx, nil
}
