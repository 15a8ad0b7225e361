package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/phrazzld/docpipe/internal/store"
)

// BlobStore keeps objects in memory. Paths are normalized without a leading slash.
type BlobStore struct {
	mu            sync.RWMutex
	objects       map[string][]byte
	publicBaseURL string
}

// NewBlobStore creates an empty store. A non-empty publicBaseURL is used to
// build public URLs for uploads.
func NewBlobStore(publicBaseURL string) *BlobStore {
	return &BlobStore{
		objects:       make(map[string][]byte),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Put stores data at path directly.
func (b *BlobStore) Put(path string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[normalize(path)] = append([]byte(nil), data...)
}

// Download implements store.BlobStorage.
func (b *BlobStore) Download(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.objects[normalize(path)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrBlobNotFound, path)
	}
	return append([]byte(nil), data...), nil
}

// Upload implements store.BlobStorage.
func (b *BlobStore) Upload(ctx context.Context, data []byte, path, _ string) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	key := normalize(path)
	b.Put(key, data)

	var public string
	if b.publicBaseURL != "" {
		public = b.publicBaseURL + "/" + key
	}
	return public, "memory://" + key, nil
}

func normalize(path string) string {
	return strings.TrimPrefix(strings.TrimPrefix(path, "memory://"), "/")
}
