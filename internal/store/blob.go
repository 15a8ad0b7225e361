package store

import "context"

// BlobStorage reads source documents and writes pipeline outputs.
// Implementations retry transient failures on their own.
type BlobStorage interface {
	// Download returns the object at path or an error wrapping ErrBlobNotFound.
	Download(ctx context.Context, path string) ([]byte, error)

	// Upload writes data at path and returns a public URL (empty when the
	// store has no public endpoint) and a private reference usable by Download.
	Upload(ctx context.Context, data []byte, path, contentType string) (publicURL, privateRef string, err error)
}
