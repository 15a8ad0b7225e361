// Package s3blob implements store.BlobStorage on Amazon S3 or any
// S3-compatible object store.
package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/phrazzld/docpipe/internal/config"
	"github.com/phrazzld/docpipe/internal/store"
)

const scheme = "s3://"

// Store reads and writes objects in a single bucket.
type Store struct {
	client        *s3.Client
	bucket        string
	publicBaseURL string
	logger        *slog.Logger
}

var _ store.BlobStorage = (*Store)(nil)

// New builds an S3 client from the default credential chain and cfg.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket cannot be empty")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = cfg.MaxAttempts
				o.MaxBackoff = cfg.MaxBackoff
			})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return NewFromConfig(awsCfg, cfg, logger), nil
}

// NewFromConfig creates a Store from an already loaded aws.Config.
func NewFromConfig(awsCfg aws.Config, cfg config.StorageConfig, logger *slog.Logger) *Store {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &Store{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:        logger.With("component", "s3_blob_store", "bucket", cfg.Bucket),
	}
}

// Download implements store.BlobStorage. path is a key or an s3:// reference
// into this store's bucket.
func (s *Store) Download(ctx context.Context, path string) ([]byte, error) {
	key, err := s.key(path)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", store.ErrBlobNotFound, path)
		}
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	s.logger.DebugContext(ctx, "Downloaded object", "key", key, "bytes", len(data))
	return data, nil
}

// Upload implements store.BlobStorage.
func (s *Store) Upload(ctx context.Context, data []byte, path, contentType string) (string, string, error) {
	key, err := s.key(path)
	if err != nil {
		return "", "", err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.logger.DebugContext(ctx, "Uploaded object", "key", key, "bytes", len(data))
	return s.PublicURL(key), scheme + s.bucket + "/" + key, nil
}

// PublicURL returns the public URL for key, or "" without a public base URL.
func (s *Store) PublicURL(key string) string {
	if s.publicBaseURL == "" {
		return ""
	}
	return s.publicBaseURL + "/" + strings.TrimPrefix(key, "/")
}

func (s *Store) key(path string) (string, error) {
	if rest, ok := strings.CutPrefix(path, scheme); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || key == "" {
			return "", fmt.Errorf("invalid s3 reference %q", path)
		}
		if bucket != s.bucket {
			return "", fmt.Errorf("reference %q is outside bucket %s", path, s.bucket)
		}
		return key, nil
	}

	key := strings.TrimPrefix(path, "/")
	if key == "" {
		return "", errors.New("object key cannot be empty")
	}
	return key, nil
}
