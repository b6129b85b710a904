// Package gcs archives Lighthouse reports in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object path.
	Prefix string
	// CacheControl is set on uploaded objects when non-empty.
	CacheControl string
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	cfg    Config
}

// NewClient creates a storage client using Application Default Credentials and verifies the
// bucket is reachable, so misconfiguration fails at startup.
func NewClient(ctx context.Context, bucket string, opts ...option.ClientOption) (*storage.Client, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("get gcs bucket %q attributes: %w", bucket, err)
	}
	return client, nil
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &BlobStore{client: client, cfg: cfg}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if s.cfg.Prefix != "" {
		path = s.cfg.Prefix + "/" + path
	}
	writer := s.client.Bucket(s.cfg.Bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if s.cfg.CacheControl != "" {
		writer.CacheControl = s.cfg.CacheControl
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, path), nil
}

// Close releases the client.
func (s *BlobStore) Close() error {
	return s.client.Close()
}
