// Package memory holds in-process storage backends for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

type object struct {
	data        []byte
	contentType string
}

// BlobStore keeps archived reports in memory and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]object)}
}

// PutObject stores a copy of the content and returns its URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = object{data: byteData, contentType: contentType}
	return fmt.Sprintf("memory://%s", path), nil
}

// Object returns a stored object and its content type.
func (s *BlobStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}
