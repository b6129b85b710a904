package pagetest

import (
	"context"
	"io"
	"time"
)

// StatusStore holds the last-known record per job id.
type StatusStore interface {
	Get(ctx context.Context, jobID string) (JobRecord, bool, error)
	Upsert(ctx context.Context, jobID string, patch Patch) (JobRecord, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// RecentJobs maps a tested URL to the job that tested it for a limited window, so repeat
// submissions reuse that job instead of starting a new test.
type RecentJobs interface {
	Lookup(ctx context.Context, url string) (string, bool, error)
	Remember(ctx context.Context, url, jobID string) error
}

// ResultArchive persists completed records beyond the status store retention window.
type ResultArchive interface {
	SaveResult(ctx context.Context, record JobRecord) error
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces event ids.
type IDGenerator interface {
	NewID() (string, error)
}
