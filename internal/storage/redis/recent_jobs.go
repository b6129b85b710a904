package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RecentJobs maps URLs to job ids with keys that expire after the reuse window, so replicas
// sharing Redis also share reuse.
type RecentJobs struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
}

// NewRecentJobs wraps client.
func NewRecentJobs(client redis.UniversalClient, prefix string, window time.Duration) *RecentJobs {
	if prefix == "" {
		prefix = "pagetest:url:"
	}
	if window <= 0 {
		window = time.Hour
	}
	return &RecentJobs{client: client, prefix: prefix, window: window}
}

// Lookup returns the job that tested url inside the window.
func (r *RecentJobs) Lookup(ctx context.Context, url string) (string, bool, error) {
	id, err := r.client.Get(ctx, r.prefix+url).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return id, true, nil
}

// Remember records jobID as the latest test of url and restarts the window.
func (r *RecentJobs) Remember(ctx context.Context, url, jobID string) error {
	if err := r.client.Set(ctx, r.prefix+url, jobID, r.window).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
