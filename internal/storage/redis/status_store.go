// Package redis stores job records in Redis so several service replicas share one view of
// every job.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

const maxTxRetries = 5

// ErrContention is returned when an upsert keeps losing optimistic transactions.
var ErrContention = errors.New("status record under contention")

// StatusStore keeps one JSON document per job. Every write refreshes the key TTL to the
// retention window, so Redis evicts stale records by itself.
type StatusStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewClient dials Redis lazily; the first command opens the connection.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewStatusStore wraps client.
func NewStatusStore(client redis.UniversalClient, prefix string, retention time.Duration) *StatusStore {
	if prefix == "" {
		prefix = "pagetest:job:"
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &StatusStore{client: client, prefix: prefix, retention: retention, now: time.Now}
}

func (s *StatusStore) key(jobID string) string {
	return s.prefix + jobID
}

// Get returns the record for jobID.
func (s *StatusStore) Get(ctx context.Context, jobID string) (pagetest.JobRecord, bool, error) {
	raw, err := s.client.Get(ctx, s.key(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return pagetest.JobRecord{}, false, nil
		}
		return pagetest.JobRecord{}, false, fmt.Errorf("redis get: %w", err)
	}
	var rec pagetest.JobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return pagetest.JobRecord{}, false, fmt.Errorf("decode record %s: %w", jobID, err)
	}
	return rec, true, nil
}

// Upsert merges patch into the stored record inside a WATCH transaction.
func (s *StatusStore) Upsert(ctx context.Context, jobID string, patch pagetest.Patch) (pagetest.JobRecord, error) {
	key := s.key(jobID)
	var out pagetest.JobRecord

	txf := func(tx *redis.Tx) error {
		var current pagetest.JobRecord
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get: %w", err)
		default:
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
		}

		next, err := current.Apply(patch, s.now())
		if err != nil {
			return err
		}
		next = next.WithDefaults(jobID)
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.retention)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return pagetest.JobRecord{}, fmt.Errorf("upsert %s: %w", jobID, err)
	}
	return pagetest.JobRecord{}, fmt.Errorf("upsert %s: %w", jobID, ErrContention)
}

// Sweep is a no-op: keys expire through their TTL.
func (s *StatusStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Ping checks the Redis connection.
func (s *StatusStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
