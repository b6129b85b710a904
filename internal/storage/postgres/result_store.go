// Package postgres archives finished job records in Postgres, beyond the status store's
// retention window.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ResultStoreConfig controls the Postgres connection pool.
type ResultStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// ResultStore upserts one row per job.
//
// Expected schema:
//
//	CREATE TABLE pagetest_results (
//		job_id            TEXT PRIMARY KEY,
//		url               TEXT NOT NULL,
//		transport         TEXT NOT NULL DEFAULT '',
//		submitted_at      TIMESTAMPTZ NOT NULL,
//		updated_at        TIMESTAMPTZ NOT NULL,
//		status            TEXT NOT NULL,
//		attempts          INTEGER NOT NULL DEFAULT 0,
//		summary           JSONB,
//		error_detail      TEXT,
//		lighthouse_status TEXT NOT NULL,
//		lighthouse_uri    TEXT NOT NULL DEFAULT '',
//		categories        JSONB
//	);
type ResultStore struct {
	pool  execCloser
	table string
}

// NewResultStore creates a Postgres-backed ResultStore using the provided config.
func NewResultStore(ctx context.Context, cfg ResultStoreConfig) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewResultStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewResultStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewResultStoreWithPool(pool execCloser, table string) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "pagetest_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ResultStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks the database connection.
func (s *ResultStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveResult upserts the archived row for rec.
func (s *ResultStore) SaveResult(ctx context.Context, rec pagetest.JobRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("result store is not configured")
	}
	if rec.Job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	var summaryJSON, categoriesJSON []byte
	if rec.Summary != nil {
		b, err := json.Marshal(rec.Summary)
		if err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
		summaryJSON = b
	}
	if rec.Lighthouse != nil {
		b, err := json.Marshal(rec.Lighthouse.Categories)
		if err != nil {
			return fmt.Errorf("marshal categories: %w", err)
		}
		categoriesJSON = b
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	url,
	transport,
	submitted_at,
	updated_at,
	status,
	attempts,
	summary,
	error_detail,
	lighthouse_status,
	lighthouse_uri,
	categories
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (job_id) DO UPDATE SET
	updated_at = EXCLUDED.updated_at,
	status = EXCLUDED.status,
	attempts = EXCLUDED.attempts,
	summary = COALESCE(EXCLUDED.summary, %s.summary),
	error_detail = EXCLUDED.error_detail,
	lighthouse_status = EXCLUDED.lighthouse_status,
	lighthouse_uri = EXCLUDED.lighthouse_uri,
	categories = COALESCE(EXCLUDED.categories, %s.categories)`, s.table, s.table, s.table)

	args := []any{
		rec.Job.ID,
		rec.Job.URL,
		rec.Job.Transport,
		rec.Job.SubmittedAt,
		rec.LastUpdated,
		string(rec.Job.Status),
		rec.Attempts,
		summaryJSON,
		rec.ErrorDetail,
		string(rec.LighthouseStatus),
		rec.LighthouseURI,
		categoriesJSON,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}
