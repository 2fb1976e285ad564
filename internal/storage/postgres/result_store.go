// Package postgres provides Postgres-backed run history.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Run statuses written to the runs table.
const (
	RunRunning  = "running"
	RunFinished = "finished"
)

// Config controls the Postgres connection pool used for run history.
type Config struct {
	DSN             string
	Table           string
	RunsTable       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ResultStore writes group results and run rows into Postgres.
type ResultStore struct {
	pool      execCloser
	table     string
	runsTable string
}

// NewResultStore creates a Postgres-backed ResultStore using the provided config.
func NewResultStore(ctx context.Context, cfg Config) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	store, err := NewResultStoreWithPool(pool, cfg.Table, cfg.RunsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewResultStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewResultStoreWithPool(pool execCloser, table, runsTable string) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "group_results"
	}
	if runsTable == "" {
		runsTable = "scrape_runs"
	}
	for _, name := range []string{table, runsTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &ResultStore{pool: pool, table: table, runsTable: runsTable}, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordResult inserts one group result row.
func (s *ResultStore) RecordResult(ctx context.Context, runID string, result scraper.GroupResult) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("result store is not configured")
	}
	id, err := uuid.Parse(runID)
	if err != nil {
		return fmt.Errorf("parse run id: %w", err)
	}
	var summaryJSON, remoteJSON []byte
	if result.Summary != nil {
		if summaryJSON, err = json.Marshal(result.Summary); err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
	}
	if result.RemoteRun != nil {
		if remoteJSON, err = json.Marshal(result.RemoteRun); err != nil {
			return fmt.Errorf("marshal remote run: %w", err)
		}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	group_name,
	outcome,
	success,
	messages_scraped,
	error_text,
	original_error,
	fallback_used,
	saved_to,
	ai_summary,
	apify_run,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)`, s.table)

	args := []any{
		id,
		result.GroupName,
		string(result.Outcome),
		result.Success,
		result.MessagesScraped,
		result.Error,
		result.OriginalError,
		result.FallbackUsed,
		result.SavedTo,
		summaryJSON,
		remoteJSON,
		result.StartTime,
		result.EndTime,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert group result: %w", err)
	}
	return nil
}

// StartRun inserts or refreshes the run row.
func (s *ResultStore) StartRun(ctx context.Context, runID string, startedAt time.Time, totalGroups int) error {
	id, err := uuid.Parse(runID)
	if err != nil {
		return fmt.Errorf("parse run id: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, started_at, status, total_groups)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status, total_groups = EXCLUDED.total_groups`, s.runsTable)
	if _, err := s.pool.Exec(ctx, query, id, startedAt, RunRunning, totalGroups); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// FinishRun stamps the run row with its final counters.
func (s *ResultStore) FinishRun(ctx context.Context, runID string, finishedAt time.Time, stats scraper.RunStatistics) error {
	id, err := uuid.Parse(runID)
	if err != nil {
		return fmt.Errorf("parse run id: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $2,
	status = $3,
	completed_cycles = $4,
	total_messages = $5,
	errors = $6
WHERE id = $1`, s.runsTable)
	_, err = s.pool.Exec(ctx, query, id, finishedAt, RunFinished, stats.CompletedCycles, stats.TotalMessages, stats.Errors)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}
