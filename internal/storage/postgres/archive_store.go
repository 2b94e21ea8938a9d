// Package postgres archives finished scrape tasks into Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/email-scraper/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	TasksTable      string
	ResultsTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type txBeginner interface {
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// ArchiveStore writes one row per task plus one row per site result.
type ArchiveStore struct {
	pool         txBeginner
	tasksTable   string
	resultsTable string
}

// NewArchiveStore connects to Postgres using cfg.
func NewArchiveStore(ctx context.Context, cfg Config) (*ArchiveStore, error) {
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
	store, err := NewArchiveStoreWithPool(pool, cfg.TasksTable, cfg.ResultsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewArchiveStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewArchiveStoreWithPool(pool txBeginner, tasksTable, resultsTable string) (*ArchiveStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if tasksTable == "" {
		tasksTable = "scrape_tasks"
	}
	if resultsTable == "" {
		resultsTable = "scrape_results"
	}
	for _, table := range []string{tasksTable, resultsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &ArchiveStore{pool: pool, tasksTable: tasksTable, resultsTable: resultsTable}, nil
}

// Close releases the underlying pool resources.
func (s *ArchiveStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveTask upserts the task row and replaces its result rows in one transaction.
func (s *ArchiveStore) SaveTask(ctx context.Context, task crawler.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	if err := s.writeTask(ctx, tx, task); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}

func (s *ArchiveStore) writeTask(ctx context.Context, tx pgx.Tx, task crawler.Task) error {
	taskQuery := fmt.Sprintf(`
INSERT INTO %s (
	id,
	status,
	depth,
	seed_count,
	filename,
	checksum,
	error_text,
	submitted_at,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	filename = EXCLUDED.filename,
	checksum = EXCLUDED.checksum,
	error_text = EXCLUDED.error_text,
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at`, s.tasksTable)

	if _, err := tx.Exec(ctx, taskQuery,
		task.ID,
		string(task.Status),
		task.Depth,
		len(task.URLs),
		task.Filename,
		task.Checksum,
		task.ErrorText,
		task.Submitted,
		task.Started,
		task.Finished,
	); err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}

	deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE task_id = $1`, s.resultsTable)
	if _, err := tx.Exec(ctx, deleteQuery, task.ID); err != nil {
		return fmt.Errorf("clear results: %w", err)
	}

	resultQuery := fmt.Sprintf(`
INSERT INTO %s (
	task_id,
	position,
	seed_url,
	outcome,
	emails,
	error_text,
	pages_fetched
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)`, s.resultsTable)
	for _, r := range task.Results {
		emails := r.Emails
		if emails == nil {
			emails = []string{}
		}
		if _, err := tx.Exec(ctx, resultQuery,
			task.ID,
			r.Index,
			r.SeedURL,
			string(r.Outcome),
			emails,
			r.Error,
			r.PagesFetched,
		); err != nil {
			return fmt.Errorf("insert result %d: %w", r.Index, err)
		}
	}
	return nil
}
