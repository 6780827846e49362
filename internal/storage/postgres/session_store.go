// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlstream/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "crawl_sessions"

// schemaTemplate creates the session history table; %[1]s is the table name.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id            uuid PRIMARY KEY,
	target_url    text        NOT NULL,
	mode          text        NOT NULL,
	options       jsonb       NOT NULL DEFAULT '{}'::jsonb,
	crawl_id      text,
	result_path   text,
	status        text        NOT NULL,
	blocks        integer     NOT NULL DEFAULT 0,
	fetch_errors  integer     NOT NULL DEFAULT 0,
	error_message text,
	started_at    timestamptz NOT NULL,
	updated_at    timestamptz NOT NULL,
	finished_at   timestamptz
);
CREATE INDEX IF NOT EXISTS %[1]s_started_at_idx ON %[1]s (started_at DESC);`

// SessionStoreConfig controls the Postgres connection pool for session history.
type SessionStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// SessionStore implements store.SessionRepository on Postgres.
type SessionStore struct {
	pool  Pool
	table string
}

// NewSessionStore connects a pool using cfg.
func NewSessionStore(ctx context.Context, cfg SessionStoreConfig) (*SessionStore, error) {
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
	s, err := NewSessionStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewSessionStoreWithPool constructs a store from an existing pool.
func NewSessionStoreWithPool(pool Pool, table string) (*SessionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SessionStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *SessionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the session table and index when missing.
func (s *SessionStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schemaTemplate, s.table)); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// StartSession inserts a running row; an existing id is left untouched.
func (s *SessionStore) StartSession(ctx context.Context, rec store.SessionRecord) error {
	options := rec.Options
	if options == nil {
		options = map[string]bool{}
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, target_url, mode, options, status, started_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		rec.ID, rec.TargetURL, rec.Mode, optionsJSON, string(store.SessionRunning), rec.StartedAt,
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// RecordSubmission stores the backend acknowledgement.
func (s *SessionStore) RecordSubmission(
	ctx context.Context,
	id uuid.UUID,
	crawlID,
	resultPath string,
	at time.Time,
) error {
	query := fmt.Sprintf(`UPDATE %s SET crawl_id = $1, result_path = $2, updated_at = $3 WHERE id = $4`, s.table)
	return s.update(ctx, "record submission", query, nullable(crawlID), nullable(resultPath), at, id)
}

// RecordBlocks stores the latest block counters.
func (s *SessionStore) RecordBlocks(ctx context.Context, id uuid.UUID, blocks, fetchErrors int, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET blocks = $1, fetch_errors = $2, updated_at = $3 WHERE id = $4`, s.table)
	return s.update(ctx, "record blocks", query, blocks, fetchErrors, at, id)
}

// CompleteSession marks the session finished with status.
func (s *SessionStore) CompleteSession(
	ctx context.Context,
	id uuid.UUID,
	status store.SessionStatus,
	errMsg *string,
	at time.Time,
) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = $1, error_message = $2, finished_at = $3, updated_at = $3
WHERE id = $4`, s.table)
	return s.update(ctx, "complete session", query, string(status), errMsg, at, id)
}

func (s *SessionStore) update(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SessionStore) selectColumns() string {
	return fmt.Sprintf(`
SELECT id, target_url, mode, options, COALESCE(crawl_id, ''), COALESCE(result_path, ''),
	status, blocks, fetch_errors, error_message, started_at, updated_at, finished_at
FROM %s`, s.table)
}

// GetSession loads one record.
func (s *SessionStore) GetSession(ctx context.Context, id uuid.UUID) (store.SessionRecord, error) {
	row := s.pool.QueryRow(ctx, s.selectColumns()+` WHERE id = $1`, id)
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.SessionRecord{}, store.ErrNotFound
		}
		return store.SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

// LatestSession returns the most recently started record.
func (s *SessionStore) LatestSession(ctx context.Context) (store.SessionRecord, error) {
	row := s.pool.QueryRow(ctx, s.selectColumns()+` ORDER BY started_at DESC, id DESC LIMIT 1`)
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.SessionRecord{}, store.ErrNotFound
		}
		return store.SessionRecord{}, fmt.Errorf("latest session: %w", err)
	}
	return rec, nil
}

// ListSessions returns records newest first, optionally filtered by status.
func (s *SessionStore) ListSessions(
	ctx context.Context,
	status *store.SessionStatus,
	limit,
	offset int,
) ([]store.SessionRecord, error) {
	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	query := s.selectColumns() + `
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC, id DESC
LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	recs := []store.SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return recs, nil
}

func scanSession(row pgx.Row) (store.SessionRecord, error) {
	var (
		rec         store.SessionRecord
		optionsJSON []byte
		status      string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.TargetURL,
		&rec.Mode,
		&optionsJSON,
		&rec.CrawlID,
		&rec.ResultPath,
		&status,
		&rec.Blocks,
		&rec.FetchErrors,
		&rec.ErrorMessage,
		&rec.StartedAt,
		&rec.UpdatedAt,
		&rec.FinishedAt,
	); err != nil {
		return store.SessionRecord{}, err
	}
	rec.Status = store.SessionStatus(status)
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &rec.Options); err != nil {
			return store.SessionRecord{}, fmt.Errorf("decode options: %w", err)
		}
	}
	return rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
