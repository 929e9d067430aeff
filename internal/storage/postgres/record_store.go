// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/postharvest/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "posts"

// RecordStoreConfig controls the Postgres connection pool used for post records.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RecordStore writes normalized post records into Postgres.
type RecordStore struct {
	pool  pool
	table string
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: p, table: table}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, table string) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Ping verifies the database is reachable.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the records table when it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id             TEXT PRIMARY KEY,
	text           TEXT NOT NULL,
	author_id      TEXT NOT NULL,
	author_handle  TEXT NOT NULL,
	author_name    TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ,
	likes          INTEGER NOT NULL DEFAULT 0,
	reposts        INTEGER NOT NULL DEFAULT 0,
	replies        INTEGER NOT NULL DEFAULT 0,
	quotes         INTEGER NOT NULL DEFAULT 0,
	impressions    INTEGER NOT NULL DEFAULT 0,
	hashtags       TEXT[] NOT NULL DEFAULT '{}',
	mentions       TEXT[] NOT NULL DEFAULT '{}',
	urls           TEXT[] NOT NULL DEFAULT '{}',
	referenced_ids TEXT[] NOT NULL DEFAULT '{}',
	tags           TEXT[] NOT NULL DEFAULT '{}',
	sentiment      TEXT NOT NULL,
	source_kind    TEXT NOT NULL,
	search_context TEXT NOT NULL DEFAULT '',
	processed_at   TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// UpsertRecord inserts rec or, when the ID already exists, refreshes its
// engagement counters. xmax is zero only for freshly inserted tuples.
func (s *RecordStore) UpsertRecord(ctx context.Context, rec harvest.Record) (harvest.UpsertResult, error) {
	if s == nil || s.pool == nil {
		return "", fmt.Errorf("record store is not configured")
	}
	if rec.ID == "" {
		return "", fmt.Errorf("record id is required: %w", harvest.ErrInvalidInput)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	text,
	author_id,
	author_handle,
	author_name,
	created_at,
	likes,
	reposts,
	replies,
	quotes,
	impressions,
	hashtags,
	mentions,
	urls,
	referenced_ids,
	tags,
	sentiment,
	source_kind,
	search_context,
	processed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
)
ON CONFLICT (id) DO UPDATE SET
	likes = EXCLUDED.likes,
	reposts = EXCLUDED.reposts,
	replies = EXCLUDED.replies,
	quotes = EXCLUDED.quotes,
	impressions = EXCLUDED.impressions
RETURNING (xmax = 0) AS inserted`, s.table)

	var inserted bool
	if err := s.pool.QueryRow(ctx, query, recordArgs(rec)...).Scan(&inserted); err != nil {
		return "", fmt.Errorf("upsert record: %w", err)
	}
	if inserted {
		return harvest.UpsertInserted, nil
	}
	return harvest.UpsertUpdated, nil
}

// RecordExists reports whether a record with id is stored.
func (s *RecordStore) RecordExists(ctx context.Context, id string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("record store is not configured")
	}
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check record exists: %w", err)
	}
	return exists, nil
}

func recordArgs(rec harvest.Record) []any {
	return []any{
		rec.ID,
		rec.Text,
		rec.AuthorID,
		rec.AuthorHandle,
		rec.AuthorName,
		rec.CreatedAt,
		rec.Metrics.Likes,
		rec.Metrics.Reposts,
		rec.Metrics.Replies,
		rec.Metrics.Quotes,
		rec.Metrics.Impressions,
		nonNil(rec.Hashtags),
		nonNil(rec.Mentions),
		nonNil(rec.URLs),
		nonNil(rec.ReferencedIDs),
		nonNil(rec.Tags),
		string(rec.Sentiment),
		string(rec.SourceKind),
		rec.SearchContext,
		rec.ProcessedAt,
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
