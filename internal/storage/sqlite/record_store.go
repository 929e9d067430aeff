// Package sqlite stores normalized post records in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/postharvest/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "posts"

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=10000",
	"PRAGMA synchronous=NORMAL",
}

// RecordStore persists records in SQLite. List columns are stored as JSON text.
type RecordStore struct {
	db    *sql.DB
	table string
}

// Open opens (or creates) the database at dsn and ensures the schema exists.
// ":memory:" is accepted for tests and ephemeral runs.
func Open(ctx context.Context, dsn, table string) (*RecordStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	store := &RecordStore{db: db, table: table}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Ping verifies the database handle is usable.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *RecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *RecordStore) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id             TEXT PRIMARY KEY,
	text           TEXT NOT NULL,
	author_id      TEXT NOT NULL,
	author_handle  TEXT NOT NULL,
	author_name    TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	likes          INTEGER NOT NULL DEFAULT 0,
	reposts        INTEGER NOT NULL DEFAULT 0,
	replies        INTEGER NOT NULL DEFAULT 0,
	quotes         INTEGER NOT NULL DEFAULT 0,
	impressions    INTEGER NOT NULL DEFAULT 0,
	hashtags       TEXT NOT NULL DEFAULT '[]',
	mentions       TEXT NOT NULL DEFAULT '[]',
	urls           TEXT NOT NULL DEFAULT '[]',
	referenced_ids TEXT NOT NULL DEFAULT '[]',
	tags           TEXT NOT NULL DEFAULT '[]',
	sentiment      TEXT NOT NULL,
	source_kind    TEXT NOT NULL,
	search_context TEXT NOT NULL DEFAULT '',
	processed_at   TEXT NOT NULL
)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// UpsertRecord inserts rec, or refreshes the engagement counters of the
// existing row with the same ID.
func (s *RecordStore) UpsertRecord(ctx context.Context, rec harvest.Record) (harvest.UpsertResult, error) {
	if rec.ID == "" {
		return "", fmt.Errorf("record id is required: %w", harvest.ErrInvalidInput)
	}
	lists, err := encodeLists(rec)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := fmt.Sprintf(`
INSERT OR IGNORE INTO %s (
	id, text, author_id, author_handle, author_name, created_at,
	likes, reposts, replies, quotes, impressions,
	hashtags, mentions, urls, referenced_ids, tags,
	sentiment, source_kind, search_context, processed_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, s.table)
	res, err := tx.ExecContext(ctx, insert,
		rec.ID, rec.Text, rec.AuthorID, rec.AuthorHandle, rec.AuthorName, formatTime(rec.CreatedAt),
		rec.Metrics.Likes, rec.Metrics.Reposts, rec.Metrics.Replies, rec.Metrics.Quotes, rec.Metrics.Impressions,
		lists[0], lists[1], lists[2], lists[3], lists[4],
		string(rec.Sentiment), string(rec.SourceKind), rec.SearchContext, formatTime(rec.ProcessedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}
	result := harvest.UpsertInserted
	if affected == 0 {
		update := fmt.Sprintf(`
UPDATE %s SET likes = ?, reposts = ?, replies = ?, quotes = ?, impressions = ?
WHERE id = ?`, s.table)
		if _, err := tx.ExecContext(ctx, update,
			rec.Metrics.Likes, rec.Metrics.Reposts, rec.Metrics.Replies, rec.Metrics.Quotes, rec.Metrics.Impressions,
			rec.ID,
		); err != nil {
			return "", fmt.Errorf("refresh record metrics: %w", err)
		}
		result = harvest.UpsertUpdated
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit upsert: %w", err)
	}
	return result, nil
}

// RecordExists reports whether a record with id is stored.
func (s *RecordStore) RecordExists(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = ?)`, s.table)
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check record exists: %w", err)
	}
	return exists, nil
}

// GetRecord loads a record by ID.
func (s *RecordStore) GetRecord(ctx context.Context, id string) (harvest.Record, error) {
	query := fmt.Sprintf(`
SELECT id, text, author_id, author_handle, author_name, created_at,
	likes, reposts, replies, quotes, impressions,
	hashtags, mentions, urls, referenced_ids, tags,
	sentiment, source_kind, search_context, processed_at
FROM %s WHERE id = ?`, s.table)

	var (
		rec                  harvest.Record
		createdAt, processed string
		sentiment, kind      string
		lists                [5]string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.Text, &rec.AuthorID, &rec.AuthorHandle, &rec.AuthorName, &createdAt,
		&rec.Metrics.Likes, &rec.Metrics.Reposts, &rec.Metrics.Replies, &rec.Metrics.Quotes, &rec.Metrics.Impressions,
		&lists[0], &lists[1], &lists[2], &lists[3], &lists[4],
		&sentiment, &kind, &rec.SearchContext, &processed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.Record{}, fmt.Errorf("record %s: %w", id, harvest.ErrNotFound)
	}
	if err != nil {
		return harvest.Record{}, fmt.Errorf("load record: %w", err)
	}
	rec.Sentiment = harvest.Sentiment(sentiment)
	rec.SourceKind = harvest.SourceKind(kind)
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return harvest.Record{}, err
	}
	if rec.ProcessedAt, err = parseTime(processed); err != nil {
		return harvest.Record{}, err
	}
	targets := []*[]string{&rec.Hashtags, &rec.Mentions, &rec.URLs, &rec.ReferencedIDs, &rec.Tags}
	for i, raw := range lists {
		if err := json.Unmarshal([]byte(raw), targets[i]); err != nil {
			return harvest.Record{}, fmt.Errorf("decode list column: %w", err)
		}
	}
	return rec, nil
}

func encodeLists(rec harvest.Record) ([5]string, error) {
	var out [5]string
	for i, values := range [][]string{rec.Hashtags, rec.Mentions, rec.URLs, rec.ReferencedIDs, rec.Tags} {
		if values == nil {
			values = []string{}
		}
		b, err := json.Marshal(values)
		if err != nil {
			return out, fmt.Errorf("encode list column: %w", err)
		}
		out[i] = string(b)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
