// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dyno-dev/dyno/internal/store"
	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

// Compile-time interface checks.
var (
	_ store.MemoryStore  = (*memoryStore)(nil)
	_ store.MetricsStore = (*metricsStore)(nil)
)

// Store implements the memory and metrics stores backed by a single SQLite
// database.
type Store struct {
	db       *sql.DB
	memories *memoryStore
	metrics  *metricsStore
}

// Open opens (or creates) a SQLite database at dbPath and initialises the
// memories and token_usage tables.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, dynoerr.Wrapf(err, dynoerr.CodeStoreOpenFailure, "opening db %s", dbPath)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, dynoerr.Wrapf(err, dynoerr.CodeStoreOpenFailure, "pinging db %s", dbPath)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, dynoerr.Wrapf(err, dynoerr.CodeStoreOpenFailure, "migrating db %s", dbPath)
	}

	return &Store{
		db:       db,
		memories: &memoryStore{db: db},
		metrics:  &metricsStore{db: db},
	}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS memories (
	id         TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);

CREATE TABLE IF NOT EXISTS token_usage (
	session_id    TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	recorded_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_token_usage_session ON token_usage(session_id);
`
	_, err := db.Exec(ddl)
	return err
}

// Memories returns the MemoryStore sub-store.
func (s *Store) Memories() store.MemoryStore { return s.memories }

// Metrics returns the MetricsStore sub-store.
func (s *Store) Metrics() store.MetricsStore { return s.metrics }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// ---------- memoryStore ----------

type memoryStore struct {
	db *sql.DB
}

func (m *memoryStore) Save(ctx context.Context, mem *store.Memory) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			tags = excluded.tags,
			updated_at = excluded.updated_at`,
		mem.ID, mem.Content, strings.Join(mem.Tags, ","), now, now,
	)
	if err != nil {
		return dynoerr.Wrapf(err, dynoerr.CodeStoreQueryFailure, "saving memory %s", mem.ID)
	}
	return nil
}

func (m *memoryStore) Get(ctx context.Context, id string) (*store.Memory, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, content, tags, created_at, updated_at
		FROM memories WHERE id = ?`, id)

	mem, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, dynoerr.New(dynoerr.CodeStoreEntityNotFound, "memory not found", dynoerr.Field("memory_id", id))
	}
	if err != nil {
		return nil, dynoerr.Wrapf(err, dynoerr.CodeStoreQueryFailure, "loading memory %s", id)
	}
	return mem, nil
}

func (m *memoryStore) Recall(ctx context.Context, query string, limit int) ([]*store.Memory, error) {
	if limit <= 0 {
		limit = 20
	}

	pattern := "%" + query + "%"
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, content, tags, created_at, updated_at
		FROM memories
		WHERE content LIKE ? OR tags LIKE ?
		ORDER BY created_at DESC
		LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, dynoerr.Wrapf(err, dynoerr.CodeStoreQueryFailure, "recalling memories for %q", query)
	}
	defer rows.Close()

	var result []*store.Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, dynoerr.Wrapf(err, dynoerr.CodeStoreQueryFailure, "scanning memory row")
		}
		result = append(result, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, dynoerr.Wrapf(err, dynoerr.CodeStoreQueryFailure, "iterating memory rows")
	}
	return result, nil
}

func (m *memoryStore) Append(ctx context.Context, id, content string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := m.db.ExecContext(ctx, `
		UPDATE memories
		SET content = content || char(10) || ?, updated_at = ?
		WHERE id = ?`, content, now, id)
	if err != nil {
		return dynoerr.Wrapf(err, dynoerr.CodeStoreQueryFailure, "appending to memory %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dynoerr.Wrapf(err, dynoerr.CodeStoreQueryFailure, "appending to memory %s", id)
	}
	if n == 0 {
		return dynoerr.New(dynoerr.CodeStoreEntityNotFound, "memory not found", dynoerr.Field("memory_id", id))
	}
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, id string) error {
	res, err := m.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return dynoerr.Wrapf(err, dynoerr.CodeStoreQueryFailure, "deleting memory %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dynoerr.Wrapf(err, dynoerr.CodeStoreQueryFailure, "deleting memory %s", id)
	}
	if n == 0 {
		return dynoerr.New(dynoerr.CodeStoreEntityNotFound, "memory not found", dynoerr.Field("memory_id", id))
	}
	return nil
}

func (m *memoryStore) ListTags(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT tags FROM memories WHERE tags != ''`)
	if err != nil {
		return nil, dynoerr.Wrapf(err, dynoerr.CodeStoreQueryFailure, "listing tags")
	}
	defer rows.Close()

	seen := map[string]bool{}
	var tags []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, dynoerr.Wrapf(err, dynoerr.CodeStoreQueryFailure, "scanning tags row")
		}
		for _, tag := range strings.Split(raw, ",") {
			tag = strings.TrimSpace(tag)
			if tag != "" && !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, dynoerr.Wrapf(err, dynoerr.CodeStoreQueryFailure, "iterating tags rows")
	}
	return tags, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*store.Memory, error) {
	var mem store.Memory
	var tags, createdAt, updatedAt string
	if err := row.Scan(&mem.ID, &mem.Content, &tags, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if tags != "" {
		mem.Tags = strings.Split(tags, ",")
	}
	mem.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	mem.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &mem, nil
}

// ---------- metricsStore ----------

type metricsStore struct {
	db *sql.DB
}

func (m *metricsStore) Record(ctx context.Context, rec *store.UsageRecord) error {
	at := rec.RecordedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO token_usage (session_id, model, input_tokens, output_tokens, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Model, rec.InputTokens, rec.OutputTokens, at.Format(time.RFC3339Nano),
	)
	if err != nil {
		return dynoerr.Wrapf(err, dynoerr.CodeStoreQueryFailure, "recording usage for %s", rec.SessionID)
	}
	return nil
}

func (m *metricsStore) Totals(ctx context.Context, sessionID string) (*store.UsageTotals, error) {
	query := `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COUNT(*)
		FROM token_usage`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}

	var totals store.UsageTotals
	row := m.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&totals.InputTokens, &totals.OutputTokens, &totals.Samples); err != nil {
		return nil, dynoerr.Wrapf(err, dynoerr.CodeStoreQueryFailure, "aggregating usage for %q", sessionID)
	}
	return &totals, nil
}
