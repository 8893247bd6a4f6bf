// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

// Package store persists agent memories and token-usage metrics in a single
// SQLite database. All state scoped to a connection (transcripts, sessions,
// proposals) stays in memory; this store only backs the memory and metrics
// capabilities.
package store

import (
	"context"
	"time"
)

// Memory is one saved agent memory.
type Memory struct {
	ID        string
	Content   string
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UsageRecord is one token-usage sample for a loop iteration.
type UsageRecord struct {
	SessionID    string
	Model        string
	InputTokens  int
	OutputTokens int
	RecordedAt   time.Time
}

// UsageTotals aggregates usage across records.
type UsageTotals struct {
	InputTokens  int
	OutputTokens int
	Samples      int
}

// MemoryStore persists agent memories.
type MemoryStore interface {
	Save(ctx context.Context, m *Memory) error
	Get(ctx context.Context, id string) (*Memory, error)
	// Recall returns memories whose content or tags match the query,
	// newest first, bounded by limit.
	Recall(ctx context.Context, query string, limit int) ([]*Memory, error)
	Append(ctx context.Context, id, content string) error
	Delete(ctx context.Context, id string) error
	ListTags(ctx context.Context) ([]string, error)
}

// MetricsStore records and aggregates token usage.
type MetricsStore interface {
	Record(ctx context.Context, rec *UsageRecord) error
	Totals(ctx context.Context, sessionID string) (*UsageTotals, error)
}
