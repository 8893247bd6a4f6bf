// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dyno-dev/dyno/internal/store"
	"github.com/dyno-dev/dyno/internal/store/sqlite"
	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemorySaveRecall(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Memories().Save(ctx, &store.Memory{
		ID:      "mem-1",
		Content: "the dashboard grid is 12 columns",
		Tags:    []string{"dashboard", "layout"},
	}))
	require.NoError(t, s.Memories().Save(ctx, &store.Memory{
		ID:      "mem-2",
		Content: "user prefers dark mode",
		Tags:    []string{"preferences"},
	}))

	got, err := s.Memories().Recall(ctx, "dashboard", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mem-1", got[0].ID)
	assert.Equal(t, []string{"dashboard", "layout"}, got[0].Tags)

	// Tag match also recalls.
	got, err = s.Memories().Recall(ctx, "preferences", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mem-2", got[0].ID)
}

func TestMemoryAppendAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Memories().Save(ctx, &store.Memory{ID: "mem-1", Content: "line one"}))
	require.NoError(t, s.Memories().Append(ctx, "mem-1", "line two"))

	got, err := s.Memories().Get(ctx, "mem-1")
	require.NoError(t, err)
	assert.Contains(t, got.Content, "line one")
	assert.Contains(t, got.Content, "line two")

	require.NoError(t, s.Memories().Delete(ctx, "mem-1"))
	_, err = s.Memories().Get(ctx, "mem-1")
	assert.True(t, dynoerr.IsNotFound(err))

	// Append and delete on missing ids surface not-found.
	assert.True(t, dynoerr.IsNotFound(s.Memories().Append(ctx, "absent", "x")))
	assert.True(t, dynoerr.IsNotFound(s.Memories().Delete(ctx, "absent")))
}

func TestMemoryListTags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Memories().Save(ctx, &store.Memory{ID: "a", Content: "x", Tags: []string{"one", "two"}}))
	require.NoError(t, s.Memories().Save(ctx, &store.Memory{ID: "b", Content: "y", Tags: []string{"two", "three"}}))

	tags, err := s.Memories().ListTags(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one", "two", "three"}, tags)
}

func TestMetricsRecordAndTotals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Metrics().Record(ctx, &store.UsageRecord{
		SessionID: "master", Model: "claude-sonnet-4-5-20250929", InputTokens: 100, OutputTokens: 50,
	}))
	require.NoError(t, s.Metrics().Record(ctx, &store.UsageRecord{
		SessionID: "master", Model: "claude-sonnet-4-5-20250929", InputTokens: 200, OutputTokens: 70,
	}))
	require.NoError(t, s.Metrics().Record(ctx, &store.UsageRecord{
		SessionID: "child-11112222", InputTokens: 10, OutputTokens: 5,
	}))

	totals, err := s.Metrics().Totals(ctx, "master")
	require.NoError(t, err)
	assert.Equal(t, 300, totals.InputTokens)
	assert.Equal(t, 120, totals.OutputTokens)
	assert.Equal(t, 2, totals.Samples)

	all, err := s.Metrics().Totals(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 310, all.InputTokens)
	assert.Equal(t, 3, all.Samples)
}
