// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dyno-dev/dyno/internal/capability"
	"github.com/dyno-dev/dyno/internal/store"
	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

// Memories returns capabilities over the persistent memory store.
func Memories(memories store.MemoryStore) capability.Source {
	m := &memoryOps{memories: memories}
	return func() []capability.Descriptor {
		return []capability.Descriptor{
			{
				Name:        "save_memory",
				Description: "Save a memory under an id, overwriting any previous content. Tags make memories findable later.",
				InputSchema: objectSchema(map[string]any{
					"id":      strProp("Memory id, e.g. 'user-preferences'"),
					"content": strProp("Memory content"),
					"tags": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Optional tags for recall",
					},
				}, "id", "content"),
				Invoke: m.save,
			},
			{
				Name:        "recall_memory",
				Description: "Recall memories whose content or tags match a query, newest first.",
				InputSchema: objectSchema(map[string]any{
					"query": strProp("Search text matched against content and tags"),
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum results (default 10)",
					},
				}, "query"),
				ReadOnly: true,
				Invoke:   m.recall,
			},
			{
				Name:        "append_memory",
				Description: "Append content to an existing memory without overwriting. Creates the memory if it doesn't exist. Useful for building lists over time.",
				InputSchema: objectSchema(map[string]any{
					"id":      strProp("Memory id to append to"),
					"content": strProp("Content to append"),
				}, "id", "content"),
				Invoke: m.append,
			},
			{
				Name:        "delete_memory",
				Description: "Delete a memory by id.",
				InputSchema: objectSchema(map[string]any{
					"id": strProp("Memory id to delete"),
				}, "id"),
				Invoke: m.delete,
			},
			{
				Name:        "list_memory_tags",
				Description: "List all memory tags for quick reference. Returns just the tags, not the full content.",
				InputSchema: objectSchema(map[string]any{}),
				ReadOnly:    true,
				Invoke:      m.listTags,
			},
		}
	}
}

type memoryOps struct {
	memories store.MemoryStore
}

func (m *memoryOps) save(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		ID      string   `json:"id"`
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityInputInvalid, "decoding save_memory input")
	}
	if in.ID == "" || in.Content == "" {
		return "", dynoerr.New(dynoerr.CodeCapabilityInputInvalid, "id and content are required")
	}
	if err := m.memories.Save(ctx, &store.Memory{ID: in.ID, Content: in.Content, Tags: in.Tags}); err != nil {
		return "", err
	}
	return fmt.Sprintf("Memory %q saved.", in.ID), nil
}

func (m *memoryOps) recall(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityInputInvalid, "decoding recall_memory input")
	}
	if in.Limit <= 0 {
		in.Limit = 10
	}
	memories, err := m.memories.Recall(ctx, in.Query, in.Limit)
	if err != nil {
		return "", err
	}
	if len(memories) == 0 {
		return "No matching memories.", nil
	}

	var b strings.Builder
	for _, mem := range memories {
		fmt.Fprintf(&b, "## %s", mem.ID)
		if len(mem.Tags) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(mem.Tags, ", "))
		}
		fmt.Fprintf(&b, "\n%s\n\n", mem.Content)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (m *memoryOps) append(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityInputInvalid, "decoding append_memory input")
	}
	if in.ID == "" || in.Content == "" {
		return "", dynoerr.New(dynoerr.CodeCapabilityInputInvalid, "id and content are required")
	}
	if err := m.memories.Append(ctx, in.ID, in.Content); err != nil {
		return "", err
	}
	return fmt.Sprintf("Memory %q appended.", in.ID), nil
}

func (m *memoryOps) delete(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityInputInvalid, "decoding delete_memory input")
	}
	if in.ID == "" {
		return "", dynoerr.New(dynoerr.CodeCapabilityInputInvalid, "id is required")
	}
	if err := m.memories.Delete(ctx, in.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Memory %q deleted.", in.ID), nil
}

func (m *memoryOps) listTags(ctx context.Context, _ json.RawMessage) (string, error) {
	tags, err := m.memories.ListTags(ctx)
	if err != nil {
		return "", err
	}
	if len(tags) == 0 {
		return "No memories saved yet.", nil
	}
	return "Memory tags: " + strings.Join(tags, ", "), nil
}
