// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

// Package builtin provides the standard capability set: workspace file
// operations, persistent memory, web fetch, and usage metrics.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dyno-dev/dyno/internal/capability"
	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

// Files returns file capabilities sandboxed to root. Paths are always
// interpreted relative to root; escapes are rejected.
func Files(root string) capability.Source {
	fs := &fileOps{root: root}
	return func() []capability.Descriptor {
		return []capability.Descriptor{
			{
				Name:        "read_file",
				Description: "Read a file from the workspace. Paths are relative, e.g. 'notes/todo.md'.",
				InputSchema: objectSchema(map[string]any{
					"filename": strProp("Path to read, relative to the workspace"),
				}, "filename"),
				ReadOnly: true,
				Invoke:   fs.read,
			},
			{
				Name:        "list_files",
				Description: "List workspace files. Directories end with '/'.",
				InputSchema: objectSchema(map[string]any{
					"path": strProp("Directory to list. Defaults to the workspace root."),
				}),
				ReadOnly: true,
				Invoke:   fs.list,
			},
			{
				Name:        "write_file",
				Description: "Write a new file or overwrite an existing file in the workspace.",
				InputSchema: objectSchema(map[string]any{
					"filename": strProp("Path to write, relative to the workspace"),
					"content":  strProp("Full content to write to the file"),
				}, "filename", "content"),
				Invoke: fs.write,
			},
			{
				Name:        "modify_file",
				Description: "Modify an existing workspace file by replacing an exact string with a new string.",
				InputSchema: objectSchema(map[string]any{
					"filename":   strProp("Path to modify, relative to the workspace"),
					"old_string": strProp("The exact string to find and replace"),
					"new_string": strProp("The replacement string"),
				}, "filename", "old_string", "new_string"),
				Invoke: fs.modify,
			},
		}
	}
}

type fileOps struct {
	root string
}

// resolve maps a request path into the sandbox root, rejecting absolute
// paths and any traversal outside the root.
func (f *fileOps) resolve(name string) (string, error) {
	if name == "" {
		return "", dynoerr.New(dynoerr.CodeCapabilityInputInvalid, "filename is required")
	}
	if filepath.IsAbs(name) {
		return "", dynoerr.New(dynoerr.CodeCapabilityInputInvalid, "absolute paths are not allowed", dynoerr.Field("filename", name))
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", dynoerr.New(dynoerr.CodeCapabilityInputInvalid, "path escapes the workspace", dynoerr.Field("filename", name))
	}
	return filepath.Join(f.root, clean), nil
}

func (f *fileOps) read(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityInputInvalid, "decoding read_file input")
	}
	path, err := f.resolve(in.Filename)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", dynoerr.New(dynoerr.CodeCapabilityCallFailure, "file not found", dynoerr.Field("filename", in.Filename))
	}
	if err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityCallFailure, "reading file", dynoerr.Field("filename", in.Filename))
	}
	return string(data), nil
}

func (f *fileOps) list(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityInputInvalid, "decoding list_files input")
	}

	target := f.root
	display := ""
	if in.Path != "" {
		resolved, err := f.resolve(strings.TrimSuffix(in.Path, "/"))
		if err != nil {
			return "", err
		}
		target = resolved
		display = strings.TrimSuffix(in.Path, "/") + "/"
	}

	entries, err := os.ReadDir(target)
	if os.IsNotExist(err) {
		return "", dynoerr.New(dynoerr.CodeCapabilityCallFailure, "not a directory", dynoerr.Field("path", in.Path))
	}
	if err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityCallFailure, "listing directory", dynoerr.Field("path", in.Path))
	}

	var lines []string
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			lines = append(lines, display+e.Name()+"/")
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s%s (%d bytes)", display, e.Name(), info.Size()))
	}
	if len(lines) == 0 {
		return "Empty directory.", nil
	}
	return strings.Join(lines, "\n"), nil
}

func (f *fileOps) write(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityInputInvalid, "decoding write_file input")
	}
	path, err := f.resolve(in.Filename)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityCallFailure, "creating parent directory", dynoerr.Field("filename", in.Filename))
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityCallFailure, "writing file", dynoerr.Field("filename", in.Filename))
	}
	return fmt.Sprintf("Written %d bytes to %s", len(in.Content), in.Filename), nil
}

func (f *fileOps) modify(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Filename  string `json:"filename"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityInputInvalid, "decoding modify_file input")
	}
	if in.OldString == "" {
		return "", dynoerr.New(dynoerr.CodeCapabilityInputInvalid, "old_string must not be empty")
	}
	path, err := f.resolve(in.Filename)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", dynoerr.New(dynoerr.CodeCapabilityCallFailure, "file not found", dynoerr.Field("filename", in.Filename))
	}
	if err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityCallFailure, "reading file", dynoerr.Field("filename", in.Filename))
	}

	content := string(data)
	count := strings.Count(content, in.OldString)
	if count == 0 {
		return "", dynoerr.New(dynoerr.CodeCapabilityCallFailure, "old_string not found", dynoerr.Field("filename", in.Filename))
	}
	content = strings.ReplaceAll(content, in.OldString, in.NewString)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityCallFailure, "writing file", dynoerr.Field("filename", in.Filename))
	}
	return fmt.Sprintf("Replaced %d occurrence(s) in %s", count, in.Filename), nil
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
