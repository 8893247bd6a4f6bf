// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package agent

import (
	"os"
	"path/filepath"
)

const defaultBasePrompt = "You are a helpful AI agent managed through Dyno."

// capabilityAppendix documents the capability surface for the model. It is
// appended to the base prompt whenever the full toolkit is active.
const capabilityAppendix = "## Tool Usage\n" +
	"File tools operate on the workspace directory; paths are relative (e.g. `notes/todo.md`).\n\n" +
	"### Web: fetch_url.\n" +
	"### Memory: save_memory, recall_memory, append_memory, delete_memory, list_memory_tags.\n" +
	"### Metrics: get_usage.\n" +
	"### Orchestration: spawn_agent, list_children, get_session_status, get_child_details, send_to_session, terminate_child.\n" +
	"### Dashboard: get_dashboard_layout (read first!), ui_action (add/remove/update/move/resize/clear/reset). Grid: 12 cols, 60px rows.\n"

// BasePrompt loads the operator-supplied base prompt from
// <dataDir>/context/dyno.md, falling back to a generic prompt.
func BasePrompt(dataDir string) string {
	data, err := os.ReadFile(filepath.Join(dataDir, "context", "dyno.md"))
	if err != nil {
		return defaultBasePrompt
	}
	return string(data)
}

// SystemPrompt is the full prompt for tool-using runs: base prompt plus the
// capability appendix.
func SystemPrompt(dataDir string) string {
	return BasePrompt(dataDir) + "\n\n" + capabilityAppendix
}
