// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dyno-dev/dyno/internal/agent"
	"github.com/dyno-dev/dyno/internal/capability"
)

const (
	spawnPromptPreview  = 200
	dashboardTimeout    = 5 * time.Second
	dashboardGridCols   = 12
	dashboardGridRowPx  = 60
	dashboardGridGapPx  = 16
	emptyDashboardNote  = "Dashboard is empty. Use ui_action with action='reset' to restore defaults."
	dashboardAcceptType = "application/json"
)

// orchestrationNames lists the capabilities only the root loop sees. Spawned
// children get the shared catalog with these hidden, so a child can never
// spawn its own children or mutate the dashboard.
func orchestrationNames() []string {
	return []string{
		"spawn_agent",
		"ui_action",
		"send_to_session",
		"get_session_status",
		"list_children",
		"get_child_details",
		"terminate_child",
		"get_dashboard_layout",
	}
}

// orchestrationCapabilities builds the per-connection closures that let the
// root agent manage child sessions and the dashboard. They close over the
// connection so spawned children report back through the same socket.
func (c *conn) orchestrationCapabilities() []capability.Descriptor {
	return []capability.Descriptor{
		{
			Name:        "spawn_agent",
			Description: "Spawn a child agent session that works on a task independently. Returns the new session id immediately; results stream back as tagged events.",
			InputSchema: objectSchema(map[string]any{
				"prompt": strProp("Task for the child agent to work on"),
				"model":  strProp("Model for the child session (defaults to the server default)"),
			}, "prompt"),
			Invoke: c.invokeSpawnAgent,
		},
		{
			Name:        "ui_action",
			Description: "Mutate the dashboard: add, remove, update, move, resize, clear, or reset widgets. Grid is 12 columns, 60px rows.",
			InputSchema: objectSchema(map[string]any{
				"action":     strProp("One of add, remove, update, move, resize, clear, reset"),
				"widgetId":   strProp("Target widget id"),
				"widgetType": strProp("Widget type, for add actions"),
				"position":   map[string]any{"type": "object", "description": "Grid position {x, y}"},
				"size":       map[string]any{"type": "object", "description": "Grid size {w, h}"},
				"props":      map[string]any{"type": "object", "description": "Widget-specific properties"},
			}, "action", "widgetId"),
			Invoke: c.invokeUIAction,
		},
		{
			Name:        "send_to_session",
			Description: "Send a follow-up message to a completed child session, continuing its conversation.",
			InputSchema: objectSchema(map[string]any{
				"session_id": strProp("Child session id"),
				"message":    strProp("Message to send"),
			}, "session_id", "message"),
			Invoke: c.invokeSendToSession,
		},
		{
			Name:        "get_session_status",
			Description: "Get the status, token usage, and latest result of a child session.",
			InputSchema: objectSchema(map[string]any{
				"session_id": strProp("Child session id"),
			}, "session_id"),
			ReadOnly: true,
			Invoke:   c.invokeGetSessionStatus,
		},
		{
			Name:        "list_children",
			Description: "List child sessions, optionally filtered by status (running, completed, error, terminated, or all).",
			InputSchema: objectSchema(map[string]any{
				"status_filter": strProp("Status to filter by, or all"),
			}),
			ReadOnly: true,
			Invoke:   c.invokeListChildren,
		},
		{
			Name:        "get_child_details",
			Description: "Get the full details of a child session, including its prompt and result.",
			InputSchema: objectSchema(map[string]any{
				"session_id": strProp("Child session id"),
			}, "session_id"),
			ReadOnly: true,
			Invoke:   c.invokeGetChildDetails,
		},
		{
			Name:        "terminate_child",
			Description: "Terminate a running child session.",
			InputSchema: objectSchema(map[string]any{
				"session_id": strProp("Child session id"),
			}, "session_id"),
			Invoke: c.invokeTerminateChild,
		},
		{
			Name:        "get_dashboard_layout",
			Description: "Fetch the current dashboard layout. Read this before mutating widgets with ui_action.",
			InputSchema: objectSchema(map[string]any{}),
			ReadOnly:    true,
			Invoke:      c.invokeGetDashboardLayout,
		},
	}
}

func (c *conn) invokeSpawnAgent(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	_ = json.Unmarshal(input, &args)
	if args.Prompt == "" {
		return "Error: prompt is required", nil
	}
	model := args.Model
	if model == "" {
		model = c.srv.cfg.Agent.DefaultModel
	}

	sessionID, err := c.registry.Spawn(c.ctx, model, args.Prompt, c.sink(), func(final agent.ChildInfo) {
		c.send(agent.Event{
			Type:      agent.EventSessionEnded,
			SessionID: final.SessionID,
			Status:    final.Status,
			Result:    final.Result,
			TokensIn:  final.TokensIn,
			TokensOut: final.TokensOut,
			Model:     final.Model,
		})
	})
	if err != nil {
		return "Error: " + err.Error(), nil
	}

	c.srv.logger.Info("child spawned", "session", sessionID, "model", model)
	c.send(agent.Event{
		Type:      agent.EventSessionCreated,
		SessionID: sessionID,
		Model:     model,
		Prompt:    preview(args.Prompt, spawnPromptPreview),
	})

	return jsonResult(map[string]any{
		"sessionId": sessionID,
		"status":    agent.ChildRunning,
		"model":     model,
	}), nil
}

func (c *conn) invokeUIAction(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Action     string          `json:"action"`
		WidgetID   string          `json:"widgetId"`
		WidgetType string          `json:"widgetType"`
		Position   json.RawMessage `json:"position"`
		Size       json.RawMessage `json:"size"`
		Props      json.RawMessage `json:"props"`
	}
	_ = json.Unmarshal(input, &args)
	if args.Action == "" || args.WidgetID == "" {
		return "Error: action and widgetId are required", nil
	}

	c.send(agent.Event{
		Type:       agent.EventUIMutation,
		Action:     args.Action,
		WidgetID:   args.WidgetID,
		WidgetType: args.WidgetType,
		Position:   args.Position,
		Size:       args.Size,
		Props:      args.Props,
	})

	return jsonResult(map[string]any{
		"status":   "ok",
		"action":   args.Action,
		"widgetId": args.WidgetID,
	}), nil
}

func (c *conn) invokeSendToSession(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	_ = json.Unmarshal(input, &args)
	if args.SessionID == "" || args.Message == "" {
		return "Error: session_id and message are required", nil
	}

	info, ok := c.registry.Get(args.SessionID)
	if !ok {
		return fmt.Sprintf("Error: session %s not found", args.SessionID), nil
	}
	if info.Status != agent.ChildCompleted {
		return fmt.Sprintf("Error: session %s is %s, not completed", args.SessionID, info.Status), nil
	}

	err := c.registry.Continue(c.ctx, args.SessionID, args.Message, func(final agent.ChildInfo) {
		c.send(agent.Event{
			Type:      agent.EventSessionEnded,
			SessionID: final.SessionID,
			Status:    final.Status,
			Result:    final.Result,
			TokensIn:  final.TokensIn,
			TokensOut: final.TokensOut,
			Model:     final.Model,
		})
	})
	if err != nil {
		return "Error: " + err.Error(), nil
	}

	return jsonResult(map[string]any{
		"sessionId": args.SessionID,
		"status":    agent.ChildRunning,
	}), nil
}

func (c *conn) invokeGetSessionStatus(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(input, &args)
	if args.SessionID == "" {
		return "Error: session_id is required", nil
	}

	info, ok := c.registry.Get(args.SessionID)
	if !ok {
		return jsonResult(map[string]any{"error": fmt.Sprintf("session %s not found", args.SessionID)}), nil
	}

	return jsonResult(map[string]any{
		"sessionId": info.SessionID,
		"status":    info.Status,
		"model":     info.Model,
		"tokensIn":  info.TokensIn,
		"tokensOut": info.TokensOut,
		"result":    info.Result,
		"prompt":    preview(info.Prompt, spawnPromptPreview),
	}), nil
}

func (c *conn) invokeListChildren(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		StatusFilter string `json:"status_filter"`
	}
	_ = json.Unmarshal(input, &args)
	filter := args.StatusFilter
	if filter == "" {
		filter = "all"
	}

	sessions := make([]map[string]any, 0)
	for _, info := range c.registry.List() {
		if filter != "all" && info.Status != filter {
			continue
		}
		sessions = append(sessions, map[string]any{
			"sessionId": info.SessionID,
			"status":    info.Status,
			"model":     info.Model,
			"prompt":    preview(info.Prompt, spawnPromptPreview),
			"tokensIn":  info.TokensIn,
			"tokensOut": info.TokensOut,
		})
	}

	return jsonResult(map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
		"filter":   filter,
	}), nil
}

func (c *conn) invokeGetChildDetails(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(input, &args)
	if args.SessionID == "" {
		return "Error: session_id is required", nil
	}

	info, ok := c.registry.Get(args.SessionID)
	if !ok {
		return jsonResult(map[string]any{"error": fmt.Sprintf("Session %s not found", args.SessionID)}), nil
	}

	return jsonResult(map[string]any{
		"sessionId": info.SessionID,
		"status":    info.Status,
		"model":     info.Model,
		"prompt":    info.Prompt,
		"result":    info.Result,
		"tokensIn":  info.TokensIn,
		"tokensOut": info.TokensOut,
		"createdAt": info.CreatedAt.Unix(),
	}), nil
}

func (c *conn) invokeTerminateChild(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(input, &args)
	if args.SessionID == "" {
		return "Error: session_id is required", nil
	}

	info, ok := c.registry.Get(args.SessionID)
	if !ok {
		return jsonResult(map[string]any{"error": fmt.Sprintf("Session %s not found", args.SessionID)}), nil
	}
	if info.Status != agent.ChildRunning {
		return jsonResult(map[string]any{"error": fmt.Sprintf("Session %s is already %s", args.SessionID, info.Status)}), nil
	}

	c.registry.Terminate(args.SessionID)

	c.send(agent.Event{
		Type:      agent.EventSessionEnded,
		SessionID: args.SessionID,
		Status:    agent.ChildTerminated,
		TokensIn:  info.TokensIn,
		TokensOut: info.TokensOut,
		Model:     info.Model,
	})

	return jsonResult(map[string]any{
		"sessionId": args.SessionID,
		"status":    agent.ChildTerminated,
	}), nil
}

// dashboardLayout matches the layout API response shape.
type dashboardLayout struct {
	Widgets []struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		X         int             `json:"x"`
		Y         int             `json:"y"`
		W         int             `json:"w"`
		H         int             `json:"h"`
		Props     json.RawMessage `json:"props"`
		SessionID string          `json:"sessionId"`
	} `json:"widgets"`
}

func (c *conn) invokeGetDashboardLayout(ctx context.Context, _ json.RawMessage) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, dashboardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.srv.cfg.Dashboard.LayoutURL, nil)
	if err != nil {
		return jsonResult(map[string]any{"error": err.Error()}), nil
	}
	req.Header.Set("Accept", dashboardAcceptType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return jsonResult(map[string]any{"error": "Could not reach dashboard API: " + err.Error()}), nil
	}
	defer resp.Body.Close()

	var layout dashboardLayout
	if err := json.NewDecoder(resp.Body).Decode(&layout); err != nil {
		return jsonResult(map[string]any{"error": err.Error()}), nil
	}

	if len(layout.Widgets) == 0 {
		return jsonResult(map[string]any{
			"widgets": []any{},
			"count":   0,
			"note":    emptyDashboardNote,
		}), nil
	}

	summary := make([]map[string]any, 0, len(layout.Widgets))
	for _, w := range layout.Widgets {
		entry := map[string]any{
			"id":       w.ID,
			"type":     w.Type,
			"position": map[string]int{"x": w.X, "y": w.Y},
			"size":     map[string]int{"w": w.W, "h": w.H},
		}
		if len(w.Props) > 0 {
			entry["props"] = w.Props
		}
		if w.SessionID != "" {
			entry["sessionId"] = w.SessionID
		}
		summary = append(summary, entry)
	}

	return jsonResult(map[string]any{
		"widgets": summary,
		"count":   len(summary),
		"grid": map[string]int{
			"columns":   dashboardGridCols,
			"rowHeight": dashboardGridRowPx,
			"gap":       dashboardGridGapPx,
		},
	}), nil
}

func jsonResult(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error":"internal encoding failure"}`
	}
	return string(data)
}

func preview(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
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
