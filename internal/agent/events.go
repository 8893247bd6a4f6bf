// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

// Package agent implements the conversation loop, the approval gate for
// write-capable actions, and the registry of child agent sessions.
package agent

import (
	"context"
	"encoding/json"
)

// MasterSessionID tags events from the root conversation loop.
const MasterSessionID = "master"

// Event types emitted over the lifetime of a loop and its children.
const (
	EventThinking        = "thinking"
	EventTokenUsage      = "token_usage"
	EventToolCall        = "tool_call"
	EventToolResult      = "tool_result"
	EventProposal        = "proposal"
	EventExecutionResult = "execution_result"
	EventDone            = "done"
	EventError           = "error"
	EventChatResponse    = "chat_response"
	EventSessionCreated  = "session_created"
	EventSessionStatus   = "session_status"
	EventSessionEnded    = "session_ended"
	EventUIMutation      = "ui_mutation"
	EventPong            = "pong"
)

// Execution result statuses.
const (
	StatusCompleted = "completed"
	StatusDenied    = "denied"
)

// Event is the flat wire envelope shared by all event types. Consumers key
// off Type; unused fields are omitted from the JSON encoding. SessionID is
// always present and defaults to "master".
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`

	// thinking
	Text string `json:"text,omitempty"`

	// tool_call / tool_result / proposal / execution_result
	ProposalID   string          `json:"id,omitempty"`
	Tool         string          `json:"tool,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Result       string          `json:"result,omitempty"`
	Status       string          `json:"status,omitempty"`
	ErrorText    string          `json:"error,omitempty"`
	DisplayTitle string          `json:"displayTitle,omitempty"`
	CostSoFar    float64         `json:"costSoFar,omitempty"`

	// token_usage
	DeltaIn   int `json:"deltaIn,omitempty"`
	DeltaOut  int `json:"deltaOut,omitempty"`
	TotalIn   int `json:"totalIn,omitempty"`
	TotalOut  int `json:"totalOut,omitempty"`
	Iteration int `json:"iteration,omitempty"`

	// done / chat_response / session_ended
	Summary   string `json:"summary,omitempty"`
	Response  string `json:"response,omitempty"`
	TokensIn  int    `json:"tokensIn,omitempty"`
	TokensOut int    `json:"tokensOut,omitempty"`

	// error / session lifecycle
	Message string `json:"message,omitempty"`
	Model   string `json:"model,omitempty"`
	Prompt  string `json:"prompt,omitempty"`

	// ui_mutation
	Action     string          `json:"action,omitempty"`
	WidgetID   string          `json:"widgetId,omitempty"`
	WidgetType string          `json:"widgetType,omitempty"`
	Position   json.RawMessage `json:"position,omitempty"`
	Size       json.RawMessage `json:"size,omitempty"`
	Props      json.RawMessage `json:"props,omitempty"`

	// pong
	Uptime      int `json:"uptime,omitempty"`
	ActiveTasks int `json:"activeTasks,omitempty"`
}

// Sink receives loop events. Emit may be called concurrently from multiple
// goroutines; implementations must serialize their own output. Emit errors
// are advisory: the loop keeps running when a sink fails.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// FuncSink adapts a function to the Sink interface.
type FuncSink func(ctx context.Context, ev Event) error

func (f FuncSink) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// DiscardSink drops all events.
var DiscardSink Sink = FuncSink(func(context.Context, Event) error { return nil })
