// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package provider

import (
	"context"
	"encoding/json"
)

// Client is the core interface for LLM providers. A Chat call returns a
// channel of events; the channel is closed after a terminal done or error
// event.
type Client interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error)
	Close() error
}

// ChatRequest represents one round-trip request to the model.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// Message is one transcript turn. Turns are append-only; a turn is either a
// user prompt, an assistant response (text and tool-use blocks), or a batch
// of tool results sent back under the user role.
type Message struct {
	Role   MessageRole
	Blocks []Block
}

// MessageRole defines the role of a message sender.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// BlockType discriminates transcript content blocks.
type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
)

// Block is a single content block within a message.
type Block struct {
	Type BlockType

	// Text is set for text blocks.
	Text string

	// ToolID and ToolName identify a tool_use block; Input is its JSON
	// input. ToolID also links a tool_result back to its request.
	ToolID   string
	ToolName string
	Input    json.RawMessage

	// Content and IsError are set for tool_result blocks.
	Content string
	IsError bool
}

// TextMessage builds a single-text-block message.
func TextMessage(role MessageRole, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: BlockTypeText, Text: text}}}
}

// ToolDefinition describes a callable capability advertised to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ChatEvent is a streaming response event.
type ChatEvent struct {
	Type       EventType
	Text       string
	ToolCall   *ToolCall
	Usage      *Usage
	StopReason string
	Error      string
}

// EventType defines the type of chat event.
type EventType string

const (
	// EventTypeText carries one complete text block, emitted as soon as
	// the block finishes streaming.
	EventTypeText     EventType = "text"
	EventTypeToolCall EventType = "tool_call"
	EventTypeUsage    EventType = "usage"
	EventTypeDone     EventType = "done"
	EventTypeError    EventType = "error"
)

// Stop reasons carried on the done event.
const (
	StopReasonEndTurn = "end_turn"
	StopReasonToolUse = "tool_use"
)

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Usage tracks token consumption for one round-trip.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
