// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/dyno-dev/dyno/internal/provider"
)

// Config holds Anthropic provider configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server
}

// Client implements provider.Client using the Anthropic Messages API.
type Client struct {
	client anthropicsdk.Client
	config Config
}

// New creates a new Anthropic client. Returns an error if the API key is missing.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: missing api_key in config")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		client: anthropicsdk.NewClient(opts...),
		config: cfg,
	}, nil
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) Close() error { return nil }

// Chat issues a streaming Messages request and converts SDK events into
// provider.ChatEvent values. Each complete text block is emitted as a single
// text event; one usage event with the call's totals precedes the done event.
func (c *Client) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: building request params: %w", err)
	}

	eventCh := make(chan provider.ChatEvent, 100)

	go func() {
		defer close(eventCh)
		c.streamChat(ctx, params, eventCh)
	}()

	return eventCh, nil
}

// buildParams converts a provider.ChatRequest into Anthropic SDK MessageNewParams.
func buildParams(req provider.ChatRequest) (anthropicsdk.MessageNewParams, error) {
	msgs, err := convertMessages(req.Messages)
	if err != nil {
		return anthropicsdk.MessageNewParams{}, err
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}

	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{
			{Text: req.System},
		}
	}

	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	return params, nil
}

// convertMessages transforms transcript turns into Anthropic SDK MessageParam slices.
func convertMessages(msgs []provider.Message) ([]anthropicsdk.MessageParam, error) {
	result := make([]anthropicsdk.MessageParam, 0, len(msgs))

	for _, msg := range msgs {
		blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(msg.Blocks))
		for _, b := range msg.Blocks {
			switch b.Type {
			case provider.BlockTypeText:
				blocks = append(blocks, anthropicsdk.NewTextBlock(b.Text))
			case provider.BlockTypeToolUse:
				var input any
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &input); err != nil {
						return nil, fmt.Errorf("decoding tool input for %s: %w", b.ToolName, err)
					}
				}
				blocks = append(blocks, anthropicsdk.NewToolUseBlock(b.ToolID, input, b.ToolName))
			case provider.BlockTypeToolResult:
				blocks = append(blocks, anthropicsdk.NewToolResultBlock(b.ToolID, b.Content, b.IsError))
			default:
				return nil, fmt.Errorf("anthropic: unsupported block type %q", b.Type)
			}
		}

		switch msg.Role {
		case provider.MessageRoleUser:
			result = append(result, anthropicsdk.NewUserMessage(blocks...))
		case provider.MessageRoleAssistant:
			result = append(result, anthropicsdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", msg.Role)
		}
	}

	return result, nil
}

// convertTools transforms tool definitions into Anthropic SDK tool params.
func convertTools(tools []provider.ToolDefinition) []anthropicsdk.ToolUnionParam {
	result := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := extractSchema(t.InputSchema)
		result = append(result, anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        t.Name,
				Description: anthropicsdk.Opt(t.Description),
				InputSchema: schema,
			},
		})
	}
	return result
}

// extractSchema maps a full JSON Schema object (keys "type", "properties",
// "required") into the SDK's ToolInputSchemaParam, which expects Properties
// and Required as separate fields.
func extractSchema(raw map[string]any) anthropicsdk.ToolInputSchemaParam {
	schema := anthropicsdk.ToolInputSchemaParam{}
	if props, ok := raw["properties"]; ok {
		schema.Properties = props
	}
	if req, ok := raw["required"]; ok {
		if arr, ok := req.([]any); ok {
			strs := make([]string, 0, len(arr))
			for _, v := range arr {
				if s, ok := v.(string); ok {
					strs = append(strs, s)
				}
			}
			schema.Required = strs
		}
	}
	return schema
}

// streamChat runs the streaming loop. Text deltas are accumulated per block
// index and flushed as one event when the block stops, so callers see whole
// text blocks in order without buffering the full response.
func (c *Client) streamChat(ctx context.Context, params anthropicsdk.MessageNewParams, ch chan<- provider.ChatEvent) {
	stream := c.client.Messages.NewStreaming(ctx, params)

	type toolAccum struct {
		id          string
		name        string
		partialJSON string
	}
	toolBlocks := make(map[int64]*toolAccum)
	textBlocks := make(map[int64]string)

	usage := provider.Usage{}
	stopReason := provider.StopReasonEndTurn

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			cb := event.ContentBlock
			if cb.Type == "tool_use" {
				toolBlocks[event.Index] = &toolAccum{
					id:   cb.ID,
					name: cb.Name,
				}
			}

		case "content_block_delta":
			delta := event.Delta
			switch delta.Type {
			case "text_delta":
				textBlocks[event.Index] += delta.Text
			case "input_json_delta":
				if acc, ok := toolBlocks[event.Index]; ok {
					acc.partialJSON += delta.PartialJSON
				}
			}

		case "content_block_stop":
			if text, ok := textBlocks[event.Index]; ok {
				ch <- provider.ChatEvent{
					Type: provider.EventTypeText,
					Text: text,
				}
				delete(textBlocks, event.Index)
			}
			if acc, ok := toolBlocks[event.Index]; ok {
				input := acc.partialJSON
				if input == "" {
					input = "{}"
				}
				ch <- provider.ChatEvent{
					Type: provider.EventTypeToolCall,
					ToolCall: &provider.ToolCall{
						ID:    acc.id,
						Name:  acc.name,
						Input: json.RawMessage(input),
					},
				}
				delete(toolBlocks, event.Index)
			}

		case "message_start":
			usage.InputTokens += int(event.Message.Usage.InputTokens)
			usage.OutputTokens += int(event.Message.Usage.OutputTokens)

		case "message_delta":
			// message_delta carries final output usage and the stop reason.
			usage.OutputTokens = int(event.Usage.OutputTokens)
			if event.Delta.StopReason != "" {
				stopReason = string(event.Delta.StopReason)
			}

		case "message_stop":
			ch <- provider.ChatEvent{Type: provider.EventTypeUsage, Usage: &usage}
			ch <- provider.ChatEvent{Type: provider.EventTypeDone, StopReason: stopReason}
			return
		}
	}

	if err := stream.Err(); err != nil {
		ch <- provider.ChatEvent{
			Type:  provider.EventTypeError,
			Error: err.Error(),
		}
		return
	}

	// Stream ended without a message_stop; still terminate cleanly.
	ch <- provider.ChatEvent{Type: provider.EventTypeUsage, Usage: &usage}
	ch <- provider.ChatEvent{Type: provider.EventTypeDone, StopReason: stopReason}
}
