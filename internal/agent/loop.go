// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/dyno-dev/dyno/internal/capability"
	"github.com/dyno-dev/dyno/internal/provider"
	"github.com/dyno-dev/dyno/internal/store"
	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

const (
	// Display truncation for streamed tool results; the model still sees up
	// to transcriptResultLimit chars in the conversation history.
	displayResultLimit    = 2000
	transcriptResultLimit = 4000

	refusalText = "User denied this action. Do not retry this action or ask why. " +
		"Move on to the next step or finish the build with what you have."
)

// Loop run outcomes.
const (
	RunCompleted     = "completed"
	RunCancelled     = "cancelled"
	RunMaxIterations = "max_iterations"
)

// Result summarizes a finished loop run.
type Result struct {
	Outcome   string
	Summary   string
	TokensIn  int
	TokensOut int
}

// Options configures a Loop.
type Options struct {
	Provider provider.Client
	Catalog  capability.Catalog
	Policy   *capability.Policy
	Approver Approver
	Sink     Sink
	Logger   *slog.Logger
	// Metrics, when set, records per-iteration token usage.
	Metrics store.MetricsStore

	SessionID     string
	Model         string
	SystemPrompt  string
	MaxTokens     int
	MaxIterations int

	// Pricing per million tokens, for the running cost shown on proposals.
	InputCostPerMTok  float64
	OutputCostPerMTok float64
}

// Loop drives one agent conversation: call the model, stream text, execute
// auto-approved capabilities concurrently, and park on the approver for
// everything else. A Loop is reusable across runs; the transcript carries
// over so a finished session can be continued.
type Loop struct {
	opts      Options
	cancelled atomic.Bool

	mu         sync.Mutex
	transcript []provider.Message
	tokensIn   int
	tokensOut  int
}

// NewLoop creates a Loop. Zero option fields fall back to safe defaults;
// Provider, Catalog, Policy, and Approver are required.
func NewLoop(opts Options) *Loop {
	if opts.Sink == nil {
		opts.Sink = DiscardSink
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SessionID == "" {
		opts.SessionID = MasterSessionID
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 15
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8192
	}
	return &Loop{opts: opts}
}

// Cancel signals the loop to stop at the next iteration boundary. An
// in-flight proposal wait is not interrupted here; resolving the gate (or
// cancelling the run context) handles that.
func (l *Loop) Cancel() {
	l.cancelled.Store(true)
}

// Usage returns accumulated token counts across all runs of this loop.
func (l *Loop) Usage() (in, out int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokensIn, l.tokensOut
}

// Transcript returns a copy of the conversation history.
func (l *Loop) Transcript() []provider.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]provider.Message, len(l.transcript))
	copy(out, l.transcript)
	return out
}

// Run executes the conversation loop for one user prompt. history, when
// non-nil, replaces the loop's transcript before the prompt is appended.
// The returned error covers provider failures only; denials, cancellation,
// and the iteration ceiling are normal outcomes reported in the Result.
func (l *Loop) Run(ctx context.Context, prompt string, history []provider.Message) (*Result, error) {
	l.cancelled.Store(false)

	l.mu.Lock()
	if history != nil {
		l.transcript = append([]provider.Message(nil), history...)
	}
	l.transcript = append(l.transcript, provider.TextMessage(provider.MessageRoleUser, prompt))
	l.mu.Unlock()

	tools := l.opts.Catalog.Definitions()

	for iteration := 1; iteration <= l.opts.MaxIterations; iteration++ {
		if l.cancelled.Load() || ctx.Err() != nil {
			return l.finish(ctx, RunCancelled, "Cancelled.")
		}

		reply, err := l.callModel(ctx, tools, iteration)
		if err != nil {
			l.emit(ctx, Event{Type: EventError, Message: "API error: " + err.Error()})
			return nil, err
		}

		if reply.stopReason != provider.StopReasonToolUse {
			summary := reply.joinedText()
			if summary == "" {
				summary = "Build complete."
			}
			if blocks := reply.assistantBlocks(); len(blocks) > 0 {
				l.appendMessage(provider.Message{Role: provider.MessageRoleAssistant, Blocks: blocks})
			}
			return l.finish(ctx, RunCompleted, summary)
		}

		auto, gated := l.partition(reply.toolCalls)

		results := make([]provider.Block, 0, len(reply.toolCalls))
		results = append(results, l.runAuto(ctx, auto)...)

		for _, call := range gated {
			results = append(results, l.runGated(ctx, call, iteration))
		}

		l.appendMessage(provider.Message{Role: provider.MessageRoleAssistant, Blocks: reply.assistantBlocks()})
		l.appendMessage(provider.Message{Role: provider.MessageRoleUser, Blocks: results})
	}

	return l.finish(ctx, RunMaxIterations,
		fmt.Sprintf("Reached maximum iterations (%d).", l.opts.MaxIterations))
}

// modelReply accumulates one streamed model turn.
type modelReply struct {
	blocks     []provider.Block
	toolCalls  []provider.ToolCall
	stopReason string
}

func (r *modelReply) joinedText() string {
	var parts []string
	for _, b := range r.blocks {
		if b.Type == provider.BlockTypeText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "")
}

func (r *modelReply) assistantBlocks() []provider.Block {
	return r.blocks
}

func (l *Loop) callModel(ctx context.Context, tools []provider.ToolDefinition, iteration int) (*modelReply, error) {
	events, err := l.opts.Provider.Chat(ctx, provider.ChatRequest{
		Model:     l.opts.Model,
		System:    l.opts.SystemPrompt,
		Messages:  l.Transcript(),
		Tools:     tools,
		MaxTokens: l.opts.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	reply := &modelReply{stopReason: provider.StopReasonEndTurn}
	for ev := range events {
		switch ev.Type {
		case provider.EventTypeText:
			reply.blocks = append(reply.blocks, provider.Block{Type: provider.BlockTypeText, Text: ev.Text})
			l.emit(ctx, Event{Type: EventThinking, Text: ev.Text})
		case provider.EventTypeToolCall:
			reply.toolCalls = append(reply.toolCalls, *ev.ToolCall)
			reply.blocks = append(reply.blocks, provider.Block{
				Type:     provider.BlockTypeToolUse,
				ToolID:   ev.ToolCall.ID,
				ToolName: ev.ToolCall.Name,
				Input:    ev.ToolCall.Input,
			})
		case provider.EventTypeUsage:
			l.recordUsage(ctx, ev.Usage, iteration)
		case provider.EventTypeError:
			return nil, dynoerr.New(dynoerr.CodeProviderUpstreamFailure, ev.Error)
		case provider.EventTypeDone:
			if ev.StopReason != "" {
				reply.stopReason = ev.StopReason
			}
		}
	}
	return reply, nil
}

func (l *Loop) recordUsage(ctx context.Context, u *provider.Usage, iteration int) {
	if u == nil {
		return
	}
	l.mu.Lock()
	l.tokensIn += u.InputTokens
	l.tokensOut += u.OutputTokens
	totalIn, totalOut := l.tokensIn, l.tokensOut
	l.mu.Unlock()

	l.emit(ctx, Event{
		Type:      EventTokenUsage,
		DeltaIn:   u.InputTokens,
		DeltaOut:  u.OutputTokens,
		TotalIn:   totalIn,
		TotalOut:  totalOut,
		Iteration: iteration,
	})

	if l.opts.Metrics != nil {
		rec := &store.UsageRecord{
			SessionID:    l.opts.SessionID,
			Model:        l.opts.Model,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			RecordedAt:   time.Now().UTC(),
		}
		if err := l.opts.Metrics.Record(ctx, rec); err != nil {
			l.opts.Logger.Warn("recording token usage", "session_id", l.opts.SessionID, "error", err)
		}
	}
}

func (l *Loop) partition(calls []provider.ToolCall) (auto, gated []provider.ToolCall) {
	for _, c := range calls {
		if l.opts.Policy.AutoApproved(l.opts.Catalog, c.Name) {
			auto = append(auto, c)
		} else {
			gated = append(gated, c)
		}
	}
	return auto, gated
}

// runAuto executes auto-approved calls concurrently and returns their
// result blocks in the original call order.
func (l *Loop) runAuto(ctx context.Context, calls []provider.ToolCall) []provider.Block {
	if len(calls) == 0 {
		return nil
	}

	results := make([]provider.Block, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call provider.ToolCall) {
			defer wg.Done()
			l.emit(ctx, Event{
				Type:       EventToolCall,
				ProposalID: call.ID,
				Tool:       call.Name,
				Input:      call.Input,
			})
			out := l.execute(ctx, call.Name, call.Input)
			l.emit(ctx, Event{
				Type:       EventToolResult,
				ProposalID: call.ID,
				Tool:       call.Name,
				Result:     truncate(out, displayResultLimit),
			})
			results[i] = provider.Block{
				Type:    provider.BlockTypeToolResult,
				ToolID:  call.ID,
				Content: truncate(out, transcriptResultLimit),
			}
		}(i, call)
	}
	wg.Wait()
	return results
}

// runGated proposes one write action, waits for the verdict, and either
// executes or substitutes the refusal text.
func (l *Loop) runGated(ctx context.Context, call provider.ToolCall, iteration int) provider.Block {
	totalIn, totalOut := l.Usage()

	l.emit(ctx, Event{
		Type:         EventProposal,
		ProposalID:   call.ID,
		Tool:         call.Name,
		Input:        call.Input,
		DisplayTitle: displayTitle(call),
		TokensIn:     totalIn,
		TokensOut:    totalOut,
		CostSoFar:    l.costEstimate(totalIn, totalOut),
		Iteration:    iteration,
	})

	decision, err := l.opts.Approver.Propose(ctx, call.ID)
	if err != nil || !decision.Approved {
		l.emit(ctx, Event{
			Type:       EventExecutionResult,
			ProposalID: call.ID,
			Status:     StatusDenied,
			ErrorText:  "User denied this action.",
		})
		return provider.Block{
			Type:    provider.BlockTypeToolResult,
			ToolID:  call.ID,
			Content: refusalText,
			IsError: true,
		}
	}

	input := call.Input
	if len(decision.EditedInput) > 0 {
		input = decision.EditedInput
	}
	out := l.execute(ctx, call.Name, input)
	l.emit(ctx, Event{
		Type:       EventExecutionResult,
		ProposalID: call.ID,
		Status:     StatusCompleted,
		Result:     out,
	})
	return provider.Block{
		Type:    provider.BlockTypeToolResult,
		ToolID:  call.ID,
		Content: truncate(out, transcriptResultLimit),
	}
}

// execute invokes a capability, folding failures into a textual result the
// model can react to.
func (l *Loop) execute(ctx context.Context, name string, input json.RawMessage) string {
	out, err := l.opts.Catalog.Invoke(ctx, name, input)
	if err != nil {
		if dynoerr.HasCode(err, dynoerr.CodeCapabilityUnknown) {
			return fmt.Sprintf("Error: Unknown tool: %s", name)
		}
		return fmt.Sprintf("Error executing %s: %v", name, err)
	}
	return out
}

func (l *Loop) finish(ctx context.Context, outcome, summary string) (*Result, error) {
	totalIn, totalOut := l.Usage()
	l.emit(ctx, Event{
		Type:      EventDone,
		Summary:   summary,
		TokensIn:  totalIn,
		TokensOut: totalOut,
	})
	return &Result{
		Outcome:   outcome,
		Summary:   summary,
		TokensIn:  totalIn,
		TokensOut: totalOut,
	}, nil
}

func (l *Loop) appendMessage(m provider.Message) {
	l.mu.Lock()
	l.transcript = append(l.transcript, m)
	l.mu.Unlock()
}

func (l *Loop) emit(ctx context.Context, ev Event) {
	if ev.SessionID == "" {
		ev.SessionID = l.opts.SessionID
	}
	if err := l.opts.Sink.Emit(ctx, ev); err != nil {
		l.opts.Logger.Warn("emitting event", "type", ev.Type, "session_id", ev.SessionID, "error", err)
	}
}

func (l *Loop) costEstimate(tokensIn, tokensOut int) float64 {
	cost := float64(tokensIn)*l.opts.InputCostPerMTok/1e6 +
		float64(tokensOut)*l.opts.OutputCostPerMTok/1e6
	return math.Round(cost*1e6) / 1e6
}

// displayTitle builds a human-facing one-liner for a proposal from the
// best-known input field.
func displayTitle(call provider.ToolCall) string {
	var in map[string]any
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return call.Name
	}
	for _, key := range []string{"filename", "package_name", "table", "id", "url", "prompt"} {
		if v, ok := in[key].(string); ok && v != "" {
			return call.Name + ": " + truncate(v, 120)
		}
	}
	return call.Name
}

// truncate cuts s to at most n bytes without splitting a UTF-8 rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
