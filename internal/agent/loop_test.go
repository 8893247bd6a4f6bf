// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyno-dev/dyno/internal/capability"
	"github.com/dyno-dev/dyno/internal/provider"
)

// scriptClient replays canned turns, one per Chat call.
type scriptClient struct {
	mu       sync.Mutex
	turns    [][]provider.ChatEvent
	requests []provider.ChatRequest
}

func (s *scriptClient) Name() string { return "script" }
func (s *scriptClient) Close() error { return nil }

func (s *scriptClient) Chat(_ context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.requests) >= len(s.turns) {
		return nil, errors.New("script exhausted")
	}
	turn := s.turns[len(s.requests)]
	s.requests = append(s.requests, req)

	ch := make(chan provider.ChatEvent, len(turn))
	for _, ev := range turn {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (s *scriptClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func textTurn(text string, in, out int) []provider.ChatEvent {
	return []provider.ChatEvent{
		{Type: provider.EventTypeText, Text: text},
		{Type: provider.EventTypeUsage, Usage: &provider.Usage{InputTokens: in, OutputTokens: out}},
		{Type: provider.EventTypeDone, StopReason: provider.StopReasonEndTurn},
	}
}

func toolTurn(in, out int, calls ...provider.ToolCall) []provider.ChatEvent {
	events := make([]provider.ChatEvent, 0, len(calls)+2)
	for i := range calls {
		events = append(events, provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: &calls[i]})
	}
	events = append(events,
		provider.ChatEvent{Type: provider.EventTypeUsage, Usage: &provider.Usage{InputTokens: in, OutputTokens: out}},
		provider.ChatEvent{Type: provider.EventTypeDone, StopReason: provider.StopReasonToolUse},
	)
	return events
}

func call(id, name, input string) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}
}

// recordSink collects emitted events for assertions.
type recordSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordSink) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordSink) byType(t string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordSink) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// testCatalog returns a catalog with one read-only and one write capability.
// Invocations are appended to a shared log.
func testCatalog(log *[]string, mu *sync.Mutex) *capability.Registry {
	record := func(name string, input json.RawMessage) {
		mu.Lock()
		*log = append(*log, name+":"+string(input))
		mu.Unlock()
	}
	reg := capability.NewRegistry()
	reg.Register(capability.Descriptor{
		Name:     "read_note",
		ReadOnly: true,
		Invoke: func(_ context.Context, input json.RawMessage) (string, error) {
			record("read_note", input)
			return "note contents", nil
		},
	})
	reg.Register(capability.Descriptor{
		Name: "write_note",
		Invoke: func(_ context.Context, input json.RawMessage) (string, error) {
			record("write_note", input)
			return "wrote " + string(input), nil
		},
	})
	return reg
}

func newTestLoop(t *testing.T, client provider.Client, approver Approver, sink Sink, maxIter int) (*Loop, *[]string) {
	t.Helper()
	var log []string
	var mu sync.Mutex
	cat := testCatalog(&log, &mu)
	loop := NewLoop(Options{
		Provider:          client,
		Catalog:           cat,
		Policy:            capability.NewPolicy(nil),
		Approver:          approver,
		Sink:              sink,
		Model:             "test-model",
		MaxIterations:     maxIter,
		InputCostPerMTok:  3.0,
		OutputCostPerMTok: 15.0,
	})
	return loop, &log
}

func TestLoopTextOnlySingleIteration(t *testing.T) {
	client := &scriptClient{turns: [][]provider.ChatEvent{
		textTurn("All set.", 100, 20),
	}}
	sink := &recordSink{}
	loop, _ := newTestLoop(t, client, DenyAllApprover{}, sink, 15)

	res, err := loop.Run(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Outcome)
	assert.Equal(t, "All set.", res.Summary)
	assert.Equal(t, 100, res.TokensIn)
	assert.Equal(t, 20, res.TokensOut)
	assert.Equal(t, 1, client.callCount())

	thinking := sink.byType(EventThinking)
	require.Len(t, thinking, 1)
	assert.Equal(t, "All set.", thinking[0].Text)
	assert.Equal(t, MasterSessionID, thinking[0].SessionID)

	done := sink.byType(EventDone)
	require.Len(t, done, 1)
	assert.Equal(t, "All set.", done[0].Summary)

	// Final assistant turn lands in the transcript.
	transcript := loop.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, provider.MessageRoleAssistant, transcript[1].Role)
}

func TestLoopEmptyFinalTextFallsBack(t *testing.T) {
	client := &scriptClient{turns: [][]provider.ChatEvent{
		{
			{Type: provider.EventTypeDone, StopReason: provider.StopReasonEndTurn},
		},
	}}
	sink := &recordSink{}
	loop, _ := newTestLoop(t, client, DenyAllApprover{}, sink, 15)

	res, err := loop.Run(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "Build complete.", res.Summary)
}

func TestLoopAutoCapabilitiesRunConcurrently(t *testing.T) {
	client := &scriptClient{turns: [][]provider.ChatEvent{
		toolTurn(50, 10,
			call("t1", "read_note", `{"filename":"a.md"}`),
			call("t2", "read_note", `{"filename":"b.md"}`),
		),
		textTurn("Read both.", 60, 5),
	}}
	sink := &recordSink{}
	loop, log := newTestLoop(t, client, DenyAllApprover{}, sink, 15)

	res, err := loop.Run(context.Background(), "read the notes", nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Outcome)
	assert.Equal(t, 2, client.callCount())
	assert.Len(t, *log, 2)

	assert.Len(t, sink.byType(EventToolCall), 2)
	assert.Len(t, sink.byType(EventToolResult), 2)
	assert.Empty(t, sink.byType(EventProposal))

	// Results are batched back in call order regardless of completion order.
	transcript := loop.Transcript()
	require.Len(t, transcript, 4)
	batch := transcript[2]
	require.Len(t, batch.Blocks, 2)
	assert.Equal(t, "t1", batch.Blocks[0].ToolID)
	assert.Equal(t, "t2", batch.Blocks[1].ToolID)
}

func TestLoopGatedApprovalWithEditedInput(t *testing.T) {
	client := &scriptClient{turns: [][]provider.ChatEvent{
		toolTurn(50, 10, call("w1", "write_note", `{"filename":"draft.md"}`)),
		textTurn("Saved.", 30, 5),
	}}
	sink := &recordSink{}
	gate := NewGate()
	loop, log := newTestLoop(t, client, gate, sink, 15)

	go func() {
		waitPending(gate, "w1")
		gate.Resolve("w1", Decision{Approved: true, EditedInput: json.RawMessage(`{"filename":"final.md"}`)})
	}()

	res, err := loop.Run(context.Background(), "save it", nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Outcome)

	proposals := sink.byType(EventProposal)
	require.Len(t, proposals, 1)
	assert.Equal(t, "w1", proposals[0].ProposalID)
	assert.Equal(t, "write_note: draft.md", proposals[0].DisplayTitle)
	assert.Equal(t, 50, proposals[0].TokensIn)
	assert.InDelta(t, 0.00030, proposals[0].CostSoFar, 1e-9)

	execs := sink.byType(EventExecutionResult)
	require.Len(t, execs, 1)
	assert.Equal(t, StatusCompleted, execs[0].Status)

	// The edited input reached the capability.
	require.Len(t, *log, 1)
	assert.Contains(t, (*log)[0], "final.md")
}

func TestLoopGatedDenial(t *testing.T) {
	client := &scriptClient{turns: [][]provider.ChatEvent{
		toolTurn(50, 10, call("w1", "write_note", `{"filename":"draft.md"}`)),
		textTurn("Understood.", 30, 5),
	}}
	sink := &recordSink{}
	gate := NewGate()
	loop, log := newTestLoop(t, client, gate, sink, 15)

	go func() {
		waitPending(gate, "w1")
		gate.Resolve("w1", Decision{Approved: false})
	}()

	res, err := loop.Run(context.Background(), "save it", nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Outcome)
	assert.Empty(t, *log)

	execs := sink.byType(EventExecutionResult)
	require.Len(t, execs, 1)
	assert.Equal(t, StatusDenied, execs[0].Status)
	assert.Equal(t, "User denied this action.", execs[0].ErrorText)

	// The refusal text is what the model sees.
	transcript := loop.Transcript()
	batch := transcript[2]
	require.Len(t, batch.Blocks, 1)
	assert.True(t, batch.Blocks[0].IsError)
	assert.Contains(t, batch.Blocks[0].Content, "Do not retry this action")
}

func TestLoopMixedAutoAndGatedOrdering(t *testing.T) {
	client := &scriptClient{turns: [][]provider.ChatEvent{
		toolTurn(50, 10,
			call("r1", "read_note", `{"filename":"a.md"}`),
			call("w1", "write_note", `{"filename":"out.md"}`),
		),
		textTurn("Done.", 30, 5),
	}}
	sink := &recordSink{}
	gate := NewGate()
	loop, _ := newTestLoop(t, client, gate, sink, 15)

	go func() {
		waitPending(gate, "w1")
		gate.Resolve("w1", Decision{Approved: true})
	}()

	_, err := loop.Run(context.Background(), "read then write", nil)
	require.NoError(t, err)

	// The auto call's result event arrives before the proposal: the auto
	// batch is a barrier ahead of the gated sequence.
	var sawResult bool
	for _, ev := range sink.all() {
		if ev.Type == EventToolResult && ev.ProposalID == "r1" {
			sawResult = true
		}
		if ev.Type == EventProposal {
			assert.True(t, sawResult, "proposal emitted before auto results finished")
		}
	}

	batch := loop.Transcript()[2]
	require.Len(t, batch.Blocks, 2)
	assert.Equal(t, "r1", batch.Blocks[0].ToolID)
	assert.Equal(t, "w1", batch.Blocks[1].ToolID)
}

func TestLoopResultTruncation(t *testing.T) {
	long := strings.Repeat("x", 5000)
	reg := capability.NewRegistry()
	reg.Register(capability.Descriptor{
		Name:     "read_note",
		ReadOnly: true,
		Invoke: func(context.Context, json.RawMessage) (string, error) {
			return long, nil
		},
	})
	client := &scriptClient{turns: [][]provider.ChatEvent{
		toolTurn(50, 10, call("t1", "read_note", `{}`)),
		textTurn("Done.", 30, 5),
	}}
	sink := &recordSink{}
	loop := NewLoop(Options{
		Provider: client,
		Catalog:  reg,
		Policy:   capability.NewPolicy(nil),
		Approver: DenyAllApprover{},
		Sink:     sink,
	})

	_, err := loop.Run(context.Background(), "go", nil)
	require.NoError(t, err)

	results := sink.byType(EventToolResult)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Result, 2000)

	batch := loop.Transcript()[2]
	assert.Len(t, batch.Blocks[0].Content, 4000)
}

func TestLoopUsageAccumulates(t *testing.T) {
	client := &scriptClient{turns: [][]provider.ChatEvent{
		toolTurn(100, 20, call("t1", "read_note", `{}`)),
		textTurn("Done.", 40, 10),
	}}
	sink := &recordSink{}
	loop, _ := newTestLoop(t, client, DenyAllApprover{}, sink, 15)

	res, err := loop.Run(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, 140, res.TokensIn)
	assert.Equal(t, 30, res.TokensOut)

	usage := sink.byType(EventTokenUsage)
	require.Len(t, usage, 2)
	assert.Equal(t, 100, usage[0].DeltaIn)
	assert.Equal(t, 100, usage[0].TotalIn)
	assert.Equal(t, 1, usage[0].Iteration)
	assert.Equal(t, 40, usage[1].DeltaIn)
	assert.Equal(t, 140, usage[1].TotalIn)
	assert.Equal(t, 2, usage[1].Iteration)
}

func TestLoopIterationCeiling(t *testing.T) {
	turns := make([][]provider.ChatEvent, 3)
	for i := range turns {
		turns[i] = toolTurn(10, 5, call(fmt.Sprintf("t%d", i), "read_note", `{}`))
	}
	client := &scriptClient{turns: turns}
	sink := &recordSink{}
	loop, _ := newTestLoop(t, client, DenyAllApprover{}, sink, 3)

	res, err := loop.Run(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, RunMaxIterations, res.Outcome)
	assert.Equal(t, "Reached maximum iterations (3).", res.Summary)
	assert.Equal(t, 3, client.callCount())
}

func TestLoopCancelStopsNextIteration(t *testing.T) {
	client := &scriptClient{turns: [][]provider.ChatEvent{
		toolTurn(10, 5, call("t1", "read_note", `{}`)),
		textTurn("never reached", 1, 1),
	}}
	sink := &recordSink{}

	var loop *Loop
	reg := capability.NewRegistry()
	reg.Register(capability.Descriptor{
		Name:     "read_note",
		ReadOnly: true,
		Invoke: func(context.Context, json.RawMessage) (string, error) {
			loop.Cancel()
			return "ok", nil
		},
	})
	loop = NewLoop(Options{
		Provider: client,
		Catalog:  reg,
		Policy:   capability.NewPolicy(nil),
		Approver: DenyAllApprover{},
		Sink:     sink,
	})

	res, err := loop.Run(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, res.Outcome)
	assert.Equal(t, "Cancelled.", res.Summary)
	assert.Equal(t, 1, client.callCount())
}

func TestLoopProviderErrorSurfaces(t *testing.T) {
	client := &scriptClient{turns: nil}
	sink := &recordSink{}
	loop, _ := newTestLoop(t, client, DenyAllApprover{}, sink, 15)

	_, err := loop.Run(context.Background(), "go", nil)
	require.Error(t, err)

	errs := sink.byType(EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "API error")
}

func TestLoopUnknownCapabilityBecomesResult(t *testing.T) {
	client := &scriptClient{turns: [][]provider.ChatEvent{
		toolTurn(10, 5, call("t1", "read_note", `{}`)),
		textTurn("Done.", 5, 2),
	}}
	sink := &recordSink{}
	// Catalog without read_note: unknown at execution time, but still
	// manual-gated by policy, so approve it through a gate.
	reg := capability.NewRegistry()
	gate := NewGate()
	loop := NewLoop(Options{
		Provider: client,
		Catalog:  reg,
		Policy:   capability.NewPolicy(nil),
		Approver: gate,
		Sink:     sink,
	})

	go func() {
		waitPending(gate, "t1")
		gate.Resolve("t1", Decision{Approved: true})
	}()

	_, err := loop.Run(context.Background(), "go", nil)
	require.NoError(t, err)

	execs := sink.byType(EventExecutionResult)
	require.Len(t, execs, 1)
	assert.Equal(t, "Error: Unknown tool: read_note", execs[0].Result)
}

func TestLoopHistoryCarriesOver(t *testing.T) {
	client := &scriptClient{turns: [][]provider.ChatEvent{
		textTurn("Continuing.", 10, 5),
	}}
	loop, _ := newTestLoop(t, client, DenyAllApprover{}, &recordSink{}, 15)

	history := []provider.Message{
		provider.TextMessage(provider.MessageRoleUser, "earlier question"),
		provider.TextMessage(provider.MessageRoleAssistant, "earlier answer"),
	}
	_, err := loop.Run(context.Background(), "follow up", history)
	require.NoError(t, err)

	req := client.requests[0]
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "earlier question", req.Messages[0].Blocks[0].Text)
	assert.Equal(t, "follow up", req.Messages[2].Blocks[0].Text)
}

func TestDisplayTitlePicksBestInputField(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"filename first", `{"filename":"a.md","url":"https://x.test"}`, "write_note: a.md"},
		{"package name", `{"package_name":"lodash","prompt":"add it"}`, "write_note: lodash"},
		{"table", `{"table":"users","id":"42"}`, "write_note: users"},
		{"id", `{"id":"42"}`, "write_note: 42"},
		{"url", `{"url":"https://x.test/page"}`, "write_note: https://x.test/page"},
		{"prompt", `{"prompt":"do the thing"}`, "write_note: do the thing"},
		{"no known keys", `{"other":1}`, "write_note"},
		{"bad json", `not json`, "write_note"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, displayTitle(call("t1", "write_note", tc.input)))
		})
	}
}

func TestDisplayTitleTruncatesLongValues(t *testing.T) {
	long := strings.Repeat("a", 200)
	title := displayTitle(call("t1", "write_note", `{"filename":"`+long+`"}`))
	assert.Equal(t, "write_note: "+long[:120], title)
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))

	// Cutting inside a two-byte rune backs up to the previous boundary.
	s := "ééé"
	assert.Equal(t, "é", truncate(s, 3))
	assert.Equal(t, "éé", truncate(s, 4))
	assert.Equal(t, "", truncate("é", 1))
}

// waitPending spins until the gate has the given proposal parked.
func waitPending(gate *Gate, id string) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range gate.Pending() {
			if p == id {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
}
