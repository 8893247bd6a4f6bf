// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyno-dev/dyno/internal/capability"
	"github.com/dyno-dev/dyno/internal/provider"
	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

func childFactory(client provider.Client) LoopFactory {
	return func(sessionID, model string, sink Sink) *Loop {
		reg := capability.NewRegistry()
		return NewLoop(Options{
			Provider:  client,
			Catalog:   reg,
			Policy:    capability.NewPolicy(nil),
			Approver:  DenyAllApprover{},
			Sink:      sink,
			SessionID: sessionID,
			Model:     model,
		})
	}
}

func TestRegistrySpawnRunsToCompletion(t *testing.T) {
	client := &scriptClient{turns: [][]provider.ChatEvent{
		textTurn("Research finished.", 80, 40),
	}}
	reg := NewRegistry(5, childFactory(client))
	sink := &recordSink{}

	ended := make(chan ChildInfo, 1)
	id, err := reg.Spawn(context.Background(), "test-model", "research topic", sink, func(info ChildInfo) {
		ended <- info
	})
	require.NoError(t, err)
	assert.Regexp(t, `^child-[0-9a-f]{8}$`, id)

	var final ChildInfo
	select {
	case final = <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("child did not finish")
	}

	assert.Equal(t, ChildCompleted, final.Status)
	assert.Equal(t, "Research finished.", final.Result)
	assert.Equal(t, 80, final.TokensIn)
	assert.Equal(t, 40, final.TokensOut)

	// Every forwarded event carries the child's session id.
	for _, ev := range sink.all() {
		assert.Equal(t, id, ev.SessionID)
		assert.Equal(t, "test-model", ev.Model)
	}

	info, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, ChildCompleted, info.Status)
}

func TestRegistryChildApprovalEventsStayInternal(t *testing.T) {
	// The child's deny-all approver refuses write_note inside the loop;
	// neither the proposal nor the denied result may reach the parent sink.
	client := &scriptClient{turns: [][]provider.ChatEvent{
		toolTurn(20, 5, call("w1", "write_note", `{"filename":"a.txt"}`)),
		textTurn("Skipped the write.", 10, 5),
	}}
	reg := NewRegistry(5, childFactory(client))
	sink := &recordSink{}

	ended := make(chan ChildInfo, 1)
	_, err := reg.Spawn(context.Background(), "m", "write something", sink, func(info ChildInfo) {
		ended <- info
	})
	require.NoError(t, err)

	select {
	case info := <-ended:
		assert.Equal(t, ChildCompleted, info.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("child did not finish")
	}

	assert.Empty(t, sink.byType(EventProposal))
	assert.Empty(t, sink.byType(EventExecutionResult))
	assert.NotEmpty(t, sink.byType(EventTokenUsage))
	assert.NotEmpty(t, sink.byType(EventDone))
}

func TestRegistryChildErrorEmitsEvent(t *testing.T) {
	// An exhausted script makes the provider fail on the first call.
	client := &scriptClient{turns: nil}
	reg := NewRegistry(5, childFactory(client))
	sink := &recordSink{}

	ended := make(chan ChildInfo, 1)
	id, err := reg.Spawn(context.Background(), "m", "doomed task", sink, func(info ChildInfo) {
		ended <- info
	})
	require.NoError(t, err)

	select {
	case info := <-ended:
		assert.Equal(t, ChildError, info.Status)
		assert.Equal(t, "script exhausted", info.Result)
	case <-time.After(5 * time.Second):
		t.Fatal("child did not finish")
	}

	errs := sink.byType(EventError)
	require.Len(t, errs, 2)
	assert.Equal(t, "API error: script exhausted", errs[0].Message)
	assert.Equal(t, "Child "+id+" error: script exhausted", errs[1].Message)
	assert.Equal(t, id, errs[1].SessionID)
}

func TestRegistryCapacityLimit(t *testing.T) {
	reg := NewRegistry(5, childFactory(&scriptClient{turns: [][]provider.ChatEvent{
		textTurn("ok", 1, 1), textTurn("ok", 1, 1), textTurn("ok", 1, 1),
		textTurn("ok", 1, 1), textTurn("ok", 1, 1),
	}}))

	for i := 0; i < 5; i++ {
		_, err := reg.Spawn(context.Background(), "m", fmt.Sprintf("task %d", i), DiscardSink, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, reg.Count())

	_, err := reg.Spawn(context.Background(), "m", "one too many", DiscardSink, nil)
	require.Error(t, err)
	assert.True(t, dynoerr.IsCapacityExceeded(err))
}

func TestRegistryTerminateRunningChild(t *testing.T) {
	// A provider that blocks until the context is cancelled keeps the
	// child in running state.
	blocking := newBlockingClient()
	reg := NewRegistry(5, childFactory(blocking))

	ended := make(chan ChildInfo, 1)
	id, err := reg.Spawn(context.Background(), "m", "long task", DiscardSink, func(info ChildInfo) {
		ended <- info
	})
	require.NoError(t, err)

	blocking.waitForCall(t)
	require.True(t, reg.Terminate(id))

	select {
	case info := <-ended:
		assert.Equal(t, ChildTerminated, info.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("terminated child did not finish")
	}

	// A second terminate is a no-op.
	assert.False(t, reg.Terminate(id))
	assert.False(t, reg.Terminate("child-missing1"))
}

func TestRegistryContinueFinishedChild(t *testing.T) {
	client := &scriptClient{turns: [][]provider.ChatEvent{
		textTurn("First pass done.", 10, 5),
		textTurn("Follow-up done.", 10, 5),
	}}
	reg := NewRegistry(5, childFactory(client))

	ended := make(chan ChildInfo, 2)
	id, err := reg.Spawn(context.Background(), "m", "first", DiscardSink, func(info ChildInfo) {
		ended <- info
	})
	require.NoError(t, err)
	<-ended

	// Running children cannot be continued; this one is done, so it can.
	err = reg.Continue(context.Background(), id, "second", func(info ChildInfo) {
		ended <- info
	})
	require.NoError(t, err)

	select {
	case info := <-ended:
		assert.Equal(t, ChildCompleted, info.Status)
		assert.Equal(t, "Follow-up done.", info.Result)
	case <-time.After(5 * time.Second):
		t.Fatal("continuation did not finish")
	}

	// The follow-up request carried the earlier transcript.
	require.Len(t, client.requests, 2)
	assert.GreaterOrEqual(t, len(client.requests[1].Messages), 3)
}

func TestRegistryContinueRejectsBusyAndUnknown(t *testing.T) {
	blocking := newBlockingClient()
	reg := NewRegistry(5, childFactory(blocking))

	id, err := reg.Spawn(context.Background(), "m", "task", DiscardSink, nil)
	require.NoError(t, err)
	blocking.waitForCall(t)

	err = reg.Continue(context.Background(), id, "follow up", nil)
	require.Error(t, err)

	err = reg.Continue(context.Background(), "child-00000000", "hi", nil)
	require.Error(t, err)

	reg.Cleanup()
}

func TestRegistryCleanup(t *testing.T) {
	blocking := newBlockingClient()
	reg := NewRegistry(5, childFactory(blocking))

	_, err := reg.Spawn(context.Background(), "m", "task", DiscardSink, nil)
	require.NoError(t, err)
	blocking.waitForCall(t)

	reg.Cleanup()
	assert.Equal(t, 0, reg.Count())
	assert.Empty(t, reg.List())
}

// blockingClient parks Chat until the request context is cancelled.
type blockingClient struct {
	once   sync.Once
	called chan struct{}
}

func newBlockingClient() *blockingClient {
	return &blockingClient{called: make(chan struct{})}
}

func (b *blockingClient) Name() string { return "blocking" }
func (b *blockingClient) Close() error { return nil }

func (b *blockingClient) Chat(ctx context.Context, _ provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	b.once.Do(func() { close(b.called) })
	ch := make(chan provider.ChatEvent, 1)
	go func() {
		<-ctx.Done()
		ch <- provider.ChatEvent{Type: provider.EventTypeError, Error: ctx.Err().Error()}
		close(ch)
	}()
	return ch, nil
}

func (b *blockingClient) waitForCall(t *testing.T) {
	t.Helper()
	select {
	case <-b.called:
	case <-time.After(5 * time.Second):
		t.Fatal("provider was never called")
	}
}
