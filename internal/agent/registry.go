// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dyno-dev/dyno/internal/provider"

	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

// Child session statuses.
const (
	ChildRunning    = "running"
	ChildCompleted  = "completed"
	ChildError      = "error"
	ChildTerminated = "terminated"
)

const childResultLimit = 500

// LoopFactory builds the loop for a new child session. The registry owns
// ids and lifecycle; the caller decides catalog, prompt plumbing, and model.
type LoopFactory func(sessionID, model string, sink Sink) *Loop

// ChildInfo is a point-in-time snapshot of a child session.
type ChildInfo struct {
	SessionID string
	Model     string
	Prompt    string
	Status    string
	Result    string
	TokensIn  int
	TokensOut int
	CreatedAt time.Time
}

type childSession struct {
	mu     sync.Mutex
	info   ChildInfo
	loop   *Loop
	sink   Sink
	cancel context.CancelFunc
}

func (c *childSession) snapshot() ChildInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *childSession) setStatus(status string) {
	c.mu.Lock()
	c.info.Status = status
	c.mu.Unlock()
}

// Registry tracks the child agent sessions spawned over one connection.
// Entries stay registered after they finish so they can be inspected and
// continued; capacity counts finished children too.
type Registry struct {
	mu       sync.Mutex
	max      int
	factory  LoopFactory
	sessions map[string]*childSession
}

// NewRegistry creates a Registry capped at max concurrent-or-finished
// children.
func NewRegistry(max int, factory LoopFactory) *Registry {
	if max <= 0 {
		max = 5
	}
	return &Registry{
		max:      max,
		factory:  factory,
		sessions: make(map[string]*childSession),
	}
}

// Spawn starts a child agent on prompt and returns its session id
// immediately. The run happens on a background goroutine scoped to ctx;
// progress is reported through sink, tagged with the child's session id.
// Approval events stay inside the child. done, when non-nil, is invoked
// once with the final snapshot.
func (r *Registry) Spawn(ctx context.Context, model, prompt string, sink Sink, done func(ChildInfo)) (string, error) {
	r.mu.Lock()
	if len(r.sessions) >= r.max {
		r.mu.Unlock()
		return "", dynoerr.New(dynoerr.CodeRegistryCapacityExceeded, "maximum child sessions reached",
			dynoerr.Field("max_children", r.max))
	}

	sessionID := "child-" + uuid.NewString()[:8]
	childCtx, cancel := context.WithCancel(ctx)

	child := &childSession{
		info: ChildInfo{
			SessionID: sessionID,
			Model:     model,
			Prompt:    prompt,
			Status:    ChildRunning,
			CreatedAt: time.Now().UTC(),
		},
		cancel: cancel,
	}
	child.sink = r.childSink(child, sink)
	child.loop = r.factory(sessionID, model, child.sink)
	r.sessions[sessionID] = child
	r.mu.Unlock()

	go r.runChild(childCtx, child, prompt, nil, done)
	return sessionID, nil
}

// Continue resumes a finished child with a follow-up message, reusing its
// transcript. Running and terminated children cannot be continued.
func (r *Registry) Continue(ctx context.Context, sessionID, message string, done func(ChildInfo)) error {
	r.mu.Lock()
	child, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return dynoerr.New(dynoerr.CodeRegistrySessionNotFound, "session not found",
			dynoerr.FieldSessionID(sessionID))
	}

	child.mu.Lock()
	status := child.info.Status
	if status != ChildCompleted && status != ChildError {
		child.mu.Unlock()
		return dynoerr.New(dynoerr.CodeRegistrySessionBusy, "session is not continuable",
			dynoerr.FieldSessionID(sessionID), dynoerr.Field("status", status))
	}
	child.info.Status = ChildRunning
	childCtx, cancel := context.WithCancel(ctx)
	child.cancel = cancel
	history := child.loop.Transcript()
	child.mu.Unlock()

	go r.runChild(childCtx, child, message, history, done)
	return nil
}

func (r *Registry) runChild(ctx context.Context, child *childSession, prompt string, history []provider.Message, done func(ChildInfo)) {
	res, err := child.loop.Run(ctx, prompt, history)

	var failed bool
	child.mu.Lock()
	switch {
	case err != nil:
		if child.info.Status == ChildRunning {
			child.info.Status = ChildError
			child.info.Result = truncate(err.Error(), childResultLimit)
			failed = true
		}
	case res.Outcome == RunCancelled:
		child.info.Status = ChildTerminated
	default:
		if child.info.Status == ChildRunning {
			child.info.Status = ChildCompleted
			if res.Summary != "" {
				child.info.Result = truncate(res.Summary, childResultLimit)
			}
		}
	}
	info := child.info
	child.mu.Unlock()

	if failed {
		_ = child.sink.Emit(ctx, Event{
			Type:    EventError,
			Message: "Child " + info.SessionID + " error: " + err.Error(),
		})
	}
	if done != nil {
		done(info)
	}
}

// Terminate cancels a running child. Finished children are left as they
// are.
func (r *Registry) Terminate(sessionID string) bool {
	r.mu.Lock()
	child, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	child.mu.Lock()
	defer child.mu.Unlock()
	if child.info.Status != ChildRunning {
		return false
	}
	child.loop.Cancel()
	child.cancel()
	child.info.Status = ChildTerminated
	return true
}

// Get returns a snapshot of one child session.
func (r *Registry) Get(sessionID string) (ChildInfo, bool) {
	r.mu.Lock()
	child, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return ChildInfo{}, false
	}
	return child.snapshot(), true
}

// List returns snapshots of all child sessions, oldest first.
func (r *Registry) List() []ChildInfo {
	r.mu.Lock()
	children := make([]*childSession, 0, len(r.sessions))
	for _, c := range r.sessions {
		children = append(children, c)
	}
	r.mu.Unlock()

	out := make([]ChildInfo, 0, len(children))
	for _, c := range children {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of registered child sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Cleanup cancels all running children and forgets every session. Called
// on connection teardown.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*childSession)
	r.mu.Unlock()

	for _, child := range sessions {
		child.mu.Lock()
		if child.info.Status == ChildRunning {
			child.loop.Cancel()
			child.cancel()
			child.info.Status = ChildTerminated
		}
		child.mu.Unlock()
	}
}

// childSink tags forwarded events with the child's session id and tracks
// usage and the final summary on the entry. Children run with a deny-all
// approver, so their proposals and the paired denied execution results are
// internal noise; nothing approval-shaped leaves a child.
func (r *Registry) childSink(child *childSession, sink Sink) Sink {
	return FuncSink(func(ctx context.Context, ev Event) error {
		if ev.Type == EventProposal {
			return nil
		}
		if ev.Type == EventExecutionResult && ev.Status == StatusDenied {
			return nil
		}
		child.mu.Lock()
		ev.SessionID = child.info.SessionID
		ev.Model = child.info.Model
		switch ev.Type {
		case EventTokenUsage:
			child.info.TokensIn = ev.TotalIn
			child.info.TokensOut = ev.TotalOut
		case EventDone:
			if ev.Summary != "" && child.info.Result == "" {
				child.info.Result = truncate(ev.Summary, childResultLimit)
			}
		}
		child.mu.Unlock()
		return sink.Emit(ctx, ev)
	})
}
