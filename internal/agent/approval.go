// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package agent

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Decision is the human verdict on a proposed write action. EditedInput,
// when set, replaces the model's original input on execution.
type Decision struct {
	Approved    bool
	EditedInput json.RawMessage
}

// Approver blocks a loop until a proposal is decided. The root loop uses a
// Gate resolved by the connection; child loops use DenyAll.
type Approver interface {
	// Propose parks until the proposal identified by id is decided or ctx
	// is cancelled. Cancellation counts as denial, not an error.
	Propose(ctx context.Context, id string) (Decision, error)
}

// Gate parks proposals until Resolve delivers a decision. Each proposal id
// is decided at most once; later Resolve calls for the same id are no-ops.
type Gate struct {
	mu      sync.Mutex
	pending map[string]chan Decision
}

// NewGate creates an empty Gate.
func NewGate() *Gate {
	return &Gate{pending: make(map[string]chan Decision)}
}

// Propose registers id and blocks until Resolve, DenyAll, or ctx
// cancellation. Cancellation resolves as a denial.
func (g *Gate) Propose(ctx context.Context, id string) (Decision, error) {
	ch := make(chan Decision, 1)
	g.mu.Lock()
	g.pending[id] = ch
	g.mu.Unlock()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		g.drop(id)
		return Decision{Approved: false}, nil
	}
}

// Resolve delivers the decision for id. Returns false when id is unknown or
// already decided.
func (g *Gate) Resolve(id string, d Decision) bool {
	ch := g.take(id)
	if ch == nil {
		return false
	}
	ch <- d
	return true
}

// DenyAll resolves every pending proposal as denied. Used on cancel and on
// connection teardown.
func (g *Gate) DenyAll() {
	g.mu.Lock()
	channels := make([]chan Decision, 0, len(g.pending))
	for id, ch := range g.pending {
		channels = append(channels, ch)
		delete(g.pending, id)
	}
	g.mu.Unlock()

	for _, ch := range channels {
		ch <- Decision{Approved: false}
	}
}

// Pending returns the ids of undecided proposals, sorted.
func (g *Gate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Gate) take(id string) chan Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch, ok := g.pending[id]
	if !ok {
		return nil
	}
	delete(g.pending, id)
	return ch
}

func (g *Gate) drop(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

// DenyAllApprover is the Approver for child sessions: every proposal is
// denied immediately, without waiting for a human.
type DenyAllApprover struct{}

func (DenyAllApprover) Propose(context.Context, string) (Decision, error) {
	return Decision{Approved: false}, nil
}
