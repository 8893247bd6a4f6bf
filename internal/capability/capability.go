// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

// Package capability defines the narrow contract the agent core depends on:
// named callables that can be invoked with JSON input and that declare
// whether they are inherently read-only. The registry is hot-reloadable; the
// approval policy layered on top decides which invocations need a human.
package capability

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/dyno-dev/dyno/internal/provider"
	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

// InvokeFunc executes a capability with decoded-by-the-callee JSON input and
// returns a text result. Errors are caught at the call site and converted to
// textual error results; they never abort a loop.
type InvokeFunc func(ctx context.Context, input json.RawMessage) (string, error)

// Descriptor describes one capability.
type Descriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
	// ReadOnly marks capabilities that only observe state. This is policy
	// input, not a safety guarantee.
	ReadOnly bool
	Invoke   InvokeFunc
}

// Catalog is the read surface a conversation loop consumes. A Registry is a
// Catalog; per-connection overlays are too.
type Catalog interface {
	// Definitions returns tool definitions in stable (sorted) order.
	Definitions() []provider.ToolDefinition
	Invoke(ctx context.Context, name string, input json.RawMessage) (string, error)
	// ReadOnly reports the declared read-only flag; the second result is
	// false for unknown names.
	ReadOnly(name string) (bool, bool)
}

// Source produces a set of descriptors; registered sources are re-run on
// Reload so the catalog can pick up changes without a restart.
type Source func() []Descriptor

// Registry is a thread-safe, reloadable capability catalog.
type Registry struct {
	mu      sync.RWMutex
	caps    map[string]Descriptor
	sources []Source
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Descriptor)}
}

// Register adds a single descriptor, replacing any previous one of the same
// name.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[d.Name] = d
}

// AddSource registers a descriptor source and loads it immediately.
func (r *Registry) AddSource(src Source) {
	r.mu.Lock()
	r.sources = append(r.sources, src)
	r.mu.Unlock()

	for _, d := range src() {
		r.Register(d)
	}
}

// Reload rebuilds the catalog from all registered sources and returns the
// resulting capability count.
func (r *Registry) Reload() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.caps = make(map[string]Descriptor)
	for _, src := range r.sources {
		for _, d := range src() {
			r.caps[d.Name] = d
		}
	}
	return len(r.caps)
}

// Invoke executes the named capability. Unknown names fail with a specific
// error rather than a silent no-op.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (string, error) {
	r.mu.RLock()
	d, ok := r.caps[name]
	r.mu.RUnlock()

	if !ok {
		return "", dynoerr.New(dynoerr.CodeCapabilityUnknown, "unknown capability", dynoerr.FieldCapability(name))
	}
	return d.Invoke(ctx, input)
}

// ReadOnly reports whether the named capability declares itself read-only.
func (r *Registry) ReadOnly(name string) (bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.caps[name]
	if !ok {
		return false, false
	}
	return d.ReadOnly, true
}

// Definitions returns all tool definitions, sorted by name for a stable
// model-facing catalog.
func (r *Registry) Definitions() []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]provider.ToolDefinition, 0, len(r.caps))
	for _, d := range r.caps {
		defs = append(defs, provider.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Descriptors returns a snapshot of all descriptors, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.caps))
	for _, d := range r.caps {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overlay layers extra descriptors (e.g. per-connection orchestration
// capabilities) over a base catalog, optionally hiding names. Lookups check
// the extras first.
type Overlay struct {
	base   Catalog
	extra  map[string]Descriptor
	hidden map[string]bool
}

// NewOverlay builds an overlay over base.
func NewOverlay(base Catalog, extras []Descriptor, hide []string) *Overlay {
	o := &Overlay{
		base:   base,
		extra:  make(map[string]Descriptor, len(extras)),
		hidden: make(map[string]bool, len(hide)),
	}
	for _, d := range extras {
		o.extra[d.Name] = d
	}
	for _, name := range hide {
		o.hidden[name] = true
	}
	return o
}

func (o *Overlay) Invoke(ctx context.Context, name string, input json.RawMessage) (string, error) {
	if o.hidden[name] {
		return "", dynoerr.New(dynoerr.CodeCapabilityUnknown, "unknown capability", dynoerr.FieldCapability(name))
	}
	if d, ok := o.extra[name]; ok {
		return d.Invoke(ctx, input)
	}
	return o.base.Invoke(ctx, name, input)
}

func (o *Overlay) ReadOnly(name string) (bool, bool) {
	if o.hidden[name] {
		return false, false
	}
	if d, ok := o.extra[name]; ok {
		return d.ReadOnly, true
	}
	return o.base.ReadOnly(name)
}

func (o *Overlay) Definitions() []provider.ToolDefinition {
	defs := make([]provider.ToolDefinition, 0)
	for _, d := range o.base.Definitions() {
		if o.hidden[d.Name] {
			continue
		}
		if _, shadowed := o.extra[d.Name]; shadowed {
			continue
		}
		defs = append(defs, d)
	}
	for _, d := range o.extra {
		defs = append(defs, provider.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
