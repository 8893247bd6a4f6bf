// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package capability

import (
	"sort"
	"sync"
)

// Approval modes resolved by Policy.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// Policy resolves the effective approval mode for a capability. Precedence,
// highest first: per-deployment override, the capability's declared
// read-only flag, configured defaults, then manual.
type Policy struct {
	mu        sync.RWMutex
	defaults  map[string]string
	overrides map[string]string
}

// NewPolicy creates a Policy from the configured per-capability defaults.
// The defaults map is copied.
func NewPolicy(defaults map[string]string) *Policy {
	p := &Policy{
		defaults:  make(map[string]string, len(defaults)),
		overrides: make(map[string]string),
	}
	for name, mode := range defaults {
		p.defaults[name] = normalizeMode(mode)
	}
	return p
}

// SetOverrides atomically replaces the override layer.
func (p *Policy) SetOverrides(overrides map[string]string) {
	next := make(map[string]string, len(overrides))
	for name, mode := range overrides {
		next[name] = normalizeMode(mode)
	}

	p.mu.Lock()
	p.overrides = next
	p.mu.Unlock()
}

// Mode resolves the approval mode for one capability against the given
// catalog.
func (p *Policy) Mode(cat Catalog, name string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if mode, ok := p.overrides[name]; ok {
		return mode
	}
	if ro, known := cat.ReadOnly(name); known && ro {
		return ModeAuto
	}
	if mode, ok := p.defaults[name]; ok {
		return mode
	}
	return ModeManual
}

// AutoApproved reports whether an invocation of name may run without a
// human decision.
func (p *Policy) AutoApproved(cat Catalog, name string) bool {
	return p.Mode(cat, name) == ModeAuto
}

// EffectiveModes returns the resolved mode for every capability in the
// catalog, keyed by name.
func (p *Policy) EffectiveModes(cat Catalog) map[string]string {
	modes := make(map[string]string)
	for _, def := range cat.Definitions() {
		modes[def.Name] = p.Mode(cat, def.Name)
	}
	return modes
}

// OverrideNames returns the currently overridden capability names, sorted.
func (p *Policy) OverrideNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.overrides))
	for name := range p.overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeMode(mode string) string {
	if mode == ModeAuto {
		return ModeAuto
	}
	return ModeManual
}
