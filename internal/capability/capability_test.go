// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package capability

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

func echoDescriptor(name string, readOnly bool) Descriptor {
	return Descriptor{
		Name:        name,
		Description: name,
		InputSchema: map[string]any{"type": "object"},
		ReadOnly:    readOnly,
		Invoke: func(_ context.Context, _ json.RawMessage) (string, error) {
			return "ran " + name, nil
		},
	}
}

func TestRegistryInvoke(t *testing.T) {
	r := NewRegistry()
	r.Register(echoDescriptor("read_file", true))

	out, err := r.Invoke(context.Background(), "read_file", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "ran read_file", out)
}

func TestRegistryUnknownCapability(t *testing.T) {
	r := NewRegistry()

	_, err := r.Invoke(context.Background(), "nope", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, dynoerr.CodeCapabilityUnknown, dynoerr.CodeOf(err))
	assert.True(t, dynoerr.IsNotFound(err))
}

func TestRegistryReadOnly(t *testing.T) {
	r := NewRegistry()
	r.Register(echoDescriptor("read_file", true))
	r.Register(echoDescriptor("write_file", false))

	ro, ok := r.ReadOnly("read_file")
	assert.True(t, ok)
	assert.True(t, ro)

	ro, ok = r.ReadOnly("write_file")
	assert.True(t, ok)
	assert.False(t, ro)

	_, ok = r.ReadOnly("missing")
	assert.False(t, ok)
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(echoDescriptor("zeta", false))
	r.Register(echoDescriptor("alpha", false))
	r.Register(echoDescriptor("mid", false))

	defs := r.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "mid", defs[1].Name)
	assert.Equal(t, "zeta", defs[2].Name)
}

func TestRegistryReload(t *testing.T) {
	names := []string{"one"}
	src := func() []Descriptor {
		out := make([]Descriptor, 0, len(names))
		for _, n := range names {
			out = append(out, echoDescriptor(n, false))
		}
		return out
	}

	r := NewRegistry()
	r.AddSource(src)
	require.Len(t, r.Definitions(), 1)

	names = []string{"one", "two"}
	count := r.Reload()
	assert.Equal(t, 2, count)
	require.Len(t, r.Definitions(), 2)

	// Direct registrations not backed by a source do not survive a reload.
	r.Register(echoDescriptor("ephemeral", false))
	r.Reload()
	_, ok := r.ReadOnly("ephemeral")
	assert.False(t, ok)
}

func TestOverlay(t *testing.T) {
	base := NewRegistry()
	base.Register(echoDescriptor("read_file", true))
	base.Register(echoDescriptor("spawn_agent", false))

	extra := Descriptor{
		Name:     "ui_action",
		ReadOnly: false,
		Invoke: func(_ context.Context, _ json.RawMessage) (string, error) {
			return "ui done", nil
		},
	}
	o := NewOverlay(base, []Descriptor{extra}, []string{"spawn_agent"})

	out, err := o.Invoke(context.Background(), "ui_action", nil)
	require.NoError(t, err)
	assert.Equal(t, "ui done", out)

	out, err = o.Invoke(context.Background(), "read_file", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "ran read_file", out)

	// Hidden names behave as if absent.
	_, err = o.Invoke(context.Background(), "spawn_agent", nil)
	assert.Equal(t, dynoerr.CodeCapabilityUnknown, dynoerr.CodeOf(err))
	_, ok := o.ReadOnly("spawn_agent")
	assert.False(t, ok)

	names := make([]string, 0)
	for _, d := range o.Definitions() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"read_file", "ui_action"}, names)
}
