// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func policyCatalog() *Registry {
	r := NewRegistry()
	r.Register(echoDescriptor("read_file", true))
	r.Register(echoDescriptor("write_file", false))
	r.Register(echoDescriptor("db_delete", false))
	r.Register(echoDescriptor("brand_new", false))
	return r
}

func TestPolicyPrecedence(t *testing.T) {
	cat := policyCatalog()

	tests := []struct {
		name      string
		defaults  map[string]string
		overrides map[string]string
		cap       string
		want      string
	}{
		{
			name: "override wins over read-only flag",
			overrides: map[string]string{
				"read_file": ModeManual,
			},
			cap:  "read_file",
			want: ModeManual,
		},
		{
			name: "override wins over config default",
			defaults: map[string]string{
				"db_delete": ModeManual,
			},
			overrides: map[string]string{
				"db_delete": ModeAuto,
			},
			cap:  "db_delete",
			want: ModeAuto,
		},
		{
			name: "read-only auto without override",
			cap:  "read_file",
			want: ModeAuto,
		},
		{
			name: "config default applies to writes",
			defaults: map[string]string{
				"write_file": ModeAuto,
			},
			cap:  "write_file",
			want: ModeAuto,
		},
		{
			name: "unknown capability defaults to manual",
			cap:  "brand_new",
			want: ModeManual,
		},
		{
			name: "unrecognized mode string treated as manual",
			defaults: map[string]string{
				"write_file": "yolo",
			},
			cap:  "write_file",
			want: ModeManual,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(tt.defaults)
			p.SetOverrides(tt.overrides)
			assert.Equal(t, tt.want, p.Mode(cat, tt.cap))
			assert.Equal(t, tt.want == ModeAuto, p.AutoApproved(cat, tt.cap))
		})
	}
}

func TestPolicyEffectiveModes(t *testing.T) {
	cat := policyCatalog()
	p := NewPolicy(map[string]string{"write_file": ModeAuto})
	p.SetOverrides(map[string]string{"db_delete": ModeAuto})

	modes := p.EffectiveModes(cat)
	assert.Equal(t, map[string]string{
		"read_file":  ModeAuto,
		"write_file": ModeAuto,
		"db_delete":  ModeAuto,
		"brand_new":  ModeManual,
	}, modes)
}

func TestPolicyOverrideReplacement(t *testing.T) {
	cat := policyCatalog()
	p := NewPolicy(nil)

	p.SetOverrides(map[string]string{"write_file": ModeAuto})
	assert.Equal(t, ModeAuto, p.Mode(cat, "write_file"))
	assert.Equal(t, []string{"write_file"}, p.OverrideNames())

	// A replacement drops overrides absent from the new set.
	p.SetOverrides(map[string]string{"db_delete": ModeAuto})
	assert.Equal(t, ModeManual, p.Mode(cat, "write_file"))
	assert.Equal(t, []string{"db_delete"}, p.OverrideNames())
}
