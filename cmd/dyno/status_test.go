// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusHealthyGateway(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","uptime":42,"activeConnections":1,"activeTasks":0,"activeChildSessions":2,"tools":[{"name":"read_file","mode":"auto"}]}`))
	}))
	defer ts.Close()

	addr := strings.TrimPrefix(ts.URL, "http://")

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"status", "--address", addr})

	require.NoError(t, root.Execute())
	out := buf.String()
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "uptime:          42s")
	assert.Contains(t, out, "child sessions:  2")
	assert.Contains(t, out, "capabilities:    1")
}

func TestStatusGatewayDown(t *testing.T) {
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"status", "--address", "127.0.0.1:1"})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "is not running")
}
