// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dyno-dev/dyno/internal/capability"
	"github.com/dyno-dev/dyno/internal/store"
	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

// Metrics returns the token-usage reporting capability.
func Metrics(metrics store.MetricsStore) capability.Source {
	m := &metricsOps{metrics: metrics}
	return func() []capability.Descriptor {
		return []capability.Descriptor{
			{
				Name:        "get_usage",
				Description: "Report accumulated token usage, optionally scoped to one session.",
				InputSchema: objectSchema(map[string]any{
					"session_id": strProp("Session to report on. Omit for totals across all sessions."),
				}),
				ReadOnly: true,
				Invoke:   m.usage,
			},
		}
	}
}

type metricsOps struct {
	metrics store.MetricsStore
}

func (m *metricsOps) usage(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityInputInvalid, "decoding get_usage input")
	}
	totals, err := m.metrics.Totals(ctx, in.SessionID)
	if err != nil {
		return "", err
	}

	scope := "all sessions"
	if in.SessionID != "" {
		scope = "session " + in.SessionID
	}
	return fmt.Sprintf("Token usage for %s: %d input, %d output across %d samples.",
		scope, totals.InputTokens, totals.OutputTokens, totals.Samples), nil
}
