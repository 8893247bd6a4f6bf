// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dyno-dev/dyno/internal/capability"
	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

const (
	fetchTimeout   = 15 * time.Second
	fetchMaxBytes  = 1 << 20
	fetchMaxReturn = 15000
	fetchUserAgent = "Mozilla/5.0 (compatible; Dyno-Agent/1.0)"
)

// Web returns the web fetch capability. A nil client uses a default with a
// request timeout.
func Web(client *http.Client) capability.Source {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	w := &webOps{client: client}
	return func() []capability.Descriptor {
		return []capability.Descriptor{
			{
				Name:        "fetch_url",
				Description: "Fetch a URL over HTTP(S) and return the response body as text. Long bodies are truncated.",
				InputSchema: objectSchema(map[string]any{
					"url": strProp("The http:// or https:// URL to fetch"),
				}, "url"),
				ReadOnly: true,
				Invoke:   w.fetch,
			},
		}
	}
}

type webOps struct {
	client *http.Client
}

func (w *webOps) fetch(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityInputInvalid, "decoding fetch_url input")
	}
	if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
		return "", dynoerr.New(dynoerr.CodeCapabilityInputInvalid, "url must be http or https", dynoerr.Field("url", in.URL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityInputInvalid, "building request", dynoerr.Field("url", in.URL))
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityCallFailure, "fetching url", dynoerr.Field("url", in.URL))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
	if err != nil {
		return "", dynoerr.Wrap(err, dynoerr.CodeCapabilityCallFailure, "reading response", dynoerr.Field("url", in.URL))
	}
	if resp.StatusCode >= 400 {
		return "", dynoerr.New(dynoerr.CodeCapabilityCallFailure, "upstream returned an error status",
			dynoerr.Field("url", in.URL), dynoerr.Field("status", resp.StatusCode))
	}

	text := string(body)
	if len(text) > fetchMaxReturn {
		text = text[:fetchMaxReturn] + fmt.Sprintf("\n\n... (truncated, %d total chars)", len(body))
	}
	return text, nil
}
