// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

// CapabilityInfo is one catalog entry as reported over the REST API.
type CapabilityInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Mode        string         `json:"mode" enum:"auto,manual" doc:"Effective approval mode"`
	ReadOnly    bool           `json:"readOnly"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ListCapabilitiesResponse wraps the catalog listing.
type ListCapabilitiesResponse struct {
	Body struct {
		Capabilities []CapabilityInfo `json:"capabilities"`
		Count        int              `json:"count"`
	}
}

// CallCapabilityInput is a direct invocation request. Calls made through
// this API bypass the approval gate, so it is intended for operators, not
// the model.
type CallCapabilityInput struct {
	Body struct {
		Name  string         `json:"name" minLength:"1" doc:"Capability name"`
		Input map[string]any `json:"input,omitempty" doc:"JSON arguments"`
	}
}

// CallCapabilityResponse wraps a direct invocation result.
type CallCapabilityResponse struct {
	Body struct {
		Result string `json:"result"`
	}
}

func (s *Server) registerCapabilityAPI() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-capabilities",
		Method:      http.MethodGet,
		Path:        "/api/capabilities",
		Summary:     "List capabilities",
		Description: "Lists the shared capability catalog with effective approval modes. Reloads sources first.",
		Tags:        []string{"capabilities"},
	}, func(_ context.Context, _ *struct{}) (*ListCapabilitiesResponse, error) {
		s.caps.Reload()

		descriptors := s.caps.Descriptors()
		out := make([]CapabilityInfo, 0, len(descriptors))
		for _, d := range descriptors {
			out = append(out, CapabilityInfo{
				Name:        d.Name,
				Description: d.Description,
				Mode:        s.policy.Mode(s.caps, d.Name),
				ReadOnly:    d.ReadOnly,
				InputSchema: d.InputSchema,
			})
		}

		resp := &ListCapabilitiesResponse{}
		resp.Body.Capabilities = out
		resp.Body.Count = len(out)
		return resp, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "call-capability",
		Method:      http.MethodPost,
		Path:        "/api/capabilities/call",
		Summary:     "Invoke a capability directly",
		Tags:        []string{"capabilities"},
	}, func(ctx context.Context, input *CallCapabilityInput) (*CallCapabilityResponse, error) {
		raw := json.RawMessage(`{}`)
		if input.Body.Input != nil {
			encoded, err := json.Marshal(input.Body.Input)
			if err != nil {
				return nil, huma.Error400BadRequest("input is not valid JSON")
			}
			raw = encoded
		}

		result, err := s.caps.Invoke(ctx, input.Body.Name, raw)
		if err != nil {
			return nil, huma.NewError(dynoerr.HTTPStatus(err), err.Error())
		}

		resp := &CallCapabilityResponse{}
		resp.Body.Result = result
		return resp, nil
	})
}
