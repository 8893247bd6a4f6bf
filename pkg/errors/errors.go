// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeProviderRequestInvalid  Code = "provider.request.invalid"
	CodeProviderResponseInvalid Code = "provider.response.invalid"
	CodeProviderUpstreamFailure Code = "provider.upstream.failure"
	CodeProviderNotFound        Code = "provider.registry.not_found"
	CodeProviderNoDefault       Code = "provider.registry.no_default"

	CodeCapabilityUnknown      Code = "capability.invoke.not_found"
	CodeCapabilityCallFailure  Code = "capability.invoke.failure"
	CodeCapabilityInputInvalid Code = "capability.input.invalid_input"

	CodeAgentLoopInvalidInput Code = "agent.loop.invalid_input"
	CodeAgentLoopFailure      Code = "agent.loop.failure"
	CodeAgentLoopActive       Code = "agent.loop.conflict"

	CodeApprovalNotFound Code = "approval.resolve.not_found"
	CodeApprovalDenied   Code = "approval.decision.denied"

	CodeRegistryCapacityExceeded Code = "registry.capacity.exceeded"
	CodeRegistrySessionNotFound  Code = "registry.session.not_found"
	CodeRegistrySessionBusy      Code = "registry.session.conflict"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"

	CodeStoreOpenFailure    Code = "store.open.failure"
	CodeStoreQueryFailure   Code = "store.query.failure"
	CodeStoreEntityNotFound Code = "store.entity.get.not_found"

	CodeCLISetupFailure   Code = "cli.setup.failure"
	CodeCLIRequestFailure Code = "cli.request.failure"
	CodeCLIInputInvalid   Code = "cli.input.invalid"

	CodeSecretInvalidInput  Code = "secret.input.invalid"
	CodeSecretNotFound      Code = "secret.lookup.not_found"
	CodeSecretStoreFailure  Code = "secret.store.failure"
	CodeSecretListFailure   Code = "secret.list.failure"
	CodeSecretDeleteFailure Code = "secret.delete.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldSessionID(value string) Attr {
	return Field("session_id", value)
}

func FieldCapability(value string) Attr {
	return Field("capability", value)
}

func FieldProposalID(value string) Attr {
	return Field("proposal_id", value)
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsCapacityExceeded(err error) bool {
	return reason(CodeOf(err)) == "exceeded"
}

func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	return strings.Contains(string(code), "upstream") && reason(code) == "failure"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsCapacityExceeded(err):
		return http.StatusTooManyRequests
	case IsUpstreamFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
