// Package gwerr defines the gateway's error taxonomy: provider-native
// failures wrapped as ModelError, itself wrapped as GatewayError for HTTP
// status-code mapping at the orchestrator boundary.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
)

// ModelErrorKind classifies a provider-facing failure.
type ModelErrorKind string

const (
	// KindTransport covers HTTP/network/deserialization failures talking to
	// a provider. Retriable within the attempt budget.
	KindTransport ModelErrorKind = "transport"

	// KindMaxTokens marks a provider response that stopped because the
	// configured token budget was exhausted. Non-retriable within the
	// execution loop; bubbles up as a terminal model error.
	KindMaxTokens ModelErrorKind = "max_tokens"

	// KindAuthorization marks a missing or rejected API key.
	KindAuthorization ModelErrorKind = "authorization"

	// KindModelNotFound marks an unresolvable model identifier.
	KindModelNotFound ModelErrorKind = "model_not_found"

	// KindToolCallID marks a tool-call/tool-result correlation failure
	// (e.g. a tool result with no matching call id).
	KindToolCallID ModelErrorKind = "tool_call_id"

	// KindGuardrail marks a failed guardrail validation.
	KindGuardrail ModelErrorKind = "guardrail"

	// KindTokenLimit marks a request rejected for exceeding a configured
	// token usage limit.
	KindTokenLimit ModelErrorKind = "token_limit"

	// KindInput marks a request the gateway could not parse or validate.
	KindInput ModelErrorKind = "input"
)

// ModelError wraps a provider-native failure with a stable Kind used for
// retry and HTTP-mapping decisions. Provider adapters construct these;
// everything above the adapter boundary works with ModelError, not raw
// provider SDK errors.
type ModelError struct {
	Kind     ModelErrorKind
	Provider string
	Model    string
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *ModelError) Error() string {
	if e == nil {
		return ""
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped provider error for errors.Is/As.
func (e *ModelError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retriable reports whether the execution loop may retry the attempt that
// produced this error.
func (e *ModelError) Retriable() bool {
	return e != nil && e.Kind == KindTransport
}

// NewModelError constructs a ModelError wrapping cause.
func NewModelError(kind ModelErrorKind, provider, model, message string, cause error) *ModelError {
	return &ModelError{Kind: kind, Provider: provider, Model: model, Message: message, Err: cause}
}

// GuardFailure describes one guard's validation outcome when a guardrail
// check fails a request.
type GuardFailure struct {
	GuardID string
	Reason  string
}

// GatewayError is the outermost error type returned from the orchestrator's
// HTTP surface. It carries the HTTP status to use and, for guard failures,
// the per-guard breakdown.
type GatewayError struct {
	Status  int
	Message string

	// Guards is populated when Status corresponds to a guard validation
	// failure; the body includes the guard id and per-guard breakdown.
	Guards []GuardFailure

	// GuardStage records which stage ("input" or "output") rejected the
	// request when Guards is non-empty.
	GuardStage string

	Err error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StatusGuardFailed is the custom status used for guard validation
// failures, distinct from the standard 4xx/5xx HTTP codes.
const StatusGuardFailed = 488

// FromModelError maps a ModelError to the HTTP-facing GatewayError per the
// taxonomy: input/parsing -> 400, authorization -> 500 with a fixed
// message, model-not-found -> 500 with the last provider error,
// token-limit -> 400, everything else -> 500.
func FromModelError(err error) *GatewayError {
	var merr *ModelError
	if !errors.As(err, &merr) {
		return &GatewayError{Status: http.StatusInternalServerError, Message: err.Error(), Err: err}
	}

	switch merr.Kind {
	case KindInput:
		return &GatewayError{Status: http.StatusBadRequest, Message: merr.Message, Err: merr}
	case KindAuthorization:
		return &GatewayError{Status: http.StatusInternalServerError, Message: "Invalid API key", Err: merr}
	case KindTokenLimit:
		return &GatewayError{Status: http.StatusBadRequest, Message: "Token usage limit exceeded", Err: merr}
	case KindToolCallID:
		return &GatewayError{Status: http.StatusInternalServerError, Message: merr.Message, Err: merr}
	default:
		return &GatewayError{Status: http.StatusInternalServerError, Message: merr.Message, Err: merr}
	}
}

// NewGuardFailed builds the GatewayError for a failed guardrail validation
// at the given stage ("input" or "output").
func NewGuardFailed(stage, message string, guards []GuardFailure) *GatewayError {
	return &GatewayError{Status: StatusGuardFailed, Message: message, Guards: guards, GuardStage: stage}
}
