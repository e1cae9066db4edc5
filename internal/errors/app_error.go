// Package errors defines the gateway's domain error type. Every failure that
// crosses a component boundary is an *AppError carrying one of the Kind
// variants, so handlers can map it to an HTTP status without string matching.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure.
type Kind string

const (
	// KindInvalidRequest marks a malformed or empty inbound request.
	KindInvalidRequest Kind = "invalid_request"
	// KindModelUnknown marks a model the registry cannot resolve.
	KindModelUnknown Kind = "model_unknown"
	// KindNotAuthenticated marks a provider with no usable credential.
	KindNotAuthenticated Kind = "not_authenticated"
	// KindTransientAuth marks a refresh failure that may recover on its own.
	KindTransientAuth Kind = "transient_auth_error"
	// KindCredentialExpired is returned by executors on upstream 401 so the
	// dispatcher can refresh and retry exactly once.
	KindCredentialExpired Kind = "credential_expired"
	// KindUpstream wraps a non-2xx upstream response.
	KindUpstream Kind = "upstream_error"
	// KindUpstreamTimeout marks a deadline exceeded talking upstream.
	KindUpstreamTimeout Kind = "upstream_timeout"
	// KindInternal is the catch-all for gateway bugs.
	KindInternal Kind = "internal_error"
)

// AppError is the structured error shared across all gateway layers.
type AppError struct {
	// Kind selects the error variant.
	Kind Kind `json:"code"`
	// HTTPStatus is the status to report to the client. Zero means derive
	// from Kind via StatusCode.
	HTTPStatus int `json:"-"`
	// Provider tags the upstream involved, when known.
	Provider string `json:"provider,omitempty"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// BodyExcerpt carries a bounded slice of the upstream error body.
	BodyExcerpt string `json:"body_excerpt,omitempty"`
	// Err is the underlying error, kept out of the JSON form.
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.Provider != "" {
		msg = fmt.Sprintf("%s: %s", e.Provider, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error { return e.Err }

// StatusCode maps the error onto the HTTP status the dispatcher reports.
func (e *AppError) StatusCode() int {
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindModelUnknown:
		return http.StatusNotFound
	case KindNotAuthenticated, KindCredentialExpired:
		return http.StatusUnauthorized
	case KindTransientAuth:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON returns the OpenAI-style error envelope for the client.
func (e *AppError) ToJSON() []byte {
	payload := map[string]any{"error": e}
	b, err := json.Marshal(payload)
	if err != nil {
		return []byte(`{"error":{"code":"internal_error","message":"error serialization failed"}}`)
	}
	return b
}

// New creates an AppError of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Wrap creates an AppError of the given kind around err.
func Wrap(kind Kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// Upstream builds an upstream pass-through error. Status codes the client can
// act on (4xx) are forwarded; 5xx collapse to 502.
func Upstream(provider string, status int, body []byte) *AppError {
	reported := status
	if status >= 500 {
		reported = http.StatusBadGateway
	}
	return &AppError{
		Kind:        KindUpstream,
		HTTPStatus:  reported,
		Provider:    provider,
		Message:     fmt.Sprintf("upstream returned status %d", status),
		BodyExcerpt: Excerpt(body, 512),
	}
}

// Excerpt bounds b to max bytes for inclusion in error messages.
func Excerpt(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

// IsKind reports whether err is an *AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Kind == kind
}
