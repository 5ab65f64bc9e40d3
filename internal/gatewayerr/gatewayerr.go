// Package gatewayerr defines the gateway's typed error taxonomy and its
// mapping onto HTTP status codes and OpenAI-style error bodies.
package gatewayerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the gateway's error classes.
type Kind string

const (
	KindInvalidRequest     Kind = "invalid_request"
	KindUnauthorized       Kind = "unauthorized"
	KindModelNotFound      Kind = "model_not_found"
	KindRateLimitExceeded  Kind = "rate_limit_exceeded"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindBudgetExceeded     Kind = "budget_exceeded"
	KindTimeout            Kind = "timeout"
	KindProviderError      Kind = "provider_error"
	KindInternal           Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindInvalidRequest:      http.StatusBadRequest,
	KindUnauthorized:        http.StatusUnauthorized,
	KindModelNotFound:       http.StatusNotFound,
	KindRateLimitExceeded:   http.StatusTooManyRequests,
	KindProviderUnavailable: http.StatusServiceUnavailable,
	KindBudgetExceeded:      http.StatusForbidden,
	KindTimeout:             http.StatusGatewayTimeout,
	KindProviderError:       http.StatusBadGateway,
	KindInternal:            http.StatusInternalServerError,
}

// Error is the gateway's uniform error type. It wraps an underlying cause
// while carrying enough information to render an OpenAI-compatible error
// body without the caller needing to know the originating layer.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func new(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func InvalidRequest(msg string, cause error) *Error { return new(KindInvalidRequest, msg, cause) }
func Unauthorized(msg string) *Error                { return new(KindUnauthorized, msg, nil) }
func ModelNotFound(model string) *Error {
	return new(KindModelNotFound, fmt.Sprintf("model not found: %s", model), nil)
}
func RateLimitExceeded(msg string) *Error { return new(KindRateLimitExceeded, msg, nil) }
func ProviderUnavailable(provider string, cause error) *Error {
	return new(KindProviderUnavailable, fmt.Sprintf("provider unavailable: %s", provider), cause)
}
func BudgetExceeded(msg string) *Error       { return new(KindBudgetExceeded, msg, nil) }
func Timeout(msg string) *Error              { return new(KindTimeout, msg, nil) }
func ProviderError(provider string, cause error) *Error {
	return new(KindProviderError, fmt.Sprintf("provider error: %s", provider), cause)
}
func Internal(msg string, cause error) *Error { return new(KindInternal, msg, cause) }

// As extracts a *Error from any error chain, defaulting to Internal when
// the error was not produced by this package.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return Internal(err.Error(), err)
}

type body struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// WriteHTTP renders err as the gateway's standard JSON error body and
// writes it to w with the matching status code.
func WriteHTTP(w http.ResponseWriter, err error) {
	ge := As(err)
	status := ge.Status()
	var b body
	b.Error.Message = ge.Error()
	b.Error.Type = "api_error"
	b.Error.Code = status
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(b)
}
