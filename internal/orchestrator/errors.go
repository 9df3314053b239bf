package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind labels a turn failure for the caller-facing error payload.
type Kind string

const (
	KindRateLimited       Kind = "rate_limited"
	KindUnsafeContent     Kind = "unsafe_content"
	KindBackendAuth       Kind = "backend_auth"
	KindBackendQuota      Kind = "backend_quota"
	KindBackendOverloaded Kind = "backend_overloaded"
	KindBackendRateLimit  Kind = "backend_rate_limit"
	KindToolInvocation    Kind = "tool_invocation_error"
	KindStreamStalled     Kind = "stream_stalled"
	KindUnknown           Kind = "unknown"
)

// ErrStalled marks an attempt aborted by the inactivity watchdog.
var ErrStalled = errors.New("stream stalled")

// TurnError is a classified turn failure. Message is safe to show to the
// end user; the wrapped error is for logs only.
type TurnError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *TurnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TurnError) Unwrap() error { return e.Err }

// turnError builds a TurnError with the kind's standard user message.
func turnError(kind Kind, err error) *TurnError {
	return &TurnError{Kind: kind, Message: userMessage(kind), Err: err}
}

// Backend error signals grouped by taxonomy kind. Substring matching on
// the error text is the only classification signal the backend gives us.
var (
	authSignals       = []string{"401", "403", "unauthorized", "permission denied", "api key", "invalid credentials", "authentication"}
	quotaSignals      = []string{"quota", "billing", "payment required", "insufficient credit"}
	overloadedSignals = []string{"503", "overloaded", "unavailable", "capacity", "internal server error", "500"}
	rateSignals       = []string{"429", "rate limit", "too many requests", "resource exhausted"}
)

// Classify maps a backend error to a taxonomy kind. Already-classified
// errors keep their kind.
func Classify(err error) Kind {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, ErrStalled) || errors.Is(err, context.DeadlineExceeded) {
		return KindStreamStalled
	}

	msg := strings.ToLower(err.Error())
	switch {
	case matchesAny(msg, authSignals):
		return KindBackendAuth
	case matchesAny(msg, quotaSignals):
		return KindBackendQuota
	case matchesAny(msg, rateSignals):
		return KindBackendRateLimit
	case matchesAny(msg, overloadedSignals):
		return KindBackendOverloaded
	default:
		return KindUnknown
	}
}

func matchesAny(msg string, signals []string) bool {
	for _, s := range signals {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// userMessage returns the caller-facing message for a kind. Internal
// error text never leaks through here.
func userMessage(kind Kind) string {
	switch kind {
	case KindRateLimited:
		return "You have sent too many requests. Please wait a minute and try again."
	case KindUnsafeContent:
		return "This request was declined by the content policy."
	case KindBackendAuth:
		return "The assistant backend rejected our credentials. Please contact the operator."
	case KindBackendQuota:
		return "The assistant backend quota is exhausted. Please try again later."
	case KindBackendOverloaded:
		return "The assistant backend is overloaded right now. Please try again in a moment."
	case KindBackendRateLimit:
		return "The assistant backend is rate limiting us. Please try again in a moment."
	case KindToolInvocation:
		return "A tool call failed. The rest of the answer may be incomplete."
	case KindStreamStalled:
		return "The response stream stalled and could not be recovered. Please try again."
	default:
		return "Something went wrong while answering. Please try again."
	}
}

// errorChunk renders the terminal error payload sent through the sink.
type errorChunk struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
}

func renderError(kind Kind, message string) string {
	if message == "" {
		message = userMessage(kind)
	}
	raw, err := json.Marshal(errorChunk{Type: kind, Message: message})
	if err != nil {
		return fmt.Sprintf(`{"type":%q,"message":"internal error"}`, kind)
	}
	return string(raw)
}
