package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flemzord/toolgate/internal/policy"
)

// Sentinel errors surfaced by the façade. Broker and supervisor errors are
// passed through wrapped so errors.Is works across package boundaries.
var (
	ErrPolicyDenied       = errors.New("denied by policy")
	ErrSessionRateLimited = errors.New("session rate limit reached")
	ErrInvalidRequest     = errors.New("invalid request")
)

// ErrorKind classifies a failed invocation for the caller.
type ErrorKind string

// Error kinds. Every denial carries one so callers can tell whether to
// rephrase, wait, or escalate.
const (
	KindPolicyDenied        ErrorKind = "policy_denied"
	KindConfirmationDenied  ErrorKind = "confirmation_denied"
	KindConfirmationExpired ErrorKind = "confirmation_expired"
	KindRateLimited         ErrorKind = "rate_limited"
	KindToolUnavailable     ErrorKind = "tool_unavailable"
	KindTimeout             ErrorKind = "timeout"
	KindAlreadyPending      ErrorKind = "already_pending"
	KindAlreadyResolved     ErrorKind = "already_resolved"
	KindNotFound            ErrorKind = "not_found"
	KindToolError           ErrorKind = "tool_error"
	KindInvalidRequest      ErrorKind = "invalid_request"
)

// HTTPStatus maps a kind onto a response code for the HTTP transport.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindPolicyDenied, KindConfirmationDenied, KindConfirmationExpired:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindToolUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindAlreadyPending, KindAlreadyResolved:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindToolError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed failure carried by a Result.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Request is one call from the agent.
type Request struct {
	Role      policy.Role     `json:"role"`
	Tool      string          `json:"tool"`
	Command   string          `json:"command"`
	Input     json.RawMessage `json:"input,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	// RequestID names an approved confirmation to redeem.
	RequestID string `json:"request_id,omitempty"`
}

// Result is the outcome of Invoke or Resolve. Exactly one of Data and
// Error is meaningful when Elevated is false.
type Result struct {
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`

	// Elevated is set when the call needs a human decision; RequestID is
	// then the confirmation to resolve.
	Elevated  bool   `json:"elevated,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// State is the confirmation state reported by Resolve.
	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`

	RetryAfter time.Duration `json:"retry_after_ns,omitempty"`
	Remaining  *int          `json:"remaining,omitempty"`
}

// Err returns the failure as a Go error, or nil.
func (r Result) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

func failure(kind ErrorKind, format string, args ...any) Result {
	return Result{Error: &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

func remaining(d policy.Decision) *int {
	if d.Limit == 0 {
		return nil
	}
	n := d.Remaining
	return &n
}
