// Package faults classifies errors into the kinds the call runtime reacts to.
//
// Adapters wrap failures from external collaborators (speech providers, CRM,
// RAG, LLM, persistence) in [*Error] with a [Kind]. Callers never switch on
// concrete error types; they ask [KindOf] and apply the matching policy:
// transient errors are retried, permanent ones are logged, quota errors are
// surfaced, and invariant violations terminate the call.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind enumerates error classes.
type Kind int

const (
	// Internal is a programming error or violated invariant. It is the kind of
	// any unclassified error.
	Internal Kind = iota

	// Transient is a retryable external failure: 5xx, 429, timeouts,
	// connection resets.
	Transient

	// Permanent is a non-retryable external failure: auth errors and other 4xx.
	Permanent

	// InvalidInput is malformed input from the telephony provider or the caller.
	InvalidInput

	// Quota means a persistence quota was exhausted.
	Quota
)

// String returns the kind name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient_external"
	case Permanent:
		return "permanent_external"
	case InvalidInput:
		return "input_invalid"
	case Quota:
		return "quota"
	default:
		return "internal_invariant"
	}
}

// ErrQuota is matched by [errors.Is] for every quota error. Packages that
// define their own quota sentinel wrap it.
var ErrQuota = errors.New("quota exceeded")

// Error is a classified error.
type Error struct {
	Kind Kind

	// Op names the failed operation, e.g. "crm: get person by phone".
	Op string

	// Status is the HTTP status code when the error came from an HTTP call.
	Status int

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and op.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Invalid returns an InvalidInput error with a formatted message.
func Invalid(op, format string, args ...any) error {
	return &Error{Kind: InvalidInput, Op: op, Err: fmt.Errorf(format, args...)}
}

// FromStatus classifies a non-2xx HTTP response. body is included in the
// message, truncated to keep logs readable.
func FromStatus(op string, status int, body []byte) error {
	const maxBody = 256
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxBody {
		msg = msg[:maxBody] + "..."
	}
	var err error
	if msg != "" {
		err = errors.New(msg)
	}
	return &Error{Kind: statusKind(status), Op: op, Status: status, Err: err}
}

func statusKind(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return Transient
	case status >= 400:
		return Permanent
	default:
		return Internal
	}
}

// KindOf classifies err. A nil error is Internal; callers check for nil first.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, ErrQuota) {
		return Quota
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}
	return Internal
}

// IsTransient reports whether err is worth retrying. Cancellation by the
// caller is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == Transient
}
