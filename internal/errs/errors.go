// Package errs provides the structured error kinds used across the
// control plane and agent (spec.md §7).
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error for propagation and HTTP-status mapping
// (spec.md §7 "Error kinds").
type Kind string

const (
	// Validation is rejected before any side effect; reported with a
	// field path.
	Validation Kind = "Validation"
	// Delegation means insufficient or incompatible agents for a
	// topology.
	Delegation Kind = "Delegation"
	// Transport covers bus connect/send/recv failures; automatically
	// retried with backoff.
	Transport Kind = "Transport"
	// Remote means a command's recipient returned a structured error,
	// surfaced to the caller verbatim.
	Remote Kind = "Remote"
	// ReconcileTransient is a reconcile action failure the reconciler
	// retries.
	ReconcileTransient Kind = "ReconcileTransient"
	// ReconcileStructural is a reconcile action failure that stops the
	// reconcile and emits an event instead of retrying.
	ReconcileStructural Kind = "ReconcileStructural"
	// Storage is a durable write failure; fatal for the enclosing
	// request.
	Storage Kind = "Storage"
	// Timeout means a deadline elapsed.
	Timeout Kind = "Timeout"
	// Cancelled means explicit cancellation.
	Cancelled Kind = "Cancelled"
	// Internal is an invariant violation; logged and returned as a
	// 500-class error.
	Internal Kind = "Internal"
)

// httpStatus maps a Kind to its default HTTP status; Error.HTTPStatus
// may still override it per call site.
func (k Kind) httpStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case Delegation:
		return http.StatusConflict
	case Transport:
		return http.StatusBadGateway
	case Remote:
		return http.StatusBadGateway
	case ReconcileTransient:
		return http.StatusServiceUnavailable
	case ReconcileStructural:
		return http.StatusUnprocessableEntity
	case Storage:
		return http.StatusInternalServerError
	case Timeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error every control-plane API call fails with
// (spec.md §7 "structured JSON error {kind, message, details}").
type Error struct {
	Kind       Kind                   `json:"kind"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails attaches an additional detail field and returns e for
// chaining.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New constructs an Error of the given kind with its default HTTP status.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: kind.httpStatus()}
}

// Wrap constructs an Error of the given kind wrapping an underlying
// error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: kind.httpStatus(), Err: err}
}

// Helper constructors for the common call sites.

// Field-path validation errors (spec.md §7 "reported with field path").
func InvalidField(field, reason string) *Error {
	return New(Validation, "invalid field").WithDetails("field", field).WithDetails("reason", reason)
}

// Unsatisfiable reports a Delegation failure for one node key
// (spec.md §7.1 "per-node error kind").
func Unsatisfiable(nodeKey, reason string) *Error {
	return New(Delegation, "no feasible agent").WithDetails("node_key", nodeKey).WithDetails("reason", reason)
}

func TransportFailure(err error) *Error {
	return Wrap(Transport, "bus connect/send/recv failed", err)
}

func RemoteFailure(message string, details map[string]interface{}) *Error {
	e := New(Remote, message)
	for k, v := range details {
		e.WithDetails(k, v)
	}
	return e
}

func ReconcileFailure(transient bool, action, message string, err error) *Error {
	kind := ReconcileStructural
	if transient {
		kind = ReconcileTransient
	}
	return Wrap(kind, message, err).WithDetails("action", action)
}

func StorageFailure(op string, err error) *Error {
	return Wrap(Storage, "durable write failed", err).WithDetails("operation", op)
}

func TimeoutError(op string) *Error {
	return New(Timeout, "deadline elapsed").WithDetails("operation", op)
}

// RateLimited reports a client exceeding its request budget. Not one of
// spec.md §7's named kinds (rate limiting is an HTTP-layer concern, not a
// control-plane operation outcome) so it rides Validation with an
// overridden HTTP status.
func RateLimited(limit int, window string) *Error {
	e := New(Validation, "rate limit exceeded").WithDetails("limit", limit).WithDetails("window", window)
	e.HTTPStatus = http.StatusTooManyRequests
	return e
}

func CancelledError(reqID string) *Error {
	return New(Cancelled, "cancelled").WithDetails("req_id", reqID)
}

func InternalError(message string, err error) *Error {
	return Wrap(Internal, message, err)
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As extracts the *Error from an error chain, if present.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// HTTPStatus returns the HTTP status code to report for err.
func HTTPStatus(err error) int {
	if e := As(err); e != nil {
		if e.HTTPStatus != 0 {
			return e.HTTPStatus
		}
		return e.Kind.httpStatus()
	}
	return http.StatusInternalServerError
}
