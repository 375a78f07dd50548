// Package errors defines the error taxonomy shared by the Find My Device
// transport core: framing errors, credential-layer errors, and the typed
// HTTP/gRPC failures surfaced after retry budgets are exhausted.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrFrame                = errors.New("malformed frame")
	ErrTokenUnavailable     = errors.New("token unavailable")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRateLimited          = errors.New("rate limited")
	ErrServer               = errors.New("server error")
	ErrTransport            = errors.New("transport error")
	ErrTimeout              = errors.New("timeout")
)

// Is and As re-export the standard library helpers so callers need only one
// errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

// Kind categorizes an error for retry and reporting decisions.
type Kind string

const (
	KindFrame     Kind = "frame"
	KindToken     Kind = "token"
	KindAuth      Kind = "auth"
	KindRateLimit Kind = "rate_limit"
	KindServer    Kind = "server"
	KindTransport Kind = "transport"
)

// RequestError is a structured error for an outbound API request that failed
// after its retry policy was exhausted.
type RequestError struct {
	Kind       Kind
	Op         string // operation that failed (e.g. "nova.request", "spot.call")
	Scope      string // API scope or method name
	StatusCode int    // HTTP status code if applicable
	Attempts   int    // total attempts made
	Err        error  // underlying error
	Timestamp  time.Time
}

func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: HTTP %d after %d attempt(s): %v", e.Op, e.Scope, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Op, e.Scope, e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is maps error kinds onto the base sentinel errors.
func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrAuthenticationFailed:
		return e.Kind == KindAuth
	case ErrRateLimited:
		return e.Kind == KindRateLimit
	case ErrServer:
		return e.Kind == KindServer
	case ErrTransport, ErrTimeout:
		return e.Kind == KindTransport
	case ErrTokenUnavailable:
		return e.Kind == KindToken
	}
	return errors.Is(e.Err, target)
}

// NewRequestError creates a RequestError with the current timestamp.
func NewRequestError(kind Kind, op, scope string, err error) *RequestError {
	return &RequestError{
		Kind:      kind,
		Op:        op,
		Scope:     scope,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithStatusCode records the HTTP status code that produced the error.
func (e *RequestError) WithStatusCode(code int) *RequestError {
	e.StatusCode = code
	return e
}

// WithAttempts records how many attempts were made before giving up.
func (e *RequestError) WithAttempts(n int) *RequestError {
	e.Attempts = n
	return e
}

// FrameError is a codec-level error for malformed binary data.
type FrameError struct {
	Proto  string // "mcs" or "grpc"
	Reason string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s frame: %s: %v", e.Proto, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s frame: %s", e.Proto, e.Reason)
}

func (e *FrameError) Unwrap() error { return e.Err }

func (e *FrameError) Is(target error) bool {
	return target == ErrFrame || errors.Is(e.Err, target)
}

// NewFrameError creates a FrameError for the given protocol.
func NewFrameError(proto, reason string, err error) *FrameError {
	return &FrameError{Proto: proto, Reason: reason, Err: err}
}

// SpotError reports a Spot gRPC call failure including the gRPC status
// carried in trailers when present.
type SpotError struct {
	Method     string
	HTTPStatus int
	GRPCStatus int // -1 when no grpc-status trailer was present
	Message    string
}

func (e *SpotError) Error() string {
	if e.GRPCStatus >= 0 {
		return fmt.Sprintf("spot %s: grpc-status=%d http=%d: %s", e.Method, e.GRPCStatus, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("spot %s: HTTP %d: %s", e.Method, e.HTTPStatus, e.Message)
}

// Is treats gRPC UNAUTHENTICATED(16)/PERMISSION_DENIED(7) and HTTP 401/403
// as authentication failures; everything else is a server error.
func (e *SpotError) Is(target error) bool {
	authLike := e.GRPCStatus == 16 || e.GRPCStatus == 7 ||
		e.HTTPStatus == 401 || e.HTTPStatus == 403
	switch target {
	case ErrAuthenticationFailed:
		return authLike
	case ErrServer:
		return !authLike
	}
	return false
}

// IsRetryable reports whether an operation that produced err is worth
// retrying at a higher level.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServer)
}

// IsAuthError reports whether err indicates the account needs
// re-authentication rather than a retry.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrTokenUnavailable)
}
