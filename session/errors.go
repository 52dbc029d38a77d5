package session

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"cqlcore/session/wire"
)

// TransportError wraps a socket, TLS, or frame-decode failure. It closes
// the Connection it came from; the Executor retries on the next host if
// the request is idempotent.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error talking to %s: %v", e.Endpoint, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// ServerError carries a server ERROR frame's code, message, and whatever
// extra fields that code defines (consistency/received/blockfor for
// timeouts, replica counts for unavailable) for the Retry Policy to act on.
type ServerError struct {
	Code    wire.ErrorCode
	Message string
	Body    wire.ErrorBody
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error 0x%04x: %s", uint32(e.Code), e.Message)
}

// NoHostAvailableError means the query plan was exhausted without success.
// It carries a sub-cause per host so callers can see why each candidate
// was skipped or failed.
type NoHostAvailableError struct {
	Errors map[string]error
}

func (e *NoHostAvailableError) Error() string {
	return fmt.Sprintf("no host available, tried %d hosts", len(e.Errors))
}

// TimeoutError is a client-side deadline elapsing. The connection it was
// issued on remains healthy; only the caller's wait is abandoned.
type TimeoutError struct {
	Request string
}

func (e *TimeoutError) Error() string { return "timeout waiting for " + e.Request }

// AuthenticationError is surfaced immediately and never retried.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string  { return "authentication error: " + e.Err.Error() }
func (e *AuthenticationError) Unwrap() error  { return e.Err }

// InvalidRequestError covers InvalidRequest/SyntaxError/Unauthorized/
// ConfigError server responses and client-side validation failures
// (unset bound on protocol < 4, top-level SERIAL consistency on a QUERY).
// Retrying cannot help any of these.
type InvalidRequestError struct {
	Code    wire.ErrorCode
	Message string
}

func (e *InvalidRequestError) Error() string { return "invalid request: " + e.Message }

var (
	// ErrNoStreams is returned by a Conn when its stream id pool is
	// exhausted and the caller's acquire deadline elapses first.
	ErrNoStreams = fmt.Errorf("no stream ids available before deadline")
	// ErrConnectionClosed is returned to any waiter still pending when a
	// Conn transitions to closed.
	ErrConnectionClosed = fmt.Errorf("connection closed")
	// ErrPoolClosed is returned by Acquire on a torn-down Pool.
	ErrPoolClosed = fmt.Errorf("pool closed")
	// ErrNoReadyConnection is returned by Pool.Acquire when every
	// connection in the pool is draining or closed.
	ErrNoReadyConnection = fmt.Errorf("no ready connection in pool")
)

// aggregateClose merges a set of per-connection close errors into one
// reportable error, or nil if none of them failed.
func aggregateClose(errs []error) error {
	var merged *multierror.Error
	for _, err := range errs {
		if err != nil {
			merged = multierror.Append(merged, err)
		}
	}
	if merged == nil {
		return nil
	}
	return merged
}

// classifyServerError maps a decoded ERROR frame onto the taxonomy above.
func classifyServerError(body wire.ErrorBody) error {
	switch body.Code {
	case wire.ErrBadCredentials:
		return &AuthenticationError{Err: errors.New(body.Message)}
	case wire.ErrSyntaxError, wire.ErrUnauthorized, wire.ErrConfigError:
		return &InvalidRequestError{Code: body.Code, Message: body.Message}
	case wire.ErrInvalid:
		return &InvalidRequestError{Code: body.Code, Message: body.Message}
	default:
		return &ServerError{Code: body.Code, Message: body.Message, Body: body}
	}
}
