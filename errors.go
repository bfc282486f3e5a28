package msgbus

import (
	"errors"
	"fmt"
)

// SubCode is a structured error sub-code carried by typed errors and by
// error-class events. Sub-codes are stable identifiers; Reason strings are
// for humans and may change.
type SubCode int

const (
	// SubCodeOK means no error.
	SubCodeOK SubCode = iota

	// SubCodeLoginFailure indicates authentication was rejected.
	SubCodeLoginFailure

	// SubCodeHostUnreachable indicates the broker host could not be reached.
	SubCodeHostUnreachable

	// SubCodeTLSFailure indicates TLS negotiation failed.
	SubCodeTLSFailure

	// SubCodeTimeout indicates a blocking call exceeded its deadline.
	SubCodeTimeout

	// SubCodeMessageInvalid indicates a malformed or incomplete message.
	SubCodeMessageInvalid

	// SubCodeRejected indicates the broker rejected a published message.
	SubCodeRejected

	// SubCodeNotConnected indicates the session is not connected.
	SubCodeNotConnected

	// SubCodeUnknownEndpoint indicates a bind target does not exist.
	SubCodeUnknownEndpoint

	// SubCodePermissionDenied indicates the endpoint denied the operation.
	SubCodePermissionDenied

	// SubCodeAlreadyBound indicates an exclusive endpoint is already bound.
	SubCodeAlreadyBound

	// SubCodeEndpointExists indicates a provision target already exists.
	SubCodeEndpointExists

	// SubCodeProtocol indicates an unexpected broker response.
	SubCodeProtocol

	// SubCodeCacheNoData indicates the cache had no messages for the topic.
	SubCodeCacheNoData

	// SubCodeCacheSuspect indicates the cache answered from stale state.
	SubCodeCacheSuspect

	// SubCodeTransactionFailed indicates a commit or rollback failed.
	SubCodeTransactionFailed
)

// String returns the stable identifier for the sub-code.
func (s SubCode) String() string {
	switch s {
	case SubCodeOK:
		return "OK"
	case SubCodeLoginFailure:
		return "LOGIN_FAILURE"
	case SubCodeHostUnreachable:
		return "HOST_UNREACHABLE"
	case SubCodeTLSFailure:
		return "TLS_FAILURE"
	case SubCodeTimeout:
		return "TIMEOUT"
	case SubCodeMessageInvalid:
		return "MESSAGE_INVALID"
	case SubCodeRejected:
		return "REJECTED"
	case SubCodeNotConnected:
		return "NOT_CONNECTED"
	case SubCodeUnknownEndpoint:
		return "UNKNOWN_ENDPOINT"
	case SubCodePermissionDenied:
		return "PERMISSION_DENIED"
	case SubCodeAlreadyBound:
		return "ALREADY_BOUND"
	case SubCodeEndpointExists:
		return "ENDPOINT_EXISTS"
	case SubCodeProtocol:
		return "PROTOCOL_ERROR"
	case SubCodeCacheNoData:
		return "CACHE_NO_DATA"
	case SubCodeCacheSuspect:
		return "CACHE_SUSPECT"
	case SubCodeTransactionFailed:
		return "TRANSACTION_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors - check with errors.Is().
var (
	// ErrSessionClosed is returned when an operation is attempted on a
	// closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotConnected is returned when the session has no live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrFlowClosed is returned when an operation is attempted on an
	// unbound flow.
	ErrFlowClosed = errors.New("flow closed")

	// ErrFlowStopped is returned by Receive when delivery is paused on a
	// stopped flow and nothing is queued locally.
	ErrFlowStopped = errors.New("flow stopped")

	// ErrTransactionClosed is returned after a transaction has been
	// committed or rolled back and then reused.
	ErrTransactionClosed = errors.New("transaction closed")

	// ErrWindowExceeded is returned when a guaranteed publish would exceed
	// the publisher window.
	ErrWindowExceeded = errors.New("publisher window exceeded")

	// ErrNoCorrelation reports a broker acknowledgement that matches no
	// tracked message.
	ErrNoCorrelation = errors.New("no correlated message outstanding")
)

// ConnectError is returned by Dial when session establishment fails.
type ConnectError struct {
	SubCode SubCode
	Reason  string
	Err     error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect: %s: %s: %v", e.SubCode, e.Reason, e.Err)
	}
	return fmt.Sprintf("connect: %s: %s", e.SubCode, e.Reason)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error { return e.Err }

// SendError is returned when a publish is refused locally or rejected by
// the broker.
type SendError struct {
	SubCode SubCode
	Reason  string
	Err     error
}

// Error implements the error interface.
func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send: %s: %s: %v", e.SubCode, e.Reason, e.Err)
	}
	return fmt.Sprintf("send: %s: %s", e.SubCode, e.Reason)
}

// Unwrap returns the underlying error.
func (e *SendError) Unwrap() error { return e.Err }

// BindError is returned when binding a flow to an endpoint fails.
type BindError struct {
	SubCode  SubCode
	Endpoint string
	Reason   string
}

// Error implements the error interface.
func (e *BindError) Error() string {
	return fmt.Sprintf("bind %q: %s: %s", e.Endpoint, e.SubCode, e.Reason)
}

// TimeoutError is returned when a blocking call exceeds its deadline. The
// operation has no side effects on session state.
type TimeoutError struct {
	Op string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, SubCodeTimeout)
}

// Is reports sub-code equivalence so callers can use
// errors.Is(err, &TimeoutError{}).
func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// ProtocolError is returned on an unexpected broker response.
type ProtocolError struct {
	Detail string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", SubCodeProtocol, e.Detail)
}

// CacheError is returned by cache requests.
type CacheError struct {
	SubCode SubCode
	Topic   string
	Reason  string
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	return fmt.Sprintf("cache request %q: %s: %s", e.Topic, e.SubCode, e.Reason)
}

// InvalidMessageError is returned when a message envelope fails validation
// before send.
type InvalidMessageError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid message: %s: %s", e.Field, e.Reason)
}
