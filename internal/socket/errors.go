package socket

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectTimeout is returned when a connect attempt exceeds its ceiling.
	ErrConnectTimeout = errors.New("socket: connect timeout")
	// ErrRequestTimeout is returned when a pending request exceeds its timeout.
	ErrRequestTimeout = errors.New("socket: request timeout")
	// ErrResourceClosed is returned for requests pending or issued on a
	// resource whose physical connection has closed.
	ErrResourceClosed = errors.New("socket: resource closed")
)

// HTTPError carries the status observed while establishing a connection.
// Code -1 denotes a transport-level failure with no HTTP response; code 0
// denotes a request refused locally because the transport is offline.
// Other codes are passed through from the backend handshake.
type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	switch e.Code {
	case -1:
		return fmt.Sprintf("socket: transport failure: %s", e.Message)
	case 0:
		return "socket: offline"
	default:
		return fmt.Sprintf("socket: HTTP %d: %s", e.Code, e.Message)
	}
}

// ErrOffline builds the local rejection used while the transport is offline.
func ErrOffline() error {
	return &HTTPError{Code: 0}
}

// IsAuthFailure reports whether err is a handshake rejection that indicates
// invalid credentials. Such failures are surfaced instead of retried.
func IsAuthFailure(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Code == 401 || he.Code == 403
	}
	return false
}

// IsTransient reports whether a connect failure is worth retrying under
// backoff: a server-side 500 or a transport-level failure. Everything else
// is treated as terminal for the attempt.
func IsTransient(err error) bool {
	if errors.Is(err, ErrConnectTimeout) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Code == 500 || he.Code == -1
	}
	return false
}

// CloseError is the terminal state of a physical connection, surfaced by
// Conn implementations when the peer closes or the transport fails.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("socket: connection closed: code=%d reason=%q", e.Code, e.Reason)
}
