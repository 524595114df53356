package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a call is made without a live session
	ErrNotConnected = errors.New("mcp: not connected")
	// ErrSessionClosed is returned to callers still waiting when the session is torn down
	ErrSessionClosed = errors.New("mcp: session closed")
	// ErrRequestTimeout is returned when the server does not answer in time
	ErrRequestTimeout = errors.New("mcp: request timeout")
)

// ConnectionError reports that the transport never reached a usable session
type ConnectionError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcp connect %s (%s): %v", e.Endpoint, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RPCError is a JSON-RPC error object returned by the server
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("MCP error (%d): %s", e.Code, e.Message)
}

// StatusError is returned when the message endpoint rejects a POST
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mcp: message endpoint returned %d: %s", e.StatusCode, e.Body)
}

// IsConnectionError reports whether err is a ConnectionError
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
