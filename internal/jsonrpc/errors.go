package jsonrpc

import (
	"errors"
	"fmt"

	"github.com/segmentio/encoding/json"
)

// Standard JSON-RPC 2.0 error codes plus the vscode-jsonrpc cancellation code.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeRequestCancelled = -32800
)

var (
	// ErrCancelled is returned by Call when the caller's context ends before a
	// response arrives, or when the peer reports the request as cancelled.
	ErrCancelled = errors.New("jsonrpc: request cancelled")
	// ErrConnectionClosed is returned for every call pending when the stream
	// fails or the Conn is closed. It is fatal for the connection.
	ErrConnectionClosed = errors.New("jsonrpc: connection closed")
	// ErrMalformedFrame marks a frame that cannot be parsed as a JSON-RPC message.
	ErrMalformedFrame = errors.New("jsonrpc: malformed frame")
)

// Error is an error payload returned by the peer for a single request.
type Error struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if len(e.Data) > 0 && string(e.Data) != "null" {
		return fmt.Sprintf("jsonrpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}
