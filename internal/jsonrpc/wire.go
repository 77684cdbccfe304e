package jsonrpc

import (
	"bytes"
	"strconv"

	"github.com/segmentio/encoding/json"
)

const (
	version = "2.0"

	// MethodCancelRequest is the notification sent upstream when a caller
	// abandons a request.
	MethodCancelRequest = "$/cancelRequest"
	// MethodProgress is the notification the query server uses to report
	// progress for a request.
	MethodProgress = "ql/progressUpdated"
)

// ProgressParams wraps request params in the {"body", "progressId"} envelope
// used by the query server. Call fills ProgressID with the request id so that
// progress notifications route back to the originating call.
type ProgressParams struct {
	Body       any   `json:"body"`
	ProgressID int64 `json:"progressId"`
}

// Progress is the payload of a ql/progressUpdated notification.
type Progress struct {
	ID      int64  `json:"id"`
	Step    int    `json:"step"`
	MaxStep int    `json:"maxStep"`
	Message string `json:"message"`
}

// ProgressFunc receives progress for one in-flight call. It runs on the
// connection's read goroutine and must not block. Call does not return while
// a callback for it is running, and no callback runs after Call returns.
type ProgressFunc func(Progress)

// NotificationHandler receives the raw params of a notification. It runs on
// the connection's read goroutine and must not block.
type NotificationHandler func(params json.RawMessage)

type outgoingRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type outgoingNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type outgoingError struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *Error          `json:"error"`
}

type cancelParams struct {
	ID int64 `json:"id"`
}

// incoming is the union of every message shape the peer may send.
type incoming struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (m *incoming) hasID() bool {
	return len(m.ID) > 0 && !isNull(m.ID)
}

func decodeMessage(frame []byte) (*incoming, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, malformed("frame is not a JSON object")
	}
	var msg incoming
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, malformed("decode message: %v", err)
	}
	if msg.JSONRPC != "" && msg.JSONRPC != version {
		return nil, malformed("unsupported jsonrpc version %q", msg.JSONRPC)
	}
	if msg.Method == "" && !msg.hasID() {
		return nil, malformed("message has neither method nor id")
	}
	return &msg, nil
}

// parseID accepts numeric ids and numeric strings; this client only issues
// integers, so anything else cannot belong to a pending call.
func parseID(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		raw = []byte(s)
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
