package hub

import (
	"encoding/json"
	"fmt"

	"github.com/ptymux/ptymux/internal/session"
)

// Wire message types. The set is closed: anything else is a protocol error
// answered on that connection only.
const (
	// Client to server.
	TypeCreate     = "create"
	TypeConnect    = "connect"
	TypeAttach     = "attach" // alias of connect
	TypeInput      = "input"
	TypeResize     = "resize"
	TypeDisconnect = "disconnect"
	TypeDetach     = "detach" // alias of disconnect
	TypeMonitorAll = "monitor-all"

	// Server to client.
	TypeCreated       = "created"
	TypeHistory       = "history"
	TypeOutput        = "output"
	TypeExit          = "exit"
	TypeSessionOutput = "session-output"
	TypeError         = "error"
)

// Message is the JSON envelope for every frame in both directions. One
// struct with a type tag keeps dispatch exhaustive; fields not used by a
// given type are omitted on the wire.
type Message struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// Terminal payload (input, output, history, session-output).
	Data string `json:"data,omitempty"`
	// Seq is the buffer sequence after the payload. On connect/attach a
	// client may send its last delivered sequence to request only the
	// unseen suffix.
	Seq uint64 `json:"seq,omitempty"`

	// Creation and resize fields.
	ID      string            `json:"id,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cols    uint16            `json:"cols,omitempty"`
	Rows    uint16            `json:"rows,omitempty"`

	// Monitor mode.
	AuthKey string `json:"authKey,omitempty"`
	// Timestamp is set on session-output frames (unix milliseconds).
	Timestamp int64 `json:"timestamp,omitempty"`

	// Server responses.
	Session    *session.Info `json:"session,omitempty"`
	ExitStatus *int          `json:"exitStatus,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// clientTypes is the set of frame types a client may send.
var clientTypes = map[string]bool{
	TypeCreate:     true,
	TypeConnect:    true,
	TypeAttach:     true,
	TypeInput:      true,
	TypeResize:     true,
	TypeDisconnect: true,
	TypeDetach:     true,
	TypeMonitorAll: true,
}

// ParseClientMessage decodes and validates one client frame.
func ParseClientMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("malformed message: %w", err)
	}
	if !clientTypes[msg.Type] {
		return Message{}, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return msg, nil
}

func errorMessage(requestID, sessionID, text string) Message {
	return Message{
		Type:      TypeError,
		RequestID: requestID,
		SessionID: sessionID,
		Message:   text,
	}
}
