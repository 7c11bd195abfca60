// Package protocol defines the JSON frame types exchanged over the
// WebSocket terminal connection, plus the raw-frame-to-typed-event
// dispatcher used to interpret them.
package protocol

import (
	"encoding/json"

	"github.com/trybotster/webterm-hubd/internal/apierror"
)

// MaxFrameBytes is the maximum accepted size of a single incoming frame.
const MaxFrameBytes = 1 << 20 // 1 MiB

// RawFrame is the minimal shape needed to read the type discriminant
// before deciding how to unmarshal the rest of a client frame.
type RawFrame struct {
	Type string `json:"type"`
}

// ClientFrame is the full set of fields any client→server frame may carry.
// Unused fields are simply left zero for a given Type.
type ClientFrame struct {
	Type    string            `json:"type"`
	Token   string            `json:"token,omitempty"`
	Data    string            `json:"data,omitempty"`
	Cols    uint16            `json:"cols,omitempty"`
	Rows    uint16            `json:"rows,omitempty"`
	Signal  string            `json:"signal,omitempty"`
	Key     string            `json:"key,omitempty"`
	Value   string            `json:"value,omitempty"`
	Path    string            `json:"path,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ClientEventType identifies the interpreted meaning of a client frame.
type ClientEventType int

const (
	EventAuthenticate ClientEventType = iota
	EventInput
	EventResize
	EventSignal
	EventEnvSet
	EventChdir
	EventPing
)

// ClientEvent is the typed, validated form of a ClientFrame.
type ClientEvent struct {
	Type   ClientEventType
	Token  string
	Data   string
	Cols   uint16
	Rows   uint16
	Signal string
	Key    string
	Value  string
	Path   string
}

// DecodeClientFrame parses a raw message and interprets it into a typed
// ClientEvent. Unknown discriminants are rejected as a protocol error.
func DecodeClientFrame(raw []byte) (*ClientEvent, error) {
	if len(raw) > MaxFrameBytes {
		return nil, apierror.TooLarge(MaxFrameBytes)
	}

	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, apierror.InvalidMessage("malformed json frame")
	}

	switch frame.Type {
	case "authenticate":
		if frame.Token == "" {
			return nil, apierror.InvalidMessage("authenticate frame missing token")
		}
		return &ClientEvent{Type: EventAuthenticate, Token: frame.Token}, nil
	case "command", "input":
		return &ClientEvent{Type: EventInput, Data: frame.Data}, nil
	case "resize":
		if frame.Cols == 0 || frame.Rows == 0 {
			return nil, apierror.InvalidMessage("resize frame requires positive cols and rows")
		}
		return &ClientEvent{Type: EventResize, Cols: frame.Cols, Rows: frame.Rows}, nil
	case "signal":
		if frame.Signal == "" {
			return nil, apierror.InvalidMessage("signal frame missing signal name")
		}
		return &ClientEvent{Type: EventSignal, Signal: frame.Signal}, nil
	case "env_set":
		if frame.Key == "" {
			return nil, apierror.InvalidMessage("env_set frame missing key")
		}
		return &ClientEvent{Type: EventEnvSet, Key: frame.Key, Value: frame.Value}, nil
	case "chdir":
		if frame.Path == "" {
			return nil, apierror.InvalidMessage("chdir frame missing path")
		}
		return &ClientEvent{Type: EventChdir, Path: frame.Path}, nil
	case "ping":
		return &ClientEvent{Type: EventPing}, nil
	default:
		return nil, apierror.ProtocolError("unknown frame type " + frame.Type)
	}
}

// ServerFrame is every field any server→client frame may carry.
type ServerFrame struct {
	Type       string   `json:"type"`
	UserID     string   `json:"user_id,omitempty"`
	Email      string   `json:"email,omitempty"`
	Groups     []string `json:"groups,omitempty"`
	Data       string   `json:"data,omitempty"`
	Code       string   `json:"code,omitempty"`
	Message    string   `json:"message,omitempty"`
	ExitCode   *int     `json:"exit_code,omitempty"`
	Status     string   `json:"status,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	Path       string   `json:"path,omitempty"`
	Key        string   `json:"key,omitempty"`
	Value      string   `json:"value,omitempty"`
	Violations int      `json:"violations,omitempty"`
	Max        int      `json:"max,omitempty"`
}

func Authenticated(userID, email string, groups []string) ServerFrame {
	return ServerFrame{Type: "authenticated", UserID: userID, Email: email, Groups: groups}
}

func Output(data string) ServerFrame {
	return ServerFrame{Type: "output", Data: data}
}

func ErrorFrame(code, message string) ServerFrame {
	return ServerFrame{Type: "error", Code: code, Message: message}
}

func ProcessExited(exitCode int) ServerFrame {
	return ServerFrame{Type: "process_exited", ExitCode: &exitCode}
}

// Connection status values, per the connection state machine: Connected is
// sent once on Opened (before auth) and again once a session exists.
const (
	StatusConnected = "connected"
)

// ConnectionStatus reports connection status to the client. sessionID is
// empty for the pre-auth frame sent on Opened, and set once a session has
// been created.
func ConnectionStatus(status, sessionID string) ServerFrame {
	return ServerFrame{Type: "connection_status", Status: status, SessionID: sessionID}
}

// RateLimitWarning tells the client it is approaching the per-connection
// message rate limit, without disconnecting it.
func RateLimitWarning(violations, max int) ServerFrame {
	return ServerFrame{Type: "rate_limit_warning", Violations: violations, Max: max}
}

func CwdChanged(path string) ServerFrame {
	return ServerFrame{Type: "cwd_changed", Path: path}
}

func EnvUpdated(key, value string) ServerFrame {
	return ServerFrame{Type: "env_updated", Key: key, Value: value}
}

func Pong() ServerFrame {
	return ServerFrame{Type: "pong"}
}

func Ack() ServerFrame {
	return ServerFrame{Type: "ack"}
}

// Encode marshals a server frame to JSON bytes.
func Encode(f ServerFrame) ([]byte, error) {
	return json.Marshal(f)
}
