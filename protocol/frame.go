package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies what kind of message a Frame carries.
type MessageType string

const (
	TypeReady    MessageType = "ready"
	TypeBusy     MessageType = "busy"
	TypeProgress MessageType = "progress"
	TypeResult   MessageType = "result"
	TypeStopped  MessageType = "stopped"
	TypeError    MessageType = "error"
	TypeLog      MessageType = "log"

	// TypeRaw marks a line that was not a JSON object. Raw holds the
	// verbatim text. Engines emit plain log chatter between JSON messages,
	// so this is normal traffic, not a fault.
	TypeRaw MessageType = "raw"

	// TypeUnknown marks a JSON object whose type field is missing or not
	// recognized. The payload is preserved in Data.
	TypeUnknown MessageType = "unknown"
)

// Frame is one decoded line of engine output.
type Frame struct {
	Type      MessageType
	SessionID string          // engine-assigned session identifier, if present
	Timestamp time.Time       // zero when absent or unparseable
	Data      json.RawMessage // message payload, nil for TypeRaw
	Raw       string          // the original line, always set
}

// envelope mirrors the wire shape of a system message.
type envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// DecodeLine decodes one line of engine stdout into a Frame. It is total:
// any input produces a Frame. Lines that do not parse as a JSON object
// come back as TypeRaw, JSON objects with an unrecognized type as
// TypeUnknown.
func DecodeLine(line string) Frame {
	frame := Frame{Type: TypeRaw, Raw: line}

	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return frame
	}

	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		// Looked like JSON but wasn't. Still just chatter.
		return frame
	}

	frame.SessionID = env.SessionID
	frame.Data = env.Data
	if env.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, env.Timestamp); err == nil {
			frame.Timestamp = ts
		}
	}

	switch MessageType(env.Type) {
	case TypeReady, TypeBusy, TypeProgress, TypeResult, TypeStopped, TypeError, TypeLog:
		frame.Type = MessageType(env.Type)
	default:
		frame.Type = TypeUnknown
	}
	return frame
}

// ReadyData is the payload of a ready message. The engine sends one after
// startup and after every command finishes.
type ReadyData struct {
	Status            string      `json:"status,omitempty"`
	AvailableCommands []string    `json:"available_commands,omitempty"`
	CurrentState      EngineState `json:"current_state,omitempty"`
}

// EngineState summarizes what the engine is holding.
type EngineState struct {
	ModelLoaded    bool   `json:"model_loaded"`
	DataLoaded     bool   `json:"data_loaded"`
	LastSimulation string `json:"last_simulation,omitempty"`
}

// BusyData is the payload of a busy message.
type BusyData struct {
	ExecutingCommand string `json:"executing_command,omitempty"`
	Interruptible    bool   `json:"interruptible"`
	StartedAt        string `json:"started_at,omitempty"`
}

// ProgressData is the payload of a progress message.
type ProgressData struct {
	Command  string         `json:"command,omitempty"`
	Progress ProgressDetail `json:"progress"`
}

// ProgressDetail carries the progress numbers. PercentComplete is 0..100
// on the wire.
type ProgressDetail struct {
	PercentComplete    float64 `json:"percent_complete"`
	CurrentStep        string  `json:"current_step,omitempty"`
	EstimatedRemaining string  `json:"estimated_remaining,omitempty"`
}

// Fraction returns the completion as a fraction clamped to [0, 1].
func (p ProgressData) Fraction() float64 {
	f := p.Progress.PercentComplete / 100
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// ResultData is the payload of a result message.
type ResultData struct {
	Command          string          `json:"command,omitempty"`
	Status           string          `json:"status,omitempty"`
	ExecutionTimeMs  int64           `json:"execution_time_ms,omitempty"`
	OutputsGenerated []string        `json:"outputs_generated,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"` // command-specific payload
}

// Succeeded reports whether the command completed successfully. An empty
// status counts as success: older engines only send a status on failure.
func (r ResultData) Succeeded() bool {
	return r.Status == "" || strings.EqualFold(r.Status, "success") || strings.EqualFold(r.Status, "ok")
}

// VersionInfo is the command-specific payload of a get_version result.
type VersionInfo struct {
	Version  string   `json:"version"`
	Features []string `json:"features,omitempty"`
}

// VersionInfo parses the command-specific payload as a get_version result.
func (r ResultData) VersionInfo() (VersionInfo, error) {
	var v VersionInfo
	if len(r.Result) == 0 {
		return v, fmt.Errorf("result carries no version payload")
	}
	if err := json.Unmarshal(r.Result, &v); err != nil {
		return v, fmt.Errorf("malformed version payload: %w", err)
	}
	return v, nil
}

// StoppedData is the payload of a stopped message.
type StoppedData struct {
	Command string `json:"command,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorData is the payload of an error message. This reports a command
// failure inside a healthy engine, not an engine crash.
type ErrorData struct {
	Message string          `json:"message,omitempty"`
	Command string          `json:"command,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// LogData is the payload of a log message.
type LogData struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
}

func (f Frame) payload(want MessageType, dst any) error {
	if f.Type != want {
		return fmt.Errorf("frame is %s, not %s", f.Type, want)
	}
	if len(f.Data) == 0 {
		// A missing data object decodes to the zero payload.
		return nil
	}
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return fmt.Errorf("malformed %s payload: %w", want, err)
	}
	return nil
}

// Ready parses the frame's payload as ready data.
func (f Frame) Ready() (ReadyData, error) {
	var d ReadyData
	err := f.payload(TypeReady, &d)
	return d, err
}

// Busy parses the frame's payload as busy data.
func (f Frame) Busy() (BusyData, error) {
	var d BusyData
	err := f.payload(TypeBusy, &d)
	return d, err
}

// Progress parses the frame's payload as progress data.
func (f Frame) Progress() (ProgressData, error) {
	var d ProgressData
	err := f.payload(TypeProgress, &d)
	return d, err
}

// Result parses the frame's payload as result data.
func (f Frame) Result() (ResultData, error) {
	var d ResultData
	err := f.payload(TypeResult, &d)
	return d, err
}

// Stopped parses the frame's payload as stopped data.
func (f Frame) Stopped() (StoppedData, error) {
	var d StoppedData
	err := f.payload(TypeStopped, &d)
	return d, err
}

// ErrorInfo parses the frame's payload as error data.
func (f Frame) ErrorInfo() (ErrorData, error) {
	var d ErrorData
	err := f.payload(TypeError, &d)
	return d, err
}

// Log parses the frame's payload as log data.
func (f Frame) Log() (LogData, error) {
	var d LogData
	err := f.payload(TypeLog, &d)
	return d, err
}
