package protocol

import (
	"encoding/json"
	"fmt"
)

// Engine commands and control verbs accepted by kalixcli in stdio mode.
const (
	CmdGetVersion      = "get_version"
	CmdGetState        = "get_state"
	CmdLoadModelString = "load_model_string"
	CmdLoadModelFile   = "load_model_file"
	CmdRunSimulation   = "run_simulation"
	CmdRunCalibration  = "run_calibration"
	CmdTestProgress    = "test_progress"
	CmdStop            = "stop"
	CmdTerminate       = "terminate"
)

// Command is the outbound envelope. Parameters are passed through to the
// engine untouched; their schemas are the engine's concern.
type Command struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
}

// EncodingError reports a command whose parameters could not be
// represented as JSON.
type EncodingError struct {
	CommandType string
	Err         error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("cannot encode %q command: %v", e.CommandType, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// EncodeCommand renders a command as a single line of JSON, without the
// trailing newline. The result never contains an embedded newline: the
// encoder escapes newlines inside string values.
func EncodeCommand(cmdType string, params map[string]any, sessionID string) (string, error) {
	return Command{Type: cmdType, Parameters: params, SessionID: sessionID}.Encode()
}

// Encode renders the command as a single line of JSON, without the
// trailing newline.
func (c Command) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", &EncodingError{CommandType: c.Type, Err: err}
	}
	return string(data), nil
}
