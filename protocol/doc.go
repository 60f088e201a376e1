// Package protocol implements the line-delimited JSON wire format spoken
// between kalix-core and a kalixcli engine process.
//
// # Framing
//
// Each message is one JSON value on one line, UTF-8 encoded and terminated
// by a newline. There is no length prefix and no multi-line framing. The
// engine is free to interleave plain text (startup banners, warnings,
// legacy progress lines) with JSON messages on stdout, so decoding is
// total: every line decodes to a Frame, never an error.
//
// # Commands
//
// Commands flow from the application to the engine as a flat envelope:
//
//	{"type": "run_simulation", "parameters": {...}, "session_id": "abc"}
//
// EncodeCommand produces the line; the only failure mode is a parameter
// value that cannot be represented as JSON, reported as *EncodingError.
//
// # Frames
//
// Engine output decodes into a Frame with an explicit MessageType:
//
//	frame := protocol.DecodeLine(line)
//	switch frame.Type {
//	case protocol.TypeProgress:
//	    p, err := frame.Progress()
//	    ...
//	case protocol.TypeRaw:
//	    // plain engine chatter, frame.Raw holds the verbatim line
//	}
//
// Lines that are not JSON objects become TypeRaw. JSON objects whose type
// field is missing or unrecognized become TypeUnknown with the payload
// preserved, so newer engine message types degrade gracefully.
//
// # Legacy text progress
//
// Engines predating the JSON protocol report progress as plain lines like
// "Progress: 45%". ParseTextProgress and IsTextCompletion recover those
// signals from TypeRaw frames.
package protocol
