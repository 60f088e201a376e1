// Package session models one conversation with a kalixcli engine process.
//
// # Overview
//
// A Session owns a supervised kalixcli child and everything that flows over
// its stdio: every line is recorded in the Transcript, decoded into a
// protocol frame, and offered to the active Program, which interprets
// progress and results and may answer with follow-up commands.
//
// # Session Lifecycle
//
// 1. Starting: New created the session and Start spawned the process. The
// state holds until the engine reports ready for the first time.
//
// 2. Ready: the engine completed its handshake and is idle. The first frame
// carrying a session id pins the engine's identity; commands sent from now
// on carry it.
//
// 3. Running: the engine is doing work, either a program (a model run or a
// calibration) or a bare command it reported busy for. When the work ends
// the session returns to Ready.
//
// 4. Terminal: Error (the process died unexpectedly or broke the protocol)
// or Terminated (shutdown was requested). Terminal states are one way; a
// terminated session never goes back to work.
//
// An unexpected process exit moves the session to Error, unless a graceful
// shutdown had been requested, in which case the exit is the expected
// outcome and the session ends Terminated. Terminate always converges: it
// asks the engine to leave, waits out a grace period, and force-kills the
// process if the engine ignores the request.
//
// # Programs
//
// A Program gives meaning to the frame stream for a long-running engine
// operation. NewRunModelProgram loads a model and runs a simulation;
// NewCalibrationProgram does the same for a calibration. Programs track a
// monotonic progress fraction, collect the output series names the engine
// reports, and freeze once completed or failed. Engine chatter that is not
// valid protocol JSON is tolerated everywhere and scanned for legacy
// progress markers.
//
// # Transcript
//
// The Transcript is the append-only communication log: sent lines, received
// lines, and system annotations, each timestamped. Formatted renders the
// familiar display form; TeeTo mirrors the log to a per-session file under
// the logs directory.
package session
