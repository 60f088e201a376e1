package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chasegan/kalix-core/kalixcli"
	"github.com/chasegan/kalix-core/logger"
	"github.com/chasegan/kalix-core/protocol"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateStarting means the spawn was requested and the engine has not
	// yet confirmed the handshake.
	StateStarting State = "starting"
	// StateRunning means the engine is executing a program or a command.
	StateRunning State = "running"
	// StateReady means the engine is live and idle.
	StateReady State = "ready"
	// StateError is terminal: the process died unexpectedly or broke
	// the protocol.
	StateError State = "error"
	// StateTerminated is terminal: the session was shut down on request.
	StateTerminated State = "terminated"
)

// IsTerminal reports whether the state is final.
func (s State) IsTerminal() bool {
	return s == StateError || s == StateTerminated
}

// IsActive reports whether the session can still interact with the engine.
func (s State) IsActive() bool {
	return !s.IsTerminal()
}

// StateChange describes one session state transition.
type StateChange struct {
	SessionID string
	Old       State
	New       State
	Message   string
	Time      time.Time
}

// Config collects the dependencies of a Session.
type Config struct {
	// ID of the session. Generated when empty.
	ID string
	// Proc is the supervised kalixcli process. Required.
	Proc kalixcli.Process
	// Notify, when set, receives every state transition. Called from the
	// session's goroutines; implementations must not block.
	Notify func(StateChange)
	// Log defaults to a session-scoped logger.
	Log *slog.Logger
}

// Session drives one kalixcli process: it feeds every stdout line through
// the transcript and the protocol decoder, lets the active program interpret
// frames and answer with follow-up commands, and tracks the lifecycle state
// machine. Terminal states are one way.
type Session struct {
	ID        string
	StartTime time.Time

	log  *slog.Logger
	proc kalixcli.Process

	mu            sync.Mutex
	state         State
	engineID      string
	program       Program
	spawned       bool
	graceful      bool
	lastErr       string
	notify        func(StateChange)
	status        func(string)
	lastStatus    string
	lastActivity  time.Time
	busy          bool
	interruptible bool
	lastReady     protocol.ReadyData

	transcript *Transcript
	tap        *os.File

	// done is closed when the reader loop has finished and the final
	// state is settled.
	done      chan struct{}
	closeDone sync.Once
}

// New creates a session in the starting state. Call Start to spawn the
// process.
func New(cfg Config) *Session {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	log := cfg.Log
	if log == nil {
		log = logger.WithSession(id)
	}
	now := time.Now()
	return &Session{
		ID:           id,
		StartTime:    now,
		log:          log,
		proc:         cfg.Proc,
		state:        StateStarting,
		notify:       cfg.Notify,
		lastActivity: now,
		transcript:   NewTranscript(id),
		done:         make(chan struct{}),
	}
}

// Start spawns the kalixcli process and begins reading its output. A spawn
// failure moves the session to the error state and is returned unchanged,
// so callers can match *kalixcli.SpawnError.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.spawned || s.state != StateStarting {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %s already started (state %s)", s.ID, state)
	}
	s.mu.Unlock()

	if err := s.proc.Start(); err != nil {
		s.transcript.RecordNote("Failed to start kalixcli: " + err.Error())
		s.transition(StateError, err.Error())
		s.finish()
		return err
	}

	s.mu.Lock()
	s.spawned = true
	s.mu.Unlock()

	s.openTap()
	s.transcript.RecordNote(fmt.Sprintf("Process started (pid %d)", s.proc.Pid()))
	s.log.Info("kalixcli process started", "pid", s.proc.Pid())

	go s.readLoop()
	return nil
}

// openTap mirrors the transcript to a per-session stdio log file. The tap is
// optional; the session carries on without it if the file cannot be opened.
func (s *Session) openTap() {
	path, err := logger.StdioLogPath(s.ID)
	if err != nil {
		s.log.Warn("stdio log path unavailable", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		s.log.Warn("failed to create stdio log directory", "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.log.Warn("failed to open stdio log", "path", path, "error", err)
		return
	}
	fmt.Fprintf(f, "=== Communication Log for Session: %s ===\n", s.ID)

	s.mu.Lock()
	s.tap = f
	s.mu.Unlock()
	s.transcript.TeeTo(f)
}

// readLoop consumes the process line buffer until it closes, then settles
// the final session state from the exit status.
func (s *Session) readLoop() {
	for line := range s.proc.Lines() {
		s.handleLine(line)
	}

	// The line buffer only closes after the process exited and all
	// remaining output was delivered.
	<-s.proc.Done()
	s.handleExit(s.proc.ExitError())

	s.mu.Lock()
	tap := s.tap
	s.tap = nil
	s.mu.Unlock()
	if tap != nil {
		tap.Close()
	}

	s.finish()
}

func (s *Session) finish() {
	s.closeDone.Do(func() { close(s.done) })
}

// handleLine records one stdout line and routes the decoded frame.
func (s *Session) handleLine(line string) {
	s.transcript.RecordReceived(line)

	frame := protocol.DecodeLine(line)

	if frame.SessionID != "" && !s.bindEngineID(frame.SessionID) {
		return
	}

	s.noteActivity(frame)

	if frame.Type == protocol.TypeReady {
		s.mu.Lock()
		handshake := s.state == StateStarting
		s.mu.Unlock()
		if handshake {
			// The startup handshake belongs to the session, not to any
			// program: an attached program must only see the ready that
			// follows its own load.
			s.transition(StateReady, "engine ready")
			if p := s.Program(); p != nil && !p.IsCompleted() && !p.IsFailed() {
				s.transition(StateRunning, "program pending: "+p.Name())
			}
			return
		}
	}

	program := s.Program()
	active := program != nil && !program.IsCompleted() && !program.IsFailed()

	// Busy and ready frames outside a program track bare commands such as
	// get_version: the engine's own signals flip the session between busy
	// and idle.
	if !active {
		switch frame.Type {
		case protocol.TypeBusy:
			if s.State() == StateReady {
				s.transition(StateRunning, "engine busy")
			}
		case protocol.TypeReady:
			if s.State() == StateRunning {
				s.transition(StateReady, "engine idle")
			}
		}
	}
	if program == nil {
		return
	}

	before := program.Phase()
	if cmd := program.OnFrame(frame); cmd != nil {
		if err := s.sendCommand(*cmd); err != nil {
			s.log.Warn("failed to send follow-up command", "type", cmd.Type, "error", err)
			s.transcript.RecordNote(fmt.Sprintf("Failed to send %s: %v", cmd.Type, err))
		}
	}
	if program.Phase() != before {
		s.emitStatus(program.StateDescription())
		if program.IsCompleted() || program.IsFailed() {
			s.transition(StateReady, "program "+string(program.Phase()))
		}
	}
}

// noteActivity updates the liveness facts a UI polls for: when the engine
// last said anything, whether it is busy, and its latest ready summary. A
// ready frame clears the busy flag because it means the engine accepts
// commands again.
func (s *Session) noteActivity(frame protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	switch frame.Type {
	case protocol.TypeBusy:
		if busy, err := frame.Busy(); err == nil {
			s.busy = true
			s.interruptible = busy.Interruptible
		}
	case protocol.TypeReady:
		if ready, err := frame.Ready(); err == nil {
			s.lastReady = ready
		}
		s.busy = false
		s.interruptible = false
	}
}

// bindEngineID pins the engine-reported session id on first sight. A frame
// carrying a different id afterwards is a protocol violation: the session
// moves to the error state and the process is shut down. Returns false when
// the frame should not be processed further.
func (s *Session) bindEngineID(engineID string) bool {
	s.mu.Lock()
	if s.engineID == "" {
		s.engineID = engineID
		s.mu.Unlock()
		s.log.Debug("engine session bound", "engineID", engineID)
		return true
	}
	known := s.engineID
	s.mu.Unlock()

	if known == engineID {
		return true
	}

	msg := fmt.Sprintf("engine reported session id %s, expected %s", engineID, known)
	s.log.Warn("protocol violation", "detail", msg)
	s.transcript.RecordNote("Protocol violation: " + msg)
	if program := s.Program(); program != nil {
		program.Fail("protocol violation")
	}
	s.transition(StateError, msg)
	s.proc.Close()
	return false
}

// handleExit settles the final state once the process is gone. A graceful
// shutdown request makes the exit expected; anything else is an error.
func (s *Session) handleExit(exitErr error) {
	s.mu.Lock()
	graceful := s.graceful
	terminal := s.state.IsTerminal()
	program := s.program
	s.mu.Unlock()

	if terminal {
		return
	}

	if graceful {
		if program != nil {
			program.Fail("session terminated")
		}
		s.transcript.RecordNote("Process exited after termination request")
		s.transition(StateTerminated, "kalixcli exited after terminate request")
		return
	}

	msg := "kalixcli exited unexpectedly"
	if exitErr != nil {
		msg = fmt.Sprintf("kalixcli exited unexpectedly: %v", exitErr)
	}
	if tail := s.proc.StderrTail(); tail != "" {
		s.transcript.RecordNote("stderr: " + tail)
	}
	if program != nil {
		program.Fail("engine exited before completion")
	}
	s.transcript.RecordNote(msg)
	s.transition(StateError, msg)
}

// transition moves the session to a new state, records it, and notifies the
// sink. Terminal states are never left and self-transitions are dropped.
// The transcript note lands under the same lock as the state change, so the
// log order always matches the state order. Notifications run unlocked and
// may lag the observable state.
func (s *Session) transition(newState State, message string) {
	s.mu.Lock()
	old := s.state
	if old == newState || old.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.state = newState
	if newState == StateError {
		s.lastErr = message
	}
	notify := s.notify
	s.transcript.RecordNote(fmt.Sprintf("State changed: %s -> %s (%s)", old, newState, message))
	s.mu.Unlock()

	s.log.Info("session state changed", "from", old, "to", newState, "message", message)

	if notify != nil {
		notify(StateChange{
			SessionID: s.ID,
			Old:       old,
			New:       newState,
			Message:   message,
			Time:      time.Now(),
		})
	}
	s.emitStatus(s.StateDescription())
}

// emitStatus pushes one line to the status sink, if any. Consecutive
// duplicates are dropped so state transitions and program phase changes that
// land on the same description produce a single line.
func (s *Session) emitStatus(line string) {
	s.mu.Lock()
	status := s.status
	if line == s.lastStatus {
		s.mu.Unlock()
		return
	}
	s.lastStatus = line
	s.mu.Unlock()
	if status != nil {
		status(line)
	}
}

// Send encodes a command and writes it to the engine. The transcript records
// the line before the write so even a failed delivery is visible.
func (s *Session) Send(cmdType string, params map[string]any) error {
	return s.sendCommand(protocol.Command{Type: cmdType, Parameters: params})
}

func (s *Session) sendCommand(cmd protocol.Command) error {
	s.mu.Lock()
	state := s.state
	if cmd.SessionID == "" {
		cmd.SessionID = s.engineID
	}
	s.mu.Unlock()

	if state.IsTerminal() {
		return fmt.Errorf("session %s is %s", s.ID, state)
	}

	line, err := cmd.Encode()
	if err != nil {
		return err
	}

	s.transcript.RecordSent(line)
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return s.proc.WriteLine(line)
}

// StartProgram attaches a program to interpret the engine's frames. Only
// one program can be active at a time; a second one is rejected until the
// current one reaches a terminal phase.
func (s *Session) StartProgram(p Program) error {
	s.mu.Lock()
	if s.state.IsTerminal() {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %s is %s", s.ID, state)
	}
	if s.program != nil && !s.program.IsCompleted() && !s.program.IsFailed() {
		name := s.program.Name()
		s.mu.Unlock()
		return fmt.Errorf("session %s already has an active %s program", s.ID, name)
	}
	s.program = p
	readyNow := s.state == StateReady
	s.transcript.RecordNote("Program started: " + p.Name())
	s.mu.Unlock()

	if readyNow {
		s.transition(StateRunning, "program started: "+p.Name())
	}
	s.emitStatus(p.StateDescription())
	return nil
}

// StopRun asks the engine to interrupt the current run without ending the
// session.
func (s *Session) StopRun(reason string) error {
	params := map[string]any{}
	if reason != "" {
		params["reason"] = reason
	}
	return s.Send(protocol.CmdStop, params)
}

// Terminate requests a graceful engine shutdown and waits up to the grace
// period before force-killing the process. The session always ends in the
// terminated state unless it was already terminal. Safe to call repeatedly.
func (s *Session) Terminate(grace time.Duration) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	spawned := s.spawned
	s.graceful = true
	s.mu.Unlock()

	if !spawned {
		// Never spawned, so there is no reader loop to wait for.
		s.transition(StateTerminated, "terminated before start")
		s.finish()
		return
	}

	s.transcript.RecordNote("Termination requested")
	if err := s.sendCommand(protocol.Command{Type: protocol.CmdTerminate}); err != nil {
		s.log.Debug("terminate command not delivered", "error", err)
	}

	select {
	case <-s.done:
	case <-time.After(grace):
		s.log.Warn("termination grace period expired, killing kalixcli", "pid", s.proc.Pid())
		s.transcript.RecordNote("Grace period expired, force killing process")
		s.proc.Close()
		<-s.done
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EngineID returns the engine-reported session id, empty before the first
// frame that carries one.
func (s *Session) EngineID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineID
}

// Program returns the attached program, nil when none was started.
func (s *Session) Program() Program {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.program
}

// LastActivity returns the time the last line was exchanged with the engine,
// in either direction.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Busy reports whether the engine is executing a command, and whether that
// command accepts a stop request.
func (s *Session) Busy() (busy, interruptible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy, s.interruptible
}

// LastReady returns the engine's most recent ready payload: its advertised
// commands and what it is holding. Zero before the handshake.
func (s *Session) LastReady() protocol.ReadyData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReady
}

// SetStatusFunc registers a sink for human-readable status one-liners: state
// changes, program phase changes, completion, failure. Like Notify, the sink
// is called from the session's goroutines and must not block. Replaces any
// previous sink.
func (s *Session) SetStatusFunc(fn func(string)) {
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

// Transcript returns the session's communication log.
func (s *Session) Transcript() *Transcript {
	return s.transcript
}

// IsActive reports whether the session can still interact with the engine.
func (s *Session) IsActive() bool {
	return s.State().IsActive()
}

// Done returns a channel closed once the reader loop has finished and the
// final state is settled.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// StateDescription returns a short status line: the program's view when one
// is attached, the lifecycle state otherwise.
func (s *Session) StateDescription() string {
	s.mu.Lock()
	state := s.state
	program := s.program
	lastErr := s.lastErr
	s.mu.Unlock()

	if program != nil && !state.IsTerminal() {
		return program.StateDescription()
	}
	return describe(state, lastErr)
}

// describe maps a lifecycle state to its status line.
func describe(state State, lastErr string) string {
	switch state {
	case StateStarting:
		return "Starting kalixcli"
	case StateRunning:
		return "Engine busy"
	case StateReady:
		return "Engine ready"
	case StateTerminated:
		return "Session terminated"
	default:
		if lastErr == "" {
			return "Session failed"
		}
		return "Session failed: " + lastErr
	}
}
