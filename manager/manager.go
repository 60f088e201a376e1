// Package manager is the registry of running kalixcli sessions: creation,
// lookup, command routing, model runs, and teardown, with state change
// fan-out for UI consumers.
package manager

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/chasegan/kalix-core/config"
	"github.com/chasegan/kalix-core/kalixcli"
	"github.com/chasegan/kalix-core/logger"
	"github.com/chasegan/kalix-core/protocol"
	"github.com/chasegan/kalix-core/session"
)

// ManagerConfig defines the configuration surface required by SessionManager.
// This decouples the registry from the concrete config.Config struct.
//
// *config.Config satisfies this interface implicitly.
type ManagerConfig interface {
	GetCLIPath() string
	GetCLIArgs() []string
	GetGracePeriod() time.Duration
	GetOutputBufferLines() int
}

// Compile-time interface satisfaction check.
var _ ManagerConfig = (*config.Config)(nil)

// ProcessFactory creates the supervised process for a new session.
// This allows tests to inject mock processes.
type ProcessFactory func(cfg kalixcli.ProcessConfig) kalixcli.Process

// defaultProcessFactory spawns real kalixcli processes.
func defaultProcessFactory(cfg kalixcli.ProcessConfig) kalixcli.Process {
	return kalixcli.NewProcessManager(cfg, nil)
}

// CreateOptions configures a new session.
type CreateOptions struct {
	// ID of the session. Generated when empty.
	ID string
	// WorkingDir for the kalixcli process. Empty means the current directory.
	WorkingDir string
	// ExtraArgs are appended after the configured kalixcli arguments.
	ExtraArgs []string
}

// SessionManager is the registry of kalixcli sessions. It owns session
// creation and teardown, routes commands and model runs to sessions, and
// fans state changes out to subscribers. All methods are safe for
// concurrent use.
type SessionManager struct {
	config  ManagerConfig
	factory ProcessFactory

	mu       sync.RWMutex
	sessions map[string]*session.Session
	order    []string // session ids in creation order

	evmu        sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
	statusFn    func(string)
}

// NewSessionManager creates an empty registry.
func NewSessionManager(cfg ManagerConfig) *SessionManager {
	return &SessionManager{
		config:      cfg,
		factory:     defaultProcessFactory,
		sessions:    make(map[string]*session.Session),
		subscribers: make(map[int]chan Event),
	}
}

// SetProcessFactory sets a custom process factory (for testing).
func (sm *SessionManager) SetProcessFactory(factory ProcessFactory) {
	sm.factory = factory
}

// SetStatusFunc registers a sink for human-readable one-liners about every
// session: creation, state changes, program phase changes, completion. Lines
// are prefixed with the session id. The sink is called from session
// goroutines and must not block. Replaces any previous sink.
func (sm *SessionManager) SetStatusFunc(fn func(string)) {
	sm.evmu.Lock()
	sm.statusFn = fn
	sm.evmu.Unlock()
}

// emitStatus forwards one status line for a session to the sink, if any.
func (sm *SessionManager) emitStatus(sessionID, line string) {
	sm.evmu.Lock()
	fn := sm.statusFn
	sm.evmu.Unlock()
	if fn != nil {
		fn(fmt.Sprintf("Session %s: %s", shortID(sessionID), line))
	}
}

// shortID trims a generated id to its first segment for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// CreateSession resolves the kalixcli binary, spawns a session process, and
// registers the session once it is running. A session that fails to spawn is
// never registered: callers get either a live session or an error, not a
// half-created entry.
func (sm *SessionManager) CreateSession(opts CreateOptions) (*session.Session, error) {
	if opts.ID != "" {
		sm.mu.RLock()
		_, exists := sm.sessions[opts.ID]
		sm.mu.RUnlock()
		if exists {
			return nil, fmt.Errorf("session %s already exists", opts.ID)
		}
	}

	cliPath := sm.config.GetCLIPath()
	loc, err := kalixcli.Locate(cliPath)
	if err != nil {
		if cliPath == "" {
			cliPath = kalixcli.ExecutableName
		}
		return nil, &kalixcli.SpawnError{Path: cliPath, Err: err}
	}

	args := append(sm.config.GetCLIArgs(), opts.ExtraArgs...)
	proc := sm.factory(kalixcli.ProcessConfig{
		Path:        loc.Path,
		Args:        kalixcli.SessionStdioArgs(args...),
		WorkingDir:  opts.WorkingDir,
		BufferLines: sm.config.GetOutputBufferLines(),
	})

	sess := session.New(session.Config{
		ID:     opts.ID,
		Proc:   proc,
		Notify: sm.dispatch,
	})
	sess.SetStatusFunc(func(line string) {
		sm.emitStatus(sess.ID, line)
	})
	sm.emitStatus(sess.ID, "created")

	log := logger.WithSession(sess.ID)
	log.Info("creating session", "cli", loc.Path, "version", loc.Version)

	if err := sess.Start(); err != nil {
		log.Error("session failed to start", "error", err)
		return nil, err
	}

	sm.mu.Lock()
	// Re-check under the write lock: a concurrent CreateSession with the
	// same explicit id may have won the race while we were spawning.
	if _, exists := sm.sessions[sess.ID]; exists {
		sm.mu.Unlock()
		// The loser's status lines would otherwise show up under the
		// winner's id.
		sess.SetStatusFunc(nil)
		sess.Terminate(0)
		return nil, fmt.Errorf("session %s already exists", sess.ID)
	}
	sm.sessions[sess.ID] = sess
	sm.order = append(sm.order, sess.ID)
	sm.mu.Unlock()

	log.Info("session registered")
	return sess, nil
}

// Get returns the registered session, or an UnknownSessionError.
func (sm *SessionManager) Get(id string) (*session.Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[id]
	if !ok {
		return nil, &UnknownSessionError{ID: id}
	}
	return sess, nil
}

// List returns all registered sessions in creation order.
func (sm *SessionManager) List() []*session.Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*session.Session, 0, len(sm.order))
	for _, id := range sm.order {
		if sess, ok := sm.sessions[id]; ok {
			out = append(out, sess)
		}
	}
	return out
}

// GetActiveSessions returns a snapshot of the registry keyed by session id.
// Terminal sessions remain in the mapping until RemoveSession drops them, so
// a poller observes an error or termination as session state, never as a
// silently missing entry. Concurrent registry changes do not affect the
// returned map.
func (sm *SessionManager) GetActiveSessions() map[string]*session.Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make(map[string]*session.Session, len(sm.sessions))
	maps.Copy(out, sm.sessions)
	return out
}

// activeSession resolves an id to a session that can still talk to the
// engine.
func (sm *SessionManager) activeSession(id string) (*session.Session, error) {
	sess, err := sm.Get(id)
	if err != nil {
		return nil, err
	}
	if !sess.IsActive() {
		return nil, &SessionNotActiveError{ID: id, State: sess.State()}
	}
	return sess, nil
}

// SendCommand delivers a raw engine command to an active session.
func (sm *SessionManager) SendCommand(id, cmdType string, params map[string]any) error {
	sess, err := sm.activeSession(id)
	if err != nil {
		return err
	}
	return sess.Send(cmdType, params)
}

// RunModel loads a model definition into the session and runs a simulation
// once the engine reports the load complete. Progress is tracked on the
// session's program.
func (sm *SessionManager) RunModel(id, modelText string) error {
	return sm.startProgram(id, session.NewRunModelProgram(),
		protocol.CmdLoadModelString, map[string]any{"model_ini": modelText})
}

// RunModelFile is RunModel for a model file on disk, read by the engine.
func (sm *SessionManager) RunModelFile(id, modelPath string) error {
	return sm.startProgram(id, session.NewRunModelProgram(),
		protocol.CmdLoadModelFile, map[string]any{"model_path": modelPath})
}

// RunCalibration loads a model definition and runs a calibration.
func (sm *SessionManager) RunCalibration(id, modelText string) error {
	return sm.startProgram(id, session.NewCalibrationProgram(),
		protocol.CmdLoadModelString, map[string]any{"model_ini": modelText})
}

func (sm *SessionManager) startProgram(id string, prog session.Program, loadCmd string, params map[string]any) error {
	sess, err := sm.activeSession(id)
	if err != nil {
		return err
	}
	if err := sess.StartProgram(prog); err != nil {
		return err
	}
	if err := sess.Send(loadCmd, params); err != nil {
		// The load never reached the engine; release the program slot.
		prog.Fail(fmt.Sprintf("failed to send %s: %v", loadCmd, err))
		return err
	}
	return nil
}

// StopRun asks the engine to interrupt the session's current run without
// ending the session.
func (sm *SessionManager) StopRun(id, reason string) error {
	sess, err := sm.activeSession(id)
	if err != nil {
		return err
	}
	return sess.StopRun(reason)
}

// TerminateSession shuts a session down, waiting up to the configured grace
// period for the engine to exit before force-killing it. Terminating a
// session that already reached a terminal state succeeds without doing
// anything, so callers can retry until the registry converges.
func (sm *SessionManager) TerminateSession(id string) error {
	sess, err := sm.Get(id)
	if err != nil {
		return err
	}
	sess.Terminate(sm.config.GetGracePeriod())
	return nil
}

// RemoveSession drops a terminal session from the registry. Removing a live
// session is refused with a SessionStillActiveError.
func (sm *SessionManager) RemoveSession(id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sess, ok := sm.sessions[id]
	if !ok {
		return &UnknownSessionError{ID: id}
	}
	if sess.IsActive() {
		return &SessionStillActiveError{ID: id, State: sess.State()}
	}
	delete(sm.sessions, id)
	for i, ordered := range sm.order {
		if ordered == id {
			sm.order = append(sm.order[:i], sm.order[i+1:]...)
			break
		}
	}
	return nil
}

// Shutdown terminates every session and clears the registry. This should be
// called when the application is exiting so no kalixcli processes outlive
// it.
func (sm *SessionManager) Shutdown() {
	sm.mu.Lock()
	sessions := make([]*session.Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.sessions = make(map[string]*session.Session)
	sm.order = nil
	sm.mu.Unlock()

	log := logger.WithComponent("SessionManager")
	log.Info("shutting down all sessions", "count", len(sessions))

	grace := sm.config.GetGracePeriod()
	var wg sync.WaitGroup
	for _, sess := range sessions {
		sess := sess
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Terminate(grace)
		}()
	}
	wg.Wait()
	log.Info("shutdown complete")
}
