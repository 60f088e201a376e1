package manager

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chasegan/kalix-core/config"
	"github.com/chasegan/kalix-core/kalixcli"
	"github.com/chasegan/kalix-core/protocol"
	"github.com/chasegan/kalix-core/session"
)

// createTestConfig returns a config pointing at a fake kalixcli binary, with
// a short grace period so force-kill paths stay fast.
func createTestConfig(t *testing.T) *config.Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake kalixcli binary requires a unix shell")
	}
	cliPath := filepath.Join(t.TempDir(), "kalixcli")
	if err := os.WriteFile(cliPath, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		CLIPath:     cliPath,
		GracePeriod: config.Duration(50 * time.Millisecond),
	}
}

// mockFactory hands out MockProcess instances and records what the registry
// asked for.
type mockFactory struct {
	mu       sync.Mutex
	startErr error                        // applied to the next created process
	onCreate func(*kalixcli.MockProcess)  // scripts engine behavior
	created  []*kalixcli.MockProcess
	configs  []kalixcli.ProcessConfig
}

func (f *mockFactory) create(cfg kalixcli.ProcessConfig) kalixcli.Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	proc := kalixcli.NewMockProcess()
	if f.startErr != nil {
		proc.StartErr = f.startErr
		f.startErr = nil
	}
	if f.onCreate != nil {
		f.onCreate(proc)
	}
	f.created = append(f.created, proc)
	f.configs = append(f.configs, cfg)
	return proc
}

func (f *mockFactory) last() *kalixcli.MockProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// respondToTerminate makes a scripted engine exit cleanly when asked.
func respondToTerminate(proc *kalixcli.MockProcess) {
	proc.OnWriteLine = func(line string) {
		if strings.Contains(line, `"terminate"`) {
			proc.ExitWith(nil)
		}
	}
}

// scriptModelEngine scripts the full load-then-run exchange. Frames carry no
// session id; binding is covered by the session package tests.
func scriptModelEngine(proc *kalixcli.MockProcess) {
	proc.OnWriteLine = func(line string) {
		switch {
		case strings.Contains(line, `"load_model_string"`), strings.Contains(line, `"load_model_file"`):
			proc.EmitLine(`{"type":"result","data":{"command":"load_model_string","status":"success"}}`)
			proc.EmitLine(`{"type":"ready","data":{"status":"ready","current_state":{"model_loaded":true}}}`)
		case strings.Contains(line, `"run_simulation"`), strings.Contains(line, `"run_calibration"`):
			proc.EmitLine(`{"type":"progress","data":{"command":"run_simulation","progress":{"percent_complete":40}}}`)
			proc.EmitLine(`{"type":"result","data":{"status":"success","outputs_generated":["node.a.flow"]}}`)
			proc.EmitLine(`{"type":"ready","data":{"status":"ready"}}`)
		}
	}
}

func newTestManager(t *testing.T) (*SessionManager, *mockFactory) {
	t.Helper()
	sm := NewSessionManager(createTestConfig(t))
	f := &mockFactory{}
	sm.SetProcessFactory(f.create)
	return sm, f
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func waitState(t *testing.T, sess *session.Session, want session.State) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool { return sess.State() == want })
}

// readySession creates a session and walks it through the engine handshake.
func readySession(t *testing.T, sm *SessionManager, f *mockFactory, id string) (*session.Session, *kalixcli.MockProcess) {
	t.Helper()
	sess, err := sm.CreateSession(CreateOptions{ID: id})
	if err != nil {
		t.Fatalf("CreateSession(%s): %v", id, err)
	}
	proc := f.last()
	proc.EmitLine(`{"type":"ready","data":{"status":"ready"}}`)
	waitState(t, sess, session.StateReady)
	return sess, proc
}

func TestNewSessionManager(t *testing.T) {
	sm := NewSessionManager(createTestConfig(t))
	if sm.sessions == nil {
		t.Error("sessions map should be initialized")
	}
	if sm.subscribers == nil {
		t.Error("subscribers map should be initialized")
	}
	if sm.factory == nil {
		t.Error("factory should default to real processes")
	}
}

func TestSessionManager_CreateSession(t *testing.T) {
	sm, f := newTestManager(t)

	sess, err := sm.CreateSession(CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected a generated session id")
	}
	if got := sess.State(); got != session.StateStarting {
		t.Fatalf("state = %s, want %s", got, session.StateStarting)
	}

	got, err := sm.Get(sess.ID)
	if err != nil || got != sess {
		t.Fatalf("Get returned %v, %v", got, err)
	}
	if n := len(sm.List()); n != 1 {
		t.Fatalf("List has %d sessions, want 1", n)
	}
	active := sm.GetActiveSessions()
	if len(active) != 1 || active[sess.ID] != sess {
		t.Fatalf("GetActiveSessions = %v", active)
	}

	pc := f.configs[0]
	if pc.Path != sm.config.GetCLIPath() {
		t.Errorf("process path = %q, want configured binary", pc.Path)
	}
	if !slices.Equal(pc.Args, []string{"session", "stdio"}) {
		t.Errorf("process args = %v", pc.Args)
	}
	if pc.BufferLines != config.DefaultOutputBufferLines {
		t.Errorf("buffer lines = %d, want %d", pc.BufferLines, config.DefaultOutputBufferLines)
	}
}

func TestSessionManager_CreateSessionArgs(t *testing.T) {
	sm, f := newTestManager(t)
	sm.config.(*config.Config).SetCLIArgs([]string{"--quiet"})

	if _, err := sm.CreateSession(CreateOptions{ID: "args", ExtraArgs: []string{"--threads", "4"}}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	want := []string{"session", "stdio", "--quiet", "--threads", "4"}
	if got := f.configs[0].Args; !slices.Equal(got, want) {
		t.Fatalf("process args = %v, want %v", got, want)
	}
}

func TestSessionManager_CreateSessionSpawnFailure(t *testing.T) {
	sm, f := newTestManager(t)
	f.startErr = &kalixcli.SpawnError{Path: "/opt/kalix/kalixcli", Err: errors.New("permission denied")}

	_, err := sm.CreateSession(CreateOptions{ID: "doomed"})
	var spawnErr *kalixcli.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("CreateSession error = %v, want *kalixcli.SpawnError", err)
	}

	// No half-created registration.
	if n := len(sm.List()); n != 0 {
		t.Fatalf("List has %d sessions after failed spawn", n)
	}
	var unknown *UnknownSessionError
	if _, err := sm.Get("doomed"); !errors.As(err, &unknown) {
		t.Fatalf("Get after failed spawn = %v, want *UnknownSessionError", err)
	}
}

func TestSessionManager_CreateSessionDuplicateID(t *testing.T) {
	sm, f := newTestManager(t)

	if _, err := sm.CreateSession(CreateOptions{ID: "dup"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	_, err := sm.CreateSession(CreateOptions{ID: "dup"})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("duplicate CreateSession = %v", err)
	}
	if n := len(f.created); n != 1 {
		t.Fatalf("factory ran %d times, want 1", n)
	}
}

func TestSessionManager_CreateSessionMissingBinary(t *testing.T) {
	cfg := &config.Config{CLIPath: filepath.Join(t.TempDir(), "missing")}
	sm := NewSessionManager(cfg)
	f := &mockFactory{}
	sm.SetProcessFactory(f.create)

	_, err := sm.CreateSession(CreateOptions{})
	var spawnErr *kalixcli.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("CreateSession = %v, want *kalixcli.SpawnError", err)
	}
	if spawnErr.Path != cfg.CLIPath {
		t.Fatalf("error path = %q, want %q", spawnErr.Path, cfg.CLIPath)
	}
	if !strings.Contains(spawnErr.Err.Error(), "does not exist") {
		t.Fatalf("wrapped error = %v", spawnErr.Err)
	}
	if len(f.created) != 0 {
		t.Fatal("no process should be created without a binary")
	}
	if n := len(sm.List()); n != 0 {
		t.Fatalf("List has %d sessions after a locate failure", n)
	}
}

func TestSessionManager_GetUnknown(t *testing.T) {
	sm, _ := newTestManager(t)
	_, err := sm.Get("nope")
	var unknown *UnknownSessionError
	if !errors.As(err, &unknown) {
		t.Fatalf("Get = %v, want *UnknownSessionError", err)
	}
	if unknown.ID != "nope" {
		t.Fatalf("error carries id %q", unknown.ID)
	}
}

func TestSessionManager_SendCommand(t *testing.T) {
	sm, f := newTestManager(t)
	_, proc := readySession(t, sm, f, "cmd")

	if err := sm.SendCommand("cmd", protocol.CmdGetVersion, nil); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if got := proc.LastWrite(); !strings.Contains(got, `"get_version"`) {
		t.Fatalf("wrote %q", got)
	}

	var unknown *UnknownSessionError
	if err := sm.SendCommand("ghost", protocol.CmdGetVersion, nil); !errors.As(err, &unknown) {
		t.Fatalf("SendCommand to unknown session = %v", err)
	}

	if err := sm.TerminateSession("cmd"); err != nil {
		t.Fatalf("TerminateSession: %v", err)
	}
	err := sm.SendCommand("cmd", protocol.CmdGetVersion, nil)
	var notActive *SessionNotActiveError
	if !errors.As(err, &notActive) {
		t.Fatalf("SendCommand to terminated session = %v, want *SessionNotActiveError", err)
	}
	if notActive.State != session.StateTerminated {
		t.Fatalf("error carries state %s", notActive.State)
	}
}

func TestSessionManager_RunModel(t *testing.T) {
	sm, f := newTestManager(t)
	f.onCreate = scriptModelEngine
	sess, proc := readySession(t, sm, f, "run")

	if err := sm.RunModel("run", "[node]\nname = a\n"); err != nil {
		t.Fatalf("RunModel: %v", err)
	}
	prog := sess.Program()
	if prog == nil {
		t.Fatal("program should be attached")
	}
	waitFor(t, "run completion", prog.IsCompleted)

	if got := prog.Outputs(); !slices.Equal(got, []string{"node.a.flow"}) {
		t.Fatalf("outputs = %v", got)
	}
	if got := sess.StateDescription(); got != "Run completed" {
		t.Fatalf("description = %q", got)
	}
	writes := proc.Writes()
	if len(writes) != 2 || !strings.Contains(writes[0], `"model_ini"`) || !strings.Contains(writes[1], `"run_simulation"`) {
		t.Fatalf("writes = %v", writes)
	}
}

func TestSessionManager_RunModelFile(t *testing.T) {
	sm, f := newTestManager(t)
	f.onCreate = scriptModelEngine
	sess, proc := readySession(t, sm, f, "file")

	if err := sm.RunModelFile("file", "/models/basin.ini"); err != nil {
		t.Fatalf("RunModelFile: %v", err)
	}
	waitFor(t, "run completion", sess.Program().IsCompleted)

	writes := proc.Writes()
	if !strings.Contains(writes[0], `"load_model_file"`) || !strings.Contains(writes[0], `"model_path":"/models/basin.ini"`) {
		t.Fatalf("load write = %q", writes[0])
	}
}

func TestSessionManager_RunCalibration(t *testing.T) {
	sm, f := newTestManager(t)
	f.onCreate = scriptModelEngine
	sess, proc := readySession(t, sm, f, "cal")

	if err := sm.RunCalibration("cal", "[node]\nname = a\n"); err != nil {
		t.Fatalf("RunCalibration: %v", err)
	}
	prog := sess.Program()
	if got := prog.Name(); got != "calibration" {
		t.Fatalf("program name = %q", got)
	}
	waitFor(t, "calibration completion", prog.IsCompleted)

	var sawRun bool
	for _, w := range proc.Writes() {
		if strings.Contains(w, `"run_calibration"`) {
			sawRun = true
		}
	}
	if !sawRun {
		t.Fatalf("run_calibration never sent: %v", proc.Writes())
	}
}

func TestSessionManager_RunModelErrors(t *testing.T) {
	sm, f := newTestManager(t)

	var unknown *UnknownSessionError
	if err := sm.RunModel("nope", "model"); !errors.As(err, &unknown) {
		t.Fatalf("RunModel on unknown session = %v", err)
	}

	// The engine stays silent, so the first program never finishes and the
	// second one is refused.
	readySession(t, sm, f, "busy")
	if err := sm.RunModel("busy", "model"); err != nil {
		t.Fatalf("RunModel: %v", err)
	}
	err := sm.RunCalibration("busy", "model")
	if err == nil || !strings.Contains(err.Error(), "already has an active run_model program") {
		t.Fatalf("second program = %v", err)
	}
}

func TestSessionManager_StopRun(t *testing.T) {
	sm, f := newTestManager(t)
	_, proc := readySession(t, sm, f, "stop")

	if err := sm.StopRun("stop", "user clicked stop"); err != nil {
		t.Fatalf("StopRun: %v", err)
	}
	got := proc.LastWrite()
	if !strings.Contains(got, `"stop"`) || !strings.Contains(got, `"user clicked stop"`) {
		t.Fatalf("wrote %q", got)
	}
}

func TestSessionManager_TerminateSession(t *testing.T) {
	sm, f := newTestManager(t)
	f.onCreate = respondToTerminate
	sess, _ := readySession(t, sm, f, "term")

	if err := sm.TerminateSession("term"); err != nil {
		t.Fatalf("TerminateSession: %v", err)
	}
	if got := sess.State(); got != session.StateTerminated {
		t.Fatalf("state = %s, want %s", got, session.StateTerminated)
	}

	// Terminated but not removed: still present in both registry views, so
	// the terminal state is observable instead of the session vanishing.
	if n := len(sm.List()); n != 1 {
		t.Fatalf("List has %d sessions", n)
	}
	if got := sm.GetActiveSessions()["term"]; got != sess {
		t.Fatalf("GetActiveSessions[term] = %v, want the terminated session", got)
	}

	// Converged: terminating again succeeds without doing anything.
	if err := sm.TerminateSession("term"); err != nil {
		t.Fatalf("repeat TerminateSession: %v", err)
	}

	var unknown *UnknownSessionError
	if err := sm.TerminateSession("ghost"); !errors.As(err, &unknown) {
		t.Fatalf("TerminateSession on unknown session = %v", err)
	}
}

func TestSessionManager_TerminateForceKill(t *testing.T) {
	sm, f := newTestManager(t)
	// No terminate hook: the engine ignores the request and the configured
	// grace period expires.
	sess, proc := readySession(t, sm, f, "stuck")

	if err := sm.TerminateSession("stuck"); err != nil {
		t.Fatalf("TerminateSession: %v", err)
	}
	if got := sess.State(); got != session.StateTerminated {
		t.Fatalf("state = %s, want %s", got, session.StateTerminated)
	}
	if proc.IsRunning() {
		t.Fatal("process should be killed after the grace period")
	}
}

func TestSessionManager_RemoveSession(t *testing.T) {
	sm, f := newTestManager(t)
	f.onCreate = respondToTerminate
	readySession(t, sm, f, "rm")

	err := sm.RemoveSession("rm")
	var stillActive *SessionStillActiveError
	if !errors.As(err, &stillActive) {
		t.Fatalf("RemoveSession on live session = %v, want *SessionStillActiveError", err)
	}
	if stillActive.State != session.StateReady {
		t.Fatalf("error carries state %s", stillActive.State)
	}

	if err := sm.TerminateSession("rm"); err != nil {
		t.Fatalf("TerminateSession: %v", err)
	}
	if err := sm.RemoveSession("rm"); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}

	var unknown *UnknownSessionError
	if _, err := sm.Get("rm"); !errors.As(err, &unknown) {
		t.Fatalf("Get after removal = %v", err)
	}
	if n := len(sm.List()); n != 0 {
		t.Fatalf("List has %d sessions after removal", n)
	}
	if _, ok := sm.GetActiveSessions()["rm"]; ok {
		t.Fatal("removed session still in GetActiveSessions")
	}
	if err := sm.RemoveSession("rm"); !errors.As(err, &unknown) {
		t.Fatalf("repeat RemoveSession = %v", err)
	}
}

func TestSessionManager_ListOrder(t *testing.T) {
	sm, f := newTestManager(t)
	f.onCreate = respondToTerminate
	for _, id := range []string{"a", "b", "c"} {
		readySession(t, sm, f, id)
	}

	ids := func() []string {
		var out []string
		for _, sess := range sm.List() {
			out = append(out, sess.ID)
		}
		return out
	}
	if got := ids(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("List order = %v", got)
	}

	if err := sm.TerminateSession("b"); err != nil {
		t.Fatalf("TerminateSession: %v", err)
	}
	if err := sm.RemoveSession("b"); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	if got := ids(); !slices.Equal(got, []string{"a", "c"}) {
		t.Fatalf("List order after removal = %v", got)
	}
}

func TestSessionManager_Shutdown(t *testing.T) {
	sm, f := newTestManager(t)
	f.onCreate = respondToTerminate

	var held []*session.Session
	for _, id := range []string{"s1", "s2", "s3"} {
		sess, _ := readySession(t, sm, f, id)
		held = append(held, sess)
	}

	sm.Shutdown()

	if n := len(sm.List()); n != 0 {
		t.Fatalf("List has %d sessions after shutdown", n)
	}
	for _, sess := range held {
		if got := sess.State(); got != session.StateTerminated {
			t.Fatalf("session %s state = %s after shutdown", sess.ID, got)
		}
	}
}

// statusRecorder collects status one-liners.
type statusRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *statusRecorder) record(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *statusRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.lines)
}

func TestSessionManager_StatusFunc(t *testing.T) {
	sm, f := newTestManager(t)
	f.onCreate = scriptModelEngine
	status := &statusRecorder{}
	sm.SetStatusFunc(status.record)

	sess, _ := readySession(t, sm, f, "run")
	if err := sm.RunModel("run", "[node]\nname = a\n"); err != nil {
		t.Fatalf("RunModel: %v", err)
	}
	waitFor(t, "run completion", sess.Program().IsCompleted)

	want := []string{
		"Session run: created",
		"Session run: Engine ready",
		"Session run: Loading model",
		"Session run: Running simulation (0%)",
		"Session run: Run completed",
	}
	waitFor(t, "status lines", func() bool { return slices.Equal(status.snapshot(), want) })
}

func TestSessionManager_StatusFuncShortensGeneratedIDs(t *testing.T) {
	sm, _ := newTestManager(t)
	status := &statusRecorder{}
	sm.SetStatusFunc(status.record)

	sess, err := sm.CreateSession(CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	want := "Session " + sess.ID[:8] + ": created"
	lines := status.snapshot()
	if len(lines) == 0 || lines[0] != want {
		t.Fatalf("first status line = %v, want %q", lines, want)
	}
}
