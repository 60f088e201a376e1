package kalixcli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"
)

// requireShell skips tests that drive a real child process through /bin/sh.
func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("integration test requires /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

// shellProcess creates a ProcessManager running the given shell script.
func shellProcess(t *testing.T, script string, bufferLines int) *ProcessManager {
	t.Helper()
	pm := NewProcessManager(ProcessConfig{
		Path:        "/bin/sh",
		Args:        []string{"-c", script},
		BufferLines: bufferLines,
	}, nil)
	t.Cleanup(pm.Close)
	return pm
}

// collectLines reads from the line buffer until it closes.
func collectLines(t *testing.T, pm *ProcessManager, timeout time.Duration) []string {
	t.Helper()
	var lines []string
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-pm.Lines():
			if !ok {
				return lines
			}
			lines = append(lines, line)
		case <-deadline:
			t.Fatalf("timed out waiting for output, got %d lines so far", len(lines))
		}
	}
}

func waitExit(t *testing.T, pm *ProcessManager, timeout time.Duration) {
	t.Helper()
	select {
	case <-pm.Done():
	case <-time.After(timeout):
		t.Fatal("timed out waiting for process exit")
	}
}

func TestProcessManager_ReadsLinesInOrder(t *testing.T) {
	requireShell(t)

	pm := shellProcess(t, `printf 'one\ntwo\nthree\n'`, 0)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	lines := collectLines(t, pm, 5*time.Second)
	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %v", len(want), len(lines), lines)
	}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("line %d: expected %q, got %q", i, w, lines[i])
		}
	}

	waitExit(t, pm, 5*time.Second)
	if err := pm.ExitError(); err != nil {
		t.Errorf("expected clean exit, got %v", err)
	}
	if pm.IsRunning() {
		t.Error("expected IsRunning to be false after exit")
	}
}

func TestProcessManager_FinalLineWithoutNewline(t *testing.T) {
	requireShell(t)

	pm := shellProcess(t, `printf 'no trailing newline'`, 0)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	lines := collectLines(t, pm, 5*time.Second)
	if len(lines) != 1 || lines[0] != "no trailing newline" {
		t.Errorf("expected the unterminated fragment to be delivered, got %v", lines)
	}
}

func TestProcessManager_StripsCarriageReturn(t *testing.T) {
	requireShell(t)

	pm := shellProcess(t, `printf 'windows line\r\n'`, 0)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	lines := collectLines(t, pm, 5*time.Second)
	if len(lines) != 1 || lines[0] != "windows line" {
		t.Errorf("expected CR to be stripped, got %v", lines)
	}
}

func TestProcessManager_EmptyLinesDelivered(t *testing.T) {
	requireShell(t)

	pm := shellProcess(t, `printf 'a\n\nb\n'`, 0)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	lines := collectLines(t, pm, 5*time.Second)
	want := []string{"a", "", "b"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), lines)
	}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("line %d: expected %q, got %q", i, w, lines[i])
		}
	}
}

func TestProcessManager_WriteLine(t *testing.T) {
	requireShell(t)

	pm := shellProcess(t, `read x && echo "got $x"`, 0)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// WriteLine appends the newline the shell's read is waiting for.
	if err := pm.WriteLine("hello"); err != nil {
		t.Fatalf("WriteLine failed: %v", err)
	}

	lines := collectLines(t, pm, 5*time.Second)
	if len(lines) != 1 || lines[0] != "got hello" {
		t.Errorf("expected echo of written line, got %v", lines)
	}
}

func TestProcessManager_BackpressureNeverDropsLines(t *testing.T) {
	requireShell(t)

	const total = 200
	script := fmt.Sprintf(`i=1; while [ $i -le %d ]; do echo "line $i"; i=$((i+1)); done`, total)
	pm := shellProcess(t, script, 4)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Let the producer fill the 4 line buffer and block before draining.
	time.Sleep(100 * time.Millisecond)

	lines := collectLines(t, pm, 10*time.Second)
	if len(lines) != total {
		t.Fatalf("expected %d lines, got %d", total, len(lines))
	}
	for i, line := range lines {
		if want := fmt.Sprintf("line %d", i+1); line != want {
			t.Fatalf("line %d: expected %q, got %q", i, want, line)
		}
	}
}

func TestProcessManager_SpawnErrorForMissingBinary(t *testing.T) {
	pm := NewProcessManager(ProcessConfig{
		Path: "/nonexistent/kalixcli-missing",
		Args: SessionStdioArgs(),
	}, nil)

	err := pm.Start()
	if err == nil {
		t.Fatal("expected Start to fail for missing binary")
	}

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *SpawnError, got %T: %v", err, err)
	}
	if spawnErr.Path != "/nonexistent/kalixcli-missing" {
		t.Errorf("unexpected path in error: %q", spawnErr.Path)
	}
	if pm.IsRunning() {
		t.Error("expected IsRunning to be false after failed start")
	}
}

func TestProcessManager_StartTwiceFails(t *testing.T) {
	requireShell(t)

	pm := shellProcess(t, `cat >/dev/null`, 0)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := pm.Start(); err == nil {
		t.Error("expected second Start to fail")
	}

	pm.Stop(2 * time.Second)
	if err := pm.ExitError(); err != nil {
		t.Errorf("expected clean exit after stdin close, got %v", err)
	}
}

func TestProcessManager_StopExitsGracefullyOnStdinClose(t *testing.T) {
	requireShell(t)

	pm := shellProcess(t, `cat >/dev/null`, 0)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := pm.WriteLine("one line"); err != nil {
		t.Fatalf("WriteLine failed: %v", err)
	}

	pm.Stop(5 * time.Second)

	if pm.IsRunning() {
		t.Error("expected IsRunning to be false after Stop")
	}
	if err := pm.ExitError(); err != nil {
		t.Errorf("cat should exit cleanly on stdin EOF, got %v", err)
	}
}

func TestProcessManager_StopForceKillsUnresponsive(t *testing.T) {
	requireShell(t)

	// The child never reads stdin, so closing it does nothing and the
	// grace period has to expire before the kill.
	pm := shellProcess(t, `while :; do sleep 1; done`, 0)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	start := time.Now()
	pm.Stop(100 * time.Millisecond)
	elapsed := time.Since(start)

	if pm.IsRunning() {
		t.Error("expected IsRunning to be false after forced stop")
	}
	if err := pm.ExitError(); err == nil {
		t.Error("expected a non-nil exit error after force kill")
	}
	if elapsed > 5*time.Second {
		t.Errorf("Stop took too long: %v", elapsed)
	}
}

func TestProcessManager_WriteAfterExitFails(t *testing.T) {
	requireShell(t)

	pm := shellProcess(t, `true`, 0)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitExit(t, pm, 5*time.Second)

	err := pm.WriteLine("too late")
	if err == nil {
		t.Fatal("expected WriteLine to fail after exit")
	}
	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Errorf("expected *WriteError, got %T: %v", err, err)
	}
}

func TestProcessManager_ReadOutputLineNonBlocking(t *testing.T) {
	requireShell(t)

	pm := shellProcess(t, `read x; echo ready`, 0)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if line, ok := pm.ReadOutputLine(); ok {
		t.Errorf("expected no line before the child produced one, got %q", line)
	}

	if err := pm.WriteLine("go"); err != nil {
		t.Fatalf("WriteLine failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if line, ok := pm.ReadOutputLine(); ok {
			if line != "ready" {
				t.Errorf("expected %q, got %q", "ready", line)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out polling ReadOutputLine")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProcessManager_StderrTailCaptured(t *testing.T) {
	requireShell(t)

	pm := shellProcess(t, `echo out1; echo err1 >&2; echo err2 >&2; exit 3`, 0)
	if err := pm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	lines := collectLines(t, pm, 5*time.Second)
	if len(lines) != 1 || lines[0] != "out1" {
		t.Errorf("unexpected stdout: %v", lines)
	}

	waitExit(t, pm, 5*time.Second)

	tail := pm.StderrTail()
	if !strings.Contains(tail, "err1") || !strings.Contains(tail, "err2") {
		t.Errorf("expected stderr tail to contain both lines, got %q", tail)
	}

	var exitErr *exec.ExitError
	if !errors.As(pm.ExitError(), &exitErr) {
		t.Fatalf("expected *exec.ExitError, got %v", pm.ExitError())
	}
	if exitErr.ExitCode() != 3 {
		t.Errorf("expected exit code 3, got %d", exitErr.ExitCode())
	}
}

func TestProcessManager_StopBeforeStart(t *testing.T) {
	pm := NewProcessManager(ProcessConfig{Path: "/bin/sh"}, nil)
	pm.Stop(time.Second)

	if pm.IsRunning() {
		t.Error("expected IsRunning to be false")
	}
	if pid := pm.Pid(); pid != 0 {
		t.Errorf("expected pid 0 before start, got %d", pid)
	}
}

func TestSessionStdioArgs(t *testing.T) {
	args := SessionStdioArgs()
	if len(args) != 2 || args[0] != "session" || args[1] != "stdio" {
		t.Errorf("unexpected base args: %v", args)
	}

	args = SessionStdioArgs("--threads", "4")
	want := []string{"session", "stdio", "--threads", "4"}
	if len(args) != len(want) {
		t.Fatalf("expected %v, got %v", want, args)
	}
	for i, w := range want {
		if args[i] != w {
			t.Errorf("arg %d: expected %q, got %q", i, w, args[i])
		}
	}
}
