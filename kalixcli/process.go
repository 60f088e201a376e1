package kalixcli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chasegan/kalix-core/logger"
)

const (
	// DefaultBufferLines is the stdout buffer capacity used when the
	// config does not specify one.
	DefaultBufferLines = 1024

	// stderrTailLines is how many trailing stderr lines are retained for
	// diagnostics after the process exits.
	stderrTailLines = 20
)

var errNotRunning = errors.New("process not running")

// Process defines the contract for a supervised kalixcli child process.
// This interface enables dependency injection and testing.
type Process interface {
	// Start launches the child process.
	// Returns a *SpawnError if the process cannot be started, and a plain
	// error if the process was already started once.
	Start() error

	// Stop shuts the process down: stdin is closed to request a graceful
	// exit, and the process is force-killed if it is still alive after
	// the grace period. Safe to call multiple times.
	Stop(grace time.Duration)

	// Close stops the process immediately without a grace period.
	Close()

	// IsRunning reports whether the child process is currently running.
	IsRunning() bool

	// WriteLine writes one line to the process stdin, appending a trailing
	// newline if the line does not already end with one.
	// Returns a *WriteError if the process is not running or the write fails.
	WriteLine(line string) error

	// ReadOutputLine returns the next buffered stdout line without
	// blocking. The second return value is false when no line is ready.
	ReadOutputLine() (string, bool)

	// Lines returns the stdout line buffer. The channel is closed after
	// the process exits and all remaining output has been delivered.
	Lines() <-chan string

	// Done returns a channel that is closed once the process has exited
	// and its exit status has been collected.
	Done() <-chan struct{}

	// ExitError returns the process exit error, nil for a clean exit.
	// Only meaningful after Done is closed.
	ExitError() error

	// StderrTail returns the last captured stderr lines, newest last.
	StderrTail() string

	// Pid returns the process ID of the child, 0 before Start.
	Pid() int
}

// ProcessConfig holds the configuration for starting a kalixcli process.
type ProcessConfig struct {
	Path        string   // kalixcli executable path
	Args        []string // full argument list, usually SessionStdioArgs(...)
	WorkingDir  string   // working directory for the child, empty for inherited
	BufferLines int      // stdout buffer capacity, DefaultBufferLines when <= 0
}

// SessionStdioArgs builds the argument list that starts kalixcli in stdio
// session mode, with any extra arguments appended.
func SessionStdioArgs(extra ...string) []string {
	args := []string{"session", "stdio"}
	return append(args, extra...)
}

// ProcessManager supervises the lifecycle of one kalixcli child process.
type ProcessManager struct {
	config ProcessConfig
	log    *slog.Logger

	// Process state (protected by mu)
	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stderrLines []string
	started     bool
	running     bool
	stopped     bool
	exitErr     error
	pid         int

	// lines carries buffered stdout lines from the reader goroutine to
	// consumers. The reader blocks when the buffer is full so output is
	// never dropped, and closes the channel once stdout is exhausted.
	lines chan string

	// stdoutDone and stderrDone are closed when the respective pipe
	// reader has consumed everything up to EOF. monitorExit waits for
	// both before calling cmd.Wait(), because Wait closes the pipes and
	// would discard output still buffered in them.
	stdoutDone chan struct{}
	stderrDone chan struct{}

	// waitDone is closed by monitorExit after cmd.Wait() completes.
	// Stop() selects on this channel instead of calling cmd.Wait() again,
	// preventing undefined behavior from double Wait().
	waitDone chan struct{}

	// Context for process goroutines
	ctx    context.Context
	cancel context.CancelFunc

	// Goroutine lifecycle management
	wg sync.WaitGroup
}

// NewProcessManager creates a ProcessManager for the given configuration.
// The log may be nil, in which case the package logger is used.
func NewProcessManager(config ProcessConfig, log *slog.Logger) *ProcessManager {
	if config.BufferLines <= 0 {
		config.BufferLines = DefaultBufferLines
	}
	if log == nil {
		log = logger.Get()
	}
	return &ProcessManager{
		config:   config,
		log:      log,
		lines:    make(chan string, config.BufferLines),
		waitDone: make(chan struct{}),
	}
}

// Start launches the kalixcli process and begins reading its output.
func (pm *ProcessManager) Start() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.started {
		return fmt.Errorf("process already started")
	}

	pm.log.Info("starting kalixcli", "path", pm.config.Path, "args", strings.Join(pm.config.Args, " "))
	startTime := time.Now()

	cmd := exec.Command(pm.config.Path, pm.config.Args...)
	if pm.config.WorkingDir != "" {
		cmd.Dir = pm.config.WorkingDir
	}

	// Get stdin pipe for writing commands
	stdin, err := cmd.StdinPipe()
	if err != nil {
		pm.log.Error("failed to get stdin pipe", "error", err)
		return &SpawnError{Path: pm.config.Path, Err: err}
	}

	// Get stdout pipe for reading protocol output
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		pm.log.Error("failed to get stdout pipe", "error", err)
		return &SpawnError{Path: pm.config.Path, Err: err}
	}

	// Get stderr pipe for diagnostics
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		pm.log.Error("failed to get stderr pipe", "error", err)
		return &SpawnError{Path: pm.config.Path, Err: err}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		pm.log.Error("failed to start process", "error", err)
		return &SpawnError{Path: pm.config.Path, Err: err}
	}

	pm.cmd = cmd
	pm.stdin = stdin
	pm.pid = cmd.Process.Pid
	pm.started = true
	pm.running = true
	pm.stdoutDone = make(chan struct{})
	pm.stderrDone = make(chan struct{})
	pm.ctx, pm.cancel = context.WithCancel(context.Background())

	pm.log.Info("kalixcli started", "elapsed", time.Since(startTime), "pid", pm.pid)

	// Start goroutines to read output, drain stderr, and monitor the exit.
	// Track them with WaitGroup for proper cleanup on Stop().
	pm.wg.Add(3)
	go func() {
		defer pm.wg.Done()
		pm.readOutput(bufio.NewReader(stdout))
	}()
	go func() {
		defer pm.wg.Done()
		pm.drainStderr(stderr)
	}()
	go func() {
		defer pm.wg.Done()
		pm.monitorExit(cmd)
	}()

	return nil
}

// Stop shuts the process down, force-killing it if it has not exited once
// the grace period elapses. It waits for all goroutines to complete before
// returning. Safe to call multiple times.
func (pm *ProcessManager) Stop(grace time.Duration) {
	pm.mu.Lock()
	if !pm.started || pm.stopped {
		pm.mu.Unlock()
		return
	}
	pm.stopped = true

	pm.log.Debug("stopping kalixcli", "pid", pm.pid, "grace", grace)

	// Signal goroutines, then close stdin so the engine sees EOF and can
	// exit on its own.
	if pm.cancel != nil {
		pm.cancel()
	}
	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}

	cmd := pm.cmd
	waitDone := pm.waitDone
	pm.mu.Unlock()

	// Wait for the process to exit using the waitDone channel from
	// monitorExit, which is the sole caller of cmd.Wait().
	if cmd != nil && cmd.Process != nil {
		select {
		case <-waitDone:
			pm.log.Debug("kalixcli exited within grace period")
		case <-time.After(grace):
			pm.log.Warn("grace period expired, force killing kalixcli", "pid", pm.pid)
			cmd.Process.Kill()
			<-waitDone
		}
	}

	// Wait for goroutines (readOutput, drainStderr, monitorExit) to finish
	// so no reader is left behind when the manager is discarded.
	pm.wg.Wait()
	pm.log.Debug("kalixcli stopped", "pid", pm.pid)
}

// Close stops the process immediately without a grace period.
func (pm *ProcessManager) Close() {
	pm.Stop(0)
}

// IsRunning reports whether the child process is currently running.
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// WriteLine writes one line to the process stdin.
func (pm *ProcessManager) WriteLine(line string) error {
	pm.mu.Lock()
	stdin := pm.stdin
	running := pm.running
	pm.mu.Unlock()

	if !running || stdin == nil {
		return &WriteError{Err: errNotRunning}
	}

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := io.WriteString(stdin, line); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// ReadOutputLine returns the next buffered stdout line without blocking.
func (pm *ProcessManager) ReadOutputLine() (string, bool) {
	select {
	case line, ok := <-pm.lines:
		if !ok {
			return "", false
		}
		return line, true
	default:
		return "", false
	}
}

// Lines returns the stdout line buffer.
func (pm *ProcessManager) Lines() <-chan string {
	return pm.lines
}

// Done returns a channel that is closed once the process has exited and its
// exit status has been collected.
func (pm *ProcessManager) Done() <-chan struct{} {
	return pm.waitDone
}

// ExitError returns the process exit error recorded by monitorExit.
func (pm *ProcessManager) ExitError() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.exitErr
}

// StderrTail returns the last captured stderr lines, newest last.
func (pm *ProcessManager) StderrTail() string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return strings.Join(pm.stderrLines, "\n")
}

// Pid returns the process ID of the child, 0 before Start.
func (pm *ProcessManager) Pid() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.pid
}

// readOutput reads stdout line by line into the bounded buffer. The send
// blocks when the buffer is full, which holds the pipeline back instead of
// dropping output. The line buffer is closed on return so consumers ranging
// over Lines() terminate.
func (pm *ProcessManager) readOutput(reader *bufio.Reader) {
	defer close(pm.stdoutDone)
	defer close(pm.lines)

	pm.log.Debug("output reader started")

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			select {
			case pm.lines <- line:
			case <-pm.ctx.Done():
				pm.log.Debug("output reader exiting, stop requested")
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				pm.log.Debug("error reading stdout", "error", err)
			} else {
				pm.log.Debug("EOF on stdout")
			}
			return
		}
	}
}

// drainStderr reads stderr line by line, logging each line and retaining a
// bounded tail. This must run concurrently with the process so stderr is
// captured before cmd.Wait() closes the pipe.
func (pm *ProcessManager) drainStderr(stderr io.ReadCloser) {
	defer close(pm.stderrDone)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		pm.log.Debug("kalixcli stderr", "line", line)

		pm.mu.Lock()
		pm.stderrLines = append(pm.stderrLines, line)
		if len(pm.stderrLines) > stderrTailLines {
			pm.stderrLines = pm.stderrLines[len(pm.stderrLines)-stderrTailLines:]
		}
		pm.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		pm.log.Debug("error reading stderr", "error", err)
	}
}

// monitorExit reaps the process and records its exit status. It is the sole
// caller of cmd.Wait(). Both pipe readers must finish first: Wait closes the
// pipes, and calling it while reads are in flight can discard output still
// buffered in them.
func (pm *ProcessManager) monitorExit(cmd *exec.Cmd) {
	<-pm.stdoutDone
	<-pm.stderrDone

	err := cmd.Wait()
	pm.log.Debug("kalixcli exited", "pid", pm.pid, "error", err)

	pm.mu.Lock()
	pm.exitErr = err
	pm.running = false
	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}
	pm.cmd = nil
	pm.mu.Unlock()

	close(pm.waitDone)
}

// Ensure ProcessManager implements Process at compile time.
var _ Process = (*ProcessManager)(nil)
