package kalixcli

import (
	"errors"
	"sync"
	"time"
)

// MockProcess is an in-memory Process implementation for testing code that
// drives a kalixcli child without spawning one. Tests script engine output
// with EmitLine and end the process with ExitWith.
type MockProcess struct {
	// StartErr, when set, causes Start to fail with this error.
	StartErr error

	// OnWriteLine, when set, is called after each successful WriteLine
	// with the line as written (without the trailing newline). Tests use
	// it to script engine responses to commands.
	OnWriteLine func(line string)

	mu      sync.Mutex
	started bool
	running bool
	closed  bool
	writes  []string
	exitErr error
	stderr  string
	lines   chan string
	done    chan struct{}
}

// NewMockProcess creates a MockProcess with a generously sized line buffer.
func NewMockProcess() *MockProcess {
	return &MockProcess{
		lines: make(chan string, 256),
		done:  make(chan struct{}),
	}
}

// EmitLine queues one line of engine stdout.
func (m *MockProcess) EmitLine(line string) {
	m.lines <- line
}

// ExitWith ends the process with the given exit error, closing the line
// buffer. Subsequent calls are no-ops.
func (m *MockProcess) ExitWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.running = false
	m.exitErr = err
	close(m.lines)
	close(m.done)
}

// SetStderr sets the stderr tail reported by StderrTail.
func (m *MockProcess) SetStderr(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stderr = s
}

// Writes returns a copy of all lines written so far, trailing newlines
// stripped.
func (m *MockProcess) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	writes := make([]string, len(m.writes))
	copy(writes, m.writes)
	return writes
}

// LastWrite returns the most recent written line, or empty string.
func (m *MockProcess) LastWrite() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.writes) == 0 {
		return ""
	}
	return m.writes[len(m.writes)-1]
}

func (m *MockProcess) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return m.StartErr
	}
	if m.started {
		return errors.New("process already started")
	}
	m.started = true
	m.running = true
	return nil
}

func (m *MockProcess) Stop(grace time.Duration) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.running = false
	close(m.lines)
	close(m.done)
	m.mu.Unlock()
}

func (m *MockProcess) Close() {
	m.Stop(0)
}

func (m *MockProcess) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *MockProcess) WriteLine(line string) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return &WriteError{Err: errNotRunning}
	}
	trimmed := line
	for len(trimmed) > 0 && (trimmed[len(trimmed)-1] == '\n' || trimmed[len(trimmed)-1] == '\r') {
		trimmed = trimmed[:len(trimmed)-1]
	}
	m.writes = append(m.writes, trimmed)
	hook := m.OnWriteLine
	m.mu.Unlock()

	if hook != nil {
		hook(trimmed)
	}
	return nil
}

func (m *MockProcess) ReadOutputLine() (string, bool) {
	select {
	case line, ok := <-m.lines:
		if !ok {
			return "", false
		}
		return line, true
	default:
		return "", false
	}
}

func (m *MockProcess) Lines() <-chan string {
	return m.lines
}

func (m *MockProcess) Done() <-chan struct{} {
	return m.done
}

func (m *MockProcess) ExitError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitErr
}

func (m *MockProcess) StderrTail() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stderr
}

func (m *MockProcess) Pid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return 0
	}
	return 4242
}

// Ensure MockProcess implements Process at compile time.
var _ Process = (*MockProcess)(nil)
