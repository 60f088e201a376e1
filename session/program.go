package session

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/chasegan/kalix-core/protocol"
)

// Phase describes where an engine program is in its run.
type Phase string

const (
	// PhaseLoading covers the interval between the load command and the
	// engine reporting ready with the model in place.
	PhaseLoading Phase = "loading"
	// PhaseRunning covers the simulation or calibration itself.
	PhaseRunning Phase = "running"
	// PhaseCompleted is terminal: the run finished successfully.
	PhaseCompleted Phase = "completed"
	// PhaseFailed is terminal: the run was stopped, errored, or the
	// engine went away mid-run.
	PhaseFailed Phase = "failed"
)

// Program interprets the frame stream for one engine run. OnFrame is called
// by the session reader for every decoded frame; a non-nil return value is a
// follow-up command the session sends to the engine.
//
// Implementations are safe for concurrent use: OnFrame runs on the session
// reader goroutine while accessors are polled from elsewhere.
type Program interface {
	// Name identifies the kind of program, e.g. "run_model".
	Name() string

	// OnFrame feeds one decoded frame to the program. Unrecognized or
	// malformed frames leave the program unchanged. Once the program is
	// terminal all frames are ignored.
	OnFrame(frame protocol.Frame) *protocol.Command

	// Phase returns the current phase.
	Phase() Phase

	// Progress returns the run progress in [0, 1]. Within a phase it only
	// moves forward; it resets to 0 when loading hands over to running.
	Progress() float64

	// Outputs returns the sorted set of dot-delimited output series names
	// reported by the engine.
	Outputs() []string

	// IsCompleted reports whether the program finished successfully.
	IsCompleted() bool

	// IsFailed reports whether the program ended in failure.
	IsFailed() bool

	// StateDescription returns a short human-readable status line.
	StateDescription() string

	// Fail forces the program into the failed phase, used when the
	// engine goes away mid-run. No-op once the program is terminal.
	Fail(msg string)
}

// programSpec fixes the wording and follow-up command of a program kind.
type programSpec struct {
	name        string
	runCommand  string
	loadingDesc string
	runningDesc string
	doneDesc    string
	failDesc    string
}

// EngineProgram is the shared load-then-run implementation behind
// NewRunModelProgram and NewCalibrationProgram. It starts in PhaseLoading,
// answers the engine's ready report with its run command, tracks progress
// monotonically while running, and freezes once terminal.
type EngineProgram struct {
	spec programSpec

	mu       sync.Mutex
	phase    Phase
	progress float64
	step     string
	failure  string
	outputs  map[string]struct{}
}

// NewRunModelProgram creates a program that loads a model and runs a
// simulation once the engine reports ready.
func NewRunModelProgram() *EngineProgram {
	return newEngineProgram(programSpec{
		name:        "run_model",
		runCommand:  protocol.CmdRunSimulation,
		loadingDesc: "Loading model",
		runningDesc: "Running simulation",
		doneDesc:    "Run completed",
		failDesc:    "Run failed",
	})
}

// NewCalibrationProgram creates a program that loads a model and runs a
// calibration once the engine reports ready.
func NewCalibrationProgram() *EngineProgram {
	return newEngineProgram(programSpec{
		name:        "calibration",
		runCommand:  protocol.CmdRunCalibration,
		loadingDesc: "Loading model",
		runningDesc: "Running calibration",
		doneDesc:    "Calibration completed",
		failDesc:    "Calibration failed",
	})
}

func newEngineProgram(spec programSpec) *EngineProgram {
	return &EngineProgram{
		spec:    spec,
		phase:   PhaseLoading,
		outputs: make(map[string]struct{}),
	}
}

// Name identifies the kind of program.
func (p *EngineProgram) Name() string {
	return p.spec.name
}

// OnFrame feeds one decoded frame to the program.
func (p *EngineProgram) OnFrame(frame protocol.Frame) *protocol.Command {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminalLocked() {
		return nil
	}

	switch frame.Type {
	case protocol.TypeReady:
		// The engine is idle again. During loading that means the model
		// is in place and the run can start; progress starts over for
		// the new phase.
		if p.phase == PhaseLoading {
			p.phase = PhaseRunning
			p.progress = 0
			p.step = ""
			return &protocol.Command{Type: p.spec.runCommand}
		}

	case protocol.TypeProgress:
		pd, err := frame.Progress()
		if err != nil {
			return nil
		}
		if p.phase == PhaseLoading && isLoadCommand(pd.Command) {
			// Load progress keeps the program in loading; the bar
			// belongs to the model load, not the run.
			if f := pd.Fraction(); f > p.progress {
				p.progress = f
			}
			if pd.Progress.CurrentStep != "" {
				p.step = pd.Progress.CurrentStep
			}
			return nil
		}
		p.advanceLocked(pd.Fraction(), pd.Progress.CurrentStep)

	case protocol.TypeResult:
		rd, err := frame.Result()
		if err != nil {
			return nil
		}
		if !rd.Succeeded() {
			p.failLocked(fmt.Sprintf("%s returned status %s", rd.Command, rd.Status))
			return nil
		}
		// A successful load result keeps the program in loading until
		// the ready report arrives; a successful run result completes it.
		if p.phase == PhaseRunning {
			p.completeLocked(rd.OutputsGenerated)
		}

	case protocol.TypeStopped:
		sd, err := frame.Stopped()
		reason := "stopped"
		if err == nil && sd.Reason != "" {
			reason = "stopped: " + sd.Reason
		}
		p.failLocked(reason)

	case protocol.TypeError:
		ed, err := frame.ErrorInfo()
		msg := "engine error"
		if err == nil && ed.Message != "" {
			msg = ed.Message
		}
		p.failLocked(msg)

	case protocol.TypeRaw:
		p.onRawLocked(frame.Raw)
	}

	return nil
}

// onRawLocked interprets plain text output from engines that narrate their
// progress outside the JSON protocol. Anything unrecognized is ignored.
func (p *EngineProgram) onRawLocked(line string) {
	if tp, ok := protocol.ParseTextProgress(line); ok {
		if tp.HasFraction {
			p.advanceLocked(tp.Fraction, tp.Step)
			if p.phase == PhaseRunning && p.progress >= 1 {
				// Text-mode engines report no result frame; a full bar
				// is as much of a completion signal as they give.
				p.completeLocked(nil)
			}
		} else if tp.Step != "" {
			p.step = tp.Step
		}
		return
	}
	if protocol.IsTextCompletion(line) && p.phase == PhaseRunning {
		p.completeLocked(nil)
	}
}

// advanceLocked applies a run progress report. A report while still loading
// means the engine is evidently past the load, so the program flips to
// running and the bar starts over at the reported value. Within the running
// phase progress never moves backwards.
func (p *EngineProgram) advanceLocked(fraction float64, step string) {
	if p.phase == PhaseLoading {
		p.phase = PhaseRunning
		p.progress = fraction
	} else if fraction > p.progress {
		p.progress = fraction
	}
	if step != "" {
		p.step = step
	}
}

func isLoadCommand(cmd string) bool {
	return cmd == protocol.CmdLoadModelString || cmd == protocol.CmdLoadModelFile
}

func (p *EngineProgram) completeLocked(outputs []string) {
	p.phase = PhaseCompleted
	p.progress = 1
	for _, name := range outputs {
		if name != "" {
			p.outputs[name] = struct{}{}
		}
	}
}

func (p *EngineProgram) failLocked(msg string) {
	p.phase = PhaseFailed
	p.failure = msg
}

func (p *EngineProgram) terminalLocked() bool {
	return p.phase == PhaseCompleted || p.phase == PhaseFailed
}

// Phase returns the current phase.
func (p *EngineProgram) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Progress returns the run progress in [0, 1].
func (p *EngineProgram) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// CurrentStep returns the engine's latest step description, e.g. the name
// of the routing reach being solved. Empty when the engine has not said.
func (p *EngineProgram) CurrentStep() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.step
}

// Outputs returns the sorted output series names reported by the engine.
func (p *EngineProgram) Outputs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	outputs := make([]string, 0, len(p.outputs))
	for name := range p.outputs {
		outputs = append(outputs, name)
	}
	sort.Strings(outputs)
	return outputs
}

// IsCompleted reports whether the program finished successfully.
func (p *EngineProgram) IsCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase == PhaseCompleted
}

// IsFailed reports whether the program ended in failure.
func (p *EngineProgram) IsFailed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase == PhaseFailed
}

// StateDescription returns a short status line for display.
func (p *EngineProgram) StateDescription() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.phase {
	case PhaseLoading:
		return p.spec.loadingDesc
	case PhaseRunning:
		return fmt.Sprintf("%s (%d%%)", p.spec.runningDesc, int(math.Round(p.progress*100)))
	case PhaseCompleted:
		return p.spec.doneDesc
	default:
		if p.failure == "" {
			return p.spec.failDesc
		}
		return fmt.Sprintf("%s: %s", p.spec.failDesc, p.failure)
	}
}

// Fail forces the program into the failed phase, used when the engine goes
// away mid-run. No-op once the program is terminal.
func (p *EngineProgram) Fail(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminalLocked() {
		return
	}
	p.failLocked(msg)
}

// Ensure EngineProgram implements Program at compile time.
var _ Program = (*EngineProgram)(nil)
