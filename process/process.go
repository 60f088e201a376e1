// Package process provides utilities for finding and cleaning up kalixcli
// engine processes that outlived the application that spawned them.
package process

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	kexec "github.com/chasegan/kalix-core/exec"
	"github.com/chasegan/kalix-core/logger"
)

// commandTimeout is the maximum time to wait for process table commands.
const commandTimeout = 5 * time.Second

// EngineProcess represents a running kalixcli engine found on the system.
type EngineProcess struct {
	PID     int    // Process ID
	Command string // Full command line
}

// FindEngineProcesses finds all running kalixcli engine processes using the
// default executor. See FindEngineProcessesWith.
func FindEngineProcesses() ([]EngineProcess, error) {
	return FindEngineProcessesWith(kexec.GetDefaultExecutor())
}

// FindEngineProcessesWith finds all kalixcli processes running in session
// stdio mode. This is useful for detecting engines that were left behind
// after a crash.
func FindEngineProcessesWith(executor kexec.CommandExecutor) ([]EngineProcess, error) {
	var processes []EngineProcess
	log := logger.WithComponent("process")

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch runtime.GOOS {
	case "darwin", "linux":
		// pgrep -f matches against the full command line, so engines are
		// found regardless of how the binary path was spelled.
		output, err := executor.Output(ctx, "", "pgrep", "-f", "kalixcli.*session stdio")
		if err != nil {
			// pgrep returns exit code 1 if no processes found
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
				return processes, nil
			}
			return nil, err
		}

		for _, pidStr := range strings.Fields(string(output)) {
			pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
			if err != nil {
				continue
			}

			// Get the full command line for this PID. The process may have
			// exited between the pgrep and the ps, so a failure skips it.
			psOutput, err := executor.Output(ctx, "", "ps", "-p", pidStr, "-o", "args=")
			if err != nil {
				continue
			}

			processes = append(processes, EngineProcess{
				PID:     pid,
				Command: strings.TrimSpace(string(psOutput)),
			})
		}

	case "windows":
		// tasklist filters on image name only, so this matches any kalixcli
		// process, not just those in session mode.
		output, err := executor.Output(ctx, "", "tasklist", "/FI", "IMAGENAME eq kalixcli*", "/FO", "CSV", "/NH")
		if err != nil {
			return nil, err
		}

		lines := strings.Split(string(output), "\n")
		for _, line := range lines {
			fields := strings.Split(line, ",")
			if len(fields) >= 2 {
				// Remove quotes from PID field
				pidStr := strings.Trim(strings.TrimSpace(fields[1]), "\"")
				pid, err := strconv.Atoi(pidStr)
				if err != nil {
					continue
				}
				processes = append(processes, EngineProcess{
					PID:     pid,
					Command: strings.Trim(fields[0], "\""),
				})
			}
		}
	}

	log.Debug("found kalixcli processes", "count", len(processes))
	return processes, nil
}

// FindOrphanedEngineProcesses finds kalixcli engine processes whose PIDs are
// not in the provided set of PIDs owned by live sessions. Engines carry no
// identifying arguments on their command line, so ownership is established
// by PID. A nil set marks every engine as orphaned.
func FindOrphanedEngineProcesses(knownPids map[int]bool) ([]EngineProcess, error) {
	return FindOrphanedEngineProcessesWith(kexec.GetDefaultExecutor(), knownPids)
}

// FindOrphanedEngineProcessesWith is FindOrphanedEngineProcesses with an
// explicit executor.
func FindOrphanedEngineProcessesWith(executor kexec.CommandExecutor, knownPids map[int]bool) ([]EngineProcess, error) {
	allProcesses, err := FindEngineProcessesWith(executor)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var orphans []EngineProcess
	for _, proc := range allProcesses {
		if knownPids[proc.PID] {
			continue
		}
		orphans = append(orphans, proc)
		log.Info("found orphaned kalixcli process", "pid", proc.PID, "command", proc.Command)
	}

	return orphans, nil
}

// KillProcess kills a process by PID using the default executor.
func KillProcess(pid int) error {
	return KillProcessWith(kexec.GetDefaultExecutor(), pid)
}

// KillProcessWith kills a process by PID.
func KillProcessWith(executor kexec.CommandExecutor, pid int) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch runtime.GOOS {
	case "darwin", "linux":
		_, _, err := executor.Run(ctx, "", "kill", "-9", strconv.Itoa(pid))
		return err
	case "windows":
		_, _, err := executor.Run(ctx, "", "taskkill", "/F", "/PID", strconv.Itoa(pid))
		return err
	}
	return nil
}

// CleanupOrphanedProcesses kills all kalixcli engine processes whose PIDs
// are not in the known set. Returns the number of processes killed.
func CleanupOrphanedProcesses(knownPids map[int]bool) (int, error) {
	return CleanupOrphanedProcessesWith(kexec.GetDefaultExecutor(), knownPids)
}

// CleanupOrphanedProcessesWith is CleanupOrphanedProcesses with an explicit
// executor.
func CleanupOrphanedProcessesWith(executor kexec.CommandExecutor, knownPids map[int]bool) (int, error) {
	orphans, err := FindOrphanedEngineProcessesWith(executor, knownPids)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned kalixcli process", "pid", proc.PID)
		if err := KillProcessWith(executor, proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}

	return killed, nil
}
