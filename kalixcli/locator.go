package kalixcli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	kexec "github.com/chasegan/kalix-core/exec"
)

// ExecutableName is the kalixcli binary name looked up in PATH when no
// explicit path is configured.
const ExecutableName = "kalixcli"

// versionProbeTimeout is the maximum time to wait for the --version probe.
const versionProbeTimeout = 5 * time.Second

// Location describes a resolved kalixcli executable.
type Location struct {
	Path    string // absolute or configured path to the executable
	Version string // first line of --version output, empty if the probe failed
	InPath  bool   // true when resolved via PATH lookup rather than configuration
}

// Locate resolves the kalixcli executable using the default executor.
// See LocateWith.
func Locate(configuredPath string) (Location, error) {
	return LocateWith(kexec.GetDefaultExecutor(), configuredPath)
}

// LocateWith resolves the kalixcli executable.
//
// A non-empty configuredPath is used exclusively: it must name an existing
// file, and resolution fails without falling back to PATH when it does not.
// With an empty configuredPath the executable is looked up in PATH.
// Either way the binary is probed with --version; a failed probe leaves
// Version empty but does not fail resolution.
func LocateWith(executor kexec.CommandExecutor, configuredPath string) (Location, error) {
	if configuredPath != "" {
		info, err := os.Stat(configuredPath)
		if err != nil {
			return Location{}, fmt.Errorf("configured kalixcli path %s does not exist", configuredPath)
		}
		if info.IsDir() {
			return Location{}, fmt.Errorf("configured kalixcli path %s is a directory", configuredPath)
		}
		return Location{
			Path:    configuredPath,
			Version: probeVersion(executor, configuredPath),
		}, nil
	}

	path, err := exec.LookPath(ExecutableName)
	if err != nil {
		return Location{}, fmt.Errorf("%s not found in PATH", ExecutableName)
	}
	return Location{
		Path:    path,
		Version: probeVersion(executor, path),
		InPath:  true,
	}, nil
}

// probeVersion runs the executable with --version and returns the first
// line of output, trimmed. Returns empty string if the probe fails.
func probeVersion(executor kexec.CommandExecutor, path string) string {
	ctx, cancel := context.WithTimeout(context.Background(), versionProbeTimeout)
	defer cancel()

	output, err := executor.Output(ctx, "", path, "--version")
	if err != nil {
		return ""
	}

	line, _, _ := strings.Cut(string(output), "\n")
	version := strings.TrimSpace(line)
	if len(version) > 100 {
		version = version[:100] + "..."
	}
	return version
}
