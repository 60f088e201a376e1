// Package kalixcli locates and supervises the kalixcli engine binary.
//
// The engine runs as a child process in stdio session mode and exchanges
// newline-delimited JSON with this process. ProcessManager owns exactly one
// child: it spawns the process, buffers its stdout line by line, captures a
// stderr tail for diagnostics, and coordinates graceful shutdown with a
// force-kill fallback. A ProcessManager is single use. Once the child exits
// the manager stays exited; callers create a new one to launch another
// engine.
//
// # Output buffering
//
// Stdout lines flow through a bounded channel sized at construction. The
// reader goroutine blocks when the buffer is full, so a slow consumer slows
// the pipeline down instead of losing output. After the child exits the
// remaining lines stay readable until the channel is drained, then the
// channel closes.
//
// # Locating the binary
//
// Locate resolves the kalixcli executable. A configured path is used
// exclusively: when set it must point at an existing file, and no PATH
// fallback happens if it does not. With no configured path the executable
// is looked up in PATH and probed with --version.
package kalixcli
