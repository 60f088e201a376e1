package kalixcli

import "fmt"

// SpawnError indicates that the kalixcli process could not be started.
// It covers executable resolution, pipe setup, and the start itself.
type SpawnError struct {
	Path string // executable path that was attempted
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("cannot start kalixcli at %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// WriteError indicates that a line could not be delivered to the kalixcli
// process stdin, either because the process is not running or because the
// underlying write failed.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cannot write to kalixcli: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
