package manager

import (
	"fmt"

	"github.com/chasegan/kalix-core/session"
)

// UnknownSessionError reports an operation against a session id the registry
// has never seen, or one that was already removed.
type UnknownSessionError struct {
	ID string
}

func (e *UnknownSessionError) Error() string {
	return fmt.Sprintf("unknown session %s", e.ID)
}

// SessionNotActiveError reports a command against a session that has reached
// a terminal state. The session is still registered and can be inspected; it
// just cannot talk to the engine anymore.
type SessionNotActiveError struct {
	ID    string
	State session.State
}

func (e *SessionNotActiveError) Error() string {
	return fmt.Sprintf("session %s is not active (state %s)", e.ID, e.State)
}

// SessionStillActiveError reports an attempt to remove a session that has not
// reached a terminal state. Terminate it first.
type SessionStillActiveError struct {
	ID    string
	State session.State
}

func (e *SessionStillActiveError) Error() string {
	return fmt.Sprintf("session %s is still active (state %s)", e.ID, e.State)
}
