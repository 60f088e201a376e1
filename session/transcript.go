package session

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Direction identifies which side of the stdio conversation produced a
// transcript entry.
type Direction int

const (
	// DirectionSent is a line written to kalixcli stdin.
	DirectionSent Direction = iota
	// DirectionReceived is a line read from kalixcli stdout.
	DirectionReceived
	// DirectionSystem is an annotation produced by this process.
	DirectionSystem
)

func (d Direction) String() string {
	switch d {
	case DirectionSent:
		return "GUI->CLI (STDIN)"
	case DirectionReceived:
		return "CLI->GUI (STDOUT)"
	default:
		return "SYSTEM"
	}
}

// Entry is one recorded line of session communication.
type Entry struct {
	Time      time.Time
	Direction Direction
	Text      string
}

// Transcript is the append-only communication log of one session. Every
// line sent to or received from kalixcli is recorded verbatim alongside
// system annotations. All methods are safe for concurrent use.
type Transcript struct {
	mu        sync.Mutex
	sessionID string
	entries   []Entry
	sink      io.Writer
}

// NewTranscript creates a transcript for the given session and records the
// creation annotation.
func NewTranscript(sessionID string) *Transcript {
	t := &Transcript{sessionID: sessionID}
	t.RecordNote("Session created: " + sessionID)
	return t
}

// SessionID returns the session this transcript belongs to.
func (t *Transcript) SessionID() string {
	return t.sessionID
}

// TeeTo mirrors every entry recorded from now on to w, one formatted line
// per entry. Write errors are ignored; the in-memory log is authoritative.
func (t *Transcript) TeeTo(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = w
}

// RecordSent records a line written to kalixcli stdin.
func (t *Transcript) RecordSent(text string) {
	t.record(DirectionSent, text)
}

// RecordReceived records a line read from kalixcli stdout.
func (t *Transcript) RecordReceived(text string) {
	t.record(DirectionReceived, text)
}

// RecordNote records a system annotation.
func (t *Transcript) RecordNote(text string) {
	t.record(DirectionSystem, text)
}

func (t *Transcript) record(dir Direction, text string) {
	entry := Entry{Time: time.Now(), Direction: dir, Text: text}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
	if t.sink != nil {
		fmt.Fprintln(t.sink, formatEntry(entry))
	}
}

// Entries returns a snapshot of all recorded entries in order.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := make([]Entry, len(t.entries))
	copy(entries, t.entries)
	return entries
}

// Len returns the number of recorded entries.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Formatted returns the full log as display text, one timestamped line per
// entry under a session header. The result is a snapshot; recording may
// continue concurrently.
func (t *Transcript) Formatted() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Communication Log for Session: %s ===\n", t.sessionID)
	for _, entry := range t.entries {
		sb.WriteString(formatEntry(entry))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Clear discards all recorded entries and records a clearing annotation so
// the wipe itself is visible in the log.
func (t *Transcript) Clear() {
	t.mu.Lock()
	t.entries = nil
	t.mu.Unlock()
	t.RecordNote("Log cleared")
}

func formatEntry(e Entry) string {
	return fmt.Sprintf("[%s] %s: %s", e.Time.Format("15:04:05.000"), e.Direction, e.Text)
}
