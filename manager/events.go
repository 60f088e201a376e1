package manager

import (
	"github.com/chasegan/kalix-core/logger"
	"github.com/chasegan/kalix-core/session"
)

// Event is one session state transition as observed by the registry. Events
// for a session whose process failed to spawn are delivered too, even though
// that session was never registered.
type Event = session.StateChange

// eventBufferSize is the per-subscriber queue depth. A subscriber that falls
// further behind misses events rather than stalling session readers.
const eventBufferSize = 64

// Subscribe registers a listener for session state changes. The returned
// cancel function unsubscribes and closes the channel; it is safe to call
// more than once. Events for one session arrive in transition order.
func (sm *SessionManager) Subscribe() (<-chan Event, func()) {
	sm.evmu.Lock()
	defer sm.evmu.Unlock()

	id := sm.nextSubID
	sm.nextSubID++
	ch := make(chan Event, eventBufferSize)
	sm.subscribers[id] = ch

	cancel := func() {
		sm.evmu.Lock()
		defer sm.evmu.Unlock()
		sub, ok := sm.subscribers[id]
		if !ok {
			return
		}
		delete(sm.subscribers, id)
		close(sub)
	}
	return ch, cancel
}

// dispatch fans one state change out to every subscriber. It runs on session
// reader goroutines, so it must never block.
func (sm *SessionManager) dispatch(ev Event) {
	sm.evmu.Lock()
	defer sm.evmu.Unlock()
	for _, ch := range sm.subscribers {
		select {
		case ch <- ev:
		default:
			logger.WithSession(ev.SessionID).Debug("state event dropped for slow subscriber", "to", ev.New)
		}
	}
}
