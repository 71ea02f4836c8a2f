package sip

import (
	"sync"

	"github.com/voxecho/voxecho/internal/ivr"
	"github.com/voxecho/voxecho/internal/media"
)

// activeSession holds everything the signaling handlers need to route
// in-dialog requests (ACK, BYE, INFO) to a live call and to tear it
// down: the server leg, the orchestrating session, its media endpoint
// and the cancel func for the media goroutines.
type activeSession struct {
	call      *serverCall
	session   *ivr.CallSession
	endpoint  *media.Endpoint
	stopMedia func()

	// tones funnels keypresses from both sources (RTP telephone-event
	// and SIP INFO) into a single pump so arrival order is preserved.
	tones chan media.ToneEvent
}

// offerTone hands a keypress to the session's tone pump. Drops the
// event if the pump's buffer is full rather than stall signaling.
func (as *activeSession) offerTone(tone media.ToneEvent) bool {
	select {
	case as.tones <- tone:
		return true
	default:
		return false
	}
}

// sessionTable maps Call-IDs to their active sessions. Entries are
// added when an INVITE is accepted and removed by the session's end
// callback.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*activeSession
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		sessions: make(map[string]*activeSession),
	}
}

func (t *sessionTable) Add(callID string, as *activeSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[callID] = as
}

func (t *sessionTable) Get(callID string) *activeSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[callID]
}

func (t *sessionTable) Remove(callID string) *activeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	as := t.sessions[callID]
	delete(t.sessions, callID)
	return as
}

func (t *sessionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// All returns the current sessions. Used for shutdown.
func (t *sessionTable) All() []*activeSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*activeSession, 0, len(t.sessions))
	for _, as := range t.sessions {
		out = append(out, as)
	}
	return out
}
