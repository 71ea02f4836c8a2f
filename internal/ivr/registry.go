package ivr

import (
	"log/slog"
	"sync"
	"time"
)

// OngoingCall is one active IVR session tracked by the registry. It
// holds the signaling handle used to hang up and the audio player whose
// playback must be stopped on teardown.
type OngoingCall struct {
	ID           string
	Call         ServerCall
	Player       AudioPlayer
	CallerIDName string
	CallerIDNum  string
	AnsweredAt   time.Time
}

// OngoingCallInfo is a read-only snapshot of one registry entry,
// returned by Snapshot for the status API.
type OngoingCallInfo struct {
	CallID       string    `json:"call_id"`
	CallerIDName string    `json:"caller_id_name"`
	CallerIDNum  string    `json:"caller_id_num"`
	AnsweredAt   time.Time `json:"answered_at"`
}

// CallRegistry tracks all in-progress calls keyed by call identifier.
// It is the only state shared across concurrent calls; every operation
// is atomic with respect to the others.
type CallRegistry struct {
	mu     sync.RWMutex
	calls  map[string]*OngoingCall
	logger *slog.Logger
}

// NewCallRegistry creates an empty call registry.
func NewCallRegistry(logger *slog.Logger) *CallRegistry {
	return &CallRegistry{
		calls:  make(map[string]*OngoingCall),
		logger: logger.With("subsystem", "call-registry"),
	}
}

// TryAdd inserts the call iff no entry exists for its id and reports
// whether the insertion happened. A false return has no side effect;
// the existing entry is left untouched.
func (r *CallRegistry) TryAdd(callID string, call *OngoingCall) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[callID]; exists {
		return false
	}
	r.calls[callID] = call

	r.logger.Debug("call registered",
		"call_id", callID,
		"active_calls", len(r.calls),
	)
	return true
}

// TryRemove atomically removes and returns the entry for callID. The
// second return is false when no entry exists, which is a normal
// outcome: hangup notifications can race and must stay idempotent.
func (r *CallRegistry) TryRemove(callID string) (*OngoingCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok {
		return nil, false
	}
	delete(r.calls, callID)

	r.logger.Debug("call removed",
		"call_id", callID,
		"active_calls", len(r.calls),
	)
	return call, true
}

// Get returns the entry for callID, or nil if not present.
func (r *CallRegistry) Get(callID string) *OngoingCall {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.calls[callID]
}

// ActiveCallCount returns the number of registered calls.
func (r *CallRegistry) ActiveCallCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Snapshot returns a copy of all registry entries safe for iteration
// without holding the lock.
func (r *CallRegistry) Snapshot() []OngoingCallInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]OngoingCallInfo, 0, len(r.calls))
	for _, c := range r.calls {
		infos = append(infos, OngoingCallInfo{
			CallID:       c.ID,
			CallerIDName: c.CallerIDName,
			CallerIDNum:  c.CallerIDNum,
			AnsweredAt:   c.AnsweredAt,
		})
	}
	return infos
}
