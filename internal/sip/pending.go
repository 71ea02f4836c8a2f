package sip

import (
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// PendingCall is a call that has been accepted for processing but whose
// INVITE transaction has not reached a final response yet. The CANCEL
// handler uses this to find and abort calls the caller gave up on.
type PendingCall struct {
	// CallID is the SIP Call-ID for this pending call.
	CallID string

	// Call is the server-side call adapter the IVR session drives.
	Call *serverCall
}

// PendingCallManager tracks calls between INVITE receipt and the final
// response on the INVITE transaction.
type PendingCallManager struct {
	mu      sync.RWMutex
	pending map[string]*PendingCall // keyed by Call-ID
	logger  *slog.Logger
}

// NewPendingCallManager creates a new pending call tracker.
func NewPendingCallManager(logger *slog.Logger) *PendingCallManager {
	return &PendingCallManager{
		pending: make(map[string]*PendingCall),
		logger:  logger.With("subsystem", "pending-calls"),
	}
}

// Add registers a pending call.
func (pm *PendingCallManager) Add(pc *PendingCall) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.pending[pc.CallID] = pc
	pm.logger.Debug("pending call added", "call_id", pc.CallID)
}

// Remove removes a pending call. Called once the INVITE transaction has
// a final response. Returns the pending call, or nil if not found.
func (pm *PendingCallManager) Remove(callID string) *PendingCall {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pc, ok := pm.pending[callID]
	if !ok {
		return nil
	}
	delete(pm.pending, callID)
	pm.logger.Debug("pending call removed", "call_id", callID)
	return pc
}

// Get retrieves a pending call by Call-ID without removing it.
func (pm *PendingCallManager) Get(callID string) *PendingCall {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.pending[callID]
}

// Count returns the number of currently pending calls.
func (pm *PendingCallManager) Count() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.pending)
}

// Cancel aborts a pending call: marks the call cancelled so the IVR
// session skips answering, and sends 487 Request Terminated on the
// caller's INVITE transaction. Returns true if the call was found and
// had not been answered yet.
func (pm *PendingCallManager) Cancel(callID string, logger *slog.Logger) bool {
	pc := pm.Remove(callID)
	if pc == nil {
		return false
	}

	if !pc.Call.markCancelled() {
		// Already answered; the 200 OK won the race. The caller acks
		// and hangs up with BYE per RFC 3261 §15.
		return false
	}

	terminated := sip.NewResponseFromRequest(pc.Call.req, 487, "Request Terminated", nil)
	if err := pc.Call.tx.Respond(terminated); err != nil {
		logger.Error("failed to send 487 to caller on cancel",
			"call_id", callID,
			"error", err,
		)
	} else {
		logger.Info("sent 487 request terminated to caller", "call_id", callID)
	}

	return true
}
