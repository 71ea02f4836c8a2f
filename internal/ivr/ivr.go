// Package ivr implements the interactive voice response core: the
// per-call orchestration state machine, the concurrent registry of
// in-progress calls, and the DTMF key collector.
//
// The SIP signaling stack and the RTP audio transport are consumed
// through the narrow ServerCall and AudioPlayer interfaces so the core
// can be driven by the real adapters in internal/sip and internal/media
// or by test doubles.
package ivr

import (
	"context"
	"errors"
)

// ServerCall is the signaling-layer handle for one answered or
// answerable call leg. Implementations must be safe for concurrent use:
// hangup notifications race with tone delivery and orchestration.
type ServerCall interface {
	// ID returns the dialog's call identifier. Valid once the call has
	// been accepted by the signaling layer.
	ID() string

	// Answer asks the signaling layer to answer the call using the
	// media session prepared at accept time.
	Answer(ctx context.Context) error

	// Hangup terminates the call leg. Must be idempotent.
	Hangup()

	// IsCancelled reports whether the remote party cancelled the call
	// before it was answered.
	IsCancelled() bool

	// IsActive reports whether the call leg is still established.
	IsActive() bool
}

// AudioPlayer plays sounds to the caller. Play blocks until the sound
// fully finishes or Stop is invoked; Stop unblocks any in-flight Play
// and makes subsequent Plays return ErrPlaybackStopped immediately.
type AudioPlayer interface {
	Play(ctx context.Context, sound Sound) error
	Stop()
}

// ErrPlaybackStopped is returned by AudioPlayer.Play when playback was
// cut short by Stop. It marks a normal teardown path, not a failure.
var ErrPlaybackStopped = errors.New("playback stopped")
