package ivr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// RFC 4733 telephone-event codes for the non-digit keys.
const (
	toneCodeStar  = 10
	toneCodePound = 11
)

// EndSummary describes how a call session finished. It is passed to the
// EndFunc exactly once per session.
type EndSummary struct {
	CallID     string
	Reason     string // "hangup", "cancelled", "no_ack", "failed", "shutdown"
	AnsweredAt time.Time
	EndedAt    time.Time
	Digits     string // digits played back, concatenated across rounds
	Rounds     int    // playback rounds that played at least one digit
}

// EndFunc is invoked once when a session reaches its terminal state.
// Used by the SIP layer to finalize the call record.
type EndFunc func(EndSummary)

// AnswerFunc is invoked once after the call has been answered. Used by
// the SIP layer to open the call record; calls that end before answer
// never produce one.
type AnswerFunc func(answeredAt time.Time)

// CallSession orchestrates one incoming call: answer, greeting, gated
// digit collection, digit playback, teardown. One instance exists per
// call; all state here (key collector, greeting gate, playback lock) is
// scoped to that call.
//
// Run drives the answer/greeting sequence on the caller's goroutine.
// OnTone, OnHangup and OnRingTimeout may be invoked concurrently from
// the signaling layer's event goroutines at any point after Run starts.
type CallSession struct {
	call     ServerCall
	player   AudioPlayer
	sounds   *Catalog
	registry *CallRegistry
	logger   *slog.Logger

	callerIDName string
	callerIDNum  string
	onAnswered   AnswerFunc
	onEnded      EndFunc

	keys *KeyCollector

	// greetingDone is the single-use gate: closed once the greeting has
	// finished (or was cut short by teardown). Tone handlers block on it
	// so keys pressed during the greeting are held, never dropped.
	greetingDone chan struct{}
	gateOnce     sync.Once

	// done is closed exactly once when the session ends, unblocking any
	// tone handler still waiting at the gate.
	done    chan struct{}
	endOnce sync.Once

	// regMu serializes registration against teardown: a hangup can land
	// while the answer is still in flight, and registering after end()
	// already swept the registry would leak the entry forever. It also
	// guards answeredAt, which teardown reads from another goroutine.
	regMu      sync.Mutex
	ended      bool
	answeredAt time.Time

	// playbackMu serializes full playback rounds so two terminator keys
	// in quick succession cannot interleave their audio.
	playbackMu sync.Mutex

	rounds atomic.Int64

	playedMu sync.Mutex
	played   []byte
}

// NewCallSession creates the orchestrator for one accepted call.
func NewCallSession(call ServerCall, player AudioPlayer, sounds *Catalog, registry *CallRegistry, logger *slog.Logger) *CallSession {
	return &CallSession{
		call:         call,
		player:       player,
		sounds:       sounds,
		registry:     registry,
		logger:       logger.With("subsystem", "call-session"),
		keys:         NewKeyCollector(),
		greetingDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// SetCallerID records the caller's display info for logging, the
// registry snapshot and the call record.
func (s *CallSession) SetCallerID(name, num string) {
	s.callerIDName = name
	s.callerIDNum = num
}

// SetAnswerFunc registers the callback invoked once after answer.
func (s *CallSession) SetAnswerFunc(fn AnswerFunc) {
	s.onAnswered = fn
}

// SetEndFunc registers the callback invoked once on session end.
func (s *CallSession) SetEndFunc(fn EndFunc) {
	s.onEnded = fn
}

// Done returns a channel closed when the session has ended.
func (s *CallSession) Done() <-chan struct{} {
	return s.done
}

// KeysBuffered returns the number of digits currently collected.
func (s *CallSession) KeysBuffered() int {
	return s.keys.Len()
}

// Run answers the call, registers it, plays the greeting and opens the
// digit gate. It returns when the greeting sequence is complete; tone
// and hangup events continue to arrive on other goroutines afterwards.
func (s *CallSession) Run(ctx context.Context) {
	// The remote party may have cancelled while the media session was
	// being prepared. That is a normal terminal path: no registry
	// entry, no audio, one log line.
	if s.call.IsCancelled() {
		s.logger.Info("call cancelled by remote party before answer",
			"caller", s.callerIDNum,
		)
		s.endOnce.Do(func() {
			close(s.done)
			s.notifyEnded("", "cancelled")
		})
		return
	}

	if err := s.call.Answer(ctx); err != nil {
		// A cancel can land between the check above and the answer; the
		// signaling layer reports it as an answer failure.
		if s.call.IsCancelled() {
			s.logger.Info("call cancelled by remote party during answer",
				"caller", s.callerIDNum,
			)
			s.end("cancelled")
			return
		}
		s.logger.Error("failed to answer call",
			"caller", s.callerIDNum,
			"error", err,
		)
		s.end("failed")
		return
	}

	callID := s.call.ID()

	s.regMu.Lock()
	if s.ended {
		// A hangup arrived while the answer was in flight; teardown has
		// already run, so registering now would leak the entry.
		s.regMu.Unlock()
		s.logger.Info("call hung up while answer was in flight",
			"call_id", callID,
		)
		return
	}
	s.answeredAt = time.Now()
	if s.onAnswered != nil {
		s.onAnswered(s.answeredAt)
	}
	registered := s.registry.TryAdd(callID, &OngoingCall{
		ID:           callID,
		Call:         s.call,
		Player:       s.player,
		CallerIDName: s.callerIDName,
		CallerIDNum:  s.callerIDNum,
		AnsweredAt:   s.answeredAt,
	})
	s.regMu.Unlock()

	if !registered {
		// Bookkeeping only: the call keeps working for its participant.
		s.logger.Warn("call id already registered, continuing without registry entry",
			"call_id", callID,
		)
	}

	s.logger.Info("call answered, playing greeting",
		"call_id", callID,
		"caller", s.callerIDNum,
		"active_calls", s.registry.ActiveCallCount(),
	)

	s.playbackMu.Lock()
	finished := s.playSound(ctx, s.sounds.Welcome)
	s.playbackMu.Unlock()

	// Open the gate even when the greeting was cut short so tone
	// handlers blocked on it never hang.
	s.gateOnce.Do(func() { close(s.greetingDone) })

	if finished {
		s.logger.Info("greeting finished, collecting digits",
			"call_id", callID,
		)
	}
}

// OnTone handles one DTMF tone event. It may be called from any
// goroutine and at any time, including while the greeting is still
// playing: it blocks at the greeting gate so early keypresses are
// honored once the greeting ends. Failures here are contained; they
// tear down this call but never escape to the signaling dispatch loop.
func (s *CallSession) OnTone(code uint8, durationMs int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in tone handler, tearing down call",
				"call_id", s.call.ID(),
				"panic", r,
			)
			s.end("failed")
		}
	}()

	select {
	case <-s.greetingDone:
	case <-s.done:
		return
	}
	select {
	case <-s.done:
		return
	default:
	}

	key, ok := mapToneKey(code)
	if !ok {
		s.logger.Info("unrecognized dtmf tone, ignoring",
			"call_id", s.call.ID(),
			"code", code,
			"duration_ms", durationMs,
		)
		return
	}

	s.logger.Debug("dtmf key received",
		"call_id", s.call.ID(),
		"key", string(key),
		"duration_ms", durationMs,
	)

	switch key {
	case '#':
		s.playCollectedDigits()
	case '*':
		s.playInstructions()
	default:
		s.keys.Append(key)
	}
}

// OnHangup handles the signaling layer's hangup notification. Safe to
// call repeatedly; only the first invocation tears the call down.
func (s *CallSession) OnHangup() {
	s.end("hangup")
}

// OnRingTimeout handles a missing ACK after answer: the dialog never
// confirmed, so the call is forcibly hung up.
func (s *CallSession) OnRingTimeout() {
	s.logger.Warn("ack timeout, dialog never confirmed, hanging up",
		"call_id", s.call.ID(),
	)
	s.end("no_ack")
}

// Close ends the session during server shutdown.
func (s *CallSession) Close() {
	s.end("shutdown")
}

// playCollectedDigits drains the key collector and plays each digit's
// sound in arrival order, or the not-found prompt when nothing was
// collected. The playback lock keeps rounds from interleaving.
func (s *CallSession) playCollectedDigits() {
	s.playbackMu.Lock()
	defer s.playbackMu.Unlock()

	digits := s.keys.DrainAndClear()
	callID := s.call.ID()

	if len(digits) == 0 {
		s.logger.Info("no digits collected, playing not-found prompt",
			"call_id", callID,
		)
		s.playSound(context.Background(), s.sounds.NumbersNotFound)
		return
	}

	// Only rounds that play digits count toward the record.
	s.rounds.Add(1)
	s.playedMu.Lock()
	s.played = append(s.played, digits...)
	s.playedMu.Unlock()

	s.logger.Info("playing back collected digits",
		"call_id", callID,
		"digits", string(digits),
	)

	for _, d := range digits {
		sound, ok := s.sounds.Digit(d)
		if !ok {
			// Only mapped digits are appended; guard regardless.
			s.logger.Warn("no sound for collected key, skipping",
				"call_id", callID,
				"key", string(d),
			)
			continue
		}
		if !s.playSound(context.Background(), sound) {
			return
		}
	}
}

// playInstructions replays the help prompt. Collected digits are left
// untouched.
func (s *CallSession) playInstructions() {
	s.playbackMu.Lock()
	defer s.playbackMu.Unlock()

	s.logger.Info("playing instructions prompt",
		"call_id", s.call.ID(),
	)
	s.playSound(context.Background(), s.sounds.Instructions)
}

// playSound plays one sound and reports whether playback ran to
// completion. A Stop-induced interruption is a normal teardown signal;
// any other player error is fatal to this call.
func (s *CallSession) playSound(ctx context.Context, sound Sound) bool {
	err := s.player.Play(ctx, sound)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrPlaybackStopped):
		return false
	default:
		s.logger.Error("prompt playback failed, hanging up",
			"call_id", s.call.ID(),
			"sound", sound.Name,
			"error", err,
		)
		s.end("failed")
		return false
	}
}

// end performs teardown exactly once: deregister, hang up the leg,
// stop in-flight audio, unblock waiters, notify the end callback.
func (s *CallSession) end(reason string) {
	s.endOnce.Do(func() {
		callID := s.call.ID()

		// Mark the session ended before sweeping the registry so a
		// concurrent Run cannot register after the sweep.
		s.regMu.Lock()
		s.ended = true
		s.regMu.Unlock()

		if _, ok := s.registry.TryRemove(callID); !ok {
			s.logger.Debug("call not in registry at teardown",
				"call_id", callID,
			)
		}

		s.call.Hangup()
		s.player.Stop()
		s.logger.Info("call ended, stopped audio playback",
			"call_id", callID,
			"reason", reason,
			"digits", len(s.playedDigits()),
			"rounds", s.rounds.Load(),
		)

		close(s.done)
		s.notifyEnded(callID, reason)
	})
}

func (s *CallSession) notifyEnded(callID, reason string) {
	if s.onEnded == nil {
		return
	}
	s.regMu.Lock()
	answeredAt := s.answeredAt
	s.regMu.Unlock()
	s.onEnded(EndSummary{
		CallID:     callID,
		Reason:     reason,
		AnsweredAt: answeredAt,
		EndedAt:    time.Now(),
		Digits:     s.playedDigits(),
		Rounds:     int(s.rounds.Load()),
	})
}

func (s *CallSession) playedDigits() string {
	s.playedMu.Lock()
	defer s.playedMu.Unlock()
	return string(s.played)
}

// mapToneKey maps an RFC 4733 event code to its key character. Codes
// outside 0-9/*/# (including A-D) are not part of this service's menu
// and report false.
func mapToneKey(code uint8) (byte, bool) {
	switch {
	case code <= 9:
		return '0' + code, true
	case code == toneCodeStar:
		return '*', true
	case code == toneCodePound:
		return '#', true
	default:
		return 0, false
	}
}
