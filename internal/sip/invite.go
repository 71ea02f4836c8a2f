package sip

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/voxecho/voxecho/internal/config"
	"github.com/voxecho/voxecho/internal/database"
	"github.com/voxecho/voxecho/internal/database/models"
	"github.com/voxecho/voxecho/internal/ivr"
	"github.com/voxecho/voxecho/internal/media"
)

// cdrWriteTimeout bounds the database writes done per call. The CDR is
// bookkeeping; a slow disk must not stall signaling.
const cdrWriteTimeout = 5 * time.Second

// InviteHandler accepts incoming INVITEs and spins up one IVR session
// per call: negotiate media, answer, and hand the call to the
// orchestrator.
type InviteHandler struct {
	cfg       *config.Config
	client    *sipgo.Client
	endpoints *media.EndpointManager
	sounds    *ivr.Catalog
	registry  *ivr.CallRegistry
	cdrs      database.CDRRepository
	pending   *PendingCallManager
	sessions  *sessionTable
	limiter   *InviteLimiter
	logger    *slog.Logger
}

// NewInviteHandler creates the INVITE entry point.
func NewInviteHandler(
	cfg *config.Config,
	client *sipgo.Client,
	endpoints *media.EndpointManager,
	sounds *ivr.Catalog,
	registry *ivr.CallRegistry,
	cdrs database.CDRRepository,
	pending *PendingCallManager,
	sessions *sessionTable,
	limiter *InviteLimiter,
	logger *slog.Logger,
) *InviteHandler {
	return &InviteHandler{
		cfg:       cfg,
		client:    client,
		endpoints: endpoints,
		sounds:    sounds,
		registry:  registry,
		cdrs:      cdrs,
		pending:   pending,
		sessions:  sessions,
		limiter:   limiter,
		logger:    logger.With("subsystem", "invite"),
	}
}

// HandleInvite is the entry point for all INVITE requests.
func (h *InviteHandler) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	startTime := time.Now()

	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	if callID == "" {
		h.respondError(req, tx, 400, "Bad Request")
		return
	}

	from := req.From()
	callerName := from.DisplayName
	callerNum := from.Address.User

	h.logger.Info("invite received",
		"call_id", callID,
		"from", callerNum,
		"source", req.Source(),
	)

	if !h.limiter.Allow(sourceIP(req.Source())) {
		h.logger.Warn("invite rate limited",
			"call_id", callID,
			"source", req.Source(),
		)
		h.respondError(req, tx, 503, "Service Unavailable")
		return
	}

	// Send 100 Trying immediately to stop UAC retransmissions
	// (RFC 3261 §8.2.6.1).
	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		h.logger.Error("failed to send 100 trying",
			"call_id", callID,
			"error", err,
		)
		return
	}

	if h.registry.ActiveCallCount()+h.pending.Count() >= h.cfg.MaxCalls {
		h.logger.Warn("call capacity reached, rejecting invite",
			"call_id", callID,
			"max_calls", h.cfg.MaxCalls,
		)
		h.respondError(req, tx, 486, "Busy Here")
		return
	}

	offer, err := media.ParseOffer(req.Body())
	if err != nil {
		h.logger.Warn("unusable sdp offer",
			"call_id", callID,
			"error", err,
		)
		h.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	endpoint, err := h.endpoints.Allocate(callID)
	if err != nil {
		h.logger.Error("failed to allocate media endpoint",
			"call_id", callID,
			"error", err,
		)
		h.respondError(req, tx, 503, "Service Unavailable")
		return
	}

	answer := media.BuildAnswer(h.cfg.MediaIP(), endpoint.LocalRTPPort(), offer)
	call := newServerCall(callID, req, tx, h.client, answer, h.logger)
	h.pending.Add(&PendingCall{CallID: callID, Call: call})

	remote := &net.UDPAddr{
		IP:   net.ParseIP(offer.RemoteIP),
		Port: offer.AudioPort,
	}
	player := media.NewPlayer(endpoint.RTP, remote, h.logger)

	session := ivr.NewCallSession(call, player, h.sounds, h.registry, h.logger)
	session.SetCallerID(callerName, callerNum)
	session.SetAnswerFunc(func(time.Time) {
		h.onSessionAnswered(callID, callerName, callerNum, startTime)
	})
	session.SetEndFunc(h.endFunc(callID))

	mediaCtx, stopMedia := context.WithCancel(context.Background())
	as := &activeSession{
		call:      call,
		session:   session,
		endpoint:  endpoint,
		stopMedia: stopMedia,
		tones:     make(chan media.ToneEvent, 32),
	}
	h.sessions.Add(callID, as)

	// Single tone pump per call: keypresses from the RTP stream and
	// from SIP INFO both funnel through as.tones, preserving arrival
	// order. Exits when the session ends.
	go func() {
		for {
			select {
			case tone := <-as.tones:
				session.OnTone(tone.Code, tone.DurationMs)
			case <-session.Done():
				return
			}
		}
	}()

	// In-band DTMF per RFC 4733, only when the caller negotiated a
	// telephone-event payload type. SIP INFO keypresses are routed by
	// the server's INFO handler either way.
	if offer.DTMFPayloadType != 0 {
		collector := media.NewToneCollector(endpoint.RTP, offer.DTMFPayloadType, h.logger)
		go collector.Run(mediaCtx)
		go func() {
			for tone := range collector.Tones {
				if !as.offerTone(tone) {
					h.logger.Warn("tone pump full, dropping keypress",
						"call_id", callID,
						"tone", media.ToneName(tone.Code),
					)
				}
			}
		}()
	}

	go h.watchACK(call, session)

	go session.Run(mediaCtx)

	h.logger.Info("invite accepted",
		"call_id", callID,
		"codec", offer.Codec.Name,
		"remote_rtp", remote.String(),
		"local_rtp_port", endpoint.LocalRTPPort(),
		"dtmf_payload_type", offer.DTMFPayloadType,
	)
}

// watchACK hangs the call up if the dialog is never confirmed with an
// ACK within the ring timeout.
func (h *InviteHandler) watchACK(call *serverCall, session *ivr.CallSession) {
	timer := time.NewTimer(h.cfg.RingTimeout)
	defer timer.Stop()

	select {
	case <-call.Acked():
	case <-session.Done():
	case <-timer.C:
		session.OnRingTimeout()
	}
}

// endFunc builds the once-only teardown callback for a call: finalize
// its record, release its media endpoint and drop the routing entries.
func (h *InviteHandler) endFunc(callID string) ivr.EndFunc {
	return func(summary ivr.EndSummary) {
		h.pending.Remove(callID)
		if as := h.sessions.Remove(callID); as != nil {
			as.stopMedia()
			h.endpoints.Release(as.endpoint)
		}
		h.finalizeCDR(callID, summary)
	}
}

// onSessionAnswered releases the call's pending slot and opens its
// record. From answer onward the registry alone accounts for the call,
// so it never counts twice against capacity. A CANCEL from here on has
// lost the race; the caller tears down with BYE instead.
func (h *InviteHandler) onSessionAnswered(callID, callerName, callerNum string, startTime time.Time) {
	h.pending.Remove(callID)
	h.createCDR(callID, callerName, callerNum, startTime)
}

// createCDR opens the call record. Called on answer, never at INVITE
// time, so calls that end before answer leave no record behind.
func (h *InviteHandler) createCDR(callID, callerName, callerNum string, startTime time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), cdrWriteTimeout)
	defer cancel()

	cdr := &models.CDR{
		CallID:       callID,
		CallerIDName: callerName,
		CallerIDNum:  callerNum,
		StartTime:    startTime,
		Disposition:  models.DispositionInProgress,
	}
	if err := h.cdrs.Create(ctx, cdr); err != nil {
		h.logger.Error("failed to create call record",
			"call_id", callID,
			"error", err,
		)
	}
}

func (h *InviteHandler) finalizeCDR(callID string, summary ivr.EndSummary) {
	// No record was opened for calls that never reached answer.
	if summary.AnsweredAt.IsZero() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cdrWriteTimeout)
	defer cancel()

	answered := summary.AnsweredAt
	final := database.CDRFinal{
		EndTime:        summary.EndedAt,
		Disposition:    dispositionFor(summary.Reason),
		Digits:         summary.Digits,
		PlaybackRounds: summary.Rounds,
		AnswerTime:     &answered,
		Duration:       int(summary.EndedAt.Sub(answered).Seconds()),
	}

	if err := h.cdrs.Finalize(ctx, callID, final); err != nil {
		h.logger.Error("failed to finalize call record",
			"call_id", callID,
			"error", err,
		)
		return
	}

	h.logger.Info("call record finalized",
		"call_id", callID,
		"disposition", final.Disposition,
		"digits", summary.Digits,
		"rounds", summary.Rounds,
	)
}

// dispositionFor maps a session end reason to its CDR disposition.
func dispositionFor(reason string) string {
	switch reason {
	case "hangup":
		return models.DispositionHangup
	case "cancelled":
		return models.DispositionCancelled
	case "no_ack":
		return models.DispositionNoACK
	case "shutdown":
		return models.DispositionShutdown
	default:
		return models.DispositionFailed
	}
}

func (h *InviteHandler) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}

// sourceIP extracts the host part of a transport source address.
func sourceIP(source string) string {
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		return source
	}
	return host
}
