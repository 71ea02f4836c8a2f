package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/voxecho/voxecho/internal/config"
	"github.com/voxecho/voxecho/internal/database"
	"github.com/voxecho/voxecho/internal/ivr"
	"github.com/voxecho/voxecho/internal/media"
)

// Server wraps the sipgo SIP stack with the IVR call handlers.
type Server struct {
	cfg           *config.Config
	ua            *sipgo.UserAgent
	srv           *sipgo.Server
	client        *sipgo.Client
	inviteHandler *InviteHandler
	pending       *PendingCallManager
	sessions      *sessionTable
	limiter       *InviteLimiter
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	logger        *slog.Logger
}

// NewServer creates a SIP server with all handlers registered.
func NewServer(
	cfg *config.Config,
	endpoints *media.EndpointManager,
	sounds *ivr.Catalog,
	registry *ivr.CallRegistry,
	cdrs database.CDRRepository,
) (*Server, error) {
	logger := slog.Default().With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("VoxEcho"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	pending := NewPendingCallManager(logger)
	sessions := newSessionTable()
	limiter := NewInviteLimiter(logger)

	inviteHandler := NewInviteHandler(
		cfg, client, endpoints, sounds, registry, cdrs,
		pending, sessions, limiter, logger,
	)

	s := &Server{
		cfg:           cfg,
		ua:            ua,
		srv:           srv,
		client:        client,
		inviteHandler: inviteHandler,
		pending:       pending,
		sessions:      sessions,
		limiter:       limiter,
		logger:        logger,
	}

	s.registerHandlers()
	return s, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.inviteHandler.HandleInvite)
	s.srv.OnAck(s.handleACK)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnBye(s.handleBye)
	s.srv.OnInfo(s.handleInfo)
	s.srv.OnOptions(s.handleOptions)
	s.srv.OnRegister(s.handleRegister)
	s.srv.OnSubscribe(s.handleSubscribe)
	s.srv.OnNotify(s.handleNotify)
}

// Start begins listening on the configured transports. It returns once
// the listeners are launched; they stop when the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	udpAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)
	tcpAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", udpAddr)
		if err := s.srv.ListenAndServe(ctx, "udp", udpAddr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip tcp listener starting", "addr", tcpAddr)
		if err := s.srv.ListenAndServe(ctx, "tcp", tcpAddr); err != nil {
			s.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	return nil
}

// Stop shuts the listeners down and ends every live call.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")

	for _, as := range s.sessions.All() {
		as.session.Close()
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.limiter.Stop()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// handleACK confirms the dialog for an answered call (RFC 3261
// §13.2.2.4). ACK is not transactional; there is nothing to respond.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)

	as := s.sessions.Get(callID)
	if as == nil {
		s.logger.Debug("ack for unknown call",
			"call_id", callID,
			"source", req.Source(),
		)
		return
	}

	as.call.markAcked()
	s.logger.Debug("sip ack received",
		"call_id", callID,
		"source", req.Source(),
	)
}

// handleCancel aborts a ringing call. The 487 on the INVITE transaction
// is sent by the pending call manager; the CANCEL transaction itself
// gets a 200.
func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)

	cancelled := s.pending.Cancel(callID, s.logger)
	if !cancelled {
		// Already answered or never seen. If a session is live the
		// caller will follow up with a BYE (RFC 3261 §15).
		s.logger.Debug("cancel for non-pending call",
			"call_id", callID,
			"source", req.Source(),
		)
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to cancel",
			"call_id", callID,
			"error", err,
		)
	}
}

// handleBye ends an established call at the remote party's request.
func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)

	as := s.sessions.Get(callID)
	if as == nil {
		s.logger.Debug("bye for unknown call",
			"call_id", callID,
			"source", req.Source(),
		)
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			s.logger.Error("failed to respond to bye", "error", err)
		}
		return
	}

	s.logger.Info("bye received, remote party hung up",
		"call_id", callID,
		"source", req.Source(),
	)

	// The remote BYE ends the dialog; mark the leg so teardown does not
	// send a BYE back.
	as.call.markEnded()

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to bye",
			"call_id", callID,
			"error", err,
		)
	}

	as.session.OnHangup()
}

// handleInfo processes SIP INFO requests, accepting DTMF keypresses
// sent out of band as a fallback for endpoints without RFC 4733
// telephone-event support.
func (s *Server) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)

	respond := func() {
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if err := tx.Respond(res); err != nil {
			s.logger.Error("failed to respond to info", "error", err)
		}
	}

	ct := req.ContentType()
	if ct == nil {
		s.logger.Debug("sip info without content-type, ignoring",
			"call_id", callID,
			"source", req.Source(),
		)
		respond()
		return
	}

	tone, err := media.ParseSIPInfoDTMF(ct.Value(), req.Body())
	if err != nil {
		// Not a DTMF INFO; acknowledge and move on.
		s.logger.Debug("sip info with unsupported content type",
			"content_type", ct.Value(),
			"call_id", callID,
			"source", req.Source(),
		)
		respond()
		return
	}

	respond()

	as := s.sessions.Get(callID)
	if as == nil {
		s.logger.Debug("info dtmf for unknown call",
			"call_id", callID,
			"source", req.Source(),
		)
		return
	}

	s.logger.Info("sip info dtmf received",
		"call_id", callID,
		"tone", media.ToneName(tone.Code),
		"duration_ms", tone.DurationMs,
	)

	if !as.offerTone(*tone) {
		s.logger.Warn("tone pump full, dropping info keypress",
			"call_id", callID,
			"tone", media.ToneName(tone.Code),
		)
	}
}

// handleOptions responds to SIP OPTIONS keepalive pings.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// handleRegister rejects registration attempts; this service answers
// calls, it does not register endpoints.
func (s *Server) handleRegister(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip register rejected",
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 405, "Method Not Allowed", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to register", "error", err)
	}
}

// handleSubscribe rejects event subscriptions; no event packages are
// supported.
func (s *Server) handleSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip subscribe rejected",
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 405, "Method Not Allowed", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to subscribe", "error", err)
	}
}

// handleNotify rejects NOTIFY requests; we never subscribe to anything,
// so any NOTIFY is outside an established dialog.
func (s *Server) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip notify rejected",
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to notify", "error", err)
	}
}

func requestCallID(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
