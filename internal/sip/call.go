package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// serverCall states.
const (
	callPending = iota
	callCancelled
	callAnswered
	callEnded
)

// ErrCallCancelled is returned by Answer when the caller cancelled the
// INVITE before we sent the 200 OK.
var ErrCallCancelled = errors.New("call cancelled before answer")

// byeTimeout bounds how long Hangup waits for the BYE's final response.
const byeTimeout = 5 * time.Second

// serverCall adapts one INVITE transaction to the call interface the
// IVR session drives. It answers with our SDP, tracks the ACK, and
// tears the dialog down with a BYE.
type serverCall struct {
	id     string
	req    *sip.Request
	tx     sip.ServerTransaction
	client *sipgo.Client
	logger *slog.Logger

	sdpAnswer []byte
	localTag  string

	mu    sync.Mutex
	state int

	ackOnce sync.Once
	acked   chan struct{}
}

func newServerCall(callID string, req *sip.Request, tx sip.ServerTransaction, client *sipgo.Client, sdpAnswer []byte, logger *slog.Logger) *serverCall {
	return &serverCall{
		id:        callID,
		req:       req,
		tx:        tx,
		client:    client,
		sdpAnswer: sdpAnswer,
		localTag:  sip.GenerateTagN(10),
		logger:    logger,
		acked:     make(chan struct{}),
	}
}

// ID returns the SIP Call-ID.
func (c *serverCall) ID() string {
	return c.id
}

// Answer sends the 200 OK with our SDP answer on the INVITE transaction.
func (c *serverCall) Answer(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case callCancelled:
		c.mu.Unlock()
		return ErrCallCancelled
	case callAnswered, callEnded:
		c.mu.Unlock()
		return fmt.Errorf("call %s already answered", c.id)
	}
	c.state = callAnswered
	c.mu.Unlock()

	ok := sip.NewResponseFromRequest(c.req, 200, "OK", c.sdpAnswer)
	ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if to := ok.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", c.localTag)
	}

	if err := c.tx.Respond(ok); err != nil {
		return fmt.Errorf("sending 200 ok: %w", err)
	}
	return nil
}

// Hangup ends the call. For an answered call this sends a BYE inside
// the dialog; for a call that failed before answer it sends a final
// error response on the INVITE transaction. Idempotent.
func (c *serverCall) Hangup() {
	c.mu.Lock()
	prev := c.state
	c.state = callEnded
	c.mu.Unlock()

	switch prev {
	case callAnswered:
		c.sendBye()
	case callPending:
		res := sip.NewResponseFromRequest(c.req, 500, "Internal Server Error", nil)
		if err := c.tx.Respond(res); err != nil {
			c.logger.Error("failed to send final response on hangup",
				"call_id", c.id,
				"error", err,
			)
		}
	}
	// cancelled and ended need nothing further.
}

// IsCancelled reports whether the caller cancelled before answer.
func (c *serverCall) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == callCancelled
}

// IsActive reports whether the call has been answered and not ended.
func (c *serverCall) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == callAnswered
}

// markCancelled transitions pending → cancelled. Returns false if the
// call was already answered or ended.
func (c *serverCall) markCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != callPending {
		return false
	}
	c.state = callCancelled
	return true
}

// markEnded transitions to ended without sending anything. Used when
// the remote party's BYE already terminated the dialog.
func (c *serverCall) markEnded() {
	c.mu.Lock()
	c.state = callEnded
	c.mu.Unlock()
}

// markAcked records the caller's ACK. Safe to call multiple times; ACKs
// for 2xx responses are retransmitted until the retransmitted 200s stop.
func (c *serverCall) markAcked() {
	c.ackOnce.Do(func() { close(c.acked) })
}

// Acked is closed once the caller's ACK arrives.
func (c *serverCall) Acked() <-chan struct{} {
	return c.acked
}

// sendBye sends a BYE inside the established dialog. Per RFC 3261 §15.1
// the UAS builds it from the dialog state: the remote target from the
// caller's Contact, To carrying the caller's tag, From carrying ours.
func (c *serverCall) sendBye() {
	remote := c.req.From().Address
	if contact := c.req.Contact(); contact != nil {
		remote = contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *remote.Clone())
	bye.SipVersion = c.req.SipVersion

	from := &sip.FromHeader{
		Address: *c.req.To().Address.Clone(),
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", c.localTag)
	bye.AppendHeader(from)

	to := &sip.ToHeader{
		Address: *c.req.From().Address.Clone(),
		Params:  sip.NewParams(),
	}
	if tag, ok := c.req.From().Params.Get("tag"); ok {
		to.Params.Add("tag", tag)
	}
	bye.AppendHeader(to)

	if h := c.req.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	seq := uint32(1)
	if cseq := c.req.CSeq(); cseq != nil {
		seq = cseq.SeqNo + 1
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.BYE})

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(c.req.Transport())
	bye.SetDestination(c.req.Source())

	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()

	byeTx, err := c.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		c.logger.Error("failed to send bye", "call_id", c.id, "error", err)
		return
	}
	defer byeTx.Terminate()

	select {
	case res := <-byeTx.Responses():
		c.logger.Debug("bye answered",
			"call_id", c.id,
			"status", res.StatusCode,
		)
	case <-ctx.Done():
		c.logger.Debug("bye response not received before timeout", "call_id", c.id)
	}
}
