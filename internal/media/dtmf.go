package media

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// ToneEvent is a completed DTMF key press detected on the RTP stream.
// Code follows RFC 4733: 0-9 digits, 10 = '*', 11 = '#', 12-15 = A-D.
type ToneEvent struct {
	Code       uint8
	DurationMs int
}

// dtmfPayload holds the fields of an RFC 4733 telephone-event payload.
// The payload format (RFC 4733 §2.3) is:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type dtmfPayload struct {
	Event    uint8
	End      bool
	Volume   uint8
	Duration uint16 // in timestamp units (1/8000 s at 8 kHz)
}

// dtmfPayloadSize is the size of an RFC 4733 telephone-event payload.
const dtmfPayloadSize = 4

// parseDTMFPayload parses a telephone-event payload from raw bytes.
// Returns nil if the payload is too short.
func parseDTMFPayload(payload []byte) *dtmfPayload {
	if len(payload) < dtmfPayloadSize {
		return nil
	}
	return &dtmfPayload{
		Event:    payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: uint16(payload[2])<<8 | uint16(payload[3]),
	}
}

// ToneName returns the human-readable name of a DTMF event code.
func ToneName(code uint8) string {
	switch {
	case code <= 9:
		return string(rune('0' + code))
	case code == 10:
		return "*"
	case code == 11:
		return "#"
	case code >= 12 && code <= 15:
		return string(rune('A' + code - 12))
	default:
		return "?"
	}
}

// ToneCollector listens on a UDP connection for RFC 4733 telephone-event
// RTP packets and delivers detected key presses to a channel. It runs
// concurrently with prompt playback so that keys pressed during a prompt
// are captured in real time.
//
// Senders transmit multiple redundant packets per key press with
// increasing duration and the End (E) bit set on the final ones, which
// are themselves retransmitted. The collector emits one event per unique
// (event code, RTP timestamp) pair whose End bit is set.
type ToneCollector struct {
	conn        *net.UDPConn
	payloadType int
	logger      *slog.Logger

	// Tones receives each completed key press. The channel is buffered
	// to avoid blocking the read loop if the consumer is briefly slow,
	// and closed when the collector stops.
	Tones chan ToneEvent
}

// collectorReadTimeout is the read deadline for the collector's UDP
// socket. Short enough to allow prompt cancellation checks.
const collectorReadTimeout = 50 * time.Millisecond

// NewToneCollector creates a collector that reads telephone-event RTP
// packets from conn. payloadType is the telephone-event payload type
// negotiated with the caller (commonly 101).
func NewToneCollector(conn *net.UDPConn, payloadType int, logger *slog.Logger) *ToneCollector {
	return &ToneCollector{
		conn:        conn,
		payloadType: payloadType,
		logger:      logger.With("subsystem", "tone-collector"),
		Tones:       make(chan ToneEvent, 32),
	}
}

// Run reads packets and emits completed key presses to the Tones channel
// until the context is cancelled or the connection is closed, then
// closes Tones. Intended to be called as a goroutine:
//
//	go collector.Run(ctx)
func (c *ToneCollector) Run(ctx context.Context) {
	defer close(c.Tones)

	buf := make([]byte, maxRTPPacket)
	var lastEvent uint8
	var lastTS uint32
	hadEvent := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(collectorReadTimeout))
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Debug("tone collector read error", "error", err)
			continue
		}

		pkt := buf[:n]
		if rtpPayloadType(pkt) != c.payloadType {
			continue
		}
		if n < minRTPHeader+dtmfPayloadSize {
			continue
		}

		event := parseDTMFPayload(pkt[minRTPHeader:])
		if event == nil || !event.End {
			continue
		}

		// The End packet is retransmitted with the same event code and
		// RTP timestamp. Only emit once per unique pair.
		ts := rtpTimestamp(pkt)
		if hadEvent && event.Event == lastEvent && ts == lastTS {
			continue
		}
		lastEvent = event.Event
		lastTS = ts
		hadEvent = true

		// Duration is in timestamp units: 8 per millisecond at 8 kHz.
		tone := ToneEvent{Code: event.Event, DurationMs: int(event.Duration) / 8}
		c.logger.Debug("dtmf tone detected",
			"tone", ToneName(tone.Code),
			"duration_ms", tone.DurationMs,
		)

		select {
		case c.Tones <- tone:
		case <-ctx.Done():
			return
		}
	}
}

// SIP INFO DTMF fallback
//
// Some endpoints send DTMF via SIP INFO instead of in-band
// telephone-event. Two body formats are common:
//
//  1. Content-Type: application/dtmf-relay
//     Signal=5\r\nDuration=160\r\n
//
//  2. Content-Type: application/dtmf
//     5

// ErrInvalidDTMFInfo is returned when a SIP INFO body cannot be parsed
// as DTMF.
var ErrInvalidDTMFInfo = errors.New("invalid dtmf info body")

// signalToneCodes maps DTMF signal characters to RFC 4733 event codes.
var signalToneCodes = map[string]uint8{
	"0": 0, "1": 1, "2": 2, "3": 3, "4": 4,
	"5": 5, "6": 6, "7": 7, "8": 8, "9": 9,
	"*": 10, "#": 11,
	"A": 12, "B": 13, "C": 14, "D": 15,
}

// parseDTMFInfoRelay parses an application/dtmf-relay body:
//
//	Signal=<digit>\r\nDuration=<ms>\r\n
//
// Signal is required. Duration defaults to 0 if missing or unparseable.
func parseDTMFInfoRelay(body []byte) (*ToneEvent, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, ErrInvalidDTMFInfo
	}

	tone := &ToneEvent{}
	foundSignal := false

	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "signal":
			code, ok := signalToneCodes[strings.ToUpper(value)]
			if !ok {
				return nil, ErrInvalidDTMFInfo
			}
			tone.Code = code
			foundSignal = true
		case "duration":
			d, err := strconv.Atoi(value)
			if err == nil && d >= 0 {
				tone.DurationMs = d
			}
		}
	}

	if !foundSignal {
		return nil, ErrInvalidDTMFInfo
	}
	return tone, nil
}

// parseDTMFInfoBody parses an application/dtmf body, which is a single
// DTMF digit character.
func parseDTMFInfoBody(body []byte) (*ToneEvent, error) {
	sig := strings.ToUpper(strings.TrimSpace(string(body)))
	code, ok := signalToneCodes[sig]
	if !ok {
		return nil, ErrInvalidDTMFInfo
	}
	return &ToneEvent{Code: code}, nil
}

// ParseSIPInfoDTMF parses DTMF from a SIP INFO request body based on its
// Content-Type. Supported content types:
//   - application/dtmf-relay
//   - application/dtmf
//
// Returns ErrInvalidDTMFInfo if the content type is unsupported or the
// body cannot be parsed.
func ParseSIPInfoDTMF(contentType string, body []byte) (*ToneEvent, error) {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}

	switch ct {
	case "application/dtmf-relay":
		return parseDTMFInfoRelay(body)
	case "application/dtmf":
		return parseDTMFInfoBody(body)
	default:
		return nil, ErrInvalidDTMFInfo
	}
}
