// Package media implements the RTP side of a call: streaming G.711
// prompt audio to the caller and listening for RFC 4733 telephone-event
// (DTMF) packets coming back. Each call gets its own UDP socket pair,
// allocated from a configured port range by the EndpointManager.
package media

import "encoding/binary"

// Static RTP payload types for the G.711 codecs we support (RFC 3551),
// plus the conventional dynamic payload type for telephone-event.
const (
	PayloadPCMU = 0 // G.711 u-law
	PayloadPCMA = 8 // G.711 a-law

	// PayloadTelephoneEvent is the dynamic payload type we advertise for
	// RFC 4733 telephone-event. The offer may use a different number; the
	// collector is told which one was negotiated.
	PayloadTelephoneEvent = 101
)

const (
	// maxRTPPacket is the maximum UDP packet size we handle.
	maxRTPPacket = 1500

	// minRTPHeader is the fixed RTP header size (no CSRCs, no extensions).
	minRTPHeader = 12

	// rtpVersion is the RTP protocol version (always 2).
	rtpVersion = 2
)

// rtpPayloadType extracts the payload type from an RTP packet.
// Returns -1 if the packet is too short to be RTP.
func rtpPayloadType(pkt []byte) int {
	if len(pkt) < minRTPHeader {
		return -1
	}
	return int(pkt[1] & 0x7F)
}

// rtpTimestamp extracts the timestamp from an RTP packet. The caller
// must have verified the packet is at least minRTPHeader bytes.
func rtpTimestamp(pkt []byte) uint32 {
	return binary.BigEndian.Uint32(pkt[4:8])
}

// buildRTPHeader writes a 12-byte RTP header into buf.
// marker should be true for the first packet of a talkspurt.
func buildRTPHeader(buf []byte, pt int, marker bool, seq uint16, ts uint32, ssrc uint32) {
	buf[0] = rtpVersion << 6
	buf[1] = byte(pt & 0x7F)
	if marker {
		buf[1] |= 0x80
	}
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], ts)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
}
