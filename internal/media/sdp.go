package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Codec is an audio codec we can negotiate.
type Codec struct {
	PayloadType int
	Name        string
}

// The G.711 variants we support, in preference order.
var (
	CodecPCMU = Codec{PayloadType: PayloadPCMU, Name: "PCMU"}
	CodecPCMA = Codec{PayloadType: PayloadPCMA, Name: "PCMA"}
)

var (
	// ErrNoAudioMedia is returned when an SDP offer has no audio m-line.
	ErrNoAudioMedia = errors.New("sdp offer has no audio media")

	// ErrNoCommonCodec is returned when an SDP offer contains neither
	// PCMU nor PCMA.
	ErrNoCommonCodec = errors.New("sdp offer has no supported codec (need PCMU or PCMA)")
)

// Offer is the subset of a caller's SDP we act on: where to send RTP,
// which G.711 codec to use, and which payload type carries
// telephone-event if the caller supports it.
type Offer struct {
	RemoteIP  string
	AudioPort int
	Codec     Codec

	// DTMFPayloadType is the telephone-event payload type from the
	// offer, or 0 if the caller did not offer one.
	DTMFPayloadType int
}

// ParseOffer extracts the audio parameters from an SDP offer. Only the
// first audio m-line is considered. The chosen codec is the first G.711
// variant in the offer's format list, honoring the caller's preference
// order.
func ParseOffer(body []byte) (*Offer, error) {
	offer := &Offer{}
	sessionIP := ""
	inAudio := false
	var formats []string

	for _, raw := range strings.Split(string(body), "\n") {
		line := strings.TrimRight(raw, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'c':
			// c=IN IP4 <address>
			fields := strings.Fields(value)
			if len(fields) == 3 && fields[0] == "IN" && strings.HasPrefix(fields[1], "IP4") {
				if inAudio {
					offer.RemoteIP = fields[2]
				} else {
					sessionIP = fields[2]
				}
			}

		case 'm':
			if inAudio {
				// Second media section: stop, we only use the first audio.
				inAudio = false
				continue
			}
			// m=audio <port> RTP/AVP <fmt> ...
			fields := strings.Fields(value)
			if len(fields) < 4 || fields[0] != "audio" {
				continue
			}
			port, err := strconv.Atoi(fields[1])
			if err != nil || port <= 0 {
				continue
			}
			inAudio = true
			offer.AudioPort = port
			formats = fields[3:]

		case 'a':
			if !inAudio {
				continue
			}
			// a=rtpmap:<pt> <name>/<rate>
			rest, ok := strings.CutPrefix(value, "rtpmap:")
			if !ok {
				continue
			}
			ptStr, enc, ok := strings.Cut(rest, " ")
			if !ok {
				continue
			}
			pt, err := strconv.Atoi(strings.TrimSpace(ptStr))
			if err != nil {
				continue
			}
			name, _, _ := strings.Cut(strings.TrimSpace(enc), "/")
			if strings.EqualFold(name, "telephone-event") {
				offer.DTMFPayloadType = pt
			}
		}
	}

	if offer.AudioPort == 0 {
		return nil, ErrNoAudioMedia
	}
	if offer.RemoteIP == "" {
		offer.RemoteIP = sessionIP
	}
	if offer.RemoteIP == "" {
		return nil, errors.New("sdp offer has no connection address")
	}

	// Pick the first G.711 format the caller listed. 0 and 8 are static
	// payload types, so no rtpmap is required for them.
	for _, f := range formats {
		switch f {
		case "0":
			offer.Codec = CodecPCMU
			return offer, nil
		case "8":
			offer.Codec = CodecPCMA
			return offer, nil
		}
	}
	return nil, ErrNoCommonCodec
}

// BuildAnswer constructs the SDP answer for an accepted offer: our
// address and RTP port, the negotiated G.711 codec, and telephone-event
// for DTMF. If the offer carried no telephone-event we still advertise
// payload type 101 so compliant callers can use it.
func BuildAnswer(localIP string, rtpPort int, offer *Offer) []byte {
	dtmfPT := offer.DTMFPayloadType
	if dtmfPT == 0 {
		dtmfPT = PayloadTelephoneEvent
	}

	sessID := time.Now().Unix()

	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=voxecho %d %d IN IP4 %s\r\n", sessID, sessID, localIP)
	fmt.Fprintf(&b, "s=voxecho\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", localIP)
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP %d %d\r\n", rtpPort, offer.Codec.PayloadType, dtmfPT)
	fmt.Fprintf(&b, "a=rtpmap:%d %s/8000\r\n", offer.Codec.PayloadType, offer.Codec.Name)
	fmt.Fprintf(&b, "a=rtpmap:%d telephone-event/8000\r\n", dtmfPT)
	fmt.Fprintf(&b, "a=fmtp:%d 0-16\r\n", dtmfPT)
	fmt.Fprintf(&b, "a=ptime:20\r\n")
	fmt.Fprintf(&b, "a=sendrecv\r\n")
	return []byte(b.String())
}
