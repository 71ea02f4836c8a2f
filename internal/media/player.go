package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"time"

	"github.com/voxecho/voxecho/internal/ivr"
)

const (
	// samplesPerPacket is the number of audio samples per RTP packet.
	// At 8 kHz with 20ms ptime each packet carries 160 samples, and for
	// G.711 each sample is one byte.
	samplesPerPacket = 160

	// packetDuration is the duration of one RTP packet.
	packetDuration = 20 * time.Millisecond

	// timestampIncrement is the RTP timestamp increment per packet:
	// 8000 Hz * 0.020s = 160.
	timestampIncrement = 160
)

// Player streams G.711 WAV prompts as RTP packets to a single remote
// endpoint. Packets are paced at 20ms against the wall clock so playback
// stays real-time regardless of processing overhead.
//
// Player implements ivr.AudioPlayer. Play blocks until the prompt has
// been sent in full or the player is stopped; Stop is terminal and makes
// every current and future Play return ivr.ErrPlaybackStopped.
type Player struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	logger *slog.Logger

	ssrc uint32
	seq  uint16
	ts   uint32

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPlayer creates an audio player that sends RTP packets from the
// given UDP connection to the specified remote address.
func NewPlayer(conn *net.UDPConn, remote *net.UDPAddr, logger *slog.Logger) *Player {
	return &Player{
		conn:    conn,
		remote:  remote,
		logger:  logger.With("subsystem", "audio-player"),
		ssrc:    rand.Uint32(),
		seq:     uint16(rand.UintN(65536)),
		ts:      rand.Uint32(),
		stopped: make(chan struct{}),
	}
}

// Stop aborts any in-progress playback and puts the player in a terminal
// state where Play always fails fast. Safe to call from any goroutine
// and idempotent.
func (p *Player) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
}

// Play reads the sound's WAV file and streams it as RTP to the remote
// endpoint. It returns nil when the whole prompt has been sent,
// ivr.ErrPlaybackStopped if the player was stopped or the context was
// cancelled mid-stream, or another error if the file cannot be read.
func (p *Player) Play(ctx context.Context, sound ivr.Sound) error {
	select {
	case <-p.stopped:
		return ivr.ErrPlaybackStopped
	case <-ctx.Done():
		return ivr.ErrPlaybackStopped
	default:
	}

	f, err := os.Open(sound.Path)
	if err != nil {
		return fmt.Errorf("opening prompt %q: %w", sound.Name, err)
	}
	defer f.Close()

	info, err := readWAV(f)
	if err != nil {
		return fmt.Errorf("parsing prompt %q: %w", sound.Name, err)
	}

	p.logger.Debug("playing prompt",
		"sound", sound.Name,
		"payload_type", info.PayloadType,
		"data_bytes", info.DataSize,
	)

	return p.stream(ctx, f, sound.Name, info.PayloadType, info.DataSize)
}

// stream sends dataSize bytes of G.711 audio from r as 20ms RTP packets.
func (p *Player) stream(ctx context.Context, r io.Reader, name string, pt int, dataSize uint32) error {
	pkt := make([]byte, minRTPHeader+samplesPerPacket)
	sent := 0
	remaining := dataSize
	start := time.Now()
	marker := true // first packet of the talkspurt

	silence := byte(0xFF) // u-law silence
	if pt == PayloadPCMA {
		silence = 0xD5 // a-law silence
	}

	for remaining > 0 {
		select {
		case <-p.stopped:
			p.logger.Debug("playback stopped", "sound", name, "packets_sent", sent)
			return ivr.ErrPlaybackStopped
		case <-ctx.Done():
			p.logger.Debug("playback cancelled", "sound", name, "packets_sent", sent)
			return ivr.ErrPlaybackStopped
		default:
		}

		toRead := uint32(samplesPerPacket)
		if remaining < toRead {
			toRead = remaining
		}

		n, err := io.ReadFull(r, pkt[minRTPHeader:minRTPHeader+toRead])
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("reading audio data: %w", err)
		}
		if n == 0 {
			break
		}

		// Pad short final packets with codec silence.
		for i := minRTPHeader + n; i < len(pkt); i++ {
			pkt[i] = silence
		}

		buildRTPHeader(pkt[:minRTPHeader], pt, marker, p.seq, p.ts, p.ssrc)
		marker = false

		if _, err := p.conn.WriteToUDP(pkt, p.remote); err != nil {
			return fmt.Errorf("sending rtp packet: %w", err)
		}

		sent++
		p.seq++
		p.ts += timestampIncrement
		remaining -= uint32(n)

		// Wall-clock pacing avoids drift from processing overhead.
		elapsed := time.Since(start)
		expected := time.Duration(sent) * packetDuration
		if sleep := expected - elapsed; sleep > 0 {
			select {
			case <-p.stopped:
				p.logger.Debug("playback stopped", "sound", name, "packets_sent", sent)
				return ivr.ErrPlaybackStopped
			case <-ctx.Done():
				p.logger.Debug("playback cancelled", "sound", name, "packets_sent", sent)
				return ivr.ErrPlaybackStopped
			case <-time.After(sleep):
			}
		}
	}

	p.logger.Debug("playback complete",
		"sound", name,
		"packets_sent", sent,
		"duration", time.Since(start),
	)
	return nil
}
