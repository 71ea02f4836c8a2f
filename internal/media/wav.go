package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// WAV format codes for G.711 codecs.
const (
	wavFormatPCMA = 6 // G.711 a-law
	wavFormatPCMU = 7 // G.711 u-law
)

// wavFormat holds the fields of the WAV "fmt " chunk we care about.
type wavFormat struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// wavInfo describes a parsed and validated prompt file: its RTP payload
// type and the size of the audio data that follows the header.
type wavInfo struct {
	PayloadType int
	DataSize    uint32
}

// readWAV walks the RIFF chunks of a WAV stream, validates that the
// audio is G.711 (a-law or u-law, 8 kHz, mono, 8-bit), and leaves the
// reader positioned at the first byte of the "data" chunk.
func readWAV(r io.ReadSeeker) (*wavInfo, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, errors.New("not a wav file")
	}

	var format wavFormat
	foundFmt := false

	for {
		var chunkID [4]byte
		var chunkSize uint32

		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, errors.New("wav file missing data chunk")
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			if err := binary.Read(r, binary.LittleEndian, &format); err != nil {
				return nil, fmt.Errorf("reading fmt chunk: %w", err)
			}
			if chunkSize > 16 {
				if _, err := r.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			foundFmt = true

		case "data":
			if !foundFmt {
				return nil, errors.New("wav file missing fmt chunk")
			}
			info, err := validateFormat(&format)
			if err != nil {
				return nil, err
			}
			info.DataSize = chunkSize
			return info, nil

		default:
			// Skip unknown chunks, padded to an even boundary per RIFF.
			skip := int64(chunkSize)
			if chunkSize%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(chunkID[:]), err)
			}
		}
	}
}

func validateFormat(f *wavFormat) (*wavInfo, error) {
	var pt int
	switch f.AudioFormat {
	case wavFormatPCMU:
		pt = PayloadPCMU
	case wavFormatPCMA:
		pt = PayloadPCMA
	default:
		return nil, fmt.Errorf("unsupported wav format %d: only G.711 a-law (6) and u-law (7) are supported", f.AudioFormat)
	}
	if f.NumChannels != 1 {
		return nil, fmt.Errorf("wav file must be mono, got %d channels", f.NumChannels)
	}
	if f.SampleRate != 8000 {
		return nil, fmt.Errorf("wav file must be 8000 Hz, got %d Hz", f.SampleRate)
	}
	if f.BitsPerSample != 8 {
		return nil, fmt.Errorf("wav file must be 8-bit, got %d-bit", f.BitsPerSample)
	}
	return &wavInfo{PayloadType: pt}, nil
}

// ValidateWAVFile checks that path points to a WAV file in a supported
// G.711 format. Returns the RTP payload type of the audio and its
// duration, or an error describing why the file cannot be played.
func ValidateWAVFile(path string) (payloadType int, duration time.Duration, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("opening wav file: %w", err)
	}
	defer f.Close()

	info, err := readWAV(f)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing wav header: %w", err)
	}

	// One byte per sample for 8-bit G.711.
	dur := time.Duration(info.DataSize) * time.Second / 8000

	return info.PayloadType, dur, nil
}

// ValidateWAVData checks in-memory WAV data the same way ValidateWAVFile
// checks a file. Used to sanity-check embedded prompts at startup.
func ValidateWAVData(data []byte) error {
	if _, err := readWAV(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("invalid wav: %w", err)
	}
	return nil
}
