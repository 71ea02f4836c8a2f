package media

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// makeWAV builds an in-memory WAV file with the given fmt fields and
// audio data.
func makeWAV(format, channels, bits uint16, rate uint32, data []byte) []byte {
	var buf bytes.Buffer

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, format)
	binary.Write(&buf, binary.LittleEndian, channels)
	binary.Write(&buf, binary.LittleEndian, rate)
	binary.Write(&buf, binary.LittleEndian, rate*uint32(channels)*uint32(bits)/8)
	binary.Write(&buf, binary.LittleEndian, channels*bits/8)
	binary.Write(&buf, binary.LittleEndian, bits)

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	return buf.Bytes()
}

// writeWAVFile writes a u-law test WAV with the given audio data to a
// temp file and returns its path.
func writeWAVFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wav")
	if err := os.WriteFile(path, makeWAV(wavFormatPCMU, 1, 8, 8000, data), 0o644); err != nil {
		t.Fatalf("writing test wav: %v", err)
	}
	return path
}

func TestValidateWAVDataAccepted(t *testing.T) {
	ulaw := makeWAV(wavFormatPCMU, 1, 8, 8000, make([]byte, 320))
	if err := ValidateWAVData(ulaw); err != nil {
		t.Errorf("u-law wav rejected: %v", err)
	}

	alaw := makeWAV(wavFormatPCMA, 1, 8, 8000, make([]byte, 320))
	if err := ValidateWAVData(alaw); err != nil {
		t.Errorf("a-law wav rejected: %v", err)
	}
}

func TestValidateWAVDataRejected(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"pcm format", makeWAV(1, 1, 8, 8000, make([]byte, 160))},
		{"stereo", makeWAV(wavFormatPCMU, 2, 8, 8000, make([]byte, 160))},
		{"wrong rate", makeWAV(wavFormatPCMU, 1, 8, 16000, make([]byte, 160))},
		{"16 bit", makeWAV(wavFormatPCMU, 1, 16, 8000, make([]byte, 160))},
		{"not wav", []byte("definitely not a riff file, not even close")},
		{"truncated", makeWAV(wavFormatPCMU, 1, 8, 8000, make([]byte, 160))[:8]},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateWAVData(tc.data); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestValidateWAVFile(t *testing.T) {
	// 8000 samples at 8 kHz is exactly one second.
	path := writeWAVFile(t, make([]byte, 8000))

	pt, dur, err := ValidateWAVFile(path)
	if err != nil {
		t.Fatalf("ValidateWAVFile: %v", err)
	}
	if pt != PayloadPCMU {
		t.Errorf("payload type = %d, want %d", pt, PayloadPCMU)
	}
	if dur != time.Second {
		t.Errorf("duration = %v, want 1s", dur)
	}
}

func TestValidateWAVFileMissing(t *testing.T) {
	if _, _, err := ValidateWAVFile(filepath.Join(t.TempDir(), "nope.wav")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestReadWAVSkipsUnknownChunks(t *testing.T) {
	// A LIST chunk between fmt and data must be skipped.
	base := makeWAV(wavFormatPCMU, 1, 8, 8000, []byte{1, 2, 3, 4})
	dataIdx := bytes.Index(base, []byte("data"))

	var buf bytes.Buffer
	buf.Write(base[:dataIdx])
	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(5))
	buf.Write([]byte("INFO\x00"))
	buf.WriteByte(0) // pad to even boundary
	buf.Write(base[dataIdx:])

	info, err := readWAV(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("readWAV: %v", err)
	}
	if info.DataSize != 4 {
		t.Errorf("data size = %d, want 4", info.DataSize)
	}
}
