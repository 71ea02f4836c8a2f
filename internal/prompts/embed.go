// Package prompts provides the embedded voice prompts the IVR plays:
// the greeting, the help prompt, the empty-digits prompt, and one
// recording per DTMF digit. All are G.711 u-law WAV files (8kHz, mono,
// 8-bit) suitable for direct RTP playback without transcoding.
//
// The embedded prompts are extracted to the data directory on first
// boot so the media player can stream them from disk.
package prompts

import "embed"

// FS holds the voice prompts embedded in the binary.
// Files are under system/ (e.g. system/digit_4.wav).
//
//go:embed system/*.wav
var FS embed.FS

// Files lists the filenames of all embedded prompts. These are
// extracted to $DATA_DIR/prompts/system/ on first boot.
var Files = []string{
	"welcome.wav",
	"instructions.wav",
	"numbers_not_found.wav",
	"digit_0.wav",
	"digit_1.wav",
	"digit_2.wav",
	"digit_3.wav",
	"digit_4.wav",
	"digit_5.wav",
	"digit_6.wav",
	"digit_7.wav",
	"digit_8.wav",
	"digit_9.wav",
}
