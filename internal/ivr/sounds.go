package ivr

import (
	"path/filepath"
	"time"
)

// Sound is an immutable reference to one playable prompt: a resource
// path plus a nominal duration used for pacing estimates.
type Sound struct {
	Name     string
	Path     string
	Duration time.Duration
}

// Prompt file names as shipped in internal/prompts and extracted to the
// data directory on boot.
const (
	soundFileWelcome         = "welcome.wav"
	soundFileInstructions    = "instructions.wav"
	soundFileNumbersNotFound = "numbers_not_found.wav"
)

// Nominal prompt durations. These are pacing hints, not hard limits;
// the player derives the real duration from the WAV header.
const (
	digitSoundDuration   = time.Second
	welcomeDuration      = 3 * time.Second
	instructionsDuration = 5 * time.Second
	notFoundDuration     = 2 * time.Second
)

// Catalog maps symbolic sound identifiers to prompt files under a
// single directory. It has no mutable state.
type Catalog struct {
	Welcome         Sound
	Instructions    Sound
	NumbersNotFound Sound

	digits map[byte]Sound
}

// NewCatalog builds the catalog for prompts stored in dir.
func NewCatalog(dir string) *Catalog {
	c := &Catalog{
		Welcome: Sound{
			Name:     "welcome",
			Path:     filepath.Join(dir, soundFileWelcome),
			Duration: welcomeDuration,
		},
		Instructions: Sound{
			Name:     "instructions",
			Path:     filepath.Join(dir, soundFileInstructions),
			Duration: instructionsDuration,
		},
		NumbersNotFound: Sound{
			Name:     "numbers_not_found",
			Path:     filepath.Join(dir, soundFileNumbersNotFound),
			Duration: notFoundDuration,
		},
		digits: make(map[byte]Sound, 10),
	}

	for d := byte('0'); d <= '9'; d++ {
		name := "digit_" + string(d)
		c.digits[d] = Sound{
			Name:     name,
			Path:     filepath.Join(dir, name+".wav"),
			Duration: digitSoundDuration,
		}
	}
	return c
}

// Digit returns the spoken sound for one digit character '0'..'9'.
func (c *Catalog) Digit(key byte) (Sound, bool) {
	s, ok := c.digits[key]
	return s, ok
}

// DigitSounds returns a copy of the digit→sound map.
func (c *Catalog) DigitSounds() map[byte]Sound {
	m := make(map[byte]Sound, len(c.digits))
	for k, v := range c.digits {
		m[k] = v
	}
	return m
}

// All returns every sound in the catalog, for startup validation.
func (c *Catalog) All() []Sound {
	sounds := make([]Sound, 0, len(c.digits)+3)
	sounds = append(sounds, c.Welcome, c.Instructions, c.NumbersNotFound)
	for _, s := range c.digits {
		sounds = append(sounds, s)
	}
	return sounds
}
