package audio

import (
	"fmt"
	"math"
)

// Settings describes the raw sample format written by capture and read back
// by the mixers. Samples are always signed 16-bit little endian.
type Settings struct {
	SampleRate int
	Channels   int
	Bitrate    string // target bitrate of the final lossy encode, e.g. "64k"
}

// BitDepth of every raw chunk file.
const BitDepth = 16

// DefaultSettings matches AudioSocket signed-linear audio (8kHz mono).
func DefaultSettings() Settings {
	return Settings{
		SampleRate: 8000,
		Channels:   1,
		Bitrate:    "64k",
	}
}

// Validate rejects settings the mixers cannot use.
func (s Settings) Validate() error {
	if s.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", s.SampleRate)
	}
	if s.Channels != 1 && s.Channels != 2 {
		return fmt.Errorf("invalid channel count: %d", s.Channels)
	}
	return nil
}

// BytesPerSecond of raw PCM in this format.
func (s Settings) BytesPerSecond() int {
	return s.SampleRate * s.Channels * BitDepth / 8
}

// DurationMs converts a raw PCM byte count into whole milliseconds.
func (s Settings) DurationMs(size int64) int64 {
	bps := s.BytesPerSecond()
	if bps <= 0 || size <= 0 {
		return 0
	}
	return int64(math.Round(float64(size) * 1000 / float64(bps)))
}

// SamplesForMs returns the number of frames (samples per channel) in ms milliseconds.
func (s Settings) SamplesForMs(ms int64) int {
	if ms <= 0 {
		return 0
	}
	return int(ms * int64(s.SampleRate) / 1000)
}
