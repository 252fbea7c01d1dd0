package audio

import (
	"errors"
	"fmt"
	"math"
)

// Decoder turns one compressed voice frame into raw s16le samples.
type Decoder interface {
	Decode(frame []byte) ([]byte, error)
}

// ErrOddFrame is returned for frames that cannot hold whole 16-bit samples.
var ErrOddFrame = errors.New("pcm16 length must be even")

// SlinDecoder passes AudioSocket signed-linear frames through unchanged.
type SlinDecoder struct{}

func (SlinDecoder) Decode(frame []byte) ([]byte, error) {
	if len(frame)%2 != 0 {
		return nil, fmt.Errorf("slin frame of %d bytes: %w", len(frame), ErrOddFrame)
	}
	return frame, nil
}

// DecodePCM16LEToFloat32 converts little-endian PCM16 bytes into float32 samples in [-1,1).
func DecodePCM16LEToFloat32(b []byte) ([]float32, error) {
	if len(b)%2 != 0 {
		return nil, ErrOddFrame
	}
	out := make([]float32, len(b)/2)
	for i := range out {
		v := int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
		out[i] = float32(v) / 32768.0
	}
	return out, nil
}

// PCM16LEToInts widens PCM16 bytes into ints for go-audio buffers.
func PCM16LEToInts(b []byte) []int {
	out := make([]int, len(b)/2)
	for i := range out {
		out[i] = int(int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8))
	}
	return out
}

// RMS is the root mean square amplitude of a PCM16LE frame, 0 for an empty frame.
func RMS(frame []byte) float64 {
	samples := PCM16LEToInts(frame)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ClampInt16 saturates a mixed sample to the 16-bit range.
func ClampInt16(v int) int {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}
