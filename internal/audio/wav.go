package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned when a file does not carry a RIFF/WAVE header.
var ErrInvalidWAV = errors.New("not a valid WAV file")

// ReadWAV loads a whole 16-bit PCM WAV file.
func ReadWAV(path string) (*goaudio.IntBuffer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s: %w", path, ErrInvalidWAV)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if buf == nil {
		return nil, fmt.Errorf("%s: empty wav buffer", path)
	}
	if buf.Format == nil {
		buf.Format = &goaudio.Format{SampleRate: int(dec.SampleRate), NumChannels: int(dec.NumChans)}
	}
	return buf, nil
}

// WriteWAV writes interleaved 16-bit samples as a PCM WAV file.
func WriteWAV(path string, data []int, sampleRate, channels int) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	// audio format 1 is uncompressed PCM
	enc := wav.NewEncoder(file, sampleRate, BitDepth, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: channels},
		Data:           data,
		SourceBitDepth: BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		file.Close()
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return file.Close()
}

// ReadPCMFile loads a raw s16le file as ints.
func ReadPCMFile(path string) ([]int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw)%2 != 0 {
		raw = raw[:len(raw)-1]
	}
	return PCM16LEToInts(raw), nil
}
