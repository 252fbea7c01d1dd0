package merge

import (
	"context"
	"fmt"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/audio"
)

// NativeMixer mixes in process with go-audio, writing WAV output. Samples are
// summed and saturated to 16 bits.
type NativeMixer struct {
	settings audio.Settings
}

func NewNativeMixer(settings audio.Settings) *NativeMixer {
	return &NativeMixer{settings: settings}
}

func (m *NativeMixer) Ext() string { return "wav" }

func (m *NativeMixer) MixBatch(ctx context.Context, inputs []Input, out string) error {
	channels := m.settings.Channels
	var mix []int
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		samples, err := audio.ReadPCMFile(in.Path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", in.Path, err)
		}
		mix = addAt(mix, samples, m.settings.SamplesForMs(in.DelayMs)*channels)
	}
	return audio.WriteWAV(out, clamp(mix), m.settings.SampleRate, channels)
}

func (m *NativeMixer) MixFinal(ctx context.Context, batches []string, out string) error {
	var mix []int
	for _, path := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf, err := audio.ReadWAV(path)
		if err != nil {
			return err
		}
		if buf.Format.SampleRate != m.settings.SampleRate || buf.Format.NumChannels != m.settings.Channels {
			return fmt.Errorf("%s: format %dHz/%dch does not match %dHz/%dch", path,
				buf.Format.SampleRate, buf.Format.NumChannels, m.settings.SampleRate, m.settings.Channels)
		}
		mix = addAt(mix, buf.Data, 0)
	}
	return audio.WriteWAV(out, clamp(mix), m.settings.SampleRate, m.settings.Channels)
}

// addAt sums src into dst starting at offset, growing dst as needed.
func addAt(dst, src []int, offset int) []int {
	if need := offset + len(src); need > len(dst) {
		dst = append(dst, make([]int, need-len(dst))...)
	}
	for i, v := range src {
		dst[offset+i] += v
	}
	return dst
}

func clamp(samples []int) []int {
	for i, v := range samples {
		samples[i] = audio.ClampInt16(v)
	}
	return samples
}
