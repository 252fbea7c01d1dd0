package merge

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/audio"
)

// Input is one raw chunk placed DelayMs into a batch.
type Input struct {
	Path    string
	DelayMs int64
}

// Mixer mixes inputs with duration=longest semantics.
type Mixer interface {
	// MixBatch mixes raw PCM inputs, each delayed on the shared timeline, into a WAV file.
	MixBatch(ctx context.Context, inputs []Input, out string) error
	// MixFinal mixes batch WAV files into the final recording.
	MixFinal(ctx context.Context, batches []string, out string) error
	// Ext is the extension of the final recording, without the dot.
	Ext() string
}

// CommandRunner runs an external program and returns its combined output.
type CommandRunner interface {
	CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FFmpegMixer drives the ffmpeg binary.
type FFmpegMixer struct {
	binary   string
	settings audio.Settings
	runner   CommandRunner
}

// FFmpegOption configures an FFmpegMixer.
type FFmpegOption func(*FFmpegMixer)

// WithCommandRunner replaces process execution, mostly for tests.
func WithCommandRunner(r CommandRunner) FFmpegOption {
	return func(m *FFmpegMixer) { m.runner = r }
}

// NewFFmpegMixer returns a mixer using binary, "ffmpeg" when empty.
func NewFFmpegMixer(binary string, settings audio.Settings, opts ...FFmpegOption) *FFmpegMixer {
	if binary == "" {
		binary = "ffmpeg"
	}
	m := &FFmpegMixer{binary: binary, settings: settings, runner: execRunner{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *FFmpegMixer) Ext() string { return "mp3" }

// BatchArgs builds the ffmpeg arguments for one batch.
func (m *FFmpegMixer) BatchArgs(inputs []Input, out string) []string {
	rate := strconv.Itoa(m.settings.SampleRate)
	channels := strconv.Itoa(m.settings.Channels)

	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	for _, in := range inputs {
		args = append(args, "-f", "s16le", "-ar", rate, "-ac", channels, "-i", in.Path)
	}

	var filter strings.Builder
	for i, in := range inputs {
		fmt.Fprintf(&filter, "[%d:a]adelay=delays=%d:all=1[a%d];", i, in.DelayMs, i)
	}
	for i := range inputs {
		fmt.Fprintf(&filter, "[a%d]", i)
	}
	fmt.Fprintf(&filter, "amix=inputs=%d:duration=longest[out]", len(inputs))

	return append(args, "-filter_complex", filter.String(), "-map", "[out]",
		"-ar", rate, "-ac", channels, out)
}

// FinalArgs builds the ffmpeg arguments for the final mix.
func (m *FFmpegMixer) FinalArgs(batches []string, out string) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	for _, b := range batches {
		args = append(args, "-i", b)
	}

	var filter strings.Builder
	for i := range batches {
		fmt.Fprintf(&filter, "[%d:a]", i)
	}
	fmt.Fprintf(&filter, "amix=inputs=%d:duration=longest[out]", len(batches))

	return append(args, "-filter_complex", filter.String(), "-map", "[out]",
		"-c:a", "libmp3lame", "-b:a", m.settings.Bitrate, out)
}

func (m *FFmpegMixer) MixBatch(ctx context.Context, inputs []Input, out string) error {
	return m.run(ctx, m.BatchArgs(inputs, out))
}

func (m *FFmpegMixer) MixFinal(ctx context.Context, batches []string, out string) error {
	return m.run(ctx, m.FinalArgs(batches, out))
}

// ToPCM transcodes any input ffmpeg understands into raw s16le at rate/channels.
func (m *FFmpegMixer) ToPCM(ctx context.Context, in, out string, rate, channels int) error {
	return m.run(ctx, []string{"-y", "-hide_banner", "-loglevel", "error", "-i", in,
		"-f", "s16le", "-acodec", "pcm_s16le", "-ar", strconv.Itoa(rate), "-ac", strconv.Itoa(channels), out})
}

func (m *FFmpegMixer) run(ctx context.Context, args []string) error {
	output, err := m.runner.CombinedOutput(ctx, m.binary, args...)
	if err != nil {
		msg := strings.TrimSpace(string(output))
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", m.binary, err, msg)
		}
		return fmt.Errorf("%s: %w", m.binary, err)
	}
	return nil
}
