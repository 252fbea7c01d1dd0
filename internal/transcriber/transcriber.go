package transcriber

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrSkipped means transcription could not run for this recording (no
// credentials, provider disabled, missing or empty file). Callers treat it as
// "no segments found", not as a failure.
var ErrSkipped = errors.New("transcription skipped")

// Segment is one unit of transcribed speech, offsets in seconds from the
// start of the recording.
type Segment struct {
	ID               int     `json:"id"`
	Seek             int     `json:"seek"`
	Start            float64 `json:"start"`
	End              float64 `json:"end"`
	Text             string  `json:"text"`
	Tokens           []int   `json:"tokens"`
	Temperature      float64 `json:"temperature"`
	AvgLogprob       float64 `json:"avg_logprob"`
	CompressionRatio float64 `json:"compression_ratio"`
	NoSpeechProb     float64 `json:"no_speech_prob"`
}

// Transcription is the verbose result of one recording.
type Transcription struct {
	Task     string    `json:"task"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// Transcriber is the common interface for all transcription providers
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (*Transcription, error)
	Close() error
}

// Transcoder converts any recording into raw s16le PCM.
type Transcoder interface {
	ToPCM(ctx context.Context, in, out string, rate, channels int) error
}

// Config selects and configures a provider.
type Config struct {
	Provider     string        `yaml:"provider"` // openai, vosk, local, none
	APIKey       string        `yaml:"api_key"`
	Organization string        `yaml:"organization"`
	Project      string        `yaml:"project"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	Language     string        `yaml:"language"`
	VoskURL      string        `yaml:"vosk_url"`
	ModelPath    string        `yaml:"model_path"`
	Timeout      time.Duration `yaml:"timeout"`
}

const (
	DefaultBaseURL  = "https://api.openai.com/v1"
	DefaultModel    = "whisper-1"
	DefaultLanguage = "pl"
)

// New builds the configured provider. An unusable provider degrades to one
// that always reports ErrSkipped so recording keeps working.
func New(cfg Config, transcoder Transcoder, logger zerolog.Logger) (Transcriber, error) {
	log := logger.With().Str("component", "transcriber").Str("provider", cfg.Provider).Logger()

	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		if cfg.APIKey == "" {
			log.Warn().Msg("Missing OpenAI credentials. Transcription will be skipped.")
			return Disabled{}, nil
		}
		return NewOpenAI(cfg, log), nil
	case "vosk":
		if cfg.VoskURL == "" {
			return nil, fmt.Errorf("vosk provider requires vosk_url")
		}
		return NewVosk(cfg.VoskURL, transcoder, log), nil
	case "local":
		return NewLocal(cfg.ModelPath, cfg.Language, transcoder, log)
	case "none":
		return Disabled{}, nil
	}
	return nil, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
}

// Disabled never transcribes.
type Disabled struct{}

func (Disabled) Transcribe(context.Context, string) (*Transcription, error) { return nil, ErrSkipped }
func (Disabled) Close() error                                               { return nil }

// checkInput reports ErrSkipped for missing or empty recordings.
func checkInput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("audio file %s does not exist: %w", path, ErrSkipped)
	}
	if info.Size() == 0 {
		return fmt.Errorf("audio file %s is empty: %w", path, ErrSkipped)
	}
	return nil
}

// joinText concatenates segment texts the way verbose_json reports the full text.
func joinText(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
