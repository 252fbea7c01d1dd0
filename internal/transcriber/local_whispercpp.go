//go:build whisper_cpp

package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/audio"
	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog"
)

// whisperSampleRate is the only rate whisper.cpp accepts.
const whisperSampleRate = 16000

// Local runs whisper.cpp in process.
type Local struct {
	model      whisperpkg.Model
	language   string
	threads    uint
	transcoder Transcoder
	log        zerolog.Logger
	mu         sync.Mutex // the model is not safe for concurrent contexts
}

func NewLocal(modelPath, language string, transcoder Transcoder, logger zerolog.Logger) (Transcriber, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("local provider requires model_path")
	}
	m, err := whisperpkg.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	if language == "" {
		language = DefaultLanguage
	}
	logger.Info().Str("model", modelPath).Msg("whisper: model loaded successfully")
	return &Local{
		model:      m,
		language:   language,
		threads:    uint(runtime.NumCPU()),
		transcoder: transcoder,
		log:        logger,
	}, nil
}

func (l *Local) Transcribe(ctx context.Context, path string) (*Transcription, error) {
	if err := checkInput(path); err != nil {
		return nil, err
	}
	pcm, err := loadPCM(ctx, path, whisperSampleRate, l.transcoder)
	if err != nil {
		return nil, err
	}
	samples, err := audio.DecodePCM16LEToFloat32(pcm)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	wctx, err := l.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	wctx.SetThreads(l.threads)
	if err := wctx.SetLanguage(l.language); err != nil {
		l.log.Warn().Err(err).Str("language", l.language).Msg("whisper: language not supported, using auto")
		_ = wctx.SetLanguage("auto")
	}

	// the encoder callback returning false aborts processing
	proceed := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, proceed, nil, nil); err != nil {
		return nil, fmt.Errorf("process audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	segments := []Segment{}
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		tokens := make([]int, len(seg.Tokens))
		for i, tok := range seg.Tokens {
			tokens[i] = tok.Id
		}
		segments = append(segments, Segment{
			ID:     len(segments),
			Start:  seg.Start.Seconds(),
			End:    seg.End.Seconds(),
			Text:   text,
			Tokens: tokens,
		})
	}

	lang := wctx.Language()
	if lang == "" || lang == "auto" {
		lang = wctx.DetectedLanguage()
	}
	return &Transcription{
		Task:     "transcribe",
		Language: lang,
		Duration: float64(len(samples)) / whisperSampleRate,
		Text:     joinText(segments),
		Segments: segments,
	}, nil
}

func (l *Local) Close() error {
	if l.model != nil {
		return l.model.Close()
	}
	return nil
}
