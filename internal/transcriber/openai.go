package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// OpenAI calls the audio.transcriptions endpoint with verbose_json output.
type OpenAI struct {
	cfg        Config
	httpClient *http.Client
	log        zerolog.Logger
}

func NewOpenAI(cfg Config, logger zerolog.Logger) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &OpenAI{cfg: cfg, httpClient: &http.Client{Timeout: timeout}, log: logger}
}

func (o *OpenAI) Transcribe(ctx context.Context, path string) (*Transcription, error) {
	if err := checkInput(path); err != nil {
		o.log.Warn().Err(err).Msg("transcription skipped")
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"model":                     o.cfg.Model,
		"language":                  o.cfg.Language,
		"response_format":           "verbose_json",
		"timestamp_granularities[]": "segment",
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, err
	}
	o.authorize(req)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	started := time.Now()
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var tr Transcription
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode transcription: %w", err)
	}
	if tr.Task == "" {
		tr.Task = "transcribe"
	}

	o.log.Info().
		Int("segments", len(tr.Segments)).
		Float64("duration", tr.Duration).
		Dur("took", time.Since(started)).
		Msg("transcription complete")
	return &tr, nil
}

func (o *OpenAI) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	if o.cfg.Organization != "" {
		req.Header.Set("OpenAI-Organization", o.cfg.Organization)
	}
	if o.cfg.Project != "" {
		req.Header.Set("OpenAI-Project", o.cfg.Project)
	}
}

func (o *OpenAI) Close() error { return nil }
