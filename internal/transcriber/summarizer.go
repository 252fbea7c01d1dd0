package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const DefaultSummaryModel = "gpt-4o-mini"

const summaryPrompt = `You summarize meeting transcripts. Answer in Markdown, in the language of the transcript.
Start with a short overview, then list decisions, action items with their owners and open questions.
Lines are formatted as "[start-end] speaker: text".`

// Summarizer turns a transcript into a Markdown summary.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// ChatSummarizer uses the chat completions endpoint.
type ChatSummarizer struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewChatSummarizer(cfg Config, model string, logger zerolog.Logger) *ChatSummarizer {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultSummaryModel
	}
	return &ChatSummarizer{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		log:        logger.With().Str("component", "summarizer").Logger(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (s *ChatSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	if s.apiKey == "" {
		return "", ErrSkipped
	}
	if strings.TrimSpace(transcript) == "" {
		return "", fmt.Errorf("empty transcript: %w", ErrSkipped)
	}

	payload, err := json.Marshal(chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: summaryPrompt},
			{Role: "user", Content: transcript},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("summary request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("openai http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("failed to decode summary: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("summary response had no choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}
