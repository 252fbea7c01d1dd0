package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/diarize"
	"github.com/rs/zerolog"
)

// NoSegmentsText is sent to the core service when nothing was transcribed.
const NoSegmentsText = "No segments found. Transcription skipped."

// RecordingUpdate is the body of PATCH /recordings/{meetingId}.
type RecordingUpdate struct {
	Text     string            `json:"text"`
	Task     string            `json:"task"`
	Language string            `json:"language"`
	Duration float64           `json:"duration"`
	Segments []diarize.Segment `json:"segments"`
}

// Notifier hands finished transcriptions to the system of record.
type Notifier interface {
	UpdateRecording(ctx context.Context, meetingID string, update RecordingUpdate) error
}

// NewRecordingUpdate fills the defaults the core service expects.
func NewRecordingUpdate(doc *Document) RecordingUpdate {
	u := RecordingUpdate{
		Text:     "Transcription",
		Task:     "transcription",
		Language: "pl",
		Segments: []diarize.Segment{},
	}
	if doc == nil {
		u.Text = NoSegmentsText
		return u
	}
	if doc.Text != "" {
		u.Text = doc.Text
	}
	if doc.Language != "" {
		u.Language = doc.Language
	}
	u.Duration = doc.Duration
	if doc.Segments != nil {
		u.Segments = doc.Segments
	}
	return u
}

// CoreClient talks to the core service REST API.
type CoreClient struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewCoreClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *CoreClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CoreClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.With().Str("component", "core").Logger(),
	}
}

// UpdateRecording -> PATCH {CORE_URL}/recordings/{meetingId}
func (c *CoreClient) UpdateRecording(ctx context.Context, meetingID string, update RecordingUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}

	fullURL := c.baseURL + "/recordings/" + url.PathEscape(meetingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, fullURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		details, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warn().
			Str("meeting", meetingID).
			Int("status", resp.StatusCode).
			Str("details", strings.TrimSpace(string(details))).
			Msg("Failed to update recording")
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	c.log.Info().Str("meeting", meetingID).Int("segments", len(update.Segments)).Msg("Recording updated successfully")
	return nil
}
