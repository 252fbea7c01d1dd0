package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// VoskSampleRate is the rate audio is streamed to the Vosk server at.
const VoskSampleRate = 16000

// voskFrameBytes is 250ms of 16kHz mono s16le.
const voskFrameBytes = VoskSampleRate / 4 * 2

type VoskTranscriber struct {
	serverURL  string
	transcoder Transcoder
	dialer     *websocket.Dialer
	log        zerolog.Logger
}

type VoskResult struct {
	Text   string `json:"text"`
	Result []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Conf  float64 `json:"conf"`
	} `json:"result"`
	Partial string `json:"partial"`
}

func NewVosk(serverURL string, transcoder Transcoder, logger zerolog.Logger) *VoskTranscriber {
	return &VoskTranscriber{
		serverURL:  strings.TrimRight(serverURL, "/"),
		transcoder: transcoder,
		dialer:     websocket.DefaultDialer,
		log:        logger,
	}
}

// Transcribe streams the recording to the Vosk server and turns every final
// result into one segment spanning its words.
func (vt *VoskTranscriber) Transcribe(ctx context.Context, path string) (*Transcription, error) {
	if err := checkInput(path); err != nil {
		return nil, err
	}
	pcm, err := loadPCM(ctx, path, VoskSampleRate, vt.transcoder)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/ws?sample_rate=%d", vt.serverURL, VoskSampleRate)
	conn, _, err := vt.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Vosk server: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	results := make(chan []Segment, 1)
	readErr := make(chan error, 1)
	go func() {
		segs, err := vt.readResults(conn)
		results <- segs
		readErr <- err
	}()

	for off := 0; off < len(pcm); off += voskFrameBytes {
		end := min(off+voskFrameBytes, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return nil, fmt.Errorf("failed to send audio to Vosk: %w", err)
		}
	}
	// EOF makes Vosk flush the final result and close
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"eof" : 1}`)); err != nil {
		return nil, fmt.Errorf("failed to send EOF to Vosk: %w", err)
	}

	segments := <-results
	if err := <-readErr; err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	return &Transcription{
		Task:     "transcribe",
		Duration: float64(len(pcm)) / float64(VoskSampleRate*2),
		Text:     joinText(segments),
		Segments: segments,
	}, nil
}

func (vt *VoskTranscriber) readResults(conn *websocket.Conn) ([]Segment, error) {
	segments := []Segment{}
	for {
		conn.SetReadDeadline(time.Now().Add(time.Minute))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return segments, nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				vt.log.Warn().Err(err).Msg("Vosk WebSocket error")
			}
			return segments, fmt.Errorf("vosk read: %w", err)
		}

		var result VoskResult
		if err := json.Unmarshal(message, &result); err != nil {
			vt.log.Warn().Err(err).Msg("Failed to parse Vosk result")
			continue
		}
		if result.Text == "" || len(result.Result) == 0 {
			continue
		}
		segments = append(segments, Segment{
			ID:    len(segments),
			Start: result.Result[0].Start,
			End:   result.Result[len(result.Result)-1].End,
			Text:  result.Text,
		})
	}
}

func (vt *VoskTranscriber) Close() error { return nil }
