// Package http exposes the recorder's control surface.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/pipeline"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/transcriber"
	"github.com/rs/zerolog"
)

type meetingRequest struct {
	MeetingID string `json:"meetingId"`
}

type handler struct {
	recorder  *pipeline.Recorder
	processor *pipeline.Processor
	log       zerolog.Logger
}

func NewRouter(recorder *pipeline.Recorder, processor *pipeline.Processor, logger zerolog.Logger) http.Handler {
	h := &handler{
		recorder:  recorder,
		processor: processor,
		log:       logger.With().Str("component", "http").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("POST /start", h.start)
	mux.HandleFunc("POST /stop", h.stop)
	mux.HandleFunc("POST /process-recordings", h.process)
	mux.HandleFunc("POST /generate-summary", h.generateSummary)
	mux.HandleFunc("GET /merged/{meetingId}", h.merged)
	mux.HandleFunc("GET /transcription/{meetingId}", h.transcription)
	mux.HandleFunc("GET /summary/{meetingId}", h.summary)
	return mux
}

func (h *handler) start(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r, false)
	if !ok {
		return
	}
	id, err := h.recorder.Start(r.Context(), req.MeetingID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"meetingId": id, "status": "recording"})
}

func (h *handler) stop(w http.ResponseWriter, r *http.Request) {
	id, err := h.recorder.Stop(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"meetingId": id, "status": "stopped"})
}

func (h *handler) process(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r, true)
	if !ok {
		return
	}
	if err := h.recorder.Process(req.MeetingID); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"meetingId": req.MeetingID, "status": "processing"})
}

func (h *handler) generateSummary(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r, true)
	if !ok {
		return
	}
	path, err := h.processor.GenerateSummary(r.Context(), req.MeetingID)
	if err != nil {
		h.fail(w, err)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": string(data)})
}

func (h *handler) merged(w http.ResponseWriter, r *http.Request) {
	path, err := h.processor.MergedPath(r.PathValue("meetingId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	serveArtifact(w, r, path, h)
}

func (h *handler) transcription(w http.ResponseWriter, r *http.Request) {
	path, err := h.processor.ArtifactPath(r.PathValue("meetingId"), pipeline.TranscriptionFile)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	serveArtifact(w, r, path, h)
}

func (h *handler) summary(w http.ResponseWriter, r *http.Request) {
	path, err := h.processor.ArtifactPath(r.PathValue("meetingId"), pipeline.SummaryFile)
	if err != nil {
		h.fail(w, err)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": string(data)})
}

func serveArtifact(w http.ResponseWriter, r *http.Request, path string, h *handler) {
	if _, err := os.Stat(path); err != nil {
		h.fail(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

// decode reads the optional JSON body. With required set, a missing meetingId is a 400.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, required bool) (meetingRequest, bool) {
	var req meetingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if required && req.MeetingID == "" {
		writeError(w, http.StatusBadRequest, "meetingId is required")
		return req, false
	}
	return req, true
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	} else {
		h.log.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidMeetingID):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrUnknownMeeting),
		errors.Is(err, pipeline.ErrNoTranscription),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrAlreadyRecording),
		errors.Is(err, pipeline.ErrNotRecording),
		errors.Is(err, pipeline.ErrProcessing),
		errors.Is(err, pipeline.ErrAlreadyProcessed):
		return http.StatusConflict
	case errors.Is(err, transcriber.ErrSkipped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
