package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/audio"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/capture"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/metrics"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
)

// RecorderConfig tunes capture.
type RecorderConfig struct {
	Silence     time.Duration
	StopGrace   time.Duration // how long Stop waits for in-flight utterances
	AutoProcess bool          // start processing as soon as Stop returns
	Decoder     audio.Decoder
}

// Recorder runs at most one capture at a time on a voice channel.
type Recorder struct {
	receiver  capture.Receiver
	root      string
	store     store.Store
	processor *Processor
	config    RecorderConfig
	log       zerolog.Logger

	mu     sync.Mutex
	active *recording
}

type recording struct {
	meetingID string
	session   *capture.Session
	metrics   *metrics.RecordingMetrics
	started   time.Time
}

func NewRecorder(receiver capture.Receiver, root string, st store.Store, processor *Processor, config RecorderConfig, logger zerolog.Logger) *Recorder {
	if config.Silence <= 0 {
		config.Silence = capture.DefaultSilence
	}
	if config.Decoder == nil {
		config.Decoder = audio.SlinDecoder{}
	}
	return &Recorder{
		receiver:  receiver,
		root:      root,
		store:     st,
		processor: processor,
		config:    config,
		log:       logger.With().Str("component", "recorder").Logger(),
	}
}

// Start begins capturing into {root}/{meetingID}. An empty id gets a fresh UUID.
func (r *Recorder) Start(ctx context.Context, meetingID string) (string, error) {
	if meetingID == "" {
		meetingID = uuid.NewString()
	}
	if err := ValidateMeetingID(meetingID); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return "", fmt.Errorf("%s: %w", r.active.meetingID, ErrAlreadyRecording)
	}

	m := metrics.NewRecordingMetrics(meetingID)
	dir := filepath.Join(r.root, meetingID)
	session, err := capture.Begin(r.receiver, dir,
		capture.WithSilence(r.config.Silence),
		capture.WithDecoder(r.config.Decoder),
		capture.WithMetrics(m),
		capture.WithLogger(r.log),
	)
	if err != nil {
		return "", err
	}

	if r.store != nil {
		if err := r.store.Set(ctx, store.CurrentMeetingKey, meetingID); err != nil {
			session.End()
			return "", fmt.Errorf("failed to store current meeting: %w", err)
		}
	}

	r.active = &recording{meetingID: meetingID, session: session, metrics: m, started: time.Now()}
	r.log.Info().Str("meeting", meetingID).Str("dir", dir).Msg("recording started")
	return meetingID, nil
}

// Stop ends the capture and waits up to StopGrace for speakers still talking.
// Utterances still open after the grace period may be cut short.
func (r *Recorder) Stop(ctx context.Context) (string, error) {
	r.mu.Lock()
	rec := r.active
	r.active = nil
	r.mu.Unlock()

	if rec == nil {
		return "", ErrNotRecording
	}

	rec.session.End()
	if r.config.StopGrace > 0 {
		wctx, cancel := context.WithTimeout(ctx, r.config.StopGrace)
		if err := rec.session.Wait(wctx); err != nil {
			r.log.Warn().
				Str("meeting", rec.meetingID).
				Strs("active", rec.session.Active()).
				Msg("speakers still recording after grace period")
		}
		cancel()
	}

	chunks, bytes, decodeErrors := rec.metrics.Snapshot()
	r.log.Info().
		Str("meeting", rec.meetingID).
		Dur("duration", time.Since(rec.started)).
		Int("chunks", chunks).
		Int64("bytes", bytes).
		Int("decode_errors", decodeErrors).
		Msg("recording stopped")

	if r.config.AutoProcess && r.processor != nil {
		if err := r.processor.Go(rec.meetingID, rec.metrics); err != nil {
			r.log.Error().Err(err).Str("meeting", rec.meetingID).Msg("failed to start processing")
		}
	}
	return rec.meetingID, nil
}

// Current returns the meeting being recorded.
func (r *Recorder) Current() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", false
	}
	return r.active.meetingID, true
}

// Process queues a finished meeting for processing.
func (r *Recorder) Process(meetingID string) error {
	if current, ok := r.Current(); ok && current == meetingID {
		return fmt.Errorf("%s: %w", meetingID, ErrAlreadyRecording)
	}
	return r.processor.Go(meetingID, nil)
}
