// Package pipeline drives a meeting from capture to a stored, attributed
// transcript: record, merge, transcribe, attribute, notify, summarize.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/capture"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/diarize"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/merge"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/metrics"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/store"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/transcriber"
	"github.com/rs/zerolog"
)

const (
	TranscriptionFile = "transcription.json"
	SummaryFile       = "summary.md"
)

var (
	ErrUnknownMeeting   = errors.New("unknown meeting")
	ErrInvalidMeetingID = errors.New("invalid meeting id")
	ErrProcessing       = errors.New("meeting is already being processed")
	ErrNoTranscription  = errors.New("no transcription for meeting")
	ErrAlreadyProcessed = errors.New("meeting was already processed")
)

// Document is the attributed transcription written to transcription.json.
type Document struct {
	Task     string            `json:"task"`
	Language string            `json:"language"`
	Duration float64           `json:"duration"`
	Text     string            `json:"text"`
	Segments []diarize.Segment `json:"segments"`
}

// Timeouts bound each external stage of a run.
type Timeouts struct {
	Merge      time.Duration
	Transcribe time.Duration
	Notify     time.Duration
	Summary    time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Merge:      10 * time.Minute,
		Transcribe: 30 * time.Minute,
		Notify:     30 * time.Second,
		Summary:    5 * time.Minute,
	}
}

// Result describes one processing run.
type Result struct {
	MeetingID   string
	Recording   *merge.Recording
	Document    *Document // nil when no segments were produced
	Notified    bool
	SummaryPath string
}

// Processor turns a finished capture directory into a transcript.
type Processor struct {
	root        string
	engine      *merge.Engine
	transcriber transcriber.Transcriber
	summarizer  transcriber.Summarizer // optional
	notifier    Notifier               // optional
	store       store.Store
	timeouts    Timeouts
	log         zerolog.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]bool
}

type ProcessorOption func(*Processor)

func WithSummarizer(s transcriber.Summarizer) ProcessorOption {
	return func(p *Processor) { p.summarizer = s }
}

func WithNotifier(n Notifier) ProcessorOption {
	return func(p *Processor) { p.notifier = n }
}

func WithTimeouts(t Timeouts) ProcessorOption {
	return func(p *Processor) { p.timeouts = t }
}

func NewProcessor(root string, engine *merge.Engine, tr transcriber.Transcriber, st store.Store, logger zerolog.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		root:        root,
		engine:      engine,
		transcriber: tr,
		store:       st,
		timeouts:    DefaultTimeouts(),
		log:         logger.With().Str("component", "pipeline").Logger(),
		inflight:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dir returns the capture directory of a meeting.
func (p *Processor) Dir(meetingID string) (string, error) {
	if err := ValidateMeetingID(meetingID); err != nil {
		return "", err
	}
	return filepath.Join(p.root, meetingID), nil
}

// ValidateMeetingID keeps meeting ids usable as a single path element.
func ValidateMeetingID(meetingID string) error {
	if meetingID == "" || meetingID == "." || meetingID == ".." ||
		filepath.Base(meetingID) != meetingID || filepath.IsAbs(meetingID) {
		return fmt.Errorf("%q: %w", meetingID, ErrInvalidMeetingID)
	}
	return nil
}

// MergedPath is the final recording of a meeting.
func (p *Processor) MergedPath(meetingID string) (string, error) {
	dir, err := p.Dir(meetingID)
	if err != nil {
		return "", err
	}
	return p.engine.OutputPath(dir), nil
}

// ArtifactPath returns name inside the meeting directory.
func (p *Processor) ArtifactPath(meetingID, name string) (string, error) {
	dir, err := p.Dir(meetingID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// Go processes meetingID in the background. m may be nil.
func (p *Processor) Go(meetingID string, m *metrics.RecordingMetrics) error {
	if err := p.acquire(meetingID); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release(meetingID)
		if _, err := p.run(context.Background(), meetingID, m); err != nil {
			p.log.Error().Err(err).Str("meeting", meetingID).Msg("Error in processRecording")
		}
	}()
	return nil
}

// Wait blocks until background runs finish.
func (p *Processor) Wait() { p.wg.Wait() }

// Process runs the pipeline synchronously. Failures are confined to this
// meeting; raw chunks stay on disk unless the run completed.
func (p *Processor) Process(ctx context.Context, meetingID string, m *metrics.RecordingMetrics) (*Result, error) {
	if err := p.acquire(meetingID); err != nil {
		return nil, err
	}
	defer p.release(meetingID)
	return p.run(ctx, meetingID, m)
}

func (p *Processor) acquire(meetingID string) error {
	dir, err := p.Dir(meetingID)
	if err != nil {
		return err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%s: %w", meetingID, ErrUnknownMeeting)
	}
	if processed(dir) {
		return fmt.Errorf("%s: %w", meetingID, ErrAlreadyProcessed)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[meetingID] {
		return fmt.Errorf("%s: %w", meetingID, ErrProcessing)
	}
	p.inflight[meetingID] = true
	return nil
}

// processed reports a finished run: its artifacts exist and the raw chunks
// they were built from are gone, so a new run could only overwrite them.
func processed(dir string) bool {
	if !exists(filepath.Join(dir, TranscriptionFile)) && !exists(filepath.Join(dir, merge.MetadataFile)) {
		return false
	}
	chunks, _ := filepath.Glob(filepath.Join(dir, "*"+capture.ChunkExt))
	return len(chunks) == 0
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (p *Processor) release(meetingID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, meetingID)
}

func (p *Processor) run(ctx context.Context, meetingID string, m *metrics.RecordingMetrics) (*Result, error) {
	dir, _ := p.Dir(meetingID)
	log := p.log.With().Str("meeting", meetingID).Logger()
	if m == nil {
		m = metrics.NewRecordingMetrics(meetingID)
	}

	events, err := OpenEventLog(dir, meetingID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open pipeline log")
	}
	defer events.Close()
	events.LogStart()

	defer p.clearCurrent(meetingID, log)
	defer func() {
		m.Finalize()
		log.Info().Msg(m.Summary())
	}()

	res := &Result{MeetingID: meetingID}

	// merge
	started := time.Now()
	mctx, cancel := context.WithTimeout(ctx, p.timeouts.Merge)
	rec, err := p.engine.Merge(mctx, dir, m)
	cancel()
	if err != nil {
		events.LogError("merge", err)
		events.LogEnd("failed")
		return nil, fmt.Errorf("merge %s: %w", meetingID, err)
	}
	res.Recording = rec
	events.LogStage("merge", time.Since(started), map[string]string{
		"chunks": strconv.Itoa(rec.ChunkCount),
		"output": filepath.Base(rec.Path),
	})

	if rec.Empty() {
		log.Info().Msg("No PCM files found to merge.")
		res.Notified = p.notify(ctx, meetingID, nil, events, log)
		if res.Notified {
			p.removeChunks(dir, log)
		}
		events.LogEnd("empty")
		return res, nil
	}

	// transcribe
	started = time.Now()
	tctx, cancel := context.WithTimeout(ctx, p.timeouts.Transcribe)
	tr, err := p.transcriber.Transcribe(tctx, rec.Path)
	cancel()
	if err != nil {
		if errors.Is(err, transcriber.ErrSkipped) {
			log.Warn().Err(err).Msg("Transcription skipped")
		} else {
			log.Error().Err(err).Msg("Transcription failed")
		}
		events.LogError("transcribe", err)
		res.Notified = p.notify(ctx, meetingID, nil, events, log)
		events.LogEnd("skipped")
		return res, nil
	}
	events.LogStage("transcribe", time.Since(started), map[string]string{"segments": strconv.Itoa(len(tr.Segments))})

	// attribute; rec.Chunks is non-empty here
	segments, err := diarize.Attribute(tr.Segments, rec.Chunks)
	if err != nil {
		events.LogError("attribute", err)
		events.LogEnd("failed")
		return nil, fmt.Errorf("attribute %s: %w", meetingID, err)
	}
	for _, s := range segments {
		m.AddResolution(string(s.Resolution))
	}

	doc := &Document{
		Task:     tr.Task,
		Language: tr.Language,
		Duration: tr.Duration,
		Text:     tr.Text,
		Segments: segments,
	}
	res.Document = doc
	if err := writeJSON(filepath.Join(dir, TranscriptionFile), doc); err != nil {
		events.LogError("write", err)
		events.LogEnd("failed")
		return nil, fmt.Errorf("write transcription: %w", err)
	}

	res.Notified = p.notify(ctx, meetingID, doc, events, log)

	if path, err := p.summarize(ctx, meetingID, dir, doc); err != nil {
		if !errors.Is(err, transcriber.ErrSkipped) {
			log.Warn().Err(err).Msg("Summary generation failed or returned empty.")
		}
		events.LogError("summary", err)
	} else {
		res.SummaryPath = path
	}

	// raw chunks go only once the transcript reached the system of record
	if res.Notified {
		p.removeChunks(dir, log)
	}

	events.LogEnd("done")
	return res, nil
}

// notify returns true when the update reached the core service, or when no
// core service is configured.
func (p *Processor) notify(ctx context.Context, meetingID string, doc *Document, events *EventLog, log zerolog.Logger) bool {
	if p.notifier == nil {
		return true
	}
	started := time.Now()
	nctx, cancel := context.WithTimeout(ctx, p.timeouts.Notify)
	defer cancel()
	if err := p.notifier.UpdateRecording(nctx, meetingID, NewRecordingUpdate(doc)); err != nil {
		log.Warn().Err(err).Msg("failed to notify core")
		events.LogError("notify", err)
		return false
	}
	events.LogStage("notify", time.Since(started), nil)
	return true
}

func (p *Processor) removeChunks(dir string, log zerolog.Logger) {
	if err := merge.RemoveAllChunks(dir); err != nil {
		log.Warn().Err(err).Msg("failed to remove chunk files")
	}
}

func (p *Processor) summarize(ctx context.Context, meetingID, dir string, doc *Document) (string, error) {
	if p.summarizer == nil {
		return "", transcriber.ErrSkipped
	}
	sctx, cancel := context.WithTimeout(ctx, p.timeouts.Summary)
	defer cancel()

	p.log.Info().Str("meeting", meetingID).Msg("Starting the summary generation")
	summary, err := p.summarizer.Summarize(sctx, diarize.Format(doc.Segments))
	if err != nil {
		return "", err
	}
	if summary == "" {
		return "", errors.New("empty summary")
	}
	path := filepath.Join(dir, SummaryFile)
	if err := os.WriteFile(path, []byte(summary+"\n"), 0644); err != nil {
		return "", err
	}
	p.log.Info().Str("meeting", meetingID).Str("path", path).Msg("Summary generated successfully")
	return path, nil
}

// GenerateSummary rebuilds summary.md from an existing transcription.json.
func (p *Processor) GenerateSummary(ctx context.Context, meetingID string) (string, error) {
	dir, err := p.Dir(meetingID)
	if err != nil {
		return "", err
	}
	doc, err := LoadDocument(dir)
	if err != nil {
		return "", err
	}
	return p.summarize(ctx, meetingID, dir, doc)
}

// LoadDocument reads transcription.json from a meeting directory.
func LoadDocument(dir string) (*Document, error) {
	data, err := os.ReadFile(filepath.Join(dir, TranscriptionFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoTranscription
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", TranscriptionFile, err)
	}
	return &doc, nil
}

func (p *Processor) clearCurrent(meetingID string, log zerolog.Logger) {
	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	current, err := p.store.Get(ctx, store.CurrentMeetingKey)
	if err != nil || current != meetingID {
		return
	}
	if err := p.store.Delete(ctx, store.CurrentMeetingKey); err != nil {
		log.Warn().Err(err).Msg("failed to clear current meeting")
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
