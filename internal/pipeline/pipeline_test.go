package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/audio"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/capture"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/merge"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/store"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/transcriber"
	"github.com/rs/zerolog"
)

var testSettings = audio.Settings{SampleRate: 8000, Channels: 1, Bitrate: "64k"}

func writeChunk(t *testing.T, dir string, ts int64, speaker string, durationMs int64) {
	t.Helper()
	data := make([]byte, testSettings.BytesPerSecond()*int(durationMs)/1000)
	for i := 0; i+1 < len(data); i += 2 {
		data[i] = 0x10
	}
	if err := os.WriteFile(filepath.Join(dir, capture.ChunkName(ts, speaker)), data, 0644); err != nil {
		t.Fatalf("Failed to write chunk: %v", err)
	}
}

// meetingDir lays out the three speaker meeting used across tests.
func meetingDir(t *testing.T, root, meetingID string) string {
	t.Helper()
	dir := filepath.Join(root, meetingID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	writeChunk(t, dir, 1700000000000, "speakerA", 2000)
	writeChunk(t, dir, 1700000001500, "speakerB", 1000)
	writeChunk(t, dir, 1700000005000, "speakerC", 900)
	return dir
}

type fakeTranscriber struct {
	result *transcriber.Transcription
	err    error
	paths  []string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, path string) (*transcriber.Transcription, error) {
	f.paths = append(f.paths, path)
	return f.result, f.err
}

func (f *fakeTranscriber) Close() error { return nil }

type fakeNotifier struct {
	mu      sync.Mutex
	updates map[string][]RecordingUpdate
	err     error
}

func (f *fakeNotifier) UpdateRecording(_ context.Context, meetingID string, u RecordingUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[string][]RecordingUpdate)
	}
	f.updates[meetingID] = append(f.updates[meetingID], u)
	return f.err
}

func (f *fakeNotifier) last(t *testing.T, meetingID string) RecordingUpdate {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.updates[meetingID]
	if len(u) == 0 {
		t.Fatalf("Expected an update for %s", meetingID)
	}
	return u[len(u)-1]
}

type fakeSummarizer struct{ input string }

func (f *fakeSummarizer) Summarize(_ context.Context, transcript string) (string, error) {
	f.input = transcript
	return "# Summary", nil
}

func sampleTranscription() *transcriber.Transcription {
	return &transcriber.Transcription{
		Task:     "transcribe",
		Language: "polish",
		Duration: 5.9,
		Text:     "Dzień dobry. Cześć. Do widzenia.",
		Segments: []transcriber.Segment{
			{ID: 0, Start: 0.1, End: 1.2, Text: " Dzień dobry."},
			{ID: 1, Start: 1.9, End: 2.2, Text: " Cześć."},
			{ID: 2, Start: 5.1, End: 5.8, Text: " Do widzenia."},
		},
	}
}

type harness struct {
	root       string
	processor  *Processor
	tr         *fakeTranscriber
	notifier   *fakeNotifier
	summarizer *fakeSummarizer
	store      *store.Memory
}

func newHarness(t *testing.T, mixer merge.Mixer) *harness {
	t.Helper()
	if mixer == nil {
		mixer = merge.NewNativeMixer(testSettings)
	}
	h := &harness{
		root:       t.TempDir(),
		tr:         &fakeTranscriber{result: sampleTranscription()},
		notifier:   &fakeNotifier{},
		summarizer: &fakeSummarizer{},
		store:      store.NewMemory(),
	}
	engine := merge.NewEngine(mixer, testSettings, merge.Config{MaxFanIn: 2}, zerolog.Nop())
	h.processor = NewProcessor(h.root, engine, h.tr, h.store, zerolog.Nop(),
		WithNotifier(h.notifier), WithSummarizer(h.summarizer))
	return h
}

func TestProcessFullRun(t *testing.T) {
	h := newHarness(t, nil)
	dir := meetingDir(t, h.root, "m1")
	h.store.Set(context.Background(), store.CurrentMeetingKey, "m1")

	res, err := h.processor.Process(context.Background(), "m1", nil)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if !res.Notified || res.Document == nil || res.SummaryPath == "" {
		t.Fatalf("Unexpected result %+v", res)
	}
	if h.tr.paths[0] != filepath.Join(dir, "merged.wav") {
		t.Errorf("Transcribed unexpected file %v", h.tr.paths)
	}

	doc, err := LoadDocument(dir)
	if err != nil {
		t.Fatalf("LoadDocument failed: %v", err)
	}
	want := []string{"speakerA", "speakerB", "speakerC"}
	for i, s := range doc.Segments {
		if s.UserID != want[i] {
			t.Errorf("Segment %d: expected %s, got %s", i, want[i], s.UserID)
		}
	}

	update := h.notifier.last(t, "m1")
	if update.Text != "Dzień dobry. Cześć. Do widzenia." || update.Task != "transcription" || len(update.Segments) != 3 {
		t.Errorf("Unexpected core update %+v", update)
	}

	summary, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if err != nil || !strings.HasPrefix(string(summary), "# Summary") {
		t.Errorf("Expected summary.md, got %q (%v)", summary, err)
	}
	if !strings.Contains(h.summarizer.input, "speakerB: Cześć.") {
		t.Errorf("Summarizer got unexpected transcript %q", h.summarizer.input)
	}

	if matches, _ := filepath.Glob(filepath.Join(dir, "*.pcm")); len(matches) != 0 {
		t.Errorf("Expected raw chunks removed, got %v", matches)
	}
	if _, err := h.store.Get(context.Background(), store.CurrentMeetingKey); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected current meeting cleared, got %v", err)
	}
	assertEvents(t, dir, "pipeline_start", "pipeline_end")
}

func TestProcessEmptyMeetingSendsMarker(t *testing.T) {
	h := newHarness(t, nil)
	dir := filepath.Join(h.root, "quiet")
	os.MkdirAll(dir, 0755)
	writeChunk(t, dir, 1000, "mumble", 500)

	res, err := h.processor.Process(context.Background(), "quiet", nil)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !res.Recording.Empty() || res.Document != nil {
		t.Fatalf("Expected empty result, got %+v", res)
	}
	if len(h.tr.paths) != 0 {
		t.Error("Transcriber must not run for an empty meeting")
	}
	if u := h.notifier.last(t, "quiet"); u.Text != NoSegmentsText || len(u.Segments) != 0 {
		t.Errorf("Expected no-segments marker, got %+v", u)
	}
	if info, err := os.Stat(filepath.Join(dir, "merged.wav")); err != nil || info.Size() != 0 {
		t.Errorf("Expected empty placeholder, got %v", err)
	}
}

func TestProcessTranscriptionSkipped(t *testing.T) {
	for _, trErr := range []error{transcriber.ErrSkipped, errors.New("openai http 500")} {
		h := newHarness(t, nil)
		dir := meetingDir(t, h.root, "m2")
		h.tr.result, h.tr.err = nil, trErr

		res, err := h.processor.Process(context.Background(), "m2", nil)
		if err != nil {
			t.Fatalf("%v: Process failed: %v", trErr, err)
		}
		if res.Document != nil {
			t.Errorf("%v: expected no document", trErr)
		}
		if u := h.notifier.last(t, "m2"); u.Text != NoSegmentsText {
			t.Errorf("%v: expected marker, got %q", trErr, u.Text)
		}
		if _, err := os.Stat(filepath.Join(dir, TranscriptionFile)); !os.IsNotExist(err) {
			t.Errorf("%v: transcription.json must not exist", trErr)
		}
		if matches, _ := filepath.Glob(filepath.Join(dir, "*.pcm")); len(matches) != 3 {
			t.Errorf("%v: expected chunks kept for retry, got %d", trErr, len(matches))
		}
	}
}

func TestProcessNotifyFailureKeepsChunks(t *testing.T) {
	h := newHarness(t, nil)
	dir := meetingDir(t, h.root, "m3")
	h.notifier.err = errors.New("unexpected status: 502")

	res, err := h.processor.Process(context.Background(), "m3", nil)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Notified {
		t.Error("Expected Notified=false")
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "*.pcm")); len(matches) != 3 {
		t.Errorf("Expected chunks kept, got %d", len(matches))
	}
	if _, err := os.Stat(filepath.Join(dir, TranscriptionFile)); err != nil {
		t.Errorf("Expected transcription.json: %v", err)
	}
}

type failingMixer struct{ *merge.NativeMixer }

func (failingMixer) MixBatch(context.Context, []merge.Input, string) error {
	return errors.New("ffmpeg exited with 1")
}

func TestProcessMergeFailure(t *testing.T) {
	h := newHarness(t, failingMixer{merge.NewNativeMixer(testSettings)})
	dir := meetingDir(t, h.root, "m4")

	_, err := h.processor.Process(context.Background(), "m4", nil)
	if !errors.Is(err, merge.ErrMixFailed) {
		t.Fatalf("Expected ErrMixFailed, got %v", err)
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "*.pcm")); len(matches) != 3 {
		t.Errorf("Expected chunks kept, got %d", len(matches))
	}
	if len(h.notifier.updates) != 0 {
		t.Error("Core must not be notified on merge failure")
	}
	assertEvents(t, dir, "pipeline_start", "stage_error", "pipeline_end")
}

func TestProcessRejectsUnknownOrInvalidMeetings(t *testing.T) {
	h := newHarness(t, nil)
	testCases := []struct {
		id   string
		want error
	}{
		{"missing", ErrUnknownMeeting},
		{"", ErrInvalidMeetingID},
		{"..", ErrInvalidMeetingID},
		{"a/b", ErrInvalidMeetingID},
	}
	for _, tc := range testCases {
		if _, err := h.processor.Process(context.Background(), tc.id, nil); !errors.Is(err, tc.want) {
			t.Errorf("%q: expected %v, got %v", tc.id, tc.want, err)
		}
	}
}

func TestProcessRejectsConcurrentRun(t *testing.T) {
	h := newHarness(t, nil)
	meetingDir(t, h.root, "m5")

	if err := h.processor.acquire("m5"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := h.processor.Go("m5", nil); !errors.Is(err, ErrProcessing) {
		t.Errorf("Expected ErrProcessing, got %v", err)
	}
	h.processor.release("m5")
	if err := h.processor.Go("m5", nil); err != nil {
		t.Errorf("Expected run to start, got %v", err)
	}
	h.processor.Wait()
}

func TestGenerateSummary(t *testing.T) {
	h := newHarness(t, nil)
	dir := meetingDir(t, h.root, "m6")

	if _, err := h.processor.GenerateSummary(context.Background(), "m6"); !errors.Is(err, ErrNoTranscription) {
		t.Fatalf("Expected ErrNoTranscription, got %v", err)
	}
	if _, err := h.processor.Process(context.Background(), "m6", nil); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	os.Remove(filepath.Join(dir, SummaryFile))

	path, err := h.processor.GenerateSummary(context.Background(), "m6")
	if err != nil {
		t.Fatalf("GenerateSummary failed: %v", err)
	}
	if path != filepath.Join(dir, SummaryFile) {
		t.Errorf("Unexpected summary path %s", path)
	}
}

func assertEvents(t *testing.T, dir string, want ...string) {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, EventLogFile))
	if err != nil {
		t.Fatalf("Expected event log: %v", err)
	}
	defer f.Close()

	var events []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec logRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("Invalid JSONL line %q: %v", scanner.Text(), err)
		}
		events = append(events, rec.Event)
	}
	joined := strings.Join(events, ",")
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Errorf("Expected event %s in %v", w, events)
		}
	}
}

func TestCoreClientUpdateRecording(t *testing.T) {
	var gotMethod, gotPath, gotType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotType = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		if strings.HasSuffix(r.URL.Path, "/broken") {
			w.WriteHeader(http.StatusBadGateway)
			io.WriteString(w, "upstream down")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewCoreClient(srv.URL+"/", time.Second, zerolog.Nop())
	if err := client.UpdateRecording(context.Background(), "m-1", NewRecordingUpdate(nil)); err != nil {
		t.Fatalf("UpdateRecording failed: %v", err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/recordings/m-1" || gotType != "application/json" {
		t.Errorf("Unexpected request %s %s %s", gotMethod, gotPath, gotType)
	}
	if gotBody["text"] != NoSegmentsText || gotBody["task"] != "transcription" || gotBody["language"] != "pl" {
		t.Errorf("Unexpected body %v", gotBody)
	}
	if segs, ok := gotBody["segments"].([]any); !ok || len(segs) != 0 {
		t.Errorf("Expected empty segments array, got %v", gotBody["segments"])
	}

	err := client.UpdateRecording(context.Background(), "broken", NewRecordingUpdate(nil))
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("Expected 502 error, got %v", err)
	}
}

func TestNewRecordingUpdateDefaults(t *testing.T) {
	u := NewRecordingUpdate(&Document{Duration: 3})
	if u.Text != "Transcription" || u.Language != "pl" || u.Duration != 3 || u.Segments == nil {
		t.Errorf("Unexpected defaults %+v", u)
	}
}

func TestReprocessKeepsFinishedMeeting(t *testing.T) {
	h := newHarness(t, nil)
	dir := meetingDir(t, h.root, "m7")

	if _, err := h.processor.Process(context.Background(), "m7", nil); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	merged := filepath.Join(dir, "merged.wav")
	before, err := os.Stat(merged)
	if err != nil || before.Size() == 0 {
		t.Fatalf("Expected merged recording, got %v", err)
	}

	if _, err := h.processor.Process(context.Background(), "m7", nil); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("Expected ErrAlreadyProcessed, got %v", err)
	}
	if err := h.processor.Go("m7", nil); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("Expected ErrAlreadyProcessed from Go, got %v", err)
	}

	after, err := os.Stat(merged)
	if err != nil || after.Size() != before.Size() {
		t.Errorf("Merged recording changed: before=%d after=%v", before.Size(), after)
	}
	if n := len(h.notifier.updates["m7"]); n != 1 {
		t.Errorf("Expected a single core update, got %d", n)
	}
	if u := h.notifier.last(t, "m7"); u.Text == NoSegmentsText {
		t.Error("Finished transcript was replaced by the no-segments marker")
	}
}

func TestRetryAfterNotifyFailure(t *testing.T) {
	h := newHarness(t, nil)
	dir := meetingDir(t, h.root, "m8")
	h.notifier.err = errors.New("unexpected status: 503")

	if _, err := h.processor.Process(context.Background(), "m8", nil); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	h.notifier.err = nil
	res, err := h.processor.Process(context.Background(), "m8", nil)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if !res.Notified || res.Document == nil {
		t.Errorf("Expected retry to deliver the transcript, got %+v", res)
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "*.pcm")); len(matches) != 0 {
		t.Errorf("Expected chunks removed after retry, got %v", matches)
	}
}

func TestProcessRemovesNoiseChunks(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(t *testing.T, root string) string
	}{
		{"with speech", func(t *testing.T, root string) string {
			dir := meetingDir(t, root, "m9")
			writeChunk(t, dir, 1700000003000, "speakerB", 300)
			return "m9"
		}},
		{"only noise", func(t *testing.T, root string) string {
			dir := filepath.Join(root, "m10")
			os.MkdirAll(dir, 0755)
			writeChunk(t, dir, 1000, "cough", 200)
			writeChunk(t, dir, 3000, "cough", 400)
			return "m10"
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			id := tc.setup(t, h.root)

			if _, err := h.processor.Process(context.Background(), id, nil); err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			if matches, _ := filepath.Glob(filepath.Join(h.root, id, "*.pcm")); len(matches) != 0 {
				t.Errorf("Expected every chunk removed, got %v", matches)
			}
		})
	}
}

func TestMetricsSummaryLoggedForEveryOutcome(t *testing.T) {
	testCases := []struct {
		name  string
		mixer merge.Mixer
		setup func(t *testing.T, root string)
	}{
		{"empty", nil, func(t *testing.T, root string) {
			os.MkdirAll(filepath.Join(root, "m11"), 0755)
		}},
		{"merge failure", failingMixer{merge.NewNativeMixer(testSettings)}, func(t *testing.T, root string) {
			meetingDir(t, root, "m11")
		}},
		{"transcription skipped", nil, func(t *testing.T, root string) {
			meetingDir(t, root, "m11")
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf strings.Builder
			root := t.TempDir()
			tc.setup(t, root)

			mixer := tc.mixer
			if mixer == nil {
				mixer = merge.NewNativeMixer(testSettings)
			}
			engine := merge.NewEngine(mixer, testSettings, merge.Config{}, zerolog.Nop())
			tr := &fakeTranscriber{err: transcriber.ErrSkipped}
			p := NewProcessor(root, engine, tr, store.NewMemory(), zerolog.New(&buf))

			p.Process(context.Background(), "m11", nil)
			if !strings.Contains(buf.String(), "Meeting: m11") {
				t.Errorf("Expected the recording summary in the log, got %s", buf.String())
			}
		})
	}
}
