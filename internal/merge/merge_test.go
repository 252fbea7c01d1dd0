package merge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/audio"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/capture"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/metrics"
	"github.com/rs/zerolog"
)

var testSettings = audio.Settings{SampleRate: 8000, Channels: 1, Bitrate: "64k"}

// writeChunk writes durationMs of a constant sample value.
func writeChunk(t *testing.T, dir string, ts int64, speaker string, durationMs int64, value int16) string {
	t.Helper()
	n := testSettings.SamplesForMs(durationMs)
	data := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		data[2*i] = byte(uint16(value))
		data[2*i+1] = byte(uint16(value) >> 8)
	}
	path := filepath.Join(dir, capture.ChunkName(ts, speaker))
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write chunk: %v", err)
	}
	return path
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	failAt int // 1-based call that fails, 0 never
}

func (r *fakeRunner) CombinedOutput(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	if r.failAt == len(r.calls) {
		return []byte("Invalid data found"), errors.New("exit status 1")
	}
	out := args[len(args)-1]
	if err := os.WriteFile(out, []byte("mixed"), 0644); err != nil {
		return nil, err
	}
	return nil, nil
}

func scenarioDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeChunk(t, dir, 1000, "speakerA", 2000, 100)
	writeChunk(t, dir, 2500, "speakerB", 1000, 200)
	writeChunk(t, dir, 6000, "speakerC", 900, 300)
	// exactly at the noise floor, dropped
	writeChunk(t, dir, 3000, "speakerD", 800, 400)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestScanFiltersAndSorts(t *testing.T) {
	dir := scenarioDir(t)

	chunks, err := Scan(dir, testSettings, DefaultMinChunkMs)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}

	want := []struct {
		speaker  string
		ts       int64
		duration int64
	}{
		{"speakerA", 1000, 2000},
		{"speakerB", 2500, 1000},
		{"speakerC", 6000, 900},
	}
	for i, w := range want {
		c := chunks[i]
		if c.SpeakerID != w.speaker || c.GlobalTimestamp != w.ts || c.DurationMs != w.duration {
			t.Errorf("Chunk %d: expected %+v, got %+v", i, w, c)
		}
	}
}

func TestPartition(t *testing.T) {
	testCases := []struct {
		n, k    int
		batches int
	}{
		{0, 50, 0},
		{1, 50, 1},
		{50, 50, 1},
		{51, 50, 2},
		{7, 2, 4},
		{3, 0, 3},
	}

	for _, tc := range testCases {
		chunks := make([]Chunk, tc.n)
		for i := range chunks {
			chunks[i].GlobalTimestamp = int64(i * 10)
		}
		batches := Partition(chunks, tc.k)
		if len(batches) != tc.batches {
			t.Errorf("n=%d k=%d: expected %d batches, got %d", tc.n, tc.k, tc.batches, len(batches))
			continue
		}
		total := 0
		var last int64 = -1
		for _, b := range batches {
			if tc.k > 0 && len(b) > tc.k {
				t.Errorf("n=%d k=%d: batch of %d exceeds fan-in", tc.n, tc.k, len(b))
			}
			for _, c := range b {
				if c.GlobalTimestamp < last {
					t.Errorf("n=%d k=%d: order broken at %d", tc.n, tc.k, c.GlobalTimestamp)
				}
				last = c.GlobalTimestamp
			}
			total += len(b)
		}
		if total != tc.n {
			t.Errorf("n=%d k=%d: expected %d chunks, got %d", tc.n, tc.k, tc.n, total)
		}
	}
}

func TestAssignOffsets(t *testing.T) {
	chunks := func() []Chunk {
		return []Chunk{
			{GlobalTimestamp: 1000, DurationMs: 2000},
			{GlobalTimestamp: 2500, DurationMs: 1000},
			{GlobalTimestamp: 20000, DurationMs: 500},
			{GlobalTimestamp: 20100, DurationMs: 500},
		}
	}

	raw := chunks()
	assignOffsets(raw, GapRaw, 0)
	for i, want := range []int64{0, 1500, 19000, 19100} {
		if raw[i].OffsetMs != want {
			t.Errorf("raw chunk %d: expected offset %d, got %d", i, want, raw[i].OffsetMs)
		}
	}

	clamped := chunks()
	assignOffsets(clamped, GapClamp, 2000)
	// the gap 3500..20000 shrinks to 2000
	for i, want := range []int64{0, 1500, 4500, 4600} {
		if clamped[i].OffsetMs != want {
			t.Errorf("clamped chunk %d: expected offset %d, got %d", i, want, clamped[i].OffsetMs)
		}
	}
}

func TestParseGapPolicy(t *testing.T) {
	if p, err := ParseGapPolicy(""); err != nil || p != GapRaw {
		t.Errorf("Expected raw default, got %q (%v)", p, err)
	}
	if p, err := ParseGapPolicy("clamp"); err != nil || p != GapClamp {
		t.Errorf("Expected clamp, got %q (%v)", p, err)
	}
	if _, err := ParseGapPolicy("stretch"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestMergeEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	writeChunk(t, dir, 10, "short", 300, 1)

	runner := &fakeRunner{}
	engine := NewEngine(NewFFmpegMixer("", testSettings, WithCommandRunner(runner)), testSettings, Config{}, zerolog.Nop())

	rec, err := engine.Merge(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if !rec.Empty() || rec.Chunks == nil {
		t.Fatalf("Expected empty non-nil chunk list, got %+v", rec.Chunks)
	}
	info, err := os.Stat(filepath.Join(dir, "merged.mp3"))
	if err != nil || info.Size() != 0 {
		t.Errorf("Expected empty placeholder, got %v (%v)", info, err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("Expected no mixer calls, got %d", len(runner.calls))
	}
}

func TestMergeScenarioWithFFmpeg(t *testing.T) {
	dir := scenarioDir(t)
	runner := &fakeRunner{}
	m := metrics.NewRecordingMetrics("scenario")
	engine := NewEngine(NewFFmpegMixer("ffmpeg", testSettings, WithCommandRunner(runner)), testSettings,
		Config{MaxFanIn: 2}, zerolog.Nop())

	rec, err := engine.Merge(context.Background(), dir, m)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	if rec.ChunkCount != 3 || rec.StartTimestamp != 1000 {
		t.Errorf("Unexpected recording %+v", rec)
	}
	if len(runner.calls) != 3 {
		t.Fatalf("Expected 2 batch mixes and 1 final mix, got %d calls", len(runner.calls))
	}

	first := strings.Join(runner.calls[0], " ")
	for _, want := range []string{"-f s16le -ar 8000 -ac 1", "adelay=delays=0:all=1", "adelay=delays=1500:all=1", "amix=inputs=2:duration=longest", "batch_0.wav"} {
		if !strings.Contains(first, want) {
			t.Errorf("First batch args missing %q: %s", want, first)
		}
	}
	second := strings.Join(runner.calls[1], " ")
	for _, want := range []string{"adelay=delays=5000:all=1", "amix=inputs=1:duration=longest", "batch_1.wav"} {
		if !strings.Contains(second, want) {
			t.Errorf("Second batch args missing %q: %s", want, second)
		}
	}
	final := strings.Join(runner.calls[2], " ")
	for _, want := range []string{"batch_0.wav", "batch_1.wav", "amix=inputs=2:duration=longest", "-c:a libmp3lame -b:a 64k", "merged.mp3"} {
		if !strings.Contains(final, want) {
			t.Errorf("Final args missing %q: %s", want, final)
		}
	}

	for _, name := range []string{"batch_0.wav", "batch_1.wav"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("Expected %s to be removed", name)
		}
	}
	if _, err := os.Stat(rec.Chunks[0].Path); err != nil {
		t.Errorf("Raw chunks must survive merge: %v", err)
	}

	meta, err := LoadMetadata(dir)
	if err != nil {
		t.Fatalf("LoadMetadata failed: %v", err)
	}
	if len(meta.Chunks) != 3 || meta.Chunks[1].OffsetMs != 1500 {
		t.Errorf("Unexpected metadata %+v", meta.Chunks)
	}
	if m.ChunksMerged != 3 || m.Batches != 2 {
		t.Errorf("Expected 3 chunks/2 batches in metrics, got %d/%d", m.ChunksMerged, m.Batches)
	}
}

func TestMergeFailurePreservesChunks(t *testing.T) {
	for _, failAt := range []int{1, 2, 3} {
		dir := scenarioDir(t)
		runner := &fakeRunner{failAt: failAt}
		engine := NewEngine(NewFFmpegMixer("ffmpeg", testSettings, WithCommandRunner(runner)), testSettings,
			Config{MaxFanIn: 2}, zerolog.Nop())

		_, err := engine.Merge(context.Background(), dir, nil)
		if !errors.Is(err, ErrMixFailed) {
			t.Fatalf("call %d: expected ErrMixFailed, got %v", failAt, err)
		}
		if !strings.Contains(err.Error(), "Invalid data found") {
			t.Errorf("call %d: expected mixer output in error, got %v", failAt, err)
		}
		if len(runner.calls) != failAt {
			t.Errorf("call %d: expected pipeline to stop, got %d calls", failAt, len(runner.calls))
		}

		chunks, err := Scan(dir, testSettings, DefaultMinChunkMs)
		if err != nil || len(chunks) != 3 {
			t.Errorf("call %d: expected raw chunks preserved, got %d (%v)", failAt, len(chunks), err)
		}
		matches, _ := filepath.Glob(filepath.Join(dir, "batch_*.wav"))
		if len(matches) != 0 {
			t.Errorf("call %d: expected intermediates removed, got %v", failAt, matches)
		}
	}
}

func TestMergeCancelled(t *testing.T) {
	dir := scenarioDir(t)
	runner := &fakeRunner{}
	engine := NewEngine(NewFFmpegMixer("ffmpeg", testSettings, WithCommandRunner(runner)), testSettings,
		Config{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.Merge(ctx, dir, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("Expected no mixer calls, got %d", len(runner.calls))
	}
}

func TestNativeMixerAlignsChunks(t *testing.T) {
	dir := scenarioDir(t)
	engine := NewEngine(NewNativeMixer(testSettings), testSettings, Config{MaxFanIn: 2}, zerolog.Nop())

	rec, err := engine.Merge(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if filepath.Base(rec.Path) != "merged.wav" {
		t.Fatalf("Unexpected output %s", rec.Path)
	}

	buf, err := audio.ReadWAV(rec.Path)
	if err != nil {
		t.Fatalf("Failed to read merged output: %v", err)
	}
	// speakerC ends at 5000+900 ms
	if want := testSettings.SamplesForMs(5900); len(buf.Data) != want {
		t.Fatalf("Expected %d samples, got %d", want, len(buf.Data))
	}

	sampleAt := func(ms int64) int { return buf.Data[testSettings.SamplesForMs(ms)] }
	checks := []struct {
		ms   int64
		want int
	}{
		{100, 100},  // A alone
		{1600, 300}, // A and B overlap
		{2200, 200}, // B alone
		{4000, 0},   // gap
		{5100, 300}, // C
	}
	for _, c := range checks {
		if got := sampleAt(c.ms); got != c.want {
			t.Errorf("At %dms: expected %d, got %d", c.ms, c.want, got)
		}
	}
}

func TestNativeMixerSaturates(t *testing.T) {
	dir := t.TempDir()
	a := writeChunk(t, dir, 0, "a", 10, 30000)
	b := writeChunk(t, dir, 0, "b", 10, 30000)
	out := filepath.Join(dir, "out.wav")

	if err := NewNativeMixer(testSettings).MixBatch(context.Background(), []Input{{Path: a}, {Path: b}}, out); err != nil {
		t.Fatalf("MixBatch failed: %v", err)
	}
	buf, err := audio.ReadWAV(out)
	if err != nil {
		t.Fatalf("ReadWAV failed: %v", err)
	}
	if buf.Data[0] != 32767 {
		t.Errorf("Expected saturated sample, got %d", buf.Data[0])
	}
}

func TestRemoveChunks(t *testing.T) {
	dir := t.TempDir()
	p := writeChunk(t, dir, 1, "x", 900, 1)
	chunks := []Chunk{{Path: p}, {Path: filepath.Join(dir, "missing.pcm")}}
	if err := RemoveChunks(chunks); err != nil {
		t.Fatalf("RemoveChunks failed: %v", err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Error("Expected chunk to be removed")
	}
}

func TestRemoveAllChunksSweepsNoise(t *testing.T) {
	dir := t.TempDir()
	writeChunk(t, dir, 1000, "alice", 2000, 1)
	writeChunk(t, dir, 5000, "bob", 300, 1) // below the noise floor
	keep := []string{"merged.wav", MetadataFile, "notes.pcm"}
	for _, name := range keep {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if err := RemoveAllChunks(dir); err != nil {
		t.Fatalf("RemoveAllChunks failed: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != len(keep) {
		t.Errorf("Expected only %v to remain, got %v", keep, names)
	}
}
