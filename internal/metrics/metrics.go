package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// RecordingMetrics collects counters for one meeting from capture through attribution.
type RecordingMetrics struct {
	MeetingID       string
	StartTime       time.Time
	EndTime         time.Time
	ChunksCaptured  int
	AudioBytes      int64
	DecodeErrors    int
	ChunksAbandoned int
	ChunksMerged    int
	Batches         int
	MergeDuration   time.Duration
	Segments        int
	Resolutions     map[string]int
	mu              sync.Mutex
}

func NewRecordingMetrics(meetingID string) *RecordingMetrics {
	return &RecordingMetrics{
		MeetingID:   meetingID,
		StartTime:   time.Now(),
		Resolutions: make(map[string]int),
	}
}

func (m *RecordingMetrics) AddAudioBytes(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AudioBytes += int64(bytes)
}

func (m *RecordingMetrics) AddChunk() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChunksCaptured++
}

// AddDecodeError counts a failed frame and the chunk it abandoned.
func (m *RecordingMetrics) AddDecodeError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DecodeErrors++
	m.ChunksAbandoned++
}

func (m *RecordingMetrics) SetMerge(chunks, batches int, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChunksMerged = chunks
	m.Batches = batches
	m.MergeDuration = took
}

// AddResolution counts one attributed segment by how it was resolved.
func (m *RecordingMetrics) AddResolution(how string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Segments++
	m.Resolutions[how]++
}

func (m *RecordingMetrics) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EndTime = time.Now()
}

// Snapshot returns captured counts without the lock held by the caller.
func (m *RecordingMetrics) Snapshot() (chunks int, bytes int64, decodeErrors int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ChunksCaptured, m.AudioBytes, m.DecodeErrors
}

func (m *RecordingMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := m.EndTime
	if end.IsZero() {
		end = time.Now()
	}

	keys := make([]string, 0, len(m.Resolutions))
	for k := range m.Resolutions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m.Resolutions[k]))
	}

	return fmt.Sprintf(
		"Meeting: %s\n"+
			"Duration: %v\n"+
			"Chunks Captured: %d\n"+
			"Audio Bytes: %d\n"+
			"Decode Errors: %d\n"+
			"Chunks Abandoned: %d\n"+
			"Chunks Merged: %d\n"+
			"Batches: %d\n"+
			"Merge Time: %v\n"+
			"Segments: %d\n"+
			"Resolutions: %s\n",
		m.MeetingID,
		end.Sub(m.StartTime).Truncate(time.Millisecond),
		m.ChunksCaptured,
		m.AudioBytes,
		m.DecodeErrors,
		m.ChunksAbandoned,
		m.ChunksMerged,
		m.Batches,
		m.MergeDuration.Truncate(time.Millisecond),
		m.Segments,
		strings.Join(parts, " "),
	)
}
