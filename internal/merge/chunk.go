// Package merge turns the per-speaker chunk files of one capture directory
// into a single time-aligned recording.
package merge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/audio"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/capture"
)

// Chunk is one recorded utterance of one speaker.
type Chunk struct {
	Path            string `json:"path"`
	SpeakerID       string `json:"speakerId"`
	GlobalTimestamp int64  `json:"globalTimestamp"`
	DurationMs      int64  `json:"durationMs"`
	// OffsetMs is the chunk's position on the merged timeline.
	OffsetMs int64 `json:"offsetMs"`
}

// EndMs is the exclusive end of the chunk on the merged timeline.
func (c Chunk) EndMs() int64 { return c.OffsetMs + c.DurationMs }

// Batch is a contiguous group of chunks mixed by one mixer invocation.
type Batch struct {
	Index  int
	Chunks []Chunk
	Output string
}

// Recording is the result of a merge.
type Recording struct {
	Path           string  `json:"path"`
	ChunkCount     int     `json:"totalSpeakerChunkCount"`
	StartTimestamp int64   `json:"startTimestamp"`
	Chunks         []Chunk `json:"chunks"`
}

// Empty reports whether the capture held nothing worth transcribing.
func (r *Recording) Empty() bool { return r == nil || len(r.Chunks) == 0 }

// Scan lists the raw chunk files in dir, dropping chunks no longer than
// minChunkMs, sorted by capture time. Ties on timestamp sort by speaker id.
func Scan(dir string, settings audio.Settings, minChunkMs int64) ([]Chunk, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture dir: %w", err)
	}

	var chunks []Chunk
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, speakerID, ok := capture.ParseChunkName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", entry.Name(), err)
		}
		duration := settings.DurationMs(info.Size())
		if duration <= minChunkMs {
			continue
		}
		chunks = append(chunks, Chunk{
			Path:            filepath.Join(dir, entry.Name()),
			SpeakerID:       speakerID,
			GlobalTimestamp: ts,
			DurationMs:      duration,
		})
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].GlobalTimestamp != chunks[j].GlobalTimestamp {
			return chunks[i].GlobalTimestamp < chunks[j].GlobalTimestamp
		}
		return chunks[i].SpeakerID < chunks[j].SpeakerID
	})
	return chunks, nil
}

// Partition splits sorted chunks into contiguous batches of at most k.
func Partition(chunks []Chunk, k int) [][]Chunk {
	if k <= 0 {
		k = 1
	}
	batches := make([][]Chunk, 0, (len(chunks)+k-1)/k)
	for start := 0; start < len(chunks); start += k {
		end := min(start+k, len(chunks))
		batches = append(batches, chunks[start:end])
	}
	return batches
}

// RemoveChunks deletes raw chunk files. Files already gone are ignored.
func RemoveChunks(chunks []Chunk) error {
	var firstErr error
	for _, c := range chunks {
		if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove %s: %w", c.Path, err)
		}
	}
	return firstErr
}

// RemoveAllChunks deletes every raw chunk file in dir, including chunks Scan
// dropped below the noise floor. Other files are left alone.
func RemoveAllChunks(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var chunks []Chunk
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, _, ok := capture.ParseChunkName(e.Name()); ok {
			chunks = append(chunks, Chunk{Path: filepath.Join(dir, e.Name())})
		}
	}
	return RemoveChunks(chunks)
}
