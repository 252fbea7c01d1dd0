// Package diarize assigns a speaker to every transcript segment using the
// capture metadata of the chunks the recording was mixed from.
package diarize

import (
	"errors"
	"math"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/interval"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/merge"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/transcriber"
)

// ErrNoChunks is returned when there is nothing to attribute against.
var ErrNoChunks = errors.New("no chunks to attribute segments to")

// Resolution records which rule picked the speaker.
type Resolution string

const (
	ByOverlap  Resolution = "overlap"
	ByPrevious Resolution = "previous"
	ByNearest  Resolution = "nearest"
)

// Segment is a transcript segment with its speaker.
type Segment struct {
	transcriber.Segment
	UserID     string     `json:"userId"`
	Resolution Resolution `json:"resolution"`
}

// Attribute resolves a speaker for every segment, in transcript order:
// the chunk with the largest overlap, else the previous segment's speaker,
// else the chunk starting nearest to the segment. Chunk offsets must come
// from the same merge as the recording the segments were transcribed from.
func Attribute(segments []transcriber.Segment, chunks []merge.Chunk) ([]Segment, error) {
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}

	index := interval.New[merge.Chunk]()
	for _, c := range chunks {
		index.Insert(c.OffsetMs, c.EndMs(), c)
	}

	out := make([]Segment, len(segments))
	var previous string
	for i, seg := range segments {
		start, end := toMs(seg.Start), toMs(seg.End)

		speaker, how := bestOverlap(index, start, end), ByOverlap
		if speaker == "" {
			if previous != "" {
				speaker, how = previous, ByPrevious
			} else {
				speaker, how = nearest(chunks, start), ByNearest
			}
		}

		out[i] = Segment{Segment: seg, UserID: speaker, Resolution: how}
		previous = speaker
	}
	return out, nil
}

func toMs(sec float64) int64 {
	return int64(math.Round(sec * 1000))
}

// bestOverlap returns "" when no chunk overlaps [start,end).
func bestOverlap(index *interval.Index[merge.Chunk], start, end int64) string {
	if end <= start {
		return ""
	}
	var (
		best    merge.Chunk
		bestLen int64
		found   bool
	)
	for _, it := range index.Search(start, end) {
		overlap := min(end, it.End) - max(start, it.Start)
		if overlap <= 0 {
			continue
		}
		if !found || overlap > bestLen || (overlap == bestLen && earlier(it.Value, best)) {
			best, bestLen, found = it.Value, overlap, true
		}
	}
	if !found {
		return ""
	}
	return best.SpeakerID
}

func nearest(chunks []merge.Chunk, start int64) string {
	best := chunks[0]
	bestDist := abs(best.OffsetMs - start)
	for _, c := range chunks[1:] {
		d := abs(c.OffsetMs - start)
		if d < bestDist || (d == bestDist && earlier(c, best)) {
			best, bestDist = c, d
		}
	}
	return best.SpeakerID
}

// earlier orders by capture timestamp, then speaker id.
func earlier(a, b merge.Chunk) bool {
	if a.GlobalTimestamp != b.GlobalTimestamp {
		return a.GlobalTimestamp < b.GlobalTimestamp
	}
	return a.SpeakerID < b.SpeakerID
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Counts tallies segments per resolution rule.
func Counts(segments []Segment) map[Resolution]int {
	counts := make(map[Resolution]int)
	for _, s := range segments {
		counts[s.Resolution]++
	}
	return counts
}
