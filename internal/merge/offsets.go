package merge

import "fmt"

// GapPolicy decides how capture timestamps map onto the merged timeline.
type GapPolicy string

const (
	// GapRaw places every chunk at its timestamp minus the first timestamp.
	GapRaw GapPolicy = "raw"
	// GapClamp shortens silent stretches longer than MaxGapMs to MaxGapMs.
	GapClamp GapPolicy = "clamp"
)

// ParseGapPolicy accepts "", "raw" and "clamp".
func ParseGapPolicy(s string) (GapPolicy, error) {
	switch GapPolicy(s) {
	case "", GapRaw:
		return GapRaw, nil
	case GapClamp:
		return GapClamp, nil
	}
	return "", fmt.Errorf("unknown gap policy %q", s)
}

// assignOffsets fills OffsetMs on chunks sorted by timestamp.
func assignOffsets(chunks []Chunk, policy GapPolicy, maxGapMs int64) {
	if len(chunks) == 0 {
		return
	}
	t0 := chunks[0].GlobalTimestamp

	if policy != GapClamp || maxGapMs <= 0 {
		for i := range chunks {
			chunks[i].OffsetMs = chunks[i].GlobalTimestamp - t0
		}
		return
	}

	// removed accumulates silence cut so far; a gap is measured from the
	// furthest end reached by any earlier chunk, so overlaps are untouched.
	var removed int64
	reach := chunks[0].GlobalTimestamp + chunks[0].DurationMs
	chunks[0].OffsetMs = 0
	for i := 1; i < len(chunks); i++ {
		ts := chunks[i].GlobalTimestamp
		if gap := ts - reach; gap > maxGapMs {
			removed += gap - maxGapMs
		}
		chunks[i].OffsetMs = ts - t0 - removed
		reach = max(reach, ts+chunks[i].DurationMs)
	}
}
