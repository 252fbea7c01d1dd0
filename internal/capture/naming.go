package capture

import (
	"fmt"
	"strconv"
	"strings"
)

// ChunkExt is the extension of raw per-speaker chunk files.
const ChunkExt = ".pcm"

// ChunkName builds "{timestampMs}_{speakerId}.pcm".
func ChunkName(timestampMs int64, speakerID string) string {
	return fmt.Sprintf("%d_%s%s", timestampMs, speakerID, ChunkExt)
}

// ValidSpeakerID reports whether id can be embedded in a chunk file name
// without leaving the output directory.
func ValidSpeakerID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`+"\x00")
}

// ParseChunkName is the inverse of ChunkName. Speaker ids may contain
// underscores; the timestamp never does.
func ParseChunkName(name string) (timestampMs int64, speakerID string, ok bool) {
	base, found := strings.CutSuffix(name, ChunkExt)
	if !found {
		return 0, "", false
	}
	tsPart, speakerID, found := strings.Cut(base, "_")
	if !found || speakerID == "" {
		return 0, "", false
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil || ts < 0 {
		return 0, "", false
	}
	return ts, speakerID, true
}
