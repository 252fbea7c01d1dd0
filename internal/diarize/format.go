package diarize

import (
	"fmt"
	"strings"
)

// Format renders segments one per line as "[start-end] speaker: text".
func Format(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "[%.1f-%.1f] %s: %s\n", s.Start, s.End, s.UserID, text)
	}
	return b.String()
}
