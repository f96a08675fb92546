// SPDX-License-Identifier: MIT

package subtitle

import (
	"fmt"
	"strings"
	"time"
)

// DefaultWindow is the analysis window size. Five minutes of dialogue stays
// comfortably inside one model call.
const DefaultWindow = 5 * time.Minute

// Chunk is one analysis window. Text carries per-cue second anchors so the
// model can produce interval timestamps.
type Chunk struct {
	Index    int     `json:"index"`
	Start    float64 `json:"start_seconds"`
	End      float64 `json:"end_seconds"`
	CueCount int     `json:"cue_count"`
	Text     string  `json:"text"`
}

// BuildChunks groups cues into consecutive windows of the given size. A cue
// belongs to the window containing its start time; a window's Start/End are
// the real first-cue start and last-cue end, not the grid boundaries.
func BuildChunks(cues []Cue, window time.Duration) []Chunk {
	if window <= 0 {
		window = DefaultWindow
	}

	var chunks []Chunk
	var text strings.Builder
	windowEnd := time.Duration(-1)

	flushText := func() {
		if len(chunks) > 0 {
			chunks[len(chunks)-1].Text = text.String()
			text.Reset()
		}
	}

	for _, c := range cues {
		if c.Start >= windowEnd {
			flushText()
			base := (c.Start / window) * window
			windowEnd = base + window
			chunks = append(chunks, Chunk{
				Index: len(chunks),
				Start: c.Start.Seconds(),
				End:   c.End.Seconds(),
			})
		}

		cur := &chunks[len(chunks)-1]
		if e := c.End.Seconds(); e > cur.End {
			cur.End = e
		}
		cur.CueCount++
		if text.Len() > 0 {
			text.WriteByte('\n')
		}
		fmt.Fprintf(&text, "[%.1f-%.1f] %s", c.Start.Seconds(), c.End.Seconds(), flattenText(c.Text))
	}
	flushText()
	return chunks
}

// flattenText folds multi-line cue text onto one line so the per-cue time
// anchor stays unambiguous.
func flattenText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
