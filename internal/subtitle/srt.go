// SPDX-License-Identifier: MIT

// Package subtitle parses and serialises SubRip tracks and slices them into
// time windows for language-model analysis.
package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/clipforge/clipforge/internal/apperr"
)

// Cue is one subtitle entry with NFC-normalised text.
type Cue struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

// Parse reads an SRT document. It tolerates the variance seen in the wild:
// UTF-8 BOM, CRLF endings, missing index lines, `.` instead of `,` before
// the milliseconds. Cues come back sorted by start time and renumbered;
// cues with empty text or non-positive duration are dropped.
func Parse(r io.Reader) ([]Cue, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var cues []Cue
	var block []string
	first := true

	flush := func() error {
		if len(block) == 0 {
			return nil
		}
		cue, ok, err := parseBlock(block)
		block = block[:0]
		if err != nil {
			return err
		}
		if ok {
			cues = append(cues, cue)
		}
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if first {
			line = strings.TrimPrefix(line, "\uFEFF")
			first = false
		}
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		block = append(block, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, err, "read subtitle")
	}
	if err := flush(); err != nil {
		return nil, err
	}

	sort.SliceStable(cues, func(i, j int) bool { return cues[i].Start < cues[j].Start })
	for i := range cues {
		cues[i].Index = i + 1
	}
	return cues, nil
}

func parseBlock(block []string) (Cue, bool, error) {
	i := 0
	// An index line is a bare integer; some files omit it.
	if _, err := strconv.Atoi(strings.TrimSpace(block[0])); err == nil {
		i++
	}
	if i >= len(block) {
		return Cue{}, false, nil
	}

	start, end, err := parseTimeLine(block[i])
	if err != nil {
		return Cue{}, false, err
	}
	i++

	text := norm.NFC.String(strings.TrimSpace(strings.Join(block[i:], "\n")))
	if text == "" || end <= start {
		return Cue{}, false, nil
	}
	return Cue{Start: start, End: end, Text: text}, true, nil
}

func parseTimeLine(line string) (time.Duration, time.Duration, error) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, apperr.Newf(apperr.InvalidArgument, "malformed cue timing: %q", line)
	}
	start, err := parseTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	// Position hints ("X1:… X2:…") may trail the end timestamp.
	endRaw := strings.Fields(strings.TrimSpace(parts[1]))
	if len(endRaw) == 0 {
		return 0, 0, apperr.Newf(apperr.InvalidArgument, "malformed cue timing: %q", line)
	}
	end, err := parseTimestamp(endRaw[0])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// parseTimestamp reads HH:MM:SS,mmm (or with '.').
func parseTimestamp(s string) (time.Duration, error) {
	s = strings.ReplaceAll(s, ".", ",")
	var h, m, sec, ms int
	if _, err := fmt.Sscanf(s, "%d:%d:%d,%d", &h, &m, &sec, &ms); err != nil {
		return 0, apperr.Newf(apperr.InvalidArgument, "malformed timestamp: %q", s)
	}
	if m > 59 || sec > 59 || ms > 999 || h < 0 || m < 0 || sec < 0 || ms < 0 {
		return 0, apperr.Newf(apperr.InvalidArgument, "timestamp out of range: %q", s)
	}
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second +
		time.Duration(ms)*time.Millisecond, nil
}

// Write serialises cues as SRT, renumbering from 1.
func Write(w io.Writer, cues []Cue) error {
	bw := bufio.NewWriter(w)
	for i, c := range cues {
		if i > 0 {
			if _, err := bw.WriteString("\n"); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n",
			i+1, formatTimestamp(c.Start), formatTimestamp(c.End), c.Text); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func formatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// Duration returns the end of the last cue.
func Duration(cues []Cue) time.Duration {
	var max time.Duration
	for _, c := range cues {
		if c.End > max {
			max = c.End
		}
	}
	return max
}
