// SPDX-License-Identifier: MIT

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/clipforge/clipforge/internal/apperr"
)

// StubProvider produces deterministic output for every prompt. It backs
// tests and LLM_PROVIDER=stub deployments where no model is wired up; the
// outputs are structurally identical to what a real model returns.
type StubProvider struct{}

func (StubProvider) Call(ctx context.Context, prompt, input string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperr.Wrap(apperr.Cancelled, err, "stub call")
	}
	switch prompt {
	case PromptOutline:
		return stubOutline(input)
	case PromptTimeline:
		return stubTimeline(input)
	case PromptScoring:
		return stubScoring(input)
	case PromptTitle:
		return stubTitle(input)
	case PromptClustering:
		return stubClustering(input)
	default:
		return "", apperr.Newf(apperr.InvalidArgument, "unknown prompt %q", prompt)
	}
}

// anchorRe matches the "[start-end] text" lines that chunked subtitles carry.
var anchorRe = regexp.MustCompile(`^\[(\d+(?:\.\d+)?)-(\d+(?:\.\d+)?)\]\s*(.+)$`)

type stubPoint struct {
	ChunkIndex int     `json:"chunk_index,omitempty"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Topic      string  `json:"topic"`
	Summary    string  `json:"summary"`
}

type stubInterval struct {
	ID    string  `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Topic string  `json:"topic"`
}

// stubOutline groups anchored cue lines into points of up to five lines.
func stubOutline(input string) (string, error) {
	type anchored struct {
		start, end float64
		text       string
	}
	var lines []anchored
	for _, raw := range strings.Split(input, "\n") {
		m := anchorRe.FindStringSubmatch(strings.TrimSpace(raw))
		if m == nil {
			continue
		}
		start, err1 := strconv.ParseFloat(m[1], 64)
		end, err2 := strconv.ParseFloat(m[2], 64)
		if err1 != nil || err2 != nil || end <= start {
			continue
		}
		lines = append(lines, anchored{start: start, end: end, text: m[3]})
	}

	points := []stubPoint{}
	const groupSize = 5
	for i := 0; i < len(lines); i += groupSize {
		j := i + groupSize
		if j > len(lines) {
			j = len(lines)
		}
		group := lines[i:j]
		var texts []string
		for _, l := range group {
			texts = append(texts, l.text)
		}
		points = append(points, stubPoint{
			Start:   group[0].start,
			End:     group[len(group)-1].end,
			Topic:   firstWords(group[0].text, 4),
			Summary: firstWords(strings.Join(texts, " "), 12),
		})
	}
	return marshalStub(struct {
		Points []stubPoint `json:"points"`
	}{Points: points})
}

// stubTimeline maps outline points 1:1 onto identified intervals.
func stubTimeline(input string) (string, error) {
	var in struct {
		Points []stubPoint `json:"points"`
	}
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", apperr.Wrap(apperr.InvalidArgument, err, "stub timeline input")
	}
	intervals := []stubInterval{}
	for _, p := range in.Points {
		if p.End <= p.Start {
			continue
		}
		intervals = append(intervals, stubInterval{
			ID:    fmt.Sprintf("seg_%d", len(intervals)+1),
			Start: p.Start,
			End:   p.End,
			Topic: p.Topic,
		})
	}
	return marshalStub(struct {
		Intervals []stubInterval `json:"intervals"`
	}{Intervals: intervals})
}

// stubScoring scores by position so early segments rank highest, which makes
// selection behavior predictable without a model.
func stubScoring(input string) (string, error) {
	var in struct {
		Intervals []stubInterval `json:"intervals"`
	}
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", apperr.Wrap(apperr.InvalidArgument, err, "stub scoring input")
	}
	type score struct {
		ID     string  `json:"id"`
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	scores := []score{}
	for i, iv := range in.Intervals {
		v := 0.95 - 0.08*float64(i%10)
		if v < 0.05 {
			v = 0.05
		}
		reason := "self-contained segment"
		if iv.Topic != "" {
			reason = "self-contained segment about " + iv.Topic
		}
		scores = append(scores, score{ID: iv.ID, Score: round2(v), Reason: reason})
	}
	return marshalStub(struct {
		Scores []score `json:"scores"`
	}{Scores: scores})
}

func stubTitle(input string) (string, error) {
	var in struct {
		Intervals []stubInterval `json:"intervals"`
	}
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", apperr.Wrap(apperr.InvalidArgument, err, "stub title input")
	}
	type title struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	titles := []title{}
	for _, iv := range in.Intervals {
		t := "Key moment " + iv.ID
		if iv.Topic != "" {
			t = capitalize(iv.Topic) + ": key moment"
		}
		titles = append(titles, title{ID: iv.ID, Title: t})
	}
	return marshalStub(struct {
		Titles []title `json:"titles"`
	}{Titles: titles})
}

// stubClustering pairs consecutive intervals into collections.
func stubClustering(input string) (string, error) {
	var in struct {
		Intervals []stubInterval `json:"intervals"`
	}
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", apperr.Wrap(apperr.InvalidArgument, err, "stub clustering input")
	}
	type cluster struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		ClipIDs     []string `json:"clip_ids"`
	}
	collections := []cluster{}
	for i := 0; i < len(in.Intervals); i += 2 {
		j := i + 2
		if j > len(in.Intervals) {
			j = len(in.Intervals)
		}
		group := in.Intervals[i:j]
		ids := make([]string, 0, len(group))
		topics := make([]string, 0, len(group))
		for _, iv := range group {
			ids = append(ids, iv.ID)
			if iv.Topic != "" {
				topics = append(topics, iv.Topic)
			}
		}
		title := fmt.Sprintf("Part %d", len(collections)+1)
		if len(topics) > 0 {
			title = fmt.Sprintf("Part %d: %s", len(collections)+1, capitalize(topics[0]))
		}
		collections = append(collections, cluster{
			Title:       title,
			Description: "Covers " + strings.Join(topics, ", "),
			ClipIDs:     ids,
		})
	}
	return marshalStub(struct {
		Collections []cluster `json:"collections"`
	}{Collections: collections})
}

func marshalStub(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "encode stub output")
	}
	return string(data), nil
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

func capitalize(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
