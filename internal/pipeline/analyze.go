// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/capability/llm"
	"github.com/clipforge/clipforge/internal/subtitle"
)

// runAnalyze outlines every subtitle window and condenses the outlines into
// a timeline of candidate intervals. The chunk fan-out is bounded; one
// failed call fails the stage (the LLM client already retried transients).
func (o *Orchestrator) runAnalyze(ctx context.Context, env *runEnv) (StageSummary, error) {
	summary := newSummary()

	cues, err := o.loadCues(env)
	if err != nil {
		return summary, err
	}
	chunks := subtitle.BuildChunks(cues, env.settings.ChunkWindow())
	if len(chunks) == 0 {
		return summary, apperr.New(apperr.Unrecoverable, "subtitle track produced no analysis windows")
	}

	outlines := make([][]OutlinePoint, len(chunks))
	var outlined atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(env.settings.LLMConcurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			var out Outline
			if err := o.deps.LLM.CallJSON(gctx, llm.PromptOutline, chunk.Text, &out); err != nil {
				return fmt.Errorf("outline chunk %d: %w", chunk.Index, err)
			}
			for j := range out.Points {
				out.Points[j].ChunkIndex = chunk.Index
			}
			outlines[i] = out.Points
			done := outlined.Add(1)
			env.sub(ctx, 0.7*float64(done)/float64(len(chunks)), "outlining")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	var merged Outline
	for _, pts := range outlines {
		merged.Points = append(merged.Points, pts...)
	}
	sort.SliceStable(merged.Points, func(i, j int) bool {
		return merged.Points[i].Start < merged.Points[j].Start
	})
	if len(merged.Points) == 0 {
		return summary, apperr.New(apperr.Unrecoverable, "analysis produced no outline points")
	}
	if _, err := env.writeArtifact(ctx, OutlineArtifact, merged); err != nil {
		return summary, err
	}

	env.sub(ctx, 0.8, "building timeline")
	input, err := json.Marshal(merged)
	if err != nil {
		return summary, apperr.Wrap(apperr.Internal, err, "encode outline for timeline")
	}
	var tl Timeline
	if err := o.deps.LLM.CallJSON(ctx, llm.PromptTimeline, string(input), &tl); err != nil {
		return summary, err
	}

	intervals, warnings := sanitizeIntervals(tl.Intervals, env.project.VideoDuration)
	summary.Warnings = append(summary.Warnings, warnings...)
	if len(intervals) == 0 {
		return summary, apperr.New(apperr.Unrecoverable, "timeline produced no candidate intervals")
	}
	if _, err := env.writeArtifact(ctx, TimelineArtifact, Timeline{Intervals: intervals}); err != nil {
		return summary, err
	}

	summary.Counts["chunks"] = len(chunks)
	summary.Counts["outline_points"] = len(merged.Points)
	summary.Counts["intervals"] = len(intervals)
	return summary, nil
}

// sanitizeIntervals drops malformed intervals, clamps the rest into the
// media duration when it is known, sorts by start, and guarantees unique
// natural ids.
func sanitizeIntervals(in []Interval, videoDuration float64) ([]Interval, []string) {
	var out []Interval
	var warnings []string
	seen := make(map[string]bool, len(in))
	nextID := 0

	for _, iv := range in {
		if iv.Start < 0 {
			iv.Start = 0
		}
		if videoDuration > 0 && iv.End > videoDuration {
			iv.End = videoDuration
		}
		if iv.End <= iv.Start {
			warnings = append(warnings, fmt.Sprintf("dropped interval %q with empty range [%.1f,%.1f]", iv.ID, iv.Start, iv.End))
			continue
		}
		for iv.ID == "" || seen[iv.ID] {
			nextID++
			iv.ID = fmt.Sprintf("seg_%d", nextID)
		}
		seen[iv.ID] = true
		out = append(out, iv)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, warnings
}
