// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/capability/llm"
)

// runHighlight scores the timeline intervals, selects the ones worth
// exporting, titles them, and groups them into collections. Three
// artifacts come out of it: scoring (with the selection), titles, and
// clustering.
func (o *Orchestrator) runHighlight(ctx context.Context, env *runEnv) (StageSummary, error) {
	summary := newSummary()

	var tl Timeline
	if err := env.readArtifact(TimelineArtifact, &tl); err != nil {
		return summary, err
	}

	candidates := make([]Interval, 0, len(tl.Intervals))
	for _, iv := range tl.Intervals {
		if d := iv.Duration(); d < env.settings.MinClipSeconds || d > env.settings.MaxClipSeconds {
			summary.Warnings = append(summary.Warnings,
				fmt.Sprintf("interval %s is %.1fs, outside [%.0f,%.0f]", iv.ID, d, env.settings.MinClipSeconds, env.settings.MaxClipSeconds))
			continue
		}
		candidates = append(candidates, iv)
	}
	if len(candidates) == 0 {
		return summary, apperr.New(apperr.Unrecoverable, "no interval within clip length bounds")
	}

	env.sub(ctx, 0.1, "scoring intervals")
	candidateJSON, err := json.Marshal(Timeline{Intervals: candidates})
	if err != nil {
		return summary, apperr.Wrap(apperr.Internal, err, "encode intervals for scoring")
	}
	var scored struct {
		Scores []Score `json:"scores"`
	}
	if err := o.deps.LLM.CallJSON(ctx, llm.PromptScoring, string(candidateJSON), &scored); err != nil {
		return summary, err
	}

	selected := selectIntervals(candidates, scored.Scores, env.settings)
	if len(selected) == 0 {
		return summary, apperr.Newf(apperr.Unrecoverable, "no interval scored at or above %.2f", env.settings.MinScore)
	}
	selectedIDs := make([]string, len(selected))
	for i, iv := range selected {
		selectedIDs[i] = iv.ID
	}
	if _, err := env.writeArtifact(ctx, ScoringArtifact, Scoring{
		Scores:   scored.Scores,
		Selected: selectedIDs,
	}); err != nil {
		return summary, err
	}

	env.sub(ctx, 0.5, "titling highlights")
	selectedJSON, err := json.Marshal(Timeline{Intervals: selected})
	if err != nil {
		return summary, apperr.Wrap(apperr.Internal, err, "encode selection for titling")
	}
	var titled Titles
	if err := o.deps.LLM.CallJSON(ctx, llm.PromptTitle, string(selectedJSON), &titled); err != nil {
		return summary, err
	}
	titles, titleWarnings := normalizeTitles(selected, titled.Titles)
	summary.Warnings = append(summary.Warnings, titleWarnings...)
	if _, err := env.writeArtifact(ctx, TitleArtifact, Titles{Titles: titles}); err != nil {
		return summary, err
	}

	env.sub(ctx, 0.8, "clustering highlights")
	var clustered Clustering
	if err := o.deps.LLM.CallJSON(ctx, llm.PromptClustering, string(selectedJSON), &clustered); err != nil {
		return summary, err
	}
	clusters, clusterWarnings := normalizeClusters(clustered.Collections, selectedIDs)
	summary.Warnings = append(summary.Warnings, clusterWarnings...)
	if _, err := env.writeArtifact(ctx, ClusteringArtifact, Clustering{Collections: clusters}); err != nil {
		return summary, err
	}

	summary.Counts["intervals"] = len(tl.Intervals)
	summary.Counts["candidates"] = len(candidates)
	summary.Counts["selected"] = len(selected)
	summary.Counts["collections"] = len(clusters)
	return summary, nil
}

// selectIntervals keeps intervals at or above the score threshold, best
// first, capped at MaxClips, and returns them in playback order. Intervals
// the model left unscored count as zero.
func selectIntervals(candidates []Interval, scores []Score, s Settings) []Interval {
	scoreByID := make(map[string]float64, len(scores))
	for _, sc := range scores {
		scoreByID[sc.ID] = sc.Score
	}

	ranked := make([]Interval, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return scoreByID[ranked[i].ID] > scoreByID[ranked[j].ID]
	})

	var picked []Interval
	for _, iv := range ranked {
		if scoreByID[iv.ID] < s.MinScore {
			break
		}
		picked = append(picked, iv)
		if len(picked) == s.MaxClips {
			break
		}
	}
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].Start < picked[j].Start })
	return picked
}

// normalizeTitles keeps one title per selected interval, in selection
// order, inventing a fallback for anything the model skipped.
func normalizeTitles(selected []Interval, titles []Title) ([]Title, []string) {
	byID := make(map[string]string, len(titles))
	for _, t := range titles {
		if t.Title != "" {
			byID[t.ID] = t.Title
		}
	}
	out := make([]Title, 0, len(selected))
	var warnings []string
	for i, iv := range selected {
		title, ok := byID[iv.ID]
		if !ok {
			title = fmt.Sprintf("Highlight %d", i+1)
			warnings = append(warnings, "no title returned for "+iv.ID)
		}
		out = append(out, Title{ID: iv.ID, Title: title})
	}
	return out, warnings
}

// normalizeClusters drops references to unselected intervals, removes
// emptied clusters, and assigns stable natural ids.
func normalizeClusters(clusters []Cluster, selectedIDs []string) ([]Cluster, []string) {
	selected := make(map[string]struct{}, len(selectedIDs))
	for _, id := range selectedIDs {
		selected[id] = struct{}{}
	}

	out := make([]Cluster, 0, len(clusters))
	var warnings []string
	for _, c := range clusters {
		kept := make([]string, 0, len(c.ClipIDs))
		for _, id := range c.ClipIDs {
			if _, ok := selected[id]; !ok {
				warnings = append(warnings, fmt.Sprintf("cluster %q references unselected interval %s", c.Title, id))
				continue
			}
			kept = append(kept, id)
		}
		if len(kept) == 0 {
			warnings = append(warnings, fmt.Sprintf("cluster %q has no selected intervals", c.Title))
			continue
		}
		c.ClipIDs = kept
		c.ID = fmt.Sprintf("col_%d", len(out)+1)
		if c.Title == "" {
			c.Title = fmt.Sprintf("Collection %d", len(out)+1)
		}
		out = append(out, c)
	}
	return out, warnings
}
