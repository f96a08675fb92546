// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/subtitle"
)

// runDone assembles the final manifests under metadata/ from the step
// artifacts and the exported files, and backfills the media duration when
// ingest could not determine it. The data-sync service reads nothing but
// these two manifests.
func (o *Orchestrator) runDone(ctx context.Context, env *runEnv) (StageSummary, error) {
	summary := newSummary()

	var outline Outline
	if err := env.readArtifact(OutlineArtifact, &outline); err != nil {
		return summary, err
	}
	var tl Timeline
	if err := env.readArtifact(TimelineArtifact, &tl); err != nil {
		return summary, err
	}
	var sc Scoring
	if err := env.readArtifact(ScoringArtifact, &sc); err != nil {
		return summary, err
	}
	var ti Titles
	if err := env.readArtifact(TitleArtifact, &ti); err != nil {
		return summary, err
	}
	var cl Clustering
	if err := env.readArtifact(ClusteringArtifact, &cl); err != nil {
		return summary, err
	}

	intervalByID := make(map[string]Interval, len(tl.Intervals))
	for _, iv := range tl.Intervals {
		intervalByID[iv.ID] = iv
	}
	titleByID := make(map[string]string, len(ti.Titles))
	for _, t := range ti.Titles {
		titleByID[t.ID] = t.Title
	}
	scoreByID := make(map[string]Score, len(sc.Scores))
	for _, s := range sc.Scores {
		scoreByID[s.ID] = s
	}
	scoringPath, err := env.path(ScoringArtifact)
	if err != nil {
		return summary, err
	}

	clips := make([]ClipMetadata, 0, len(sc.Selected))
	for _, id := range sc.Selected {
		iv, found := intervalByID[id]
		if !found {
			summary.Warnings = append(summary.Warnings, "selected interval "+id+" missing from timeline")
			continue
		}
		filePath, err := env.requireArtifact(ClipArtifact(id))
		if err != nil {
			return summary, err
		}
		score := scoreByID[id]
		clips = append(clips, ClipMetadata{
			ID:              id,
			Title:           titleByID[id],
			Score:           score.Score,
			RecommendReason: score.Reason,
			StartTime:       iv.Start,
			EndTime:         iv.End,
			Duration:        iv.Duration(),
			ChunkIndex:      chunkIndexFor(outline, iv),
			FilePath:        filePath,
			ArtifactPath:    scoringPath,
		})
	}
	if len(clips) == 0 {
		return summary, apperr.New(apperr.Unrecoverable, "no exported clip to finalise")
	}

	now := o.deps.Clock().UTC()
	if _, err := env.writeArtifact(ctx, ClipsManifestPath, ClipsManifest{
		ProjectID:   env.project.ID,
		GeneratedAt: now,
		Clips:       clips,
	}); err != nil {
		return summary, err
	}
	env.sub(ctx, 0.5, "finalising metadata")

	collections := make([]CollectionMetadata, 0, len(cl.Collections))
	for _, cluster := range cl.Collections {
		entry := CollectionMetadata{
			ID:          cluster.ID,
			Title:       cluster.Title,
			Description: cluster.Description,
			ClipIDs:     cluster.ClipIDs,
		}
		if abs, pathErr := env.path(CollectionArtifact(cluster.ID)); pathErr == nil && o.deps.Content.Exists(abs) {
			entry.FilePath = abs
		}
		collections = append(collections, entry)
	}
	if _, err := env.writeArtifact(ctx, CollectionsPath, CollectionsManifest{
		ProjectID:   env.project.ID,
		GeneratedAt: now,
		Collections: collections,
	}); err != nil {
		return summary, err
	}

	if env.project.VideoDuration == 0 {
		video := env.project.VideoPath
		if video == "" {
			video, _ = o.findRawVideo(env.project.ID)
		}
		subPath := env.project.SubtitlePath
		if subPath == "" {
			if abs, pathErr := env.path(SubtitleArtifact); pathErr == nil {
				subPath = abs
			}
		}
		if cues, cueErr := o.loadCues(env); cueErr == nil {
			if dur := subtitle.Duration(cues).Seconds(); dur > 0 {
				if err := o.deps.Meta.UpdateProjectMedia(ctx, env.project.ID, video, subPath, dur); err == nil {
					env.project.VideoDuration = dur
				}
			}
		}
	}

	env.result.Clips = len(clips)
	env.result.Collections = len(collections)
	summary.Counts["clips"] = len(clips)
	summary.Counts["collections"] = len(collections)
	return summary, nil
}

// chunkIndexFor finds the outline point covering the interval's midpoint.
func chunkIndexFor(outline Outline, iv Interval) int {
	mid := (iv.Start + iv.End) / 2
	for _, p := range outline.Points {
		if mid >= p.Start && mid <= p.End {
			return p.ChunkIndex
		}
	}
	return 0
}
