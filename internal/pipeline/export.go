// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/clipforge/internal/apperr"
)

// runExport cuts every selected interval to output/clips/<id>.mp4 and
// concatenates each collection to output/collections/<id>.mp4. Files are
// produced in scratch space and renamed into place, so an interrupted
// export leaves the previous file or none, never a torn one. Existing
// outputs are kept, which makes a resumed export cheap.
func (o *Orchestrator) runExport(ctx context.Context, env *runEnv) (StageSummary, error) {
	summary := newSummary()

	videoPath, ok := o.findRawVideo(env.project.ID)
	if !ok {
		return summary, apperr.New(apperr.Unrecoverable, "missing artifact: raw video")
	}
	var tl Timeline
	if err := env.readArtifact(TimelineArtifact, &tl); err != nil {
		return summary, err
	}
	var sc Scoring
	if err := env.readArtifact(ScoringArtifact, &sc); err != nil {
		return summary, err
	}
	var cl Clustering
	if err := env.readArtifact(ClusteringArtifact, &cl); err != nil {
		return summary, err
	}

	byID := make(map[string]Interval, len(tl.Intervals))
	for _, iv := range tl.Intervals {
		byID[iv.ID] = iv
	}

	total := len(sc.Selected) + len(cl.Collections)
	done := 0
	clipFiles := make(map[string]string, len(sc.Selected))

	for _, id := range sc.Selected {
		if err := ctx.Err(); err != nil {
			return summary, apperr.Wrap(apperr.Cancelled, err, "export clips")
		}
		iv, found := byID[id]
		if !found {
			summary.Warnings = append(summary.Warnings, "selected interval "+id+" missing from timeline")
			continue
		}
		dst, err := env.path(ClipArtifact(id))
		if err != nil {
			return summary, err
		}
		if o.deps.Content.Exists(dst) {
			summary.Counts["clips_reused"]++
		} else {
			if err := o.cutToFile(ctx, videoPath, iv, dst); err != nil {
				return summary, err
			}
			summary.Counts["clips_cut"]++
		}
		clipFiles[id] = dst
		done++
		env.sub(ctx, float64(done)/float64(total), "cutting clips")
	}
	if len(clipFiles) == 0 {
		return summary, apperr.New(apperr.Unrecoverable, "no clip could be exported")
	}

	for _, cluster := range cl.Collections {
		if err := ctx.Err(); err != nil {
			return summary, apperr.Wrap(apperr.Cancelled, err, "export collections")
		}
		parts := make([]string, 0, len(cluster.ClipIDs))
		for _, id := range cluster.ClipIDs {
			p, found := clipFiles[id]
			if !found {
				summary.Warnings = append(summary.Warnings,
					fmt.Sprintf("collection %s references unexported clip %s", cluster.ID, id))
				continue
			}
			parts = append(parts, p)
		}
		if len(parts) == 0 {
			summary.Warnings = append(summary.Warnings, "collection "+cluster.ID+" has no exported clips")
			continue
		}
		dst, err := env.path(CollectionArtifact(cluster.ID))
		if err != nil {
			return summary, err
		}
		if o.deps.Content.Exists(dst) {
			summary.Counts["collections_reused"]++
		} else {
			if err := o.concatToFile(ctx, parts, dst); err != nil {
				return summary, err
			}
			summary.Counts["collections_exported"]++
		}
		done++
		env.sub(ctx, float64(done)/float64(total), "assembling collections")
	}
	return summary, nil
}

// cutToFile cuts into scratch space and renames the result into place.
func (o *Orchestrator) cutToFile(ctx context.Context, src string, iv Interval, dst string) error {
	tmp := filepath.Join(o.deps.Content.TempDir(), uuid.NewString()+filepath.Ext(dst))
	defer os.Remove(tmp)

	start := time.Duration(iv.Start * float64(time.Second))
	end := time.Duration(iv.End * float64(time.Second))
	if err := o.deps.Cutter.Cut(ctx, src, start, end, tmp); err != nil {
		return err
	}
	return o.placeOutput(tmp, dst)
}

// concatToFile joins parts into scratch space and renames into place.
func (o *Orchestrator) concatToFile(ctx context.Context, parts []string, dst string) error {
	tmp := filepath.Join(o.deps.Content.TempDir(), uuid.NewString()+filepath.Ext(dst))
	defer os.Remove(tmp)

	if err := o.deps.Cutter.Concat(ctx, parts, tmp); err != nil {
		return err
	}
	return o.placeOutput(tmp, dst)
}

func (o *Orchestrator) placeOutput(tmp, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, err, "create output directory")
	}
	if err := os.Rename(tmp, dst); err != nil {
		return apperr.Wrap(apperr.Internal, err, "place output file")
	}
	return nil
}
