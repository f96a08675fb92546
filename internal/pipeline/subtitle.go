// SPDX-License-Identifier: MIT

package pipeline

import (
	"bytes"
	"context"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/metrics"
	"github.com/clipforge/clipforge/internal/subtitle"
)

// runSubtitle parses the ingested track and rewrites it normalised: cues
// sorted, renumbered, NFC text, tolerant syntax variance flattened to
// canonical SRT. Later stages re-derive analysis windows from this file, so
// the rewrite is the stage's on-disk artifact.
func (o *Orchestrator) runSubtitle(ctx context.Context, env *runEnv) (StageSummary, error) {
	summary := newSummary()

	cues, err := o.loadCues(env)
	if err != nil {
		return summary, err
	}
	if len(cues) == 0 {
		return summary, apperr.New(apperr.Unrecoverable, "subtitle track has no usable cues")
	}
	env.sub(ctx, 0.5, "normalising track")
	if err := ctx.Err(); err != nil {
		return summary, apperr.Wrap(apperr.Cancelled, err, "subtitle stage")
	}

	var buf bytes.Buffer
	if err := subtitle.Write(&buf, cues); err != nil {
		return summary, apperr.Wrap(apperr.Internal, err, "render normalised track")
	}
	if _, err := o.deps.Content.Save(env.project.ID, SubtitleArtifact, &buf); err != nil {
		return summary, err
	}
	metrics.IncArtifactWritten(env.stage.String())

	chunks := subtitle.BuildChunks(cues, env.settings.ChunkWindow())
	if len(chunks) == 0 {
		return summary, apperr.New(apperr.Unrecoverable, "subtitle track produced no analysis windows")
	}

	summary.Counts["cues"] = len(cues)
	summary.Counts["chunks"] = len(chunks)
	summary.Counts["track_seconds"] = int(subtitle.Duration(cues).Seconds())
	return summary, nil
}

// loadCues reads and parses raw/subtitle.srt. A missing track is a
// precondition failure; an unparsable one is equally unrecoverable.
func (o *Orchestrator) loadCues(env *runEnv) ([]subtitle.Cue, error) {
	abs, err := env.requireArtifact(SubtitleArtifact)
	if err != nil {
		return nil, err
	}
	rc, err := o.deps.Content.Open(abs)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	cues, err := subtitle.Parse(rc)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unrecoverable, err, "parse subtitle track")
	}
	return cues, nil
}
