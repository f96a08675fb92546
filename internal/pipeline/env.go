// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/meta"
	"github.com/clipforge/clipforge/internal/metrics"
	"github.com/clipforge/clipforge/internal/progress"
)

// runEnv is the per-run state handed to stage handlers. Handlers never
// carry results forward in memory; everything a later stage needs goes
// through an artifact on disk.
type runEnv struct {
	o        *Orchestrator
	project  *meta.Project
	settings Settings
	taskID   string
	stage    Stage
	logger   zerolog.Logger
	result   *Result
}

func (e *runEnv) deps() Deps { return e.o.deps }

// publish emits an absolute percent on the fabric and mirrors it onto the
// project and task rows. Progress is advisory; a failed write logs and the
// stage keeps going.
func (e *runEnv) publish(ctx context.Context, percent float64, message string) {
	d := e.o.deps
	if err := d.Fabric.Publish(ctx, progress.Update{
		ProjectID: e.project.ID,
		Stage:     e.stage.String(),
		Percent:   percent,
		Message:   message,
	}); err != nil {
		e.logger.Warn().Err(err).
			Str(log.FieldStage, e.stage.String()).
			Float64(log.FieldPercent, percent).
			Str(log.FieldEvent, "pipeline.progress_miss").
			Msg("progress publish failed")
	}
	if err := d.Meta.UpdateProjectProgress(ctx, e.project.ID, percent, int(e.stage)); err != nil {
		e.logger.Warn().Err(err).
			Str(log.FieldEvent, "pipeline.progress_row_miss").
			Msg("project progress write failed")
	}
	if e.taskID != "" {
		if err := d.Meta.UpdateTaskProgress(ctx, e.taskID, percent, e.stage.String()); err != nil {
			e.logger.Debug().Err(err).
				Str(log.FieldTaskID, e.taskID).
				Msg("task progress write failed")
		}
	}
}

// sub reports stage-local progress as a fraction in [0,1] of the current
// stage's weight.
func (e *runEnv) sub(ctx context.Context, fraction float64, message string) {
	e.publish(ctx, e.stage.Percent(fraction), message)
}

// path resolves an artifact path inside the project tree.
func (e *runEnv) path(rel string) (string, error) {
	return e.o.deps.Content.Path(e.project.ID, rel)
}

// requireArtifact returns the absolute path of a prior stage's artifact.
// A missing file is an Unrecoverable precondition failure, never retried.
func (e *runEnv) requireArtifact(rel string) (string, error) {
	abs, err := e.path(rel)
	if err != nil {
		return "", err
	}
	if !e.o.deps.Content.Exists(abs) {
		return "", apperr.Newf(apperr.Unrecoverable, "missing artifact: %s", rel)
	}
	return abs, nil
}

// readArtifact decodes a prior stage's JSON artifact.
func (e *runEnv) readArtifact(rel string, v any) error {
	abs, err := e.requireArtifact(rel)
	if err != nil {
		return err
	}
	rc, err := e.o.deps.Content.Open(abs)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := DecodeJSONArtifact(rc, v); err != nil {
		return apperr.Wrap(apperr.Unrecoverable, err, rel)
	}
	return nil
}

// writeArtifact writes one JSON artifact atomically and returns its
// canonical absolute path.
func (e *runEnv) writeArtifact(ctx context.Context, rel string, v any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperr.Wrap(apperr.Cancelled, err, "write "+rel)
	}
	r, err := EncodeJSONArtifact(v)
	if err != nil {
		return "", err
	}
	abs, err := e.o.deps.Content.Save(e.project.ID, rel, r)
	if err != nil {
		return "", err
	}
	metrics.IncArtifactWritten(e.stage.String())
	return abs, nil
}

// artifactExists reports whether rel is already on disk, for resume skips.
func (e *runEnv) artifactExists(rel string) bool {
	abs, err := e.path(rel)
	if err != nil {
		return false
	}
	return e.o.deps.Content.Exists(abs)
}
