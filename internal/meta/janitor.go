// SPDX-License-Identifier: MIT

package meta

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/metrics"
)

// JanitorConfig bounds the periodic sweeps. Read per sweep so hot reload
// takes effect without a restart.
type JanitorConfig struct {
	Interval             time.Duration
	StuckTaskThreshold   time.Duration
	TaskRetentionDays    int
	ProjectRetentionDays int
}

// JanitorHooks reach the components the janitor does not own.
type JanitorHooks struct {
	// RemoveContent deletes a project's file tree.
	RemoveContent func(projectID string) error
	// Resync retries data sync for a completed project with no clip rows.
	Resync func(ctx context.Context, projectID string) error
	// CleanupScratch reaps temp and upload staging entries older than age.
	CleanupScratch func(age time.Duration)
}

// Janitor reconciles rows and files that normal control flow abandoned:
// orphaned RUNNING tasks, expired terminal rows, projects past retention,
// missed data syncs.
type Janitor struct {
	store  *Store
	cfg    func() JanitorConfig
	hooks  JanitorHooks
	logger zerolog.Logger
}

// NewJanitor builds a janitor; cfg is re-evaluated before every sweep.
func NewJanitor(store *Store, cfg func() JanitorConfig, hooks JanitorHooks) *Janitor {
	return &Janitor{
		store:  store,
		cfg:    cfg,
		hooks:  hooks,
		logger: log.WithComponent("janitor"),
	}
}

// Run sweeps once immediately, then on every interval until ctx ends.
func (j *Janitor) Run(ctx context.Context) error {
	j.Sweep(ctx)
	for {
		interval := j.cfg().Interval
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
			j.Sweep(ctx)
		}
	}
}

// Sweep runs all passes, logging counts. Failures in one pass never stop
// the others.
func (j *Janitor) Sweep(ctx context.Context) {
	cfg := j.cfg()
	start := time.Now()

	orphaned := j.sweepStuckTasks(ctx, cfg)
	deletedTasks := j.sweepOldTasks(ctx, cfg)
	prunedProjects := j.sweepExpiredProjects(ctx, cfg)
	resynced := j.sweepMissedSyncs(ctx)
	if j.hooks.CleanupScratch != nil {
		j.hooks.CleanupScratch(24 * time.Hour)
	}

	metrics.JanitorSweepsTotal.Inc()
	j.logger.Info().
		Int("orphaned_tasks", orphaned).
		Int64("deleted_tasks", deletedTasks).
		Int("pruned_projects", prunedProjects).
		Int("resynced_projects", resynced).
		Dur(log.FieldDuration, time.Since(start)).
		Str(log.FieldEvent, "janitor.sweep").
		Msg("sweep finished")
}

func (j *Janitor) sweepStuckTasks(ctx context.Context, cfg JanitorConfig) int {
	threshold := cfg.StuckTaskThreshold
	if threshold <= 0 {
		threshold = 6 * time.Hour
	}
	cutoff := time.Now().Add(-threshold).UnixMilli()
	projects, err := j.store.OrphanStuckTasks(ctx, cutoff)
	if err != nil {
		j.logger.Error().Err(err).Str(log.FieldEvent, "janitor.orphan_failed").Msg("stuck task sweep failed")
		return 0
	}
	for _, id := range projects {
		metrics.JanitorOrphansRecovered.Inc()
		j.logger.Warn().
			Str(log.FieldProjectID, id).
			Str(log.FieldEvent, "janitor.orphaned").
			Msg("orphaned running task failed")
	}
	return len(projects)
}

func (j *Janitor) sweepOldTasks(ctx context.Context, cfg JanitorConfig) int64 {
	days := cfg.TaskRetentionDays
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	n, err := j.store.DeleteOldTerminalTasks(ctx, cutoff)
	if err != nil {
		j.logger.Error().Err(err).Str(log.FieldEvent, "janitor.task_gc_failed").Msg("task retention sweep failed")
		return 0
	}
	return n
}

func (j *Janitor) sweepExpiredProjects(ctx context.Context, cfg JanitorConfig) int {
	if cfg.ProjectRetentionDays <= 0 {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -cfg.ProjectRetentionDays).UnixMilli()
	projects, err := j.store.ListExpiredProjects(ctx, cutoff)
	if err != nil {
		j.logger.Error().Err(err).Str(log.FieldEvent, "janitor.prune_failed").Msg("retention sweep failed")
		return 0
	}
	pruned := 0
	for _, p := range projects {
		if err := j.store.DeleteProject(ctx, p.ID); err != nil {
			j.logger.Warn().Err(err).
				Str(log.FieldProjectID, p.ID).
				Str(log.FieldEvent, "janitor.prune_skipped").
				Msg("project not pruned")
			continue
		}
		if j.hooks.RemoveContent != nil {
			if err := j.hooks.RemoveContent(p.ID); err != nil {
				j.logger.Warn().Err(err).
					Str(log.FieldProjectID, p.ID).
					Str(log.FieldEvent, "janitor.content_remove_failed").
					Msg("content tree not removed")
			}
		}
		pruned++
	}
	return pruned
}

func (j *Janitor) sweepMissedSyncs(ctx context.Context) int {
	if j.hooks.Resync == nil {
		return 0
	}
	projects, err := j.store.ListCompletedProjectsWithoutClips(ctx)
	if err != nil {
		j.logger.Error().Err(err).Str(log.FieldEvent, "janitor.resync_scan_failed").Msg("resync scan failed")
		return 0
	}
	resynced := 0
	for _, p := range projects {
		if err := j.hooks.Resync(ctx, p.ID); err != nil {
			j.logger.Warn().Err(err).
				Str(log.FieldProjectID, p.ID).
				Str(log.FieldEvent, "janitor.resync_failed").
				Msg("data sync retry failed")
			continue
		}
		resynced++
	}
	return resynced
}
