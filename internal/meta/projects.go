// SPDX-License-Identifier: MIT

package meta

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/log"
)

const projectColumns = `id, name, description, category, source_type, source_url,
	platform, cookie_jar_id, status, current_stage, progress, error_stage,
	error_message, video_path, subtitle_path, video_duration, settings,
	auto_prune, created_at_ms, updated_at_ms`

// CreateProject validates the given ProjectSpec and inserts a fresh
// PENDING project.
func (s *Store) CreateProject(ctx context.Context, spec ProjectSpec) (*Project, error) {
	defer observe("create_project")()

	if err := s.validate.Struct(spec); err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, err, "project spec")
	}
	settings := spec.Settings
	if len(settings) == 0 {
		settings = json.RawMessage(`{}`)
	} else if !json.Valid(settings) {
		return nil, apperr.New(apperr.InvalidArgument, "settings is not valid JSON")
	}

	now := nowMS()
	p := &Project{
		ID:           uuid.NewString(),
		Name:         spec.Name,
		Description:  spec.Description,
		Category:     spec.Category,
		SourceType:   spec.SourceType,
		SourceURL:    spec.SourceURL,
		Platform:     spec.Platform,
		CookieJarID:  spec.CookieJarID,
		Status:       ProjectPending,
		VideoPath:    spec.VideoPath,
		SubtitlePath: spec.SubtitlePath,
		Settings:     settings,
		AutoPrune:    spec.AutoPrune,
		CreatedAt:    msToTime(now),
		UpdatedAt:    msToTime(now),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, category, source_type,
			source_url, platform, cookie_jar_id, status, video_path,
			subtitle_path, settings, auto_prune, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.Category, p.SourceType, p.SourceURL,
		p.Platform, p.CookieJarID, p.Status, p.VideoPath, p.SubtitlePath,
		string(settings), boolToInt(p.AutoPrune), now, now,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "insert project")
	}

	s.logger.Info().
		Str(log.FieldProjectID, p.ID).
		Str("source_type", string(p.SourceType)).
		Str(log.FieldEvent, "meta.project_created").
		Msg("project created")
	return p, nil
}

// GetProject loads one project row.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	defer observe("get_project")()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.NotFound, "project %s", id)
		}
		return nil, apperr.Wrap(apperr.Internal, err, "get project")
	}
	return p, nil
}

// ListProjects returns a page of projects, newest first, with the total
// count matching the filter.
func (s *Store) ListProjects(ctx context.Context, filter ProjectFilter, page Page) ([]*Project, int, error) {
	defer observe("list_projects")()
	page = page.normalize()

	where := ""
	args := []any{}
	if filter.Status != "" {
		where = " WHERE status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM projects"+where, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Wrap(apperr.Internal, err, "count projects")
	}

	query := `SELECT ` + projectColumns + ` FROM projects` + where +
		` ORDER BY created_at_ms DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.Internal, err, "list projects")
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, 0, apperr.Wrap(apperr.Internal, err, "scan project")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.Wrap(apperr.Internal, err, "iterate projects")
	}
	return out, total, nil
}

// UpdateProjectStatus moves a project from one status to another atomically.
// Every status transition in the system funnels through this CAS; a row
// whose status is no longer `from` yields Conflict and no write.
func (s *Store) UpdateProjectStatus(ctx context.Context, id string, from, to ProjectStatus, fields *StatusFields) error {
	defer observe("update_project_status")()

	set := []string{"status = ?", "updated_at_ms = ?"}
	args := []any{to, nowMS()}
	if fields != nil {
		if fields.Progress != nil {
			set = append(set, "progress = ?")
			args = append(args, clampPercent(*fields.Progress))
		}
		if fields.CurrentStage != nil {
			set = append(set, "current_stage = ?")
			args = append(args, *fields.CurrentStage)
		}
		if fields.ErrorStage != nil {
			set = append(set, "error_stage = ?")
			args = append(args, *fields.ErrorStage)
		}
		if fields.ErrorMessage != nil {
			set = append(set, "error_message = ?")
			args = append(args, *fields.ErrorMessage)
		}
		if fields.VideoPath != nil {
			set = append(set, "video_path = ?")
			args = append(args, *fields.VideoPath)
		}
		if fields.SubtitlePath != nil {
			set = append(set, "subtitle_path = ?")
			args = append(args, *fields.SubtitlePath)
		}
		if fields.VideoDuration != nil {
			set = append(set, "video_duration = ?")
			args = append(args, *fields.VideoDuration)
		}
	}
	args = append(args, id, from)

	res, err := s.db.ExecContext(ctx,
		"UPDATE projects SET "+strings.Join(set, ", ")+" WHERE id = ? AND status = ?",
		args...)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "update project status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "rows affected")
	}
	if n == 0 {
		var current ProjectStatus
		err := s.db.QueryRowContext(ctx,
			"SELECT status FROM projects WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Newf(apperr.NotFound, "project %s", id)
		}
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "read project status")
		}
		return apperr.Newf(apperr.Conflict, "project %s is %s, not %s", id, current, from)
	}

	s.logger.Info().
		Str(log.FieldProjectID, id).
		Str("from", string(from)).
		Str("to", string(to)).
		Str(log.FieldEvent, "meta.status_changed").
		Msg("project status changed")
	return nil
}

// UpdateProjectProgress raises progress and stage. The MAX clamp keeps
// percent monotone even when writers race.
func (s *Store) UpdateProjectProgress(ctx context.Context, id string, percent float64, stage int) error {
	defer observe("update_project_progress")()

	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET progress = MAX(progress, ?), current_stage = ?, updated_at_ms = ?
		WHERE id = ?`,
		clampPercent(percent), stage, nowMS(), id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "update project progress")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "project %s", id)
	}
	return nil
}

// UpdateProjectMedia records where ingest materialised the source media.
// Status is untouched; this runs mid-pipeline between status transitions.
func (s *Store) UpdateProjectMedia(ctx context.Context, id, videoPath, subtitlePath string, duration float64) error {
	defer observe("update_project_media")()

	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET video_path = ?, subtitle_path = ?, video_duration = ?, updated_at_ms = ?
		WHERE id = ?`,
		videoPath, subtitlePath, duration, nowMS(), id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "update project media")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "project %s", id)
	}
	return nil
}

// DeleteProject removes the project and all dependent rows in one
// transaction. Refused with Busy while any task is RUNNING.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	defer observe("delete_project")()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "begin delete")
	}
	defer func() { _ = tx.Rollback() }()

	var running int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE project_id = ? AND status = 'RUNNING'",
		id).Scan(&running); err != nil {
		return apperr.Wrap(apperr.Internal, err, "count running tasks")
	}
	if running > 0 {
		return apperr.Newf(apperr.Busy, "project %s has %d running task(s)", id, running)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "delete project")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "project %s", id)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Internal, err, "commit delete")
	}

	s.logger.Info().
		Str(log.FieldProjectID, id).
		Str(log.FieldEvent, "meta.project_deleted").
		Msg("project deleted")
	return nil
}

// ListExpiredProjects returns COMPLETED projects older than the cutoff with
// auto-prune enabled, for the janitor's retention pass.
func (s *Store) ListExpiredProjects(ctx context.Context, cutoffMS int64) ([]*Project, error) {
	defer observe("list_expired_projects")()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE status = 'COMPLETED' AND auto_prune = 1 AND updated_at_ms < ?`,
		cutoffMS)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list expired projects")
	}
	defer rows.Close()
	return collectProjects(rows)
}

// ListCompletedProjectsWithoutClips finds finished projects whose sync never
// landed, for the janitor's re-sync pass.
func (s *Store) ListCompletedProjectsWithoutClips(ctx context.Context) ([]*Project, error) {
	defer observe("list_desynced_projects")()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+` FROM projects p
		WHERE p.status = 'COMPLETED'
		  AND NOT EXISTS (SELECT 1 FROM clips c WHERE c.project_id = p.id)`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list desynced projects")
	}
	defer rows.Close()
	return collectProjects(rows)
}

func collectProjects(rows *sql.Rows) ([]*Project, error) {
	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan project")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "iterate projects")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var settings string
	var autoPrune int
	var createdMS, updatedMS int64
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Category, &p.SourceType,
		&p.SourceURL, &p.Platform, &p.CookieJarID, &p.Status,
		&p.CurrentStage, &p.Progress, &p.ErrorStage, &p.ErrorMessage,
		&p.VideoPath, &p.SubtitlePath, &p.VideoDuration, &settings,
		&autoPrune, &createdMS, &updatedMS,
	)
	if err != nil {
		return nil, err
	}
	p.Settings = json.RawMessage(settings)
	p.AutoPrune = autoPrune != 0
	p.CreatedAt = msToTime(createdMS)
	p.UpdatedAt = msToTime(updatedMS)
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
