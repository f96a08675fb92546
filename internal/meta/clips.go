// SPDX-License-Identifier: MIT

package meta

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/clipforge/clipforge/internal/apperr"
)

const clipColumns = `id, project_id, title, score, start_time, end_time,
	duration, original_id, metadata, artifact_path, file_path, created_at_ms`

// ListClips returns a project's clips ordered by start time.
func (s *Store) ListClips(ctx context.Context, projectID string) ([]*Clip, error) {
	defer observe("list_clips")()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clipColumns+` FROM clips WHERE project_id = ? ORDER BY start_time ASC`,
		projectID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list clips")
	}
	defer rows.Close()
	return collectClips(rows)
}

// GetClip loads one clip row.
func (s *Store) GetClip(ctx context.Context, id string) (*Clip, error) {
	defer observe("get_clip")()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+clipColumns+` FROM clips WHERE id = ?`, id)
	c, err := scanClip(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.NotFound, "clip %s", id)
		}
		return nil, apperr.Wrap(apperr.Internal, err, "get clip")
	}
	return c, nil
}

// DeleteClip removes a clip row. Collections referencing it keep their
// order entry; readers skip unknown ids.
func (s *Store) DeleteClip(ctx context.Context, id string) error {
	defer observe("delete_clip")()

	res, err := s.db.ExecContext(ctx, "DELETE FROM clips WHERE id = ?", id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "delete clip")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "clip %s", id)
	}
	return nil
}

// CountClips reports how many clips a project has.
func (s *Store) CountClips(ctx context.Context, projectID string) (int, error) {
	defer observe("count_clips")()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM clips WHERE project_id = ?", projectID).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "count clips")
	}
	return n, nil
}

// ReplaceProjectClips swaps a project's clip rows inside the caller's
// transaction. Used by data sync, which replaces rather than merges.
func ReplaceProjectClips(ctx context.Context, tx *sql.Tx, projectID string, clips []*Clip) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM clips WHERE project_id = ?", projectID); err != nil {
		return apperr.Wrap(apperr.Internal, err, "clear clips")
	}
	now := nowMS()
	for _, c := range clips {
		metadata := c.Metadata
		if len(metadata) == 0 {
			metadata = json.RawMessage(`{}`)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO clips (id, project_id, title, score, start_time,
				end_time, duration, original_id, metadata, artifact_path,
				file_path, created_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, projectID, c.Title, c.Score, c.StartTime, c.EndTime,
			c.Duration, c.OriginalID, string(metadata), c.ArtifactPath,
			c.FilePath, now); err != nil {
			return apperr.Wrap(apperr.Internal, err, "insert clip")
		}
	}
	return nil
}

func collectClips(rows *sql.Rows) ([]*Clip, error) {
	var out []*Clip
	for rows.Next() {
		c, err := scanClip(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan clip")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "iterate clips")
	}
	return out, nil
}

func scanClip(row rowScanner) (*Clip, error) {
	var c Clip
	var metadata string
	var createdMS int64
	err := row.Scan(
		&c.ID, &c.ProjectID, &c.Title, &c.Score, &c.StartTime, &c.EndTime,
		&c.Duration, &c.OriginalID, &metadata, &c.ArtifactPath, &c.FilePath,
		&createdMS,
	)
	if err != nil {
		return nil, err
	}
	c.Metadata = json.RawMessage(metadata)
	c.CreatedAt = msToTime(createdMS)
	return &c, nil
}
