// SPDX-License-Identifier: MIT

package meta

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"

	"github.com/clipforge/clipforge/internal/apperr"
)

const collectionColumns = `id, project_id, title, description, clip_ids,
	status, export_path, created_at_ms, updated_at_ms`

// ListCollections returns a project's collections, oldest first.
func (s *Store) ListCollections(ctx context.Context, projectID string) ([]*Collection, error) {
	defer observe("list_collections")()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE project_id = ? ORDER BY created_at_ms ASC`,
		projectID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list collections")
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan collection")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "iterate collections")
	}
	return out, nil
}

// GetCollection loads one collection row.
func (s *Store) GetCollection(ctx context.Context, id string) (*Collection, error) {
	defer observe("get_collection")()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE id = ?`, id)
	c, err := scanCollection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.NotFound, "collection %s", id)
		}
		return nil, apperr.Wrap(apperr.Internal, err, "get collection")
	}
	return c, nil
}

// DeleteCollection removes a collection row. Member clips stay.
func (s *Store) DeleteCollection(ctx context.Context, id string) error {
	defer observe("delete_collection")()

	res, err := s.db.ExecContext(ctx, "DELETE FROM collections WHERE id = ?", id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "delete collection")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "collection %s", id)
	}
	return nil
}

// ReorderCollectionClips replaces the clip order. The new order must be a
// permutation of the current membership: same ids, same multiplicities.
func (s *Store) ReorderCollectionClips(ctx context.Context, id string, clipIDs []string) error {
	defer observe("reorder_collection")()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "begin reorder")
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx,
		"SELECT clip_ids FROM collections WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Newf(apperr.NotFound, "collection %s", id)
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "read collection")
	}

	var current []string
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		return apperr.Wrap(apperr.Internal, err, "decode clip order")
	}
	if !sameMultiset(current, clipIDs) {
		return apperr.New(apperr.InvalidArgument, "new order must contain exactly the current clips")
	}

	encoded, err := json.Marshal(clipIDs)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode clip order")
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE collections SET clip_ids = ?, updated_at_ms = ? WHERE id = ?",
		string(encoded), nowMS(), id); err != nil {
		return apperr.Wrap(apperr.Internal, err, "write clip order")
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Internal, err, "commit reorder")
	}
	return nil
}

// TouchCollectionExport marks a collection EXPORTED with its output file.
func (s *Store) TouchCollectionExport(ctx context.Context, id, exportPath string) error {
	defer observe("touch_collection_export")()

	res, err := s.db.ExecContext(ctx, `
		UPDATE collections SET status = 'EXPORTED', export_path = ?, updated_at_ms = ?
		WHERE id = ?`,
		exportPath, nowMS(), id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "touch collection export")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "collection %s", id)
	}
	return nil
}

// ReplaceProjectCollections swaps a project's collection rows inside the
// caller's transaction.
func ReplaceProjectCollections(ctx context.Context, tx *sql.Tx, projectID string, collections []*Collection) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM collections WHERE project_id = ?", projectID); err != nil {
		return apperr.Wrap(apperr.Internal, err, "clear collections")
	}
	now := nowMS()
	for _, c := range collections {
		clipIDs := c.ClipIDs
		if clipIDs == nil {
			clipIDs = []string{}
		}
		encoded, err := json.Marshal(clipIDs)
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "encode clip ids")
		}
		status := c.Status
		if status == "" {
			status = CollectionCreated
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO collections (id, project_id, title, description,
				clip_ids, status, export_path, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, projectID, c.Title, c.Description, string(encoded),
			status, c.ExportPath, now, now); err != nil {
			return apperr.Wrap(apperr.Internal, err, "insert collection")
		}
	}
	return nil
}

// ReplaceProjectResults atomically replaces a project's clips and
// collections. Data sync calls this once per successful pipeline run;
// re-running it with the same artifacts is a no-op in effect.
func (s *Store) ReplaceProjectResults(ctx context.Context, projectID string, clips []*Clip, collections []*Collection) error {
	defer observe("replace_project_results")()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "begin replace results")
	}
	defer func() { _ = tx.Rollback() }()

	if err := ReplaceProjectClips(ctx, tx, projectID, clips); err != nil {
		return err
	}
	if err := ReplaceProjectCollections(ctx, tx, projectID, collections); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Internal, err, "commit replace results")
	}
	return nil
}

func sameMultiset(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func scanCollection(row rowScanner) (*Collection, error) {
	var c Collection
	var clipIDs string
	var createdMS, updatedMS int64
	err := row.Scan(
		&c.ID, &c.ProjectID, &c.Title, &c.Description, &clipIDs, &c.Status,
		&c.ExportPath, &createdMS, &updatedMS,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(clipIDs), &c.ClipIDs); err != nil {
		return nil, err
	}
	c.CreatedAt = msToTime(createdMS)
	c.UpdatedAt = msToTime(updatedMS)
	return &c, nil
}
