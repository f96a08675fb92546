// SPDX-License-Identifier: MIT

// Package datasync mirrors a finished run's metadata manifests into SQLite
// rows. The manifests on disk stay the source of truth; this copy exists so
// the API can list and filter clips without touching the content tree. The
// whole mirror is one replace transaction, safe to re-run at any time.
package datasync

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/content"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/meta"
	"github.com/clipforge/clipforge/internal/pipeline"
)

// Syncer reads manifests from the content tree and writes rows.
type Syncer struct {
	meta    *meta.Store
	content *content.Store
	logger  zerolog.Logger
}

// New builds a syncer over the two stores.
func New(metaStore *meta.Store, contentStore *content.Store) *Syncer {
	return &Syncer{
		meta:    metaStore,
		content: contentStore,
		logger:  log.WithComponent("datasync"),
	}
}

// clipExtra is the free-form metadata column payload for one clip row.
type clipExtra struct {
	ChunkIndex      int    `json:"chunk_index"`
	RecommendReason string `json:"recommend_reason,omitempty"`
}

// Sync replaces the project's clip and collection rows with the manifest
// contents. Row ids are fresh UUIDs; the pipeline's natural segment ids are
// kept in original_id and used to resolve collection membership. A missing
// clips manifest is NotFound, so callers can tell "not finished yet" from
// storage failure.
func (s *Syncer) Sync(ctx context.Context, projectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var clipsManifest pipeline.ClipsManifest
	if err := s.readManifest(projectID, pipeline.ClipsManifestPath, &clipsManifest); err != nil {
		return err
	}

	// Collections are optional: a run with a single highlight produces none.
	var collManifest pipeline.CollectionsManifest
	if err := s.readManifest(projectID, pipeline.CollectionsPath, &collManifest); err != nil {
		if apperr.KindOf(err) != apperr.NotFound {
			return err
		}
		collManifest.Collections = nil
	}

	idByOriginal := make(map[string]string, len(clipsManifest.Clips))
	clips := make([]*meta.Clip, 0, len(clipsManifest.Clips))
	for _, c := range clipsManifest.Clips {
		id := uuid.NewString()
		idByOriginal[c.ID] = id
		extra, err := json.Marshal(clipExtra{
			ChunkIndex:      c.ChunkIndex,
			RecommendReason: c.RecommendReason,
		})
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "encode clip metadata")
		}
		clips = append(clips, &meta.Clip{
			ID:           id,
			ProjectID:    projectID,
			Title:        c.Title,
			Score:        c.Score,
			StartTime:    c.StartTime,
			EndTime:      c.EndTime,
			Duration:     c.Duration,
			OriginalID:   c.ID,
			Metadata:     extra,
			ArtifactPath: c.ArtifactPath,
			FilePath:     c.FilePath,
		})
	}

	collections := make([]*meta.Collection, 0, len(collManifest.Collections))
	for _, cm := range collManifest.Collections {
		ids := make([]string, 0, len(cm.ClipIDs))
		for _, orig := range cm.ClipIDs {
			mapped, ok := idByOriginal[orig]
			if !ok {
				s.logger.Warn().
					Str(log.FieldProjectID, projectID).
					Str(log.FieldClipID, orig).
					Str(log.FieldCollectionID, cm.ID).
					Str(log.FieldEvent, "datasync.unknown_clip_dropped").
					Msg("collection references clip missing from manifest")
				continue
			}
			ids = append(ids, mapped)
		}
		if len(ids) == 0 {
			s.logger.Warn().
				Str(log.FieldProjectID, projectID).
				Str(log.FieldCollectionID, cm.ID).
				Str(log.FieldEvent, "datasync.empty_collection_dropped").
				Msg("collection has no resolvable clips")
			continue
		}
		col := &meta.Collection{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			Title:       cm.Title,
			Description: cm.Description,
			ClipIDs:     ids,
			Status:      meta.CollectionCreated,
		}
		if cm.FilePath != "" && s.content.Exists(cm.FilePath) {
			col.Status = meta.CollectionExported
			col.ExportPath = cm.FilePath
		}
		collections = append(collections, col)
	}

	if err := s.meta.ReplaceProjectResults(ctx, projectID, clips, collections); err != nil {
		return err
	}
	s.logger.Info().
		Str(log.FieldProjectID, projectID).
		Int("clips", len(clips)).
		Int("collections", len(collections)).
		Str(log.FieldEvent, "datasync.synced").
		Msg("results mirrored")
	return nil
}

func (s *Syncer) readManifest(projectID, rel string, v any) error {
	abs, err := s.content.Path(projectID, rel)
	if err != nil {
		return err
	}
	rc, err := s.content.Open(abs)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return apperr.Wrap(apperr.Unrecoverable, err, "decode "+rel)
	}
	return nil
}
