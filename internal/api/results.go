// SPDX-License-Identifier: MIT

package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/meta"
)

type clipList struct {
	Clips []*meta.Clip `json:"clips"`
}

type collectionList struct {
	Collections []*meta.Collection `json:"collections"`
}

type taskList struct {
	Tasks []*meta.Task `json:"tasks"`
}

func (s *Server) handleListClips(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Meta.GetProject(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	clips, err := s.deps.Meta.ListClips(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if clips == nil {
		clips = []*meta.Clip{}
	}
	writeJSON(w, http.StatusOK, clipList{Clips: clips})
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Meta.GetProject(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	collections, err := s.deps.Meta.ListCollections(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if collections == nil {
		collections = []*meta.Collection{}
	}
	writeJSON(w, http.StatusOK, collectionList{Collections: collections})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Meta.GetProject(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	tasks, err := s.deps.Meta.ListTasks(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*meta.Task{}
	}
	writeJSON(w, http.StatusOK, taskList{Tasks: tasks})
}

// handleReorderCollection replaces the clip order. The body is a bare JSON
// array of clip ids; anything but a permutation of the membership is a 400.
func (s *Server) handleReorderCollection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var order []string
	if err := decodeJSON(r, &order); err != nil {
		writeError(w, r, err)
		return
	}
	if len(order) == 0 {
		writeError(w, r, apperr.New(apperr.InvalidArgument, "clip order must not be empty"))
		return
	}
	if err := s.deps.Meta.ReorderCollectionClips(r.Context(), id, order); err != nil {
		writeError(w, r, err)
		return
	}

	collection, err := s.deps.Meta.GetCollection(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, collection)
}

func (s *Server) handleDeleteClip(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	clip, err := s.deps.Meta.GetClip(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Meta.DeleteClip(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.removeResultFile(clip.FilePath, log.FieldClipID, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	collection, err := s.deps.Meta.GetCollection(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Meta.DeleteCollection(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.removeResultFile(collection.ExportPath, log.FieldCollectionID, id)
	w.WriteHeader(http.StatusNoContent)
}

// removeResultFile deletes a result's media file. The row is already gone,
// so failure only costs disk, never correctness.
func (s *Server) removeResultFile(path, idField, id string) {
	if path == "" {
		return
	}
	if err := s.deps.Content.Remove(path); err != nil {
		s.logger.Warn().Err(err).
			Str(idField, id).
			Str(log.FieldPath, path).
			Str(log.FieldEvent, "api.result_file_orphaned").
			Msg("result file not removed")
	}
}

// handleClipFile streams one clip's rendered media.
func (s *Server) handleClipFile(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	clipID := chi.URLParam(r, "clipID")

	clip, err := s.deps.Meta.GetClip(r.Context(), clipID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if clip.ProjectID != projectID {
		writeError(w, r, apperr.Newf(apperr.NotFound, "clip %s", clipID))
		return
	}
	if clip.FilePath == "" {
		writeError(w, r, apperr.Newf(apperr.NotFound, "clip %s has no rendered file", clipID))
		return
	}
	s.serveContent(w, r, clip.FilePath)
}

// handleCollectionFile streams a collection's exported cut.
func (s *Server) handleCollectionFile(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	collectionID := chi.URLParam(r, "collectionID")

	collection, err := s.deps.Meta.GetCollection(r.Context(), collectionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if collection.ProjectID != projectID {
		writeError(w, r, apperr.Newf(apperr.NotFound, "collection %s", collectionID))
		return
	}
	if collection.ExportPath == "" {
		writeError(w, r, apperr.Newf(apperr.NotFound, "collection %s has no export", collectionID))
		return
	}
	s.serveContent(w, r, collection.ExportPath)
}

// statSeeker is what ServeContent needs plus Stat for the ETag.
type statSeeker interface {
	io.ReadSeeker
	Stat() (os.FileInfo, error)
}

// serveContent streams a result file with Range support and a weak ETag
// derived from mtime and size. ServeContent handles the conditional request
// headers once the ETag is set.
func (s *Server) serveContent(w http.ResponseWriter, r *http.Request, absPath string) {
	rc, err := s.deps.Content.Open(absPath)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentTypeFor(absPath))
	f, ok := rc.(statSeeker)
	if !ok {
		_, _ = io.Copy(w, rc)
		return
	}
	info, err := f.Stat()
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.Internal, err, "stat content file"))
		return
	}
	w.Header().Set("ETag", fmt.Sprintf(`W/"%x-%x"`, info.ModTime().UnixNano(), info.Size()))
	http.ServeContent(w, r, filepath.Base(absPath), info.ModTime(), f)
}

func contentTypeFor(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "video/mp4"
}
