// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/meta"
	"github.com/clipforge/clipforge/internal/worker"
)

// formFieldLimit caps text form parts so metadata fields cannot be abused
// as a second upload channel.
const formFieldLimit = 64 << 10

type projectList struct {
	Projects []*meta.Project `json:"projects"`
	Total    int             `json:"total"`
}

type sizeResponse struct {
	ProjectID string `json:"project_id"`
	Bytes     int64  `json:"bytes"`
	Human     string `json:"human"`
}

type syncResponse struct {
	ProjectID   string `json:"project_id"`
	Clips       int    `json:"clips"`
	Collections int    `json:"collections"`
}

type cancelResponse struct {
	ProjectID string `json:"project_id"`
	Cancelled bool   `json:"cancelled"`
}

// handleCreateProject accepts either a JSON spec or a multipart form with a
// video part plus optional subtitle. Uploads are staged under the content
// store's uploads directory; ingest moves them into the project tree when
// the first run starts.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.Config.UploadMaxBytes)

	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.InvalidArgument, err, "parse content type"))
		return
	}

	var spec meta.ProjectSpec
	var staged []string
	switch {
	case ct == "multipart/form-data":
		spec, staged, err = s.specFromMultipart(r)
	case ct == "application/json" || ct == "":
		err = decodeJSON(r, &spec)
		// Media locations are assigned by the server, never by callers.
		spec.VideoPath = ""
		spec.SubtitlePath = ""
	default:
		err = apperr.Newf(apperr.InvalidArgument, "unsupported content type %q", ct)
	}
	if err != nil {
		s.discardStaged(staged)
		writeError(w, r, err)
		return
	}

	if spec.SourceType == "" {
		spec.SourceType = meta.SourceLocal
	}
	if spec.SourceType == meta.SourceLocal && spec.VideoPath == "" {
		s.discardStaged(staged)
		writeError(w, r, apperr.New(apperr.InvalidArgument,
			"local project needs a video file part"))
		return
	}

	project, err := s.deps.Meta.CreateProject(r.Context(), spec)
	if err != nil {
		s.discardStaged(staged)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// specFromMultipart streams form parts. File parts land in the staging area
// without buffering; everything staged so far is returned even on error so
// the caller can discard it.
func (s *Server) specFromMultipart(r *http.Request) (meta.ProjectSpec, []string, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return meta.ProjectSpec{}, nil, apperr.Wrap(apperr.InvalidArgument, err, "read multipart body")
	}

	var spec meta.ProjectSpec
	var staged []string
	for {
		part, perr := mr.NextPart()
		if errors.Is(perr, io.EOF) {
			break
		}
		if perr != nil {
			return spec, staged, apperr.Wrap(apperr.InvalidArgument, perr, "read multipart part")
		}

		switch part.FormName() {
		case "video":
			path, serr := s.deps.Content.SaveUpload(part, part.FileName())
			if serr != nil {
				return spec, staged, serr
			}
			staged = append(staged, path)
			spec.VideoPath = path
		case "subtitle":
			path, serr := s.deps.Content.SaveUpload(part, part.FileName())
			if serr != nil {
				return spec, staged, serr
			}
			staged = append(staged, path)
			spec.SubtitlePath = path
		default:
			value, verr := formValue(part)
			if verr != nil {
				return spec, staged, verr
			}
			applyFormField(&spec, part.FormName(), value)
		}
		_ = part.Close()
	}
	return spec, staged, nil
}

func applyFormField(spec *meta.ProjectSpec, name, value string) {
	switch name {
	case "name":
		spec.Name = value
	case "description":
		spec.Description = value
	case "category":
		spec.Category = value
	case "source_type":
		spec.SourceType = meta.SourceType(strings.ToLower(value))
	case "source_url":
		spec.SourceURL = value
	case "platform":
		spec.Platform = value
	case "cookie_jar_id":
		spec.CookieJarID = value
	case "settings":
		spec.Settings = []byte(value)
	case "auto_prune":
		spec.AutoPrune = value == "true" || value == "1"
	}
	// Unknown fields are dropped; the validator rejects incomplete specs.
}

func formValue(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, formFieldLimit))
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidArgument, err, "read form field")
	}
	return strings.TrimSpace(string(b)), nil
}

// discardStaged removes uploads staged for a request that did not produce a
// project row.
func (s *Server) discardStaged(staged []string) {
	for _, path := range staged {
		if err := s.deps.Content.Remove(path); err != nil {
			s.logger.Warn().Err(err).
				Str(log.FieldPath, path).
				Str(log.FieldEvent, "api.staged_upload_orphaned").
				Msg("staged upload not removed")
		}
	}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	var filter meta.ProjectFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := meta.ProjectStatus(strings.ToUpper(raw))
		switch status {
		case meta.ProjectPending, meta.ProjectDownloading, meta.ProjectProcessing,
			meta.ProjectCompleted, meta.ProjectFailed, meta.ProjectCancelled:
			filter.Status = status
		default:
			writeError(w, r, apperr.Newf(apperr.InvalidArgument, "unknown status %q", raw))
			return
		}
	}
	page := meta.Page{
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}

	projects, total, err := s.deps.Meta.ListProjects(r.Context(), filter, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if projects == nil {
		projects = []*meta.Project{}
	}
	writeJSON(w, http.StatusOK, projectList{Projects: projects, Total: total})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.deps.Meta.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// handleProcessProject enqueues the project's first (or next) full run. A
// remote project whose media has not been fetched yet goes through the
// download queue; everything else takes the processing queue.
func (s *Server) handleProcessProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	project, err := s.deps.Meta.GetProject(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	kind := meta.TaskProcess
	if project.SourceType == meta.SourceRemote && project.VideoPath == "" {
		kind = meta.TaskDownload
	}
	task, err := s.deps.Pool.Enqueue(r.Context(), id, worker.EnqueueOptions{Kind: kind})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleRetryProject(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Pool.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleCancelProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.deps.Pool.CancelProject(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{ProjectID: id, Cancelled: cancelled})
}

// handleDeleteProject removes the rows, then the file tree. The store
// refuses while a task is RUNNING, which surfaces as 409.
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Meta.DeleteProject(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Content.RemoveProject(id); err != nil {
		// Rows are the source of truth; a leftover tree only wastes disk.
		s.logger.Warn().Err(err).
			Str(log.FieldProjectID, id).
			Str(log.FieldEvent, "api.content_remove_failed").
			Msg("project tree not removed")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProjectSize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Meta.GetProject(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	size, err := s.deps.Content.ProjectSize(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sizeResponse{
		ProjectID: id,
		Bytes:     size,
		Human:     humanize.Bytes(uint64(size)),
	})
}

// handleSyncProject re-mirrors the project's manifests into the metadata
// store. Runs inline; the sync reads two small JSON files and rewrites rows.
func (s *Server) handleSyncProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Meta.GetProject(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Syncer.Sync(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	clips, err := s.deps.Meta.CountClips(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	collections, err := s.deps.Meta.ListCollections(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{
		ProjectID:   id,
		Clips:       clips,
		Collections: len(collections),
	})
}
