// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/capability/downloader"
	"github.com/clipforge/clipforge/internal/capability/llm"
	"github.com/clipforge/clipforge/internal/capability/transcriber"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/content"
	"github.com/clipforge/clipforge/internal/datasync"
	"github.com/clipforge/clipforge/internal/health"
	"github.com/clipforge/clipforge/internal/localkv"
	"github.com/clipforge/clipforge/internal/meta"
	"github.com/clipforge/clipforge/internal/pipeline"
	"github.com/clipforge/clipforge/internal/progress"
	"github.com/clipforge/clipforge/internal/version"
	"github.com/clipforge/clipforge/internal/worker"
)

type refuseDownloader struct{}

func (refuseDownloader) Fetch(context.Context, downloader.Request) (*downloader.Result, error) {
	return nil, apperr.New(apperr.Unrecoverable, "no network in tests")
}

type byteCutter struct{}

func (byteCutter) Cut(_ context.Context, src string, _, _ time.Duration, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func (byteCutter) Concat(_ context.Context, parts []string, dst string) error {
	var buf bytes.Buffer
	for _, p := range parts {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		buf.Write(data)
	}
	return os.WriteFile(dst, buf.Bytes(), 0o644)
}

type apiHarness struct {
	meta    *meta.Store
	content *content.Store
	srv     *httptest.Server
}

func newAPI(t *testing.T, mutate func(*config.Config)) *apiHarness {
	t.Helper()
	dir := t.TempDir()

	metaStore, err := meta.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = metaStore.Close() })

	contentStore, err := content.New(filepath.Join(dir, "content"))
	require.NoError(t, err)

	kv, err := localkv.Open(filepath.Join(dir, "kv"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	bus := broker.NewMemoryBus()
	fabric := progress.NewPublisher(bus, progress.NewLocalSnapshots(kv), time.Hour)

	orch, err := pipeline.New(pipeline.Deps{
		Meta:        metaStore,
		Content:     contentStore,
		Fabric:      fabric,
		LLM:         llm.NewClient(llm.StubProvider{}, nil),
		Downloader:  refuseDownloader{},
		Transcriber: &transcriber.Stub{},
		Cutter:      byteCutter{},
	}, pipeline.Options{})
	require.NoError(t, err)

	syncer := datasync.New(metaStore, contentStore)
	pool, err := worker.New(worker.Deps{
		Meta:         metaStore,
		Queue:        bus,
		Orchestrator: orch,
		Syncer:       syncer,
		KV:           kv,
		Fabric:       fabric,
	}, worker.Config{Concurrency: 1, WorkerID: "api-test"})
	require.NoError(t, err)

	manager := health.NewManager(version.Version)
	manager.RegisterChecker(health.NewPingChecker("database",
		func(context.Context) error { return metaStore.Ping() }))

	cfg := config.Defaults()
	cfg.StorageRoot = contentStore.Root()
	cfg.UploadMaxBytes = 32 << 20
	if mutate != nil {
		mutate(&cfg)
	}

	server, err := New(Deps{
		Meta:    metaStore,
		Content: contentStore,
		Pool:    pool,
		Syncer:  syncer,
		Health:  manager,
		Metrics: promhttp.Handler(),
		Config:  cfg,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	return &apiHarness{meta: metaStore, content: contentStore, srv: srv}
}

// request round-trips one call and decodes the JSON envelope when there is
// one. A nil body sends no payload.
func (h *apiHarness) request(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp.StatusCode, out
}

func (h *apiHarness) localProject(t *testing.T) *meta.Project {
	t.Helper()
	staged, err := h.content.SaveUpload(strings.NewReader("not really an mp4"), "source.mp4")
	require.NoError(t, err)
	project, err := h.meta.CreateProject(context.Background(), meta.ProjectSpec{
		Name:       "local upload",
		SourceType: meta.SourceLocal,
		VideoPath:  staged,
	})
	require.NoError(t, err)
	return project
}

// seedResults installs clip rows (and optionally a collection over them)
// with content files, mirroring what a finished run leaves behind.
func (h *apiHarness) seedResults(t *testing.T, projectID string, clipIDs []string, withCollection bool) string {
	t.Helper()
	clips := make([]*meta.Clip, 0, len(clipIDs))
	for i, id := range clipIDs {
		abs, err := h.content.Save(projectID, pipeline.ClipArtifact(id),
			strings.NewReader("payload-"+id))
		require.NoError(t, err)
		clips = append(clips, &meta.Clip{
			ID:        id,
			ProjectID: projectID,
			Title:     "clip " + id,
			Score:     0.5 + float64(i)/10,
			StartTime: float64(i * 10),
			EndTime:   float64(i*10 + 8),
			Duration:  8,
			FilePath:  abs,
		})
	}
	var collections []*meta.Collection
	collectionID := ""
	if withCollection {
		collectionID = "col-1"
		collections = append(collections, &meta.Collection{
			ID:        collectionID,
			ProjectID: projectID,
			Title:     "best of",
			ClipIDs:   append([]string(nil), clipIDs...),
			Status:    meta.CollectionCreated,
		})
	}
	require.NoError(t,
		h.meta.ReplaceProjectResults(context.Background(), projectID, clips, collections))
	return collectionID
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][2]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for field, nameAndData := range files {
		fw, err := mw.CreateFormFile(field, nameAndData[0])
		require.NoError(t, err)
		_, err = fw.Write([]byte(nameAndData[1]))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestCreateProjectFromJSON(t *testing.T) {
	h := newAPI(t, nil)

	status, body := h.request(t, http.MethodPost, "/api/v1/projects", map[string]any{
		"name":        "remote talk",
		"source_type": "remote",
		"source_url":  "https://media.example.com/talk.mp4",
		"video_path":  "/etc/passwd",
	})
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "remote talk", body["name"])
	require.Equal(t, "PENDING", body["status"])
	require.NotEmpty(t, body["id"])
	// Media locations are server-assigned; the injected path must not stick.
	require.NotContains(t, body, "video_path")
}

func TestCreateProjectValidation(t *testing.T) {
	h := newAPI(t, nil)

	// Remote requires a source URL.
	status, body := h.request(t, http.MethodPost, "/api/v1/projects", map[string]any{
		"name":        "broken",
		"source_type": "remote",
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, string(apperr.InvalidArgument), body["kind"])

	// Local requires an uploaded video.
	status, body = h.request(t, http.MethodPost, "/api/v1/projects", map[string]any{
		"name":        "no media",
		"source_type": "local",
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body["error"], "video")
}

func TestCreateProjectFromMultipart(t *testing.T) {
	h := newAPI(t, nil)

	body, ct := multipartBody(t,
		map[string]string{"name": "uploaded talk", "source_type": "local"},
		map[string][2]string{
			"video":    {"talk.mp4", "fake mp4 bytes"},
			"subtitle": {"talk.srt", "1\n00:00:00,000 --> 00:00:01,000\nhi\n"},
		})
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/v1/projects", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", ct)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var project meta.Project
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&project))
	require.Equal(t, "uploaded talk", project.Name)
	require.True(t, strings.HasSuffix(project.VideoPath, ".mp4"))
	require.True(t, strings.HasSuffix(project.SubtitlePath, ".srt"))

	staged, err := os.ReadFile(project.VideoPath)
	require.NoError(t, err)
	require.Equal(t, "fake mp4 bytes", string(staged))
}

func TestCreateMultipartWithoutVideoDiscardsNothing(t *testing.T) {
	h := newAPI(t, nil)

	body, ct := multipartBody(t,
		map[string]string{"name": "fieldsonly", "source_type": "local"}, nil)
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/v1/projects", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", ct)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	leftovers, err := filepath.Glob(filepath.Join(h.content.Root(), "uploads", "*"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestUploadCapRejectsOversizedBody(t *testing.T) {
	// Cap above the form-field preamble so the limit trips inside the file
	// part itself.
	h := newAPI(t, func(cfg *config.Config) { cfg.UploadMaxBytes = 1024 })

	body, ct := multipartBody(t,
		map[string]string{"name": "big", "source_type": "local"},
		map[string][2]string{"video": {"big.mp4", strings.Repeat("x", 64<<10)}})
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/v1/projects", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", ct)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var envelope errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Equal(t, string(apperr.InvalidArgument), envelope.Kind)
	require.Contains(t, envelope.Error, "exceeds")
}

func TestListProjectsFilterAndPaging(t *testing.T) {
	h := newAPI(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.localProject(t)
	}
	// Move one to COMPLETED for the filter case.
	projects, _, err := h.meta.ListProjects(ctx, meta.ProjectFilter{}, meta.Page{})
	require.NoError(t, err)
	first := projects[0].ID
	require.NoError(t, h.meta.UpdateProjectStatus(ctx, first, meta.ProjectPending, meta.ProjectProcessing, nil))
	require.NoError(t, h.meta.UpdateProjectStatus(ctx, first, meta.ProjectProcessing, meta.ProjectCompleted, nil))

	status, body := h.request(t, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 3, body["total"])

	status, body = h.request(t, http.MethodGet, "/api/v1/projects?status=completed", nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 1, body["total"])

	status, body = h.request(t, http.MethodGet, "/api/v1/projects?limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["projects"], 2)
	require.EqualValues(t, 3, body["total"])

	status, body = h.request(t, http.MethodGet, "/api/v1/projects?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, string(apperr.InvalidArgument), body["kind"])
}

func TestGetProjectNotFound(t *testing.T) {
	h := newAPI(t, nil)
	status, body := h.request(t, http.MethodGet, "/api/v1/projects/missing", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, string(apperr.NotFound), body["kind"])
	require.NotEmpty(t, body["request_id"])
}

func TestProcessQueuesMatchingKind(t *testing.T) {
	h := newAPI(t, nil)

	local := h.localProject(t)
	status, task := h.request(t, http.MethodPost, "/api/v1/projects/"+local.ID+"/process", nil)
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, string(meta.TaskProcess), task["kind"])
	require.Equal(t, string(meta.TaskPending), task["status"])

	// A second request while the first is queued returns the same task.
	status, again := h.request(t, http.MethodPost, "/api/v1/projects/"+local.ID+"/process", nil)
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, task["id"], again["id"])

	remote, err := h.meta.CreateProject(context.Background(), meta.ProjectSpec{
		Name:       "remote",
		SourceType: meta.SourceRemote,
		SourceURL:  "https://media.example.com/a.mp4",
	})
	require.NoError(t, err)
	status, task = h.request(t, http.MethodPost, "/api/v1/projects/"+remote.ID+"/process", nil)
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, string(meta.TaskDownload), task["kind"])
}

func TestCancelQueuedProject(t *testing.T) {
	h := newAPI(t, nil)
	project := h.localProject(t)

	status, _ := h.request(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/process", nil)
	require.Equal(t, http.StatusAccepted, status)

	status, body := h.request(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["cancelled"])

	status, detail := h.request(t, http.MethodGet, "/api/v1/projects/"+project.ID, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, string(meta.ProjectCancelled), detail["status"])

	// Cancelling a settled project is a no-op, not an error.
	status, body = h.request(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["cancelled"])
}

func TestRetryRequiresTerminalFailure(t *testing.T) {
	h := newAPI(t, nil)
	project := h.localProject(t)

	status, body := h.request(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/retry", nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, string(apperr.Conflict), body["kind"])

	ctx := context.Background()
	stage, msg := "ANALYZE", "boom"
	require.NoError(t, h.meta.UpdateProjectStatus(ctx, project.ID, meta.ProjectPending, meta.ProjectProcessing, nil))
	require.NoError(t, h.meta.UpdateProjectStatus(ctx, project.ID, meta.ProjectProcessing, meta.ProjectFailed,
		&meta.StatusFields{ErrorStage: &stage, ErrorMessage: &msg}))

	status, task := h.request(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/retry", nil)
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, string(meta.TaskPending), task["status"])
	require.Equal(t, string(meta.TaskProcess), task["kind"])
}

func TestDeleteProjectBusyWhileRunning(t *testing.T) {
	h := newAPI(t, nil)
	ctx := context.Background()
	project := h.localProject(t)
	_, err := h.content.Save(project.ID, "raw/video.mp4", strings.NewReader("bytes"))
	require.NoError(t, err)

	task, err := h.meta.CreateTask(ctx, project.ID, meta.TaskProcess)
	require.NoError(t, err)
	require.NoError(t, h.meta.StartTask(ctx, task.ID, "w-1"))

	status, body := h.request(t, http.MethodDelete, "/api/v1/projects/"+project.ID, nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, string(apperr.Busy), body["kind"])

	require.NoError(t, h.meta.FinishTask(ctx, task.ID, meta.TaskCompleted, ""))
	status, _ = h.request(t, http.MethodDelete, "/api/v1/projects/"+project.ID, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, _ = h.request(t, http.MethodGet, "/api/v1/projects/"+project.ID, nil)
	require.Equal(t, http.StatusNotFound, status)

	dir, err := h.content.Path(project.ID)
	require.NoError(t, err)
	_, statErr := os.Stat(dir)
	require.True(t, os.IsNotExist(statErr))
}

func TestProjectSize(t *testing.T) {
	h := newAPI(t, nil)
	project := h.localProject(t)
	_, err := h.content.Save(project.ID, "raw/video.mp4", strings.NewReader(strings.Repeat("v", 2048)))
	require.NoError(t, err)

	status, body := h.request(t, http.MethodGet, "/api/v1/projects/"+project.ID+"/size", nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 2048, body["bytes"])
	require.NotEmpty(t, body["human"])
}

func TestSyncMirrorsManifests(t *testing.T) {
	h := newAPI(t, nil)
	project := h.localProject(t)

	// No manifest yet: the caller can tell "not finished" apart from failure.
	status, body := h.request(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/sync", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, string(apperr.NotFound), body["kind"])

	manifest := pipeline.ClipsManifest{
		ProjectID:   project.ID,
		GeneratedAt: time.Now().UTC(),
		Clips: []pipeline.ClipMetadata{
			{ID: "seg_1", Title: "One", Score: 0.9, StartTime: 5, EndTime: 20, Duration: 15},
			{ID: "seg_2", Title: "Two", Score: 0.7, StartTime: 30, EndTime: 40, Duration: 10},
		},
	}
	rd, err := pipeline.EncodeJSONArtifact(manifest)
	require.NoError(t, err)
	_, err = h.content.Save(project.ID, pipeline.ClipsManifestPath, rd)
	require.NoError(t, err)

	status, body = h.request(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/sync", nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 2, body["clips"])
	require.EqualValues(t, 0, body["collections"])

	status, listing := h.request(t, http.MethodGet, "/api/v1/projects/"+project.ID+"/clips", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, listing["clips"], 2)
}

func TestReorderCollection(t *testing.T) {
	h := newAPI(t, nil)
	project := h.localProject(t)
	collectionID := h.seedResults(t, project.ID, []string{"c1", "c2"}, true)

	status, body := h.request(t, http.MethodPatch,
		"/api/v1/collections/"+collectionID+"/reorder", []string{"c2", "c1"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []any{"c2", "c1"}, body["clip_ids"])

	// Dropping a member is not a reorder.
	status, body = h.request(t, http.MethodPatch,
		"/api/v1/collections/"+collectionID+"/reorder", []string{"c2"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, string(apperr.InvalidArgument), body["kind"])

	status, _ = h.request(t, http.MethodPatch,
		"/api/v1/collections/"+collectionID+"/reorder", []string{})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = h.request(t, http.MethodPatch,
		"/api/v1/collections/missing/reorder", []string{"c1"})
	require.Equal(t, http.StatusNotFound, status)
}

func TestDeleteClipRemovesRowAndFile(t *testing.T) {
	h := newAPI(t, nil)
	project := h.localProject(t)
	h.seedResults(t, project.ID, []string{"c1"}, false)

	clip, err := h.meta.GetClip(context.Background(), "c1")
	require.NoError(t, err)
	require.FileExists(t, clip.FilePath)

	status, _ := h.request(t, http.MethodDelete, "/api/v1/clips/c1", nil)
	require.Equal(t, http.StatusNoContent, status)

	_, err = h.meta.GetClip(context.Background(), "c1")
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
	_, statErr := os.Stat(clip.FilePath)
	require.True(t, os.IsNotExist(statErr))
}

func TestClipFileStreaming(t *testing.T) {
	h := newAPI(t, nil)
	project := h.localProject(t)
	abs, err := h.content.Save(project.ID, pipeline.ClipArtifact("c1"), strings.NewReader("0123456789"))
	require.NoError(t, err)
	require.NoError(t, h.meta.ReplaceProjectResults(context.Background(), project.ID,
		[]*meta.Clip{{ID: "c1", ProjectID: project.ID, Title: "clip", FilePath: abs}}, nil))

	base := h.srv.URL + "/api/v1/files/projects/" + project.ID + "/clips/c1"

	resp, err := http.Get(base)
	require.NoError(t, err)
	full, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "0123456789", string(full))
	require.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req, err := http.NewRequest(http.MethodGet, base, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=2-5")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	partial, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, "2345", string(partial))

	req, err = http.NewRequest(http.MethodGet, base, nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotModified, resp.StatusCode)

	// The project segment must match the clip's owner.
	status, _ := h.request(t, http.MethodGet, "/api/v1/files/projects/other/clips/c1", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestCollectionFileRequiresExport(t *testing.T) {
	h := newAPI(t, nil)
	project := h.localProject(t)
	collectionID := h.seedResults(t, project.ID, []string{"c1"}, true)

	status, body := h.request(t, http.MethodGet,
		"/api/v1/files/projects/"+project.ID+"/collections/"+collectionID, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Contains(t, body["error"], "no export")
}

func TestVersionAndProbes(t *testing.T) {
	h := newAPI(t, nil)

	status, body := h.request(t, http.MethodGet, "/api/v1/version", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, version.Version, body["version"])

	status, _ = h.request(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, status)

	status, ready := h.request(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, ready["ready"])

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	scrape, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, scrape)
}

func TestMutationRateLimit(t *testing.T) {
	h := newAPI(t, func(cfg *config.Config) { cfg.APIRateLimit = 2 })

	spec := map[string]any{
		"name":        "burst",
		"source_type": "remote",
		"source_url":  "https://media.example.com/a.mp4",
	}
	for i := 0; i < 2; i++ {
		status, _ := h.request(t, http.MethodPost, "/api/v1/projects", spec)
		require.Equal(t, http.StatusCreated, status)
	}
	status, body := h.request(t, http.MethodPost, "/api/v1/projects", spec)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, string(apperr.Busy), body["kind"])

	// Reads stay unthrottled.
	status, _ = h.request(t, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, status)
}

func TestRequestIDPropagation(t *testing.T) {
	h := newAPI(t, nil)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/v1/projects/missing", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "trace-me-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "trace-me-123", resp.Header.Get(requestIDHeader))
	var envelope errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Equal(t, "trace-me-123", envelope.RequestID)
}

func TestUnknownRouteEnvelope(t *testing.T) {
	h := newAPI(t, nil)
	status, body := h.request(t, http.MethodGet, "/api/v1/nope", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, string(apperr.NotFound), body["kind"])
}
