// SPDX-License-Identifier: MIT

package worker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/capability/downloader"
	"github.com/clipforge/clipforge/internal/capability/llm"
	"github.com/clipforge/clipforge/internal/capability/transcriber"
	"github.com/clipforge/clipforge/internal/content"
	"github.com/clipforge/clipforge/internal/localkv"
	"github.com/clipforge/clipforge/internal/meta"
	"github.com/clipforge/clipforge/internal/pipeline"
	"github.com/clipforge/clipforge/internal/progress"
)

type recordingSyncer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingSyncer) Sync(_ context.Context, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, projectID)
	return nil
}

func (r *recordingSyncer) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type noFetchDownloader struct{}

func (noFetchDownloader) Fetch(context.Context, downloader.Request) (*downloader.Result, error) {
	return nil, apperr.New(apperr.Unrecoverable, "no network in tests")
}

// copyCutter stands in for ffmpeg: a cut or concat is a byte copy.
type copyCutter struct{}

func (copyCutter) Cut(_ context.Context, src string, _, _ time.Duration, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func (copyCutter) Concat(_ context.Context, parts []string, dst string) error {
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

type harness struct {
	meta    *meta.Store
	content *content.Store
	bus     *broker.MemoryBus
	kv      *localkv.Store
	orch    *pipeline.Orchestrator
	syncer  *recordingSyncer
	pool    *Pool
	srcDir  string
}

func newHarness(t *testing.T) *harness {
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
		Downloader:  noFetchDownloader{},
		Transcriber: &transcriber.Stub{},
		Cutter:      copyCutter{},
	}, pipeline.Options{})
	require.NoError(t, err)

	syncer := &recordingSyncer{}
	pool, err := New(Deps{
		Meta:         metaStore,
		Queue:        bus,
		Orchestrator: orch,
		Syncer:       syncer,
		KV:           kv,
		Fabric:       fabric,
	}, Config{Concurrency: 2, WorkerID: "test"})
	require.NoError(t, err)

	return &harness{
		meta:    metaStore,
		content: contentStore,
		bus:     bus,
		kv:      kv,
		orch:    orch,
		syncer:  syncer,
		pool:    pool,
		srcDir:  dir,
	}
}

func (h *harness) localProject(t *testing.T) *meta.Project {
	t.Helper()
	src := filepath.Join(h.srcDir, "source.mp4")
	require.NoError(t, os.WriteFile(src, []byte("not really an mp4"), 0o644))
	project, err := h.meta.CreateProject(context.Background(), meta.ProjectSpec{
		Name:       "local upload",
		SourceType: meta.SourceLocal,
		VideoPath:  src,
	})
	require.NoError(t, err)
	return project
}

func (h *harness) failProject(t *testing.T, id string, via meta.ProjectStatus, errStage string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.meta.UpdateProjectStatus(ctx, id, meta.ProjectPending, via, nil))
	stage, msg := errStage, "boom"
	require.NoError(t, h.meta.UpdateProjectStatus(ctx, id, via, meta.ProjectFailed,
		&meta.StatusFields{ErrorStage: &stage, ErrorMessage: &msg}))
}

func TestPoolRunsTaskToCompletion(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	project := h.localProject(t)

	task, err := h.pool.Enqueue(ctx, project.ID, EnqueueOptions{})
	require.NoError(t, err)
	require.Equal(t, meta.TaskPending, task.Status)

	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, gerr := h.meta.GetTask(context.Background(), task.ID)
		return gerr == nil && got.Status == meta.TaskCompleted
	}, 20*time.Second, 25*time.Millisecond)

	got, err := h.meta.GetProject(context.Background(), project.ID)
	require.NoError(t, err)
	require.Equal(t, meta.ProjectCompleted, got.Status)
	require.Equal(t, float64(100), got.Progress)
	require.Equal(t, []string{project.ID}, h.syncer.snapshot())

	row, err := h.meta.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, float64(100), row.Progress)
	require.NotEmpty(t, row.WorkerID)

	// A duplicate delivery of the finished task is dropped by the journal.
	msg := taskMessage{TaskID: task.ID, ProjectID: project.ID, Kind: meta.TaskProcess}
	payload, err := msg.encode()
	require.NoError(t, err)
	require.NoError(t, h.bus.Push(ctx, QueueProcessing, payload))
	require.Eventually(t, func() bool {
		n, lerr := h.bus.Len(context.Background(), QueueProcessing)
		return lerr == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{project.ID}, h.syncer.snapshot(), "duplicate must not re-sync")

	cancel()
	require.NoError(t, <-done)
}

func TestEnqueueIsIdempotentPerKind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project := h.localProject(t)

	first, err := h.pool.Enqueue(ctx, project.ID, EnqueueOptions{})
	require.NoError(t, err)
	second, err := h.pool.Enqueue(ctx, project.ID, EnqueueOptions{})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	tasks, err := h.meta.ListTasks(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	n, err := h.bus.Len(ctx, QueueProcessing)
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "only one message pushed")
}

func TestEnqueueUnknownProject(t *testing.T) {
	h := newHarness(t)
	_, err := h.pool.Enqueue(context.Background(), "nope", EnqueueOptions{})
	require.Error(t, err)
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestCancelQueuedTask(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	project := h.localProject(t)

	task, err := h.pool.Enqueue(ctx, project.ID, EnqueueOptions{})
	require.NoError(t, err)

	ok, err := h.pool.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	row, err := h.meta.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, meta.TaskCancelled, row.Status)

	// Cancelling again is a no-op.
	ok, err = h.pool.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, ok)

	// The still-queued message is dropped, not executed.
	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()
	require.Eventually(t, func() bool {
		n, lerr := h.bus.Len(context.Background(), QueueProcessing)
		return lerr == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got, err := h.meta.GetProject(context.Background(), project.ID)
	require.NoError(t, err)
	require.Equal(t, meta.ProjectPending, got.Status, "cancelled delivery must not start a run")
}

func TestCancelProjectWithoutRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project := h.localProject(t)

	_, err := h.pool.Enqueue(ctx, project.ID, EnqueueOptions{})
	require.NoError(t, err)

	sub, err := h.bus.Subscribe(ctx, "progress:project:"+project.ID)
	require.NoError(t, err)
	defer sub.Close()

	ok, err := h.pool.CancelProject(ctx, project.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := h.meta.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, meta.ProjectCancelled, got.Status)
	require.Equal(t, "cancelled", got.ErrorMessage)

	tasks, err := h.meta.ListTasks(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, meta.TaskCancelled, tasks[0].Status)

	select {
	case m := <-sub.C():
		require.Contains(t, string(m.Payload), `"stage":"ERROR"`)
		require.Contains(t, string(m.Payload), `"message":"cancelled"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event published")
	}

	// A terminal project cancels nothing further.
	ok, err = h.pool.CancelProject(ctx, project.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRetryResumesAtFailedStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project := h.localProject(t)
	h.failProject(t, project.ID, meta.ProjectProcessing, "ANALYZE")

	// Ingested media is still there, so the run resumes where it failed.
	_, err := h.content.Save(project.ID, "raw/video.mp4", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	task, err := h.pool.Retry(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, meta.TaskProcess, task.Kind)

	queue, payload, err := h.bus.Pop(ctx, []string{QueueProcessing}, time.Second)
	require.NoError(t, err)
	require.Equal(t, QueueProcessing, queue)
	msg, err := decodeMessage(payload)
	require.NoError(t, err)
	require.Equal(t, "ANALYZE", msg.Opts.StartAtStage)
	require.True(t, msg.Opts.Resume)
}

func TestRetryExportFailureUsesExportQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project := h.localProject(t)
	h.failProject(t, project.ID, meta.ProjectProcessing, "EXPORT")
	_, err := h.content.Save(project.ID, "raw/video.mp4", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	task, err := h.pool.Retry(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, meta.TaskExport, task.Kind)

	queue, payload, err := h.bus.Pop(ctx, []string{QueueExport}, time.Second)
	require.NoError(t, err)
	require.Equal(t, QueueExport, queue)
	msg, err := decodeMessage(payload)
	require.NoError(t, err)
	require.Equal(t, "EXPORT", msg.Opts.StartAtStage)
}

func TestRetryWithoutMediaStartsOver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project, err := h.meta.CreateProject(ctx, meta.ProjectSpec{
		Name:       "remote",
		SourceType: meta.SourceRemote,
		SourceURL:  "https://example.com/watch?v=1",
	})
	require.NoError(t, err)
	h.failProject(t, project.ID, meta.ProjectDownloading, "ANALYZE")

	task, err := h.pool.Retry(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, meta.TaskDownload, task.Kind, "missing media forces a re-download")

	_, payload, err := h.bus.Pop(ctx, []string{QueueProcessing}, time.Second)
	require.NoError(t, err)
	msg, err := decodeMessage(payload)
	require.NoError(t, err)
	require.Equal(t, "INGEST", msg.Opts.StartAtStage)
}

func TestRetryRequiresTerminalFailure(t *testing.T) {
	h := newHarness(t)
	project := h.localProject(t)

	_, err := h.pool.Retry(context.Background(), project.ID)
	require.Error(t, err)
	require.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestMalformedMessageGoesToDeadQueue(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.bus.Push(ctx, QueueProcessing, []byte("{ not json")))
	require.NoError(t, h.bus.Push(ctx, QueueProcessing, []byte(`{"project_id":"p","task_id":"t","kind":"WAT"}`)))

	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := h.bus.Len(context.Background(), QueueDead)
		return err == nil && n == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRequeueStalePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	project := h.localProject(t)

	task, err := h.meta.CreateTask(ctx, project.ID, meta.TaskProcess)
	require.NoError(t, err)

	// Fresh rows are left alone.
	require.NoError(t, h.pool.requeueStalePending(ctx))
	n, err := h.bus.Len(ctx, QueueProcessing)
	require.NoError(t, err)
	require.Zero(t, n)

	// Advance the pool's clock past the stale threshold.
	h.pool.deps.Clock = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.NoError(t, h.pool.requeueStalePending(ctx))

	_, payload, err := h.bus.Pop(ctx, []string{QueueProcessing}, time.Second)
	require.NoError(t, err)
	msg, err := decodeMessage(payload)
	require.NoError(t, err)
	require.Equal(t, task.ID, msg.TaskID)
	require.True(t, msg.Opts.Resume)
	require.Equal(t, "INGEST", msg.Opts.StartAtStage)
}

func TestDecodeMessageValidation(t *testing.T) {
	_, err := decodeMessage([]byte(`{"task_id":"t","kind":"PROCESS"}`))
	require.Error(t, err, "missing project id")

	_, err = decodeMessage([]byte(`{"project_id":"p","kind":"PROCESS"}`))
	require.Error(t, err, "missing task id")

	_, err = decodeMessage([]byte(`{"project_id":"p","opts":{"op":"sync"}}`))
	require.NoError(t, err, "sync ops carry no task id")

	msg, err := decodeMessage([]byte(`{"project_id":"p","task_id":"t","kind":"EXPORT","opts":{"start_at_stage":"EXPORT","resume":true}}`))
	require.NoError(t, err)
	require.Equal(t, meta.TaskExport, msg.Kind)
	require.Equal(t, QueueExport, queueForKind(msg.Kind))
	require.Equal(t, QueueProcessing, queueForKind(meta.TaskProcess))
	require.Equal(t, QueueProcessing, queueForKind(meta.TaskDownload))
}

func TestEnqueueSyncRunsDataSync(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	project := h.localProject(t)

	require.NoError(t, h.pool.EnqueueSync(ctx, project.ID))

	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(h.syncer.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Within the dedupe window a second sync collapses.
	require.NoError(t, h.pool.EnqueueSync(ctx, project.ID))
	require.Eventually(t, func() bool {
		n, err := h.bus.Len(context.Background(), QueueMaintenance)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, h.syncer.snapshot(), 1)

	cancel()
	require.NoError(t, <-done)
}
