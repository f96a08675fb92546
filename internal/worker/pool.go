// SPDX-License-Identifier: MIT

// Package worker consumes queued tasks and drives pipeline runs. Delivery is
// at-least-once: the task row's PENDING to RUNNING compare-and-set is the
// durable claim, a badger journal short-circuits re-deliveries of finished
// tasks, and an in-process set keeps per-project concurrency at one.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/localkv"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/meta"
	"github.com/clipforge/clipforge/internal/metrics"
	"github.com/clipforge/clipforge/internal/pipeline"
	"github.com/clipforge/clipforge/internal/progress"
)

const (
	popBlock        = time.Second
	requeueDelay    = 2 * time.Second
	finishTimeout   = 10 * time.Second
	dedupeTTL       = 24 * time.Hour
	syncDedupeTTL   = 30 * time.Second
	stalePendingAge = time.Minute
	errTextLimit    = 500
)

// Syncer copies finished pipeline results into the metadata store.
type Syncer interface {
	Sync(ctx context.Context, projectID string) error
}

// Deps are the pool's collaborators. All fields are required except Clock,
// which defaults to time.Now.
type Deps struct {
	Meta         *meta.Store
	Queue        broker.Queue
	Orchestrator *pipeline.Orchestrator
	Syncer       Syncer
	KV           *localkv.Store
	Fabric       *progress.Publisher
	Clock        func() time.Time
}

// Validate reports the first missing dependency by name.
func (d Deps) Validate() error {
	switch {
	case d.Meta == nil:
		return apperr.New(apperr.Internal, "worker deps: Meta is nil")
	case d.Queue == nil:
		return apperr.New(apperr.Internal, "worker deps: Queue is nil")
	case d.Orchestrator == nil:
		return apperr.New(apperr.Internal, "worker deps: Orchestrator is nil")
	case d.Syncer == nil:
		return apperr.New(apperr.Internal, "worker deps: Syncer is nil")
	case d.KV == nil:
		return apperr.New(apperr.Internal, "worker deps: KV is nil")
	case d.Fabric == nil:
		return apperr.New(apperr.Internal, "worker deps: Fabric is nil")
	}
	return nil
}

// Config tunes one pool instance.
type Config struct {
	// Concurrency is the number of consumer goroutines. Values below one
	// fall back to two.
	Concurrency int
	// WorkerID prefixes the per-goroutine worker ids recorded on claimed
	// tasks. Empty derives one from the hostname.
	WorkerID string
}

// Pool consumes the priority queues and executes tasks.
type Pool struct {
	deps        Deps
	concurrency int
	workerID    string
	logger      zerolog.Logger

	mu       sync.Mutex
	inflight map[string]string // project id -> task id
}

// New builds a pool. It does not start consuming; call Run.
func New(deps Deps, cfg Config) (*Pool, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 2
	}
	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		cfg.WorkerID = host + "-" + uuid.NewString()[:8]
	}
	return &Pool{
		deps:        deps,
		concurrency: cfg.Concurrency,
		workerID:    cfg.WorkerID,
		logger:      log.WithComponent("worker"),
		inflight:    make(map[string]string),
	}, nil
}

// Run re-queues stale PENDING tasks, then consumes until ctx is cancelled.
// It returns nil on a clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.requeueStalePending(ctx); err != nil {
		p.logger.Warn().Err(err).
			Str(log.FieldEvent, "worker.requeue_scan_failed").
			Msg("stale task scan failed")
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		id := fmt.Sprintf("%s-%d", p.workerID, i)
		g.Go(func() error { return p.consume(gctx, id) })
	}
	return g.Wait()
}

func (p *Pool) consume(ctx context.Context, workerID string) error {
	logger := p.logger.With().Str(log.FieldWorkerID, workerID).Logger()
	logger.Info().Str(log.FieldEvent, "worker.started").Msg("consumer started")
	for {
		queue, payload, err := p.deps.Queue.Pop(ctx, popOrder, popBlock)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Str(log.FieldEvent, "worker.stopped").Msg("consumer stopped")
				return nil
			}
			logger.Error().Err(err).
				Str(log.FieldEvent, "worker.pop_failed").
				Msg("queue pop failed")
			if !sleepCtx(ctx, popBlock) {
				return nil
			}
			continue
		}
		if payload == nil {
			p.observeDepth(ctx)
			continue
		}
		p.handle(ctx, logger, workerID, queue, payload)
	}
}

func (p *Pool) handle(ctx context.Context, logger zerolog.Logger, workerID, queue string, payload []byte) {
	msg, err := decodeMessage(payload)
	if err != nil {
		p.deadLetter(ctx, logger, queue, payload, err)
		return
	}
	if msg.Opts.Op == opSync {
		p.handleSync(ctx, logger, msg)
		return
	}
	p.handleTask(ctx, logger, workerID, queue, msg, payload)
}

func (p *Pool) handleTask(ctx context.Context, logger zerolog.Logger, workerID, queue string, msg taskMessage, payload []byte) {
	// Both ids ride the run context so stage code and subprocess adapters
	// log them without threading a logger through every call.
	ctx = log.ContextWithProjectID(ctx, msg.ProjectID)
	ctx = log.ContextWithTaskID(ctx, msg.TaskID)
	logger = log.WithContext(ctx, logger).With().
		Str(log.FieldKind, string(msg.Kind)).
		Logger()
	ctx = logger.WithContext(ctx)

	// Journal of finished deliveries. Unavailable journal falls through to
	// the StartTask compare-and-set, which stays authoritative.
	if _, done, err := p.deps.KV.Get(ctx, dedupeKey(msg.TaskID)); err != nil {
		logger.Warn().Err(err).
			Str(log.FieldEvent, "worker.journal_miss").
			Msg("dedupe journal unavailable")
	} else if done {
		metrics.DedupeHitsTotal.Inc()
		logger.Debug().Str(log.FieldEvent, "worker.duplicate_dropped").Msg("duplicate delivery dropped")
		return
	}

	if !p.claim(msg.ProjectID, msg.TaskID) {
		logger.Debug().Str(log.FieldEvent, "worker.project_busy").Msg("project already in flight, requeueing")
		p.requeueLater(ctx, logger, queue, payload)
		return
	}
	defer p.release(msg.ProjectID)

	if err := p.deps.Meta.StartTask(ctx, msg.TaskID, workerID); err != nil {
		switch apperr.KindOf(err) {
		case apperr.Conflict:
			if task, gerr := p.deps.Meta.GetTask(ctx, msg.TaskID); gerr == nil && task.Status == meta.TaskPending {
				// Another process owns a run for this project right now.
				logger.Debug().Str(log.FieldEvent, "worker.claim_deferred").Msg("project busy elsewhere, requeueing")
				p.requeueLater(ctx, logger, queue, payload)
				return
			}
			metrics.DedupeHitsTotal.Inc()
			logger.Debug().Str(log.FieldEvent, "worker.claim_lost").Msg("task already claimed or finished")
		case apperr.NotFound:
			logger.Warn().Str(log.FieldEvent, "worker.task_row_missing").Msg("task row gone, dropping delivery")
		default:
			logger.Error().Err(err).
				Str(log.FieldEvent, "worker.claim_failed").
				Msg("task claim failed, requeueing")
			p.requeueLater(ctx, logger, queue, payload)
		}
		return
	}

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	opts := pipeline.RunOptions{TaskID: msg.TaskID, Resume: msg.Opts.Resume}
	if msg.Opts.StartAtStage != "" {
		stage, perr := pipeline.ParseStage(msg.Opts.StartAtStage)
		if perr != nil {
			p.finishTask(ctx, logger, msg, meta.TaskFailed, "invalid start stage "+msg.Opts.StartAtStage)
			metrics.IncTask(string(msg.Kind), "failed")
			return
		}
		opts.StartAtStage = stage
	}

	began := p.deps.Clock()
	_, runErr := p.deps.Orchestrator.Run(ctx, msg.ProjectID, opts)

	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	var outcome string
	switch kind := apperr.KindOf(runErr); {
	case runErr == nil:
		outcome = "completed"
		p.finishTask(finCtx, logger, msg, meta.TaskCompleted, "")
		p.syncResults(finCtx, logger, msg.ProjectID)
	case kind == apperr.Cancelled:
		outcome = "cancelled"
		p.finishTask(finCtx, logger, msg, meta.TaskCancelled, "cancelled")
	case kind == apperr.Busy, kind == apperr.Conflict:
		// Another actor moved the project first; yield to it.
		outcome = "superseded"
		p.finishTask(finCtx, logger, msg, meta.TaskCancelled, clipText("superseded: "+runErr.Error()))
	default:
		outcome = "failed"
		p.finishTask(finCtx, logger, msg, meta.TaskFailed, clipText(runErr.Error()))
	}
	metrics.IncTask(string(msg.Kind), outcome)
	p.journalDone(finCtx, logger, msg.TaskID, outcome)

	logger.Info().
		Str(log.FieldEvent, "worker.task_finished").
		Str(log.FieldOutcome, outcome).
		Dur(log.FieldDuration, p.deps.Clock().Sub(began)).
		Msg("task finished")
}

func (p *Pool) handleSync(ctx context.Context, logger zerolog.Logger, msg taskMessage) {
	ctx = log.ContextWithProjectID(ctx, msg.ProjectID)
	logger = log.WithContext(ctx, logger)
	ctx = logger.WithContext(ctx)
	seen, err := p.deps.KV.Seen(ctx, "sync:seen:"+msg.ProjectID, syncDedupeTTL)
	if err != nil {
		logger.Warn().Err(err).
			Str(log.FieldEvent, "worker.journal_miss").
			Msg("sync journal unavailable")
	} else if seen {
		metrics.DedupeHitsTotal.Inc()
		logger.Debug().Str(log.FieldEvent, "worker.duplicate_dropped").Msg("duplicate sync dropped")
		return
	}
	if err := p.deps.Syncer.Sync(ctx, msg.ProjectID); err != nil {
		logger.Warn().Err(err).
			Str(log.FieldEvent, "worker.sync_failed").
			Msg("data sync failed")
		return
	}
	logger.Info().Str(log.FieldEvent, "worker.sync_completed").Msg("data sync completed")
}

// syncResults mirrors the finished manifests into SQLite. Failure never
// fails the project; the janitor re-enqueues a sync for completed projects
// without clip rows.
func (p *Pool) syncResults(ctx context.Context, logger zerolog.Logger, projectID string) {
	if err := p.deps.Syncer.Sync(ctx, projectID); err != nil {
		logger.Warn().Err(err).
			Str(log.FieldEvent, "worker.sync_failed").
			Msg("data sync failed")
	}
}

func (p *Pool) finishTask(ctx context.Context, logger zerolog.Logger, msg taskMessage, status meta.TaskStatus, errText string) {
	if err := p.deps.Meta.FinishTask(ctx, msg.TaskID, status, errText); err != nil {
		logger.Warn().Err(err).
			Str(log.FieldEvent, "worker.finish_miss").
			Str(log.FieldStatus, string(status)).
			Msg("task finish not recorded")
	}
}

func (p *Pool) journalDone(ctx context.Context, logger zerolog.Logger, taskID, outcome string) {
	if err := p.deps.KV.Set(ctx, dedupeKey(taskID), []byte(outcome), dedupeTTL); err != nil {
		logger.Warn().Err(err).
			Str(log.FieldEvent, "worker.journal_miss").
			Msg("dedupe journal write failed")
	}
}

// requeueLater pushes the message back after a short pause so a busy project
// does not spin the consumer. The push runs detached from ctx so shutdown
// does not drop the message.
func (p *Pool) requeueLater(ctx context.Context, logger zerolog.Logger, queue string, payload []byte) {
	sleepCtx(ctx, requeueDelay)
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := p.deps.Queue.Push(pushCtx, queue, payload); err != nil {
		logger.Error().Err(err).
			Str(log.FieldEvent, "worker.requeue_failed").
			Msg("message requeue failed")
	}
}

func (p *Pool) deadLetter(ctx context.Context, logger zerolog.Logger, queue string, payload []byte, cause error) {
	metrics.DeadLetterTotal.Inc()
	logger.Error().Err(cause).
		Str(log.FieldEvent, "worker.dead_letter").
		Str(log.FieldQueue, queue).
		Msg("undecodable message moved to dead queue")
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := p.deps.Queue.Push(pushCtx, QueueDead, payload); err != nil {
		logger.Error().Err(err).
			Str(log.FieldEvent, "worker.dead_letter_failed").
			Msg("dead queue push failed")
	}
}

func (p *Pool) observeDepth(ctx context.Context) {
	for _, q := range popOrder {
		n, err := p.deps.Queue.Len(ctx, q)
		if err != nil {
			continue
		}
		metrics.QueueDepth.WithLabelValues(q).Set(float64(n))
	}
}

func (p *Pool) claim(projectID, taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[projectID]; busy {
		return false
	}
	p.inflight[projectID] = taskID
	return true
}

func (p *Pool) release(projectID string) {
	p.mu.Lock()
	delete(p.inflight, projectID)
	p.mu.Unlock()
}

// InFlight returns the task id currently running for the project, if any.
func (p *Pool) InFlight(projectID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.inflight[projectID]
	return id, ok
}

func dedupeKey(taskID string) string { return "task:seen:" + taskID }

// sleepCtx waits for d or ctx, reporting false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func clipText(s string) string {
	if len(s) <= errTextLimit {
		return s
	}
	return s[:errTextLimit]
}
