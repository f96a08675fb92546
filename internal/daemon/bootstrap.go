// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clipforge/clipforge/internal/api"
	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/capability/cutter"
	"github.com/clipforge/clipforge/internal/capability/downloader"
	"github.com/clipforge/clipforge/internal/capability/llm"
	"github.com/clipforge/clipforge/internal/capability/transcriber"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/content"
	"github.com/clipforge/clipforge/internal/datasync"
	"github.com/clipforge/clipforge/internal/gateway"
	"github.com/clipforge/clipforge/internal/health"
	"github.com/clipforge/clipforge/internal/localkv"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/meta"
	"github.com/clipforge/clipforge/internal/pipeline"
	"github.com/clipforge/clipforge/internal/progress"
	"github.com/clipforge/clipforge/internal/ratelimit"
	"github.com/clipforge/clipforge/internal/telemetry"
	"github.com/clipforge/clipforge/internal/version"
	"github.com/clipforge/clipforge/internal/worker"
)

// llmBurst is the token bucket depth for provider calls.
const llmBurst = 4

// Run builds the daemon from the held configuration and runs it until ctx
// ends. This is the entry point used by cmd/clipforged.
func Run(ctx context.Context, holder *config.Holder) error {
	m, err := Build(ctx, holder)
	if err != nil {
		return err
	}
	return m.Start(ctx)
}

// Build constructs the full dependency graph: telemetry, stores, broker,
// progress fabric, capabilities, orchestrator, pool, janitor, gateway, and
// the HTTP surface. Nothing starts consuming until Manager.Start.
func Build(ctx context.Context, holder *config.Holder) (*Manager, error) {
	cfg := holder.Get()
	log.Configure(log.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Version: version.Version})
	logger := log.WithComponent("bootstrap")

	// Partially built graphs tear down what they opened, in reverse.
	var cleanups []func()
	built := false
	defer func() {
		if built {
			return
		}
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTELEnabled,
		ServiceName:    "clipforge",
		ServiceVersion: version.Version,
		ExporterType:   cfg.OTELExporter,
		SamplingRate:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	cleanups = append(cleanups, func() { _ = tel.Shutdown(context.WithoutCancel(ctx)) })

	metaStore, err := meta.Open(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	cleanups = append(cleanups, func() { _ = metaStore.Close() })

	contentStore, err := content.New(cfg.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}

	kv, err := localkv.Open(filepath.Join(contentStore.CacheDir(), "kv"))
	if err != nil {
		return nil, fmt.Errorf("open local kv: %w", err)
	}
	cleanups = append(cleanups, func() { _ = kv.Close() })

	var (
		bus   Broker
		snaps progress.Snapshots
	)
	if cfg.BrokerURL == "" {
		bus = broker.NewMemoryBus()
		snaps = progress.NewLocalSnapshots(kv)
		logger.Info().
			Str(log.FieldEvent, "bootstrap.standalone").
			Msg("no broker configured, using in-process bus and local snapshots")
	} else {
		client, err := broker.Dial(ctx, cfg.BrokerURL)
		if err != nil {
			return nil, fmt.Errorf("dial broker: %w", err)
		}
		bus = broker.NewRedisBus(client)
		snaps = progress.NewRedisSnapshots(client)
	}
	cleanups = append(cleanups, func() { _ = bus.Close() })

	fabric := progress.NewPublisher(bus, snaps, cfg.SnapshotTTL)

	policy, err := downloader.NewPolicy(cfg.DownloaderAllowedHosts)
	if err != nil {
		return nil, fmt.Errorf("downloader policy: %w", err)
	}

	orch, err := pipeline.New(pipeline.Deps{
		Meta:        metaStore,
		Content:     contentStore,
		Fabric:      fabric,
		LLM:         buildLLM(cfg),
		Downloader:  downloader.NewYTDLP(cfg.YTDLPPath, policy),
		Transcriber: &transcriber.Stub{},
		Cutter:      cutter.NewFFmpeg(cfg.FFmpegPath, contentStore.TempDir()),
	}, pipeline.Options{
		Timeouts:   cfg.StageTimeouts,
		CookiesDir: cfg.CookiesDir,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	syncer := datasync.New(metaStore, contentStore)

	pool, err := worker.New(worker.Deps{
		Meta:         metaStore,
		Queue:        bus,
		Orchestrator: orch,
		Syncer:       syncer,
		KV:           kv,
		Fabric:       fabric,
	}, worker.Config{Concurrency: cfg.WorkerConcurrency})
	if err != nil {
		return nil, fmt.Errorf("worker pool: %w", err)
	}

	janitor := meta.NewJanitor(metaStore, func() meta.JanitorConfig {
		c := holder.Get()
		return meta.JanitorConfig{
			Interval:             c.JanitorInterval,
			StuckTaskThreshold:   c.StuckTaskThreshold,
			TaskRetentionDays:    c.TaskRetentionDays,
			ProjectRetentionDays: c.ProjectRetentionDays,
		}
	}, meta.JanitorHooks{
		RemoveContent: contentStore.RemoveProject,
		Resync:        pool.EnqueueSync,
		CleanupScratch: func(age time.Duration) {
			if _, err := contentStore.CleanupTemp(age); err != nil {
				logger.Warn().Err(err).
					Str(log.FieldEvent, "bootstrap.scratch_cleanup_failed").
					Msg("temp cleanup failed")
			}
			if _, err := contentStore.CleanupUploads(age); err != nil {
				logger.Warn().Err(err).
					Str(log.FieldEvent, "bootstrap.scratch_cleanup_failed").
					Msg("upload staging cleanup failed")
			}
		},
	})

	hub := gateway.New(bus, snaps)
	cleanups = append(cleanups, func() { _ = hub.Close(context.WithoutCancel(ctx)) })

	healthMgr := health.NewManager(version.Version)
	healthMgr.RegisterChecker(health.NewPingChecker("database", func(context.Context) error {
		return metaStore.Ping()
	}))
	if pinger, ok := bus.(interface{ Ping(context.Context) error }); ok {
		healthMgr.RegisterChecker(health.NewPingChecker("broker", pinger.Ping))
	}
	healthMgr.RegisterChecker(health.NewDirChecker("storage", contentStore.Root()))

	apiServer, err := api.New(api.Deps{
		Meta:    metaStore,
		Content: contentStore,
		Pool:    pool,
		Syncer:  syncer,
		Health:  healthMgr,
		Gateway: hub,
		Metrics: promhttp.Handler(),
		Config:  cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}

	m, err := New(Deps{
		Holder:    holder,
		Meta:      metaStore,
		KV:        kv,
		Bus:       bus,
		Pool:      pool,
		Janitor:   janitor,
		Hub:       hub,
		API:       apiServer,
		Telemetry: tel,
	})
	if err != nil {
		return nil, err
	}
	built = true
	return m, nil
}

// buildLLM selects the provider. Anything other than the stub talks HTTP and
// is throttled to the configured request rate.
func buildLLM(cfg config.Config) *llm.Client {
	switch strings.ToLower(strings.TrimSpace(cfg.LLMProvider)) {
	case "", "stub":
		return llm.NewClient(llm.StubProvider{}, nil)
	default:
		provider := llm.NewHTTPProvider(cfg.LLMBaseURL, cfg.LLMAPIKey)
		return llm.NewClient(provider, ratelimit.New("llm", cfg.LLMRateLimit, llmBurst))
	}
}
