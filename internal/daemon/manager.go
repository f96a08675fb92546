// SPDX-License-Identifier: MIT

// Package daemon assembles the service from configuration and owns its
// lifecycle: ordered startup, errgroup supervision of the long-lived loops,
// and LIFO shutdown hooks bounded by a grace period.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/health"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/version"
)

// shutdownGrace bounds the shutdown sequence: the HTTP drain and the hook
// chain each get at most this long.
const shutdownGrace = 15 * time.Second

// ShutdownHook releases one subsystem. Hooks run in reverse registration
// order so dependents go down before their dependencies.
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	hook ShutdownHook
}

// Manager supervises the daemon's subsystems from Start until shutdown.
type Manager struct {
	deps   Deps
	cfg    config.Config
	server *http.Server
	logger zerolog.Logger

	mu      sync.Mutex
	hooks   []namedHook
	started bool
}

// New wires a manager around validated dependencies and registers the
// standard close hooks in bring-up order.
func New(deps Deps) (*Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	cfg := deps.Holder.Get()
	m := &Manager{
		deps:   deps,
		cfg:    cfg,
		server: deps.API.HTTPServer(cfg.ListenAddr),
		logger: log.WithComponent("daemon"),
	}

	if deps.Telemetry != nil {
		m.RegisterShutdownHook("telemetry", deps.Telemetry.Shutdown)
	}
	m.RegisterShutdownHook("metadata store", func(context.Context) error { return deps.Meta.Close() })
	m.RegisterShutdownHook("local kv", func(context.Context) error { return deps.KV.Close() })
	m.RegisterShutdownHook("broker", func(context.Context) error { return deps.Bus.Close() })
	m.RegisterShutdownHook("gateway", deps.Hub.Close)
	return m, nil
}

// RegisterShutdownHook appends a named cleanup step. Later registrations run
// earlier during shutdown.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
}

// Start checks the environment, brings the subsystems up, and blocks until
// ctx ends or one of them fails. The shutdown hooks always run before Start
// returns; a clean ctx cancellation returns nil.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("daemon already started")
	}
	m.started = true
	m.mu.Unlock()

	if err := health.PerformStartupChecks(ctx, m.cfg); err != nil {
		m.shutdown(context.WithoutCancel(ctx))
		return err
	}

	mode := "redis"
	if m.cfg.BrokerURL == "" {
		mode = "standalone"
	}
	m.logger.Info().
		Str(log.FieldEvent, "daemon.starting").
		Str("version", version.String()).
		Str("listen", m.cfg.ListenAddr).
		Str("storage_root", m.cfg.StorageRoot).
		Str("broker_mode", mode).
		Int("workers", m.cfg.WorkerConcurrency).
		Msg("clipforged starting")

	g, gctx := errgroup.WithContext(ctx)

	// The watcher is best-effort: a config file that cannot be watched
	// still loads on SIGHUP.
	if err := m.deps.Holder.StartWatcher(gctx); err != nil {
		m.logger.Warn().Err(err).
			Str(log.FieldEvent, "daemon.watcher_failed").
			Msg("config watcher not started")
	}

	// Register before anything serves so an early SIGHUP reloads instead
	// of killing the process.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(hup)
		m.reloadLoop(gctx, hup)
		return nil
	})
	g.Go(func() error { return m.deps.Pool.Run(gctx) })
	g.Go(func() error { return m.deps.Janitor.Run(gctx) })
	g.Go(func() error {
		m.logger.Info().
			Str(log.FieldEvent, "daemon.listening").
			Str("addr", m.server.Addr).
			Msg("http server listening")
		err := m.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		return m.server.Shutdown(drainCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	m.shutdown(context.WithoutCancel(ctx))
	m.logger.Info().Str(log.FieldEvent, "daemon.stopped").Msg("clipforged stopped")
	return err
}

// shutdown runs the registered hooks LIFO, once. Hook failures are logged
// and never stop the chain.
func (m *Manager) shutdown(ctx context.Context) {
	m.mu.Lock()
	hooks := m.hooks
	m.hooks = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.hook(ctx); err != nil {
			m.logger.Warn().Err(err).
				Str(log.FieldEvent, "daemon.hook_failed").
				Str("hook", h.name).
				Msg("shutdown hook failed")
			continue
		}
		m.logger.Debug().
			Str(log.FieldEvent, "daemon.hook_done").
			Str("hook", h.name).
			Msg("shutdown hook finished")
	}
}

// reloadLoop reloads configuration on every SIGHUP until ctx ends. Rejected
// reloads keep the previous configuration.
func (m *Manager) reloadLoop(ctx context.Context, hup <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			m.logger.Info().
				Str(log.FieldEvent, "daemon.reload_signal").
				Msg("SIGHUP received, reloading configuration")
			if err := m.deps.Holder.Reload(ctx); err != nil {
				m.logger.Warn().Err(err).
					Str(log.FieldEvent, "daemon.reload_failed").
					Msg("configuration reload failed")
			}
		}
	}
}
