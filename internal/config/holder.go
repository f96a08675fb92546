// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/log"
)

// Holder holds configuration with atomic reloading. It provides thread-safe
// access and supports hot reloading from file or manual trigger.
//
// Identity fields (storage root, broker URL, DB URL, listen address) cannot
// change across a reload; a reload that touches them is rejected and the old
// configuration stays in effect.
type Holder struct {
	mu         sync.RWMutex
	current    Config
	loader     *Loader
	configPath string
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger

	reloadMu        sync.RWMutex
	reloadListeners []chan<- Config
}

// NewHolder creates a configuration holder with the initial config.
func NewHolder(initial Config, loader *Loader, configPath string) *Holder {
	return &Holder{
		current:    initial,
		loader:     loader,
		configPath: configPath,
		logger:     log.WithComponent("config"),
	}
}

// Get returns the current configuration (thread-safe read).
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Subscribe registers a channel that receives the new config after every
// successful reload. The channel must be serviced or buffered.
func (h *Holder) Subscribe(ch chan<- Config) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()
	h.reloadListeners = append(h.reloadListeners, ch)
}

// Reload reloads configuration from file and validates it. If validation
// fails or an identity field changed, the old configuration is kept and an
// error is returned.
func (h *Holder) Reload(_ context.Context) error {
	h.logger.Info().Str("event", "config.reload_start").Msg("reloading configuration")

	newCfg, err := h.loader.Load()
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("event", "config.reload_failed").
			Msg("failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}

	h.mu.Lock()
	old := h.current
	if err := checkIdentity(old, newCfg); err != nil {
		h.mu.Unlock()
		h.logger.Error().
			Err(err).
			Str("event", "config.reload_rejected").
			Msg("reload touches restart-only fields")
		return err
	}
	h.current = newCfg
	h.mu.Unlock()

	if old.LogLevel != newCfg.LogLevel {
		if err := log.SetLevel(newCfg.LogLevel); err != nil {
			h.logger.Warn().Err(err).Msg("could not apply new log level")
		} else {
			h.logger.Info().
				Str("event", "config.log_level_changed").
				Str("from", old.LogLevel).
				Str("to", newCfg.LogLevel).
				Msg("log level updated")
		}
	}

	h.notify(newCfg)
	h.logger.Info().Str("event", "config.reload_done").Msg("configuration reloaded")
	return nil
}

func checkIdentity(old, next Config) error {
	switch {
	case old.StorageRoot != next.StorageRoot:
		return fmt.Errorf("storage root change requires restart (%s -> %s)", old.StorageRoot, next.StorageRoot)
	case old.BrokerURL != next.BrokerURL:
		return fmt.Errorf("broker URL change requires restart")
	case old.DBURL != next.DBURL:
		return fmt.Errorf("DB URL change requires restart")
	case old.ListenAddr != next.ListenAddr:
		return fmt.Errorf("listen address change requires restart (%s -> %s)", old.ListenAddr, next.ListenAddr)
	}
	return nil
}

func (h *Holder) notify(cfg Config) {
	h.reloadMu.RLock()
	defer h.reloadMu.RUnlock()
	for _, ch := range h.reloadListeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Str("event", "config.listener_blocked").Msg("reload listener not ready, skipping")
		}
	}
}

// StartWatcher starts watching the config file for changes. If configPath is
// empty this is a no-op (config comes from ENV only).
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.configPath == "" {
		h.logger.Info().
			Str("event", "config.watcher_disabled").
			Msg("config file watcher disabled (using ENV-only configuration)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher

	if err := watcher.Add(h.configPath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}

	h.logger.Info().
		Str("event", "config.watcher_started").
		Str("path", h.configPath).
		Msg("watching config file for changes")

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	// Debounce to avoid multiple reloads for rapid file changes.
	var debounceTimer *time.Timer
	const debounce = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			if h.watcher != nil {
				_ = h.watcher.Close()
			}
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			// Write and Create cover vim, nano and plain redirects.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				h.logger.Debug().
					Str("event", "config.file_changed").
					Str("op", event.Op.String()).
					Msg("config file changed")
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounce, func() {
					if err := h.Reload(ctx); err != nil {
						h.logger.Error().
							Err(err).
							Str("event", "config.auto_reload_failed").
							Msg("automatic config reload failed")
					}
				})
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}
