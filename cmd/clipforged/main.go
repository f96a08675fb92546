// SPDX-License-Identifier: MIT

// clipforged is the ClipForge service daemon: HTTP control surface,
// WebSocket progress gateway, and the highlight pipeline workers in one
// process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/daemon"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("CLIPFORGE_CONFIG"))
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clipforged: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Version: version.Version})
	logger := log.WithComponent("main")

	source := "env+defaults"
	if path != "" {
		source = path
	}
	logger.Info().
		Str(log.FieldEvent, "config.loaded").
		Str("source", source).
		Msg("configuration resolved")

	if err := daemon.Run(ctx, config.NewHolder(cfg, loader, path)); err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "daemon.failed").
			Msg("daemon exited with error")
		os.Exit(1)
	}
}
