// SPDX-License-Identifier: MIT

// Package log owns the process-wide zerolog setup: one Configure at boot,
// component-scoped child loggers, and request/run correlation fields carried
// through context.
package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const serviceName = "clipforge"

// Config is the logger bootstrap. Zero values fall back to INFO, JSON, and
// stdout.
type Config struct {
	Level   string    // "debug", "info", "warn", "error"
	Format  string    // "json" (default) or "console"
	Output  io.Writer // defaults to os.Stdout
	Version string    // build version stamped on every entry when set
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the shared logger. Only the first call wins; later
// calls are no-ops so libraries cannot re-root the logger mid-run.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
				level = parsed
			}
		} else if env := os.Getenv("LOG_LEVEL"); env != "" {
			if parsed, err := zerolog.ParseLevel(strings.ToLower(env)); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			writer = os.Stdout
		}
		if cfg.Format == "console" {
			writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
		}

		ctx := zerolog.New(writer).With().
			Timestamp().
			Str("service", serviceName)
		if cfg.Version != "" {
			ctx = ctx.Str("version", cfg.Version)
		}
		base = ctx.Logger()
	})
}

// SetLevel adjusts the global level at runtime; config hot reload calls it
// when LOG_LEVEL changes.
func SetLevel(level string) error {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

func logger() zerolog.Logger {
	Configure(Config{})
	return base
}

// WithComponent returns a child logger tagged with the subsystem name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str(FieldComponent, component).Logger()
}
