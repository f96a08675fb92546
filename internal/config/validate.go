// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Validation sentinel errors.
var (
	ErrStorageRootRelative = errors.New("storage root must be absolute after resolution")
	ErrBadConcurrency      = errors.New("worker concurrency must be positive")
	ErrBadLogLevel         = errors.New("log level must be one of DEBUG, INFO, WARN, ERROR")
	ErrBadExporter         = errors.New("otel exporter must be grpc or http")
)

var validLogLevels = map[string]struct{}{
	"DEBUG": {}, "INFO": {}, "WARN": {}, "ERROR": {},
}

// Validate rejects impossible configurations before the daemon starts.
func Validate(cfg Config) error {
	if !filepath.IsAbs(cfg.StorageRoot) {
		return fmt.Errorf("%w: %s", ErrStorageRootRelative, cfg.StorageRoot)
	}
	if cfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("%w: %d", ErrBadConcurrency, cfg.WorkerConcurrency)
	}
	if _, ok := validLogLevels[strings.ToUpper(cfg.LogLevel)]; !ok {
		return fmt.Errorf("%w: %s", ErrBadLogLevel, cfg.LogLevel)
	}
	if cfg.OTELExporter != "grpc" && cfg.OTELExporter != "http" {
		return fmt.Errorf("%w: %s", ErrBadExporter, cfg.OTELExporter)
	}
	if cfg.SnapshotTTL <= 0 {
		return errors.New("snapshot TTL must be positive")
	}
	if cfg.StuckTaskThreshold <= 0 {
		return errors.New("stuck task threshold must be positive")
	}
	if cfg.JanitorInterval <= 0 {
		return errors.New("janitor interval must be positive")
	}
	if cfg.UploadMaxBytes <= 0 {
		return errors.New("upload max bytes must be positive")
	}
	stageTimeouts := map[string]time.Duration{
		"ingest":    cfg.StageTimeouts.Ingest,
		"subtitle":  cfg.StageTimeouts.Subtitle,
		"analyze":   cfg.StageTimeouts.Analyze,
		"highlight": cfg.StageTimeouts.Highlight,
		"export":    cfg.StageTimeouts.Export,
		"done":      cfg.StageTimeouts.Done,
	}
	for name, d := range stageTimeouts {
		if d <= 0 {
			return fmt.Errorf("stage timeout %s must be positive", name)
		}
	}
	return nil
}
