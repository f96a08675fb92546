// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// mergeFile overlays values from a YAML file onto cfg. Unknown keys are
// rejected so typos fail at startup instead of being silently ignored.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var file Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	overlay(cfg, &file)
	return nil
}

// overlay copies non-zero file values onto cfg, keeping defaults elsewhere.
func overlay(dst, src *Config) {
	if src.StorageRoot != "" {
		dst.StorageRoot = src.StorageRoot
	}
	if src.BrokerURL != "" {
		dst.BrokerURL = src.BrokerURL
	}
	if src.DBURL != "" {
		dst.DBURL = src.DBURL
	}
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.WorkerConcurrency != 0 {
		dst.WorkerConcurrency = src.WorkerConcurrency
	}
	if src.LLMProvider != "" {
		dst.LLMProvider = src.LLMProvider
	}
	if src.LLMBaseURL != "" {
		dst.LLMBaseURL = src.LLMBaseURL
	}
	if src.LLMRateLimit != 0 {
		dst.LLMRateLimit = src.LLMRateLimit
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.LogFormat != "" {
		dst.LogFormat = src.LogFormat
	}
	if src.StuckTaskThreshold != 0 {
		dst.StuckTaskThreshold = src.StuckTaskThreshold
	}
	if src.SnapshotTTL != 0 {
		dst.SnapshotTTL = src.SnapshotTTL
	}
	if src.TaskRetentionDays != 0 {
		dst.TaskRetentionDays = src.TaskRetentionDays
	}
	if src.ProjectRetentionDays != 0 {
		dst.ProjectRetentionDays = src.ProjectRetentionDays
	}
	if src.JanitorInterval != 0 {
		dst.JanitorInterval = src.JanitorInterval
	}
	if src.StageTimeouts.Ingest != 0 {
		dst.StageTimeouts.Ingest = src.StageTimeouts.Ingest
	}
	if src.StageTimeouts.Subtitle != 0 {
		dst.StageTimeouts.Subtitle = src.StageTimeouts.Subtitle
	}
	if src.StageTimeouts.Analyze != 0 {
		dst.StageTimeouts.Analyze = src.StageTimeouts.Analyze
	}
	if src.StageTimeouts.Highlight != 0 {
		dst.StageTimeouts.Highlight = src.StageTimeouts.Highlight
	}
	if src.StageTimeouts.Export != 0 {
		dst.StageTimeouts.Export = src.StageTimeouts.Export
	}
	if src.StageTimeouts.Done != 0 {
		dst.StageTimeouts.Done = src.StageTimeouts.Done
	}
	if len(src.DownloaderAllowedHosts) > 0 {
		dst.DownloaderAllowedHosts = src.DownloaderAllowedHosts
	}
	if src.YTDLPPath != "" {
		dst.YTDLPPath = src.YTDLPPath
	}
	if src.FFmpegPath != "" {
		dst.FFmpegPath = src.FFmpegPath
	}
	if src.CookiesDir != "" {
		dst.CookiesDir = src.CookiesDir
	}
	if src.UploadMaxBytes != 0 {
		dst.UploadMaxBytes = src.UploadMaxBytes
	}
	if len(src.TrustedProxies) > 0 {
		dst.TrustedProxies = src.TrustedProxies
	}
	if src.APIRateLimit != 0 {
		dst.APIRateLimit = src.APIRateLimit
	}
	if src.OTELEnabled {
		dst.OTELEnabled = true
	}
	if src.OTELExporter != "" {
		dst.OTELExporter = src.OTELExporter
	}
}
