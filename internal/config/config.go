// SPDX-License-Identifier: MIT

// Package config loads service configuration with precedence
// ENV > file > defaults.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"
)

// StageTimeouts bounds each pipeline stage. Zero means the default.
type StageTimeouts struct {
	Ingest    time.Duration `yaml:"ingest"`
	Subtitle  time.Duration `yaml:"subtitle"`
	Analyze   time.Duration `yaml:"analyze"`
	Highlight time.Duration `yaml:"highlight"`
	Export    time.Duration `yaml:"export"`
	Done      time.Duration `yaml:"done"`
}

// Config is the resolved service configuration. Values are immutable after
// Load; runtime changes go through Holder.
type Config struct {
	// Identity fields. Changing these requires a restart.
	StorageRoot string `yaml:"storageRoot"`
	BrokerURL   string `yaml:"brokerURL"`
	DBURL       string `yaml:"dbURL"`
	ListenAddr  string `yaml:"listenAddr"`

	WorkerConcurrency int `yaml:"workerConcurrency"`

	LLMProvider  string  `yaml:"llmProvider"`
	LLMAPIKey    string  `yaml:"-"`
	LLMBaseURL   string  `yaml:"llmBaseURL"`
	LLMRateLimit float64 `yaml:"llmRateLimit"` // requests per second

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	StuckTaskThreshold time.Duration `yaml:"stuckTaskThreshold"`
	SnapshotTTL        time.Duration `yaml:"snapshotTTL"`
	TaskRetentionDays  int           `yaml:"taskRetentionDays"`
	// ProjectRetentionDays of 0 disables auto-pruning.
	ProjectRetentionDays int           `yaml:"projectRetentionDays"`
	JanitorInterval      time.Duration `yaml:"janitorInterval"`

	StageTimeouts StageTimeouts `yaml:"stageTimeouts"`

	DownloaderAllowedHosts []string `yaml:"downloaderAllowedHosts"`
	YTDLPPath              string   `yaml:"ytdlpPath"`
	FFmpegPath             string   `yaml:"ffmpegPath"`
	CookiesDir             string   `yaml:"cookiesDir"`

	UploadMaxBytes int64    `yaml:"uploadMaxBytes"`
	TrustedProxies []string `yaml:"trustedProxies"`
	APIRateLimit   int      `yaml:"apiRateLimit"` // mutating requests per minute per IP

	OTELEnabled  bool   `yaml:"otelEnabled"`
	OTELExporter string `yaml:"otelExporter"` // "grpc" or "http"
}

func defaultAllowedHosts() []string {
	return []string{
		"youtube.com", "www.youtube.com", "m.youtube.com", "youtu.be",
		"bilibili.com", "www.bilibili.com", "b23.tv",
		"vimeo.com", "www.vimeo.com",
	}
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		StorageRoot:          "./data",
		BrokerURL:            "",
		DBURL:                "",
		ListenAddr:           ":8080",
		WorkerConcurrency:    runtime.NumCPU(),
		LLMProvider:          "stub",
		LLMRateLimit:         2,
		LogLevel:             "INFO",
		LogFormat:            "json",
		StuckTaskThreshold:   360 * time.Minute,
		SnapshotTTL:          86400 * time.Second,
		TaskRetentionDays:    30,
		ProjectRetentionDays: 0,
		JanitorInterval:      24 * time.Hour,
		StageTimeouts: StageTimeouts{
			Ingest:    30 * time.Minute,
			Subtitle:  10 * time.Minute,
			Analyze:   20 * time.Minute,
			Highlight: 20 * time.Minute,
			Export:    30 * time.Minute,
			Done:      1 * time.Minute,
		},
		DownloaderAllowedHosts: defaultAllowedHosts(),
		YTDLPPath:              "yt-dlp",
		FFmpegPath:             "ffmpeg",
		CookiesDir:             "",
		UploadMaxBytes:         4 << 30,
		APIRateLimit:           30,
		OTELEnabled:            false,
		OTELExporter:           "grpc",
	}
}

// Loader resolves configuration with precedence ENV > file > defaults.
type Loader struct {
	configPath string
}

// NewLoader creates a loader. configPath may be empty (ENV-only).
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load resolves the configuration: defaults, then file, then environment.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := mergeFile(&cfg, l.configPath); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	mergeEnv(&cfg)

	// Paths crossing component boundaries are absolute.
	if abs, err := filepath.Abs(cfg.StorageRoot); err == nil {
		cfg.StorageRoot = abs
	}
	if cfg.DBURL == "" {
		cfg.DBURL = filepath.Join(cfg.StorageRoot, "clipforge.db")
	}
	if cfg.CookiesDir == "" {
		cfg.CookiesDir = filepath.Join(cfg.StorageRoot, "cookies")
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func mergeEnv(cfg *Config) {
	cfg.StorageRoot = ParseString("STORAGE_ROOT", cfg.StorageRoot)
	cfg.BrokerURL = ParseString("BROKER_URL", cfg.BrokerURL)
	cfg.DBURL = ParseString("DB_URL", cfg.DBURL)
	cfg.ListenAddr = ParseString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.WorkerConcurrency = ParseInt("WORKER_CONCURRENCY", cfg.WorkerConcurrency)
	cfg.LLMProvider = ParseString("LLM_PROVIDER", cfg.LLMProvider)
	cfg.LLMAPIKey = ParseString("LLM_API_KEY", cfg.LLMAPIKey)
	cfg.LLMBaseURL = ParseString("LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.LLMRateLimit = ParseFloat("LLM_RATE_LIMIT", cfg.LLMRateLimit)
	cfg.LogLevel = ParseString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = ParseString("LOG_FORMAT", cfg.LogFormat)
	cfg.StuckTaskThreshold = time.Duration(ParseInt("STUCK_TASK_THRESHOLD_MINUTES", int(cfg.StuckTaskThreshold/time.Minute))) * time.Minute
	cfg.SnapshotTTL = time.Duration(ParseInt("SNAPSHOT_TTL_SECONDS", int(cfg.SnapshotTTL/time.Second))) * time.Second
	cfg.TaskRetentionDays = ParseInt("TASK_RETENTION_DAYS", cfg.TaskRetentionDays)
	cfg.ProjectRetentionDays = ParseInt("PROJECT_RETENTION_DAYS", cfg.ProjectRetentionDays)
	cfg.JanitorInterval = ParseDuration("JANITOR_INTERVAL", cfg.JanitorInterval)
	cfg.StageTimeouts.Ingest = ParseDuration("STAGE_TIMEOUT_INGEST", cfg.StageTimeouts.Ingest)
	cfg.StageTimeouts.Subtitle = ParseDuration("STAGE_TIMEOUT_SUBTITLE", cfg.StageTimeouts.Subtitle)
	cfg.StageTimeouts.Analyze = ParseDuration("STAGE_TIMEOUT_ANALYZE", cfg.StageTimeouts.Analyze)
	cfg.StageTimeouts.Highlight = ParseDuration("STAGE_TIMEOUT_HIGHLIGHT", cfg.StageTimeouts.Highlight)
	cfg.StageTimeouts.Export = ParseDuration("STAGE_TIMEOUT_EXPORT", cfg.StageTimeouts.Export)
	cfg.StageTimeouts.Done = ParseDuration("STAGE_TIMEOUT_DONE", cfg.StageTimeouts.Done)
	cfg.DownloaderAllowedHosts = ParseStringSlice("DOWNLOADER_ALLOWED_HOSTS", cfg.DownloaderAllowedHosts)
	cfg.YTDLPPath = ParseString("YTDLP_PATH", cfg.YTDLPPath)
	cfg.FFmpegPath = ParseString("FFMPEG_PATH", cfg.FFmpegPath)
	cfg.CookiesDir = ParseString("COOKIES_DIR", cfg.CookiesDir)
	cfg.UploadMaxBytes = ParseInt64("UPLOAD_MAX_BYTES", cfg.UploadMaxBytes)
	cfg.TrustedProxies = ParseStringSlice("TRUSTED_PROXIES", cfg.TrustedProxies)
	cfg.APIRateLimit = ParseInt("API_RATE_LIMIT", cfg.APIRateLimit)
	cfg.OTELEnabled = ParseBool("OTEL_ENABLED", cfg.OTELEnabled)
	cfg.OTELExporter = ParseString("OTEL_EXPORTER", cfg.OTELExporter)
}
