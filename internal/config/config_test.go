// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(cfg.StorageRoot))
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "stub", cfg.LLMProvider)
	assert.Equal(t, 360*time.Minute, cfg.StuckTaskThreshold)
	assert.Equal(t, 86400*time.Second, cfg.SnapshotTTL)
	assert.Equal(t, 30*time.Minute, cfg.StageTimeouts.Ingest)
	assert.Equal(t, time.Minute, cfg.StageTimeouts.Done)
	assert.Equal(t, filepath.Join(cfg.StorageRoot, "clipforge.db"), cfg.DBURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STORAGE_ROOT", t.TempDir())
	t.Setenv("WORKER_CONCURRENCY", "3")
	t.Setenv("STUCK_TASK_THRESHOLD_MINUTES", "42")
	t.Setenv("SNAPSHOT_TTL_SECONDS", "120")
	t.Setenv("STAGE_TIMEOUT_EXPORT", "5m")
	t.Setenv("DOWNLOADER_ALLOWED_HOSTS", "example.com, media.example.com")

	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.WorkerConcurrency)
	assert.Equal(t, 42*time.Minute, cfg.StuckTaskThreshold)
	assert.Equal(t, 120*time.Second, cfg.SnapshotTTL)
	assert.Equal(t, 5*time.Minute, cfg.StageTimeouts.Export)
	assert.Equal(t, []string{"example.com", "media.example.com"}, cfg.DownloaderAllowedHosts)
}

func TestLoadFilePrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clipforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"workerConcurrency: 7\nlogLevel: WARN\njanitorInterval: 1h\n"), 0o644))

	// Env beats file.
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.WorkerConcurrency)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, time.Hour, cfg.JanitorInterval)
}

func TestLoadFileUnknownKeyRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clipforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workreConcurrency: 7\n"), 0o644))

	_, err := NewLoader(path).Load()
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := Defaults()
	base.StorageRoot = "/data"

	bad := base
	bad.WorkerConcurrency = 0
	assert.ErrorIs(t, Validate(bad), ErrBadConcurrency)

	bad = base
	bad.LogLevel = "verbose"
	assert.ErrorIs(t, Validate(bad), ErrBadLogLevel)

	bad = base
	bad.OTELExporter = "udp"
	assert.ErrorIs(t, Validate(bad), ErrBadExporter)

	bad = base
	bad.StorageRoot = "relative/dir"
	assert.ErrorIs(t, Validate(bad), ErrStorageRootRelative)

	bad = base
	bad.StageTimeouts.Analyze = 0
	assert.Error(t, Validate(bad))
}

func TestHolderReloadRejectsIdentityChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clipforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logLevel: INFO\n"), 0o644))

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	holder := NewHolder(cfg, loader, path)

	// Pointing the file at a different listen address must be rejected.
	require.NoError(t, os.WriteFile(path, []byte("listenAddr: \":9999\"\n"), 0o644))
	err = holder.Reload(t.Context())
	require.Error(t, err)
	assert.Equal(t, cfg.ListenAddr, holder.Get().ListenAddr)
}

func TestHolderReloadAppliesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clipforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("janitorInterval: 24h\n"), 0o644))

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	holder := NewHolder(cfg, loader, path)
	updates := make(chan Config, 1)
	holder.Subscribe(updates)

	require.NoError(t, os.WriteFile(path, []byte("janitorInterval: 2h\n"), 0o644))
	require.NoError(t, holder.Reload(t.Context()))

	assert.Equal(t, 2*time.Hour, holder.Get().JanitorInterval)
	select {
	case got := <-updates:
		assert.Equal(t, 2*time.Hour, got.JanitorInterval)
	default:
		t.Fatal("reload listener not notified")
	}
}
