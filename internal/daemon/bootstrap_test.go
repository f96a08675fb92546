// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/config"
)

// fakeTool writes an executable stub so startup checks pass without the
// real binaries installed.
func fakeTool(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.StorageRoot = root
	cfg.DBURL = filepath.Join(root, "clipforge.db")
	cfg.CookiesDir = filepath.Join(root, "cookies")
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.WorkerConcurrency = 1
	cfg.FFmpegPath = fakeTool(t)
	cfg.YTDLPPath = fakeTool(t)
	return cfg
}

func newHolder(cfg config.Config) *config.Holder {
	return config.NewHolder(cfg, config.NewLoader(""), "")
}

func TestBuildStandalone(t *testing.T) {
	m, err := Build(context.Background(), newHolder(testConfig(t)))
	require.NoError(t, err)
	defer m.shutdown(context.Background())

	require.NotNil(t, m.deps.Meta)
	require.NotNil(t, m.deps.KV)
	require.NotNil(t, m.deps.Pool)
	require.NotNil(t, m.deps.Janitor)
	require.NotNil(t, m.deps.Hub)
	require.NotNil(t, m.server)

	_, isMemory := m.deps.Bus.(*broker.MemoryBus)
	require.True(t, isMemory, "empty broker URL must select the in-process bus")
}

func TestBuildRedisMode(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.BrokerURL = "redis://" + mr.Addr()

	m, err := Build(context.Background(), newHolder(cfg))
	require.NoError(t, err)
	defer m.shutdown(context.Background())

	_, isRedis := m.deps.Bus.(*broker.RedisBus)
	require.True(t, isRedis, "a broker URL must select the redis bus")
}

func TestBuildRejectsBadBrokerURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.BrokerURL = "not-a-url"

	_, err := Build(context.Background(), newHolder(cfg))
	require.Error(t, err)
	require.Contains(t, err.Error(), "dial broker")
}

func TestBuildLLMProviders(t *testing.T) {
	cfg := testConfig(t)
	require.NotNil(t, buildLLM(cfg))

	cfg.LLMProvider = "openai"
	cfg.LLMBaseURL = "http://127.0.0.1:9/v1"
	require.NotNil(t, buildLLM(cfg))
}

func TestDepsValidate(t *testing.T) {
	m, err := Build(context.Background(), newHolder(testConfig(t)))
	require.NoError(t, err)
	defer m.shutdown(context.Background())

	require.NoError(t, m.deps.Validate())

	cases := []struct {
		field  string
		mutate func(*Deps)
	}{
		{"Holder", func(d *Deps) { d.Holder = nil }},
		{"Meta", func(d *Deps) { d.Meta = nil }},
		{"KV", func(d *Deps) { d.KV = nil }},
		{"Bus", func(d *Deps) { d.Bus = nil }},
		{"Pool", func(d *Deps) { d.Pool = nil }},
		{"Janitor", func(d *Deps) { d.Janitor = nil }},
		{"Hub", func(d *Deps) { d.Hub = nil }},
		{"API", func(d *Deps) { d.API = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.field, func(t *testing.T) {
			deps := m.deps
			tc.mutate(&deps)
			err := deps.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.field)
		})
	}

	// Telemetry is the one optional field.
	deps := m.deps
	deps.Telemetry = nil
	require.NoError(t, deps.Validate())
}
