// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManagerLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.ListenAddr = freeAddr(t)
	holder := newHolder(cfg)

	m, err := Build(context.Background(), holder)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	base := "http://" + cfg.ListenAddr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "daemon never became live")

	resp, err := http.Get(base + "/readyz")
	require.NoError(t, err)
	var ready struct {
		Ready bool `json:"ready"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	require.NoError(t, resp.Body.Close())
	require.True(t, ready.Ready)

	resp, err = http.Get(base + "/api/v1/projects")
	require.NoError(t, err)
	var list struct {
		Projects []json.RawMessage `json:"projects"`
		Total    int               `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.NoError(t, resp.Body.Close())
	require.Zero(t, list.Total)

	// A reload that touches identity fields is rejected and the running
	// configuration stays intact. The ENV-only loader resolves a different
	// storage root, so this SIGHUP exercises exactly that path.
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, cfg.StorageRoot, holder.Get().StorageRoot)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop after cancel")
	}

	// The socket is released once Start returns.
	_, err = http.Get(base + "/healthz")
	require.Error(t, err)

	require.EqualError(t, m.Start(context.Background()), "daemon already started")
}

func TestStartFailsStartupChecks(t *testing.T) {
	cfg := testConfig(t)
	cfg.FFmpegPath = filepath.Join(t.TempDir(), "missing-ffmpeg")
	holder := newHolder(cfg)

	m, err := Build(context.Background(), holder)
	require.NoError(t, err)

	err = m.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "ffmpeg")
}

func TestShutdownHooksRunInReverse(t *testing.T) {
	m, err := Build(context.Background(), newHolder(testConfig(t)))
	require.NoError(t, err)

	var order []string
	m.RegisterShutdownHook("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	m.RegisterShutdownHook("failing", func(context.Context) error {
		order = append(order, "failing")
		return context.DeadlineExceeded
	})
	m.RegisterShutdownHook("last", func(context.Context) error {
		order = append(order, "last")
		return nil
	})

	m.shutdown(context.Background())
	require.Equal(t, []string{"last", "failing", "first"}, order)

	// Hooks are consumed; a second shutdown is a no-op.
	order = order[:0]
	m.shutdown(context.Background())
	require.Empty(t, order)
}

func TestRunPropagatesBuildErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.BrokerURL = "not-a-url"

	err := Run(context.Background(), newHolder(cfg))
	require.Error(t, err)
	require.Contains(t, err.Error(), "dial broker")
}
