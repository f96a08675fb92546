// SPDX-License-Identifier: MIT

package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/progress"
)

// Every teardown here is explicit rather than via t.Cleanup so it runs
// before the deferred leak check.
func TestHubShutdownNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := broker.NewMemoryBus()
	hub := New(bus, newStubSnapshots())
	srv := httptest.NewServer(hub)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=leakcheck"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	// Exercise the full path once: subscribe, pump, fan-out, write.
	syncProjects(t, ws, "p-leak")
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.pumps) == 1
	}, 5*time.Second, 10*time.Millisecond)

	ch, err := progress.Normalize("p-leak")
	require.NoError(t, err)
	payload, err := json.Marshal(progress.Event{ProjectID: "p-leak", Stage: "INGEST", Percent: 5})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), string(ch), payload))
	f := readFrame(t, ws)
	require.Equal(t, "progress", f["type"])

	// Peer disconnect releases the user and its pumps.
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.users) == 0 && len(hub.pumps) == 0
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Close(ctx))
	require.NoError(t, bus.Close())
	srv.Close()
}
