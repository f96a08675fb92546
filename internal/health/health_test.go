// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealthAlwaysOK(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(NewPingChecker("db", func(context.Context) error {
		return errors.New("down")
	}))

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, StatusHealthy, resp.Status)
	require.Empty(t, resp.Checks)
}

func TestHealthVerboseReportsChecks(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(NewPingChecker("db", func(context.Context) error {
		return errors.New("down")
	}))

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, StatusUnhealthy, resp.Status)
	require.Equal(t, StatusUnhealthy, resp.Checks["db"].Status)
}

func TestReadyGatesOnCheckers(t *testing.T) {
	dbErr := error(nil)
	m := NewManager("test")
	m.RegisterChecker(NewPingChecker("db", func(context.Context) error { return dbErr }))
	m.RegisterChecker(NewPingChecker("broker", func(context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	dbErr = errors.New("connection refused")
	rec = httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Ready)
	require.Equal(t, StatusUnhealthy, resp.Checks["db"].Status)
	require.Equal(t, StatusHealthy, resp.Checks["broker"].Status)
}

func TestReadyWithoutCheckersIsReady(t *testing.T) {
	m := NewManager("test")
	resp := m.Ready(context.Background())
	require.True(t, resp.Ready)
	require.Equal(t, StatusHealthy, resp.Status)
}

func TestDegradedKeepsReady(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(checkerFunc(func(context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded, Message: "slow"}
	}))

	resp := m.Ready(context.Background())
	require.True(t, resp.Ready)
	require.Equal(t, StatusDegraded, resp.Status)
}

type checkerFunc func(ctx context.Context) CheckResult

func (checkerFunc) Name() string { return "stub" }

func (f checkerFunc) Check(ctx context.Context) CheckResult { return f(ctx) }

func TestDirChecker(t *testing.T) {
	dir := t.TempDir()
	ok := NewDirChecker("storage", dir).Check(context.Background())
	require.Equal(t, StatusHealthy, ok.Status)

	missing := NewDirChecker("storage", dir+"/nope").Check(context.Background())
	require.Equal(t, StatusUnhealthy, missing.Status)
}

func TestCheckListenAddr(t *testing.T) {
	require.NoError(t, checkListenAddr(":8080"))
	require.NoError(t, checkListenAddr("127.0.0.1:9000"))
	require.NoError(t, checkListenAddr(""))
	require.Error(t, checkListenAddr("no-port"))
	require.Error(t, checkListenAddr(":notaport"))
}
