// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCreateRemoteSendsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/projects", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p-remote","status":"CREATED"}`))
	}))
	defer srv.Close()

	out, err := runCommand(t, "--api", srv.URL, "create",
		"--name", "talk", "--url", "https://youtube.com/watch?v=x", "--category", "tech")
	require.NoError(t, err)
	require.Contains(t, out, "p-remote")

	require.Equal(t, "talk", got["name"])
	require.Equal(t, "remote", got["source_type"])
	require.Equal(t, "https://youtube.com/watch?v=x", got["source_url"])
	require.Equal(t, "tech", got["category"])
	_, hasVideoPath := got["video_path"]
	require.False(t, hasVideoPath, "client never supplies media paths")
}

func TestCreateLocalUploadsMultipart(t *testing.T) {
	video := filepath.Join(t.TempDir(), "talk.mp4")
	require.NoError(t, os.WriteFile(video, []byte("fake video bytes"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		require.NoError(t, err)
		parts := map[string]string{}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			data, err := io.ReadAll(part)
			require.NoError(t, err)
			parts[part.FormName()] = string(data)
		}
		require.Equal(t, "talk", parts["name"])
		require.Equal(t, "local", parts["source_type"])
		require.Equal(t, "fake video bytes", parts["video"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p-local","status":"CREATED"}`))
	}))
	defer srv.Close()

	out, err := runCommand(t, "--api", srv.URL, "create", "--name", "talk", "--video", video)
	require.NoError(t, err)
	require.Contains(t, out, "p-local")
}

func TestCreateRejectsConflictingSources(t *testing.T) {
	_, err := runCommand(t, "create", "--name", "x", "--video", "a.mp4", "--url", "https://youtu.be/x")
	require.Error(t, err)
	require.Equal(t, 2, exitCode(err))

	_, err = runCommand(t, "create", "--name", "x")
	require.Error(t, err)
	require.Equal(t, 2, exitCode(err))

	_, err = runCommand(t, "create", "--video", "a.mp4")
	require.Error(t, err)
	require.Equal(t, 2, exitCode(err), "missing --name is an invalid invocation")
}

func TestStatusMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/projects/nope", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"project nope not found","kind":"not_found"}`))
	}))
	defer srv.Close()

	_, err := runCommand(t, "--api", srv.URL, "status", "nope")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
	require.Equal(t, 4, exitCode(err))
}

func TestCancelMapsBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/projects/p1/cancel", r.URL.Path)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"project p1 is processing","kind":"busy"}`))
	}))
	defer srv.Close()

	_, err := runCommand(t, "--api", srv.URL, "cancel", "p1")
	require.Error(t, err)
	require.Equal(t, 3, exitCode(err))
}

func TestProcessPrintsTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/projects/p1/process", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"t1","kind":"PROCESS","status":"PENDING"}`))
	}))
	defer srv.Close()

	out, err := runCommand(t, "--api", srv.URL, "process", "p1")
	require.NoError(t, err)
	require.Contains(t, out, `"t1"`)
	require.Contains(t, out, "PROCESS")
}

func TestListRendersTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "RUNNING", r.URL.Query().Get("status"))
		require.Equal(t, "10", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"projects":[
			{"id":"p1","name":"alpha","status":"RUNNING","progress":45,"created_at":"2026-08-25T10:00:00Z"},
			{"id":"p2","name":"beta","status":"RUNNING","progress":70,"created_at":"2026-08-25T11:00:00Z"}
		],"total":2}`))
	}))
	defer srv.Close()

	out, err := runCommand(t, "--api", srv.URL, "list", "--status", "RUNNING", "--limit", "10")
	require.NoError(t, err)
	require.Contains(t, out, "ID")
	require.Contains(t, out, "alpha")
	require.Contains(t, out, "beta")
	require.Contains(t, out, "total: 2")
}

func TestVersionSurvivesUnreachableServer(t *testing.T) {
	out, err := runCommand(t, "--api", "http://127.0.0.1:1", "version")
	require.NoError(t, err)
	require.Contains(t, out, "clipctl")
	require.Contains(t, out, "server: unreachable")
}

func TestUnknownFlagIsInvalidArgument(t *testing.T) {
	_, err := runCommand(t, "list", "--bogus")
	require.Error(t, err)
	require.Equal(t, 2, exitCode(err))
}

func TestExitCodeTable(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&usageError{errors.New("bad flags")}, 2},
		{&apiError{Status: http.StatusBadRequest}, 2},
		{&apiError{Status: http.StatusUnprocessableEntity}, 2},
		{&apiError{Status: http.StatusNotFound}, 4},
		{&apiError{Status: http.StatusConflict}, 3},
		{&apiError{Status: http.StatusTooManyRequests}, 3},
		{&apiError{Status: http.StatusInternalServerError}, 1},
		{errors.New("plain failure"), 1},
	}
	for _, tc := range cases {
		require.Equal(t, tc.code, exitCode(tc.err), "error: %v", tc.err)
	}
}
