// SPDX-License-Identifier: MIT

package content

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/internal/apperr"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNewCreatesLayout(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)

	for _, d := range []string{"projects", "temp", "cache", "uploads"} {
		info, err := os.Stat(filepath.Join(s.Root(), d))
		require.NoError(t, err, d)
		assert.True(t, info.IsDir())
	}
}

func TestSaveAndOpen(t *testing.T) {
	s := newStore(t)

	abs, err := s.Save("p1", "processing/step1_outline.json", strings.NewReader(`{"ok":true}`))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(abs))
	assert.Contains(t, abs, filepath.Join("projects", "p1", "processing"))

	rc, err := s.Open(abs)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}

func TestSaveReplacesAtomically(t *testing.T) {
	s := newStore(t)

	abs, err := s.Save("p1", "metadata/clips_metadata.json", strings.NewReader("v1"))
	require.NoError(t, err)
	_, err = s.Save("p1", "metadata/clips_metadata.json", strings.NewReader("v2"))
	require.NoError(t, err)

	data, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	// No temp leftovers beside the target.
	entries, err := os.ReadDir(filepath.Dir(abs))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSaveRejectsEscapes(t *testing.T) {
	s := newStore(t)

	for _, rel := range []string{"../outside.txt", "/etc/passwd", "a/../../../etc/passwd", "a\\b"} {
		_, err := s.Save("p1", rel, strings.NewReader("x"))
		require.Error(t, err, rel)
		assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err), rel)
	}
}

func TestOpenOutsideRootRefused(t *testing.T) {
	s := newStore(t)

	outside := filepath.Join(t.TempDir(), "other.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))

	_, err := s.Open(outside)
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestOpenMissingIsNotFound(t *testing.T) {
	s := newStore(t)

	p, err := s.Path("p1", "raw", "video.mp4")
	require.NoError(t, err)

	_, err = s.Open(p)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	assert.False(t, s.Exists(p))
}

func TestSaveUploadAndPromote(t *testing.T) {
	s := newStore(t)

	staged, err := s.SaveUpload(strings.NewReader("videodata"), "My Clip.MP4")
	require.NoError(t, err)
	assert.Contains(t, staged, string(filepath.Separator)+"uploads"+string(filepath.Separator))
	assert.True(t, strings.HasSuffix(staged, ".mp4"), "extension kept, lowercased: %s", staged)
	assert.True(t, s.Exists(staged))

	final, err := s.PromoteUpload(staged, "p1", "raw/video.mp4")
	require.NoError(t, err)
	assert.True(t, s.Exists(final))
	assert.False(t, s.Exists(staged), "staged file moved, not copied")

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "videodata", string(data))
}

func TestPromoteUploadRejectsNonStagedSource(t *testing.T) {
	s := newStore(t)

	abs, err := s.Save("p1", "raw/video.mp4", strings.NewReader("x"))
	require.NoError(t, err)

	_, err = s.PromoteUpload(abs, "p2", "raw/video.mp4")
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestProjectSize(t *testing.T) {
	s := newStore(t)

	size, err := s.ProjectSize("ghost")
	require.NoError(t, err)
	assert.Zero(t, size)

	_, err = s.Save("p1", "raw/video.mp4", strings.NewReader(strings.Repeat("a", 100)))
	require.NoError(t, err)
	_, err = s.Save("p1", "processing/chunks.json", strings.NewReader(strings.Repeat("b", 50)))
	require.NoError(t, err)

	size, err = s.ProjectSize("p1")
	require.NoError(t, err)
	assert.EqualValues(t, 150, size)
}

func TestRemoveProject(t *testing.T) {
	s := newStore(t)

	abs, err := s.Save("p1", "raw/video.mp4", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, s.RemoveProject("p1"))
	assert.False(t, s.Exists(abs))

	require.NoError(t, s.RemoveProject("p1"), "idempotent")
}

func TestCleanupTemp(t *testing.T) {
	s := newStore(t)

	stale := filepath.Join(s.TempDir(), "old.bin")
	fresh := filepath.Join(s.TempDir(), "new.bin")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(fresh, []byte("y"), 0o600))

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, past, past))

	removed, err := s.CleanupTemp(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestPathConfinement(t *testing.T) {
	s := newStore(t)

	p, err := s.Path("p1", "output", "clips", "clip_001.mp4")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, s.Root()))

	_, err = s.Path("p1", "..", "..", "escape")
	require.Error(t, err)

	_, err = s.Path("../p2")
	require.Error(t, err)
}
