// SPDX-License-Identifier: MIT

package transcriber

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/subtitle"
)

func TestStubWritesEvenCues(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "raw", "subtitle.srt")

	s := &Stub{}
	err := s.Transcribe(context.Background(), Request{
		VideoPath: "/data/projects/p1/raw/video.mp4",
		DstPath:   dst,
		Duration:  23 * time.Second,
	})
	require.NoError(t, err)

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	cues, err := subtitle.Parse(f)
	require.NoError(t, err)

	require.Len(t, cues, 5)
	assert.Equal(t, time.Duration(0), cues[0].Start)
	assert.Equal(t, 5*time.Second, cues[0].End)
	assert.Equal(t, "video segment 1", cues[0].Text)
	assert.Equal(t, 20*time.Second, cues[4].Start)
	assert.Equal(t, 23*time.Second, cues[4].End)
	assert.Equal(t, 5, cues[4].Index)
}

func TestStubDefaultsUnknownDuration(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "subtitle.srt")

	s := &Stub{}
	require.NoError(t, s.Transcribe(context.Background(), Request{
		VideoPath: "clip.mkv",
		DstPath:   dst,
	}))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	cues, err := subtitle.Parse(f)
	require.NoError(t, err)

	// One minute at the default five-second spacing.
	assert.Len(t, cues, 12)
	assert.Equal(t, time.Minute, cues[len(cues)-1].End)
}

func TestStubCustomInterval(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "subtitle.srt")

	s := &Stub{CueInterval: 10 * time.Second}
	require.NoError(t, s.Transcribe(context.Background(), Request{
		VideoPath: "clip.mp4",
		DstPath:   dst,
		Duration:  25 * time.Second,
	}))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	cues, err := subtitle.Parse(f)
	require.NoError(t, err)
	assert.Len(t, cues, 3)
}

func TestStubValidatesRequest(t *testing.T) {
	s := &Stub{}

	err := s.Transcribe(context.Background(), Request{DstPath: "out.srt"})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	err = s.Transcribe(context.Background(), Request{VideoPath: "in.mp4"})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestStubHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &Stub{}
	err := s.Transcribe(ctx, Request{VideoPath: "in.mp4", DstPath: "out.srt"})
	assert.Equal(t, apperr.Cancelled, apperr.KindOf(err))
}
