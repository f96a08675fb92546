// SPDX-License-Identifier: MIT

package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/internal/apperr"
)

// writeScript installs a fake yt-dlp binary for subprocess tests.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "yt-dlp-stub")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

// scriptPrologue locates the destination directory from the -o template the
// adapter passes, mirroring how the real binary resolves its output paths.
const scriptPrologue = `#!/bin/sh
out=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "-o" ]; then out="$arg"; fi
  prev="$arg"
done
dir=$(dirname "$out")
`

func TestFetchHappyPath(t *testing.T) {
	script := writeScript(t, scriptPrologue+`
echo "$@" > "$dir/args.txt"
printf 'clipforge-dl   0.0%%\n'
printf 'clipforge-dl  55.5%%\n'
echo "stub media" > "$dir/video.mp4"
echo '{"id":"abc","title":"Stub Clip","duration":63.5}' > "$dir/video.info.json"
printf '1\n00:00:00,000 --> 00:00:02,000\nhello\n\n' > "$dir/video.en.srt"
printf 'clipforge-dl 100.0%%\n'
exit 0
`)
	dest := t.TempDir()
	var fractions []float64

	dl := NewYTDLP(script, testPolicy(t))
	res, err := dl.Fetch(context.Background(), Request{
		URL:        "https://youtu.be/abc123",
		DestDir:    dest,
		OnProgress: func(f float64) { fractions = append(fractions, f) },
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dest, "video.mp4"), res.VideoPath)
	assert.Equal(t, filepath.Join(dest, "video.en.srt"), res.SubtitlePath)
	assert.Equal(t, filepath.Join(dest, "video.info.json"), res.InfoPath)
	assert.Equal(t, "Stub Clip", res.Title)
	assert.InDelta(t, 63.5, res.Duration, 1e-9)

	require.Len(t, fractions, 3)
	assert.InDelta(t, 0.0, fractions[0], 1e-9)
	assert.InDelta(t, 0.555, fractions[1], 1e-9)
	assert.InDelta(t, 1.0, fractions[2], 1e-9)

	args, readErr := os.ReadFile(filepath.Join(dest, "args.txt"))
	require.NoError(t, readErr)
	assert.Contains(t, string(args), "--write-info-json")
	assert.Contains(t, string(args), "--write-subs")
	assert.Contains(t, string(args), "https://youtu.be/abc123")
}

func TestFetchRejectsDisallowedHost(t *testing.T) {
	script := writeScript(t, scriptPrologue+`
touch "$dir/invoked"
exit 0
`)
	dest := t.TempDir()

	dl := NewYTDLP(script, testPolicy(t))
	_, err := dl.Fetch(context.Background(), Request{URL: "https://example.org/v", DestDir: dest})
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
	assert.NoFileExists(t, filepath.Join(dest, "invoked"))
}

func TestFetchPermanentFailure(t *testing.T) {
	script := writeScript(t, scriptPrologue+`
touch "$dir/video.mp4.part"
echo "ERROR: Unsupported URL: https://youtube.com/watch?v=zz" >&2
exit 1
`)
	dest := t.TempDir()

	dl := NewYTDLP(script, testPolicy(t))
	_, err := dl.Fetch(context.Background(), Request{URL: "https://youtube.com/watch?v=zz", DestDir: dest})
	require.Error(t, err)
	assert.Equal(t, apperr.Unrecoverable, apperr.KindOf(err))

	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 1, execErr.ExitCode)
	require.NotEmpty(t, execErr.Stderr)
	assert.Contains(t, execErr.Stderr[len(execErr.Stderr)-1], "Unsupported URL")

	// Work files never survive a failed fetch.
	assert.NoFileExists(t, filepath.Join(dest, "video.mp4.part"))
}

func TestFetchTransientFailure(t *testing.T) {
	script := writeScript(t, scriptPrologue+`
echo "ERROR: unable to download video data: HTTP Error 503: Service Unavailable" >&2
exit 1
`)
	dl := NewYTDLP(script, testPolicy(t))
	_, err := dl.Fetch(context.Background(), Request{URL: "https://youtube.com/watch?v=ok", DestDir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, apperr.Transient, apperr.KindOf(err))
	assert.True(t, apperr.Retryable(err))
}

func TestFetchCancellationReapsProcess(t *testing.T) {
	script := writeScript(t, scriptPrologue+`
touch "$dir/video.mp4.part"
sleep 10
`)
	dest := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	dl := NewYTDLP(script, testPolicy(t))
	started := time.Now()
	_, err := dl.Fetch(ctx, Request{URL: "https://youtube.com/watch?v=slow", DestDir: dest})
	require.Error(t, err)
	assert.Equal(t, apperr.Cancelled, apperr.KindOf(err))
	assert.Less(t, time.Since(started), 3*time.Second)
	assert.NoFileExists(t, filepath.Join(dest, "video.mp4.part"))
}

func TestFetchMissingBinary(t *testing.T) {
	dl := NewYTDLP(filepath.Join(t.TempDir(), "no-such-binary"), testPolicy(t))
	_, err := dl.Fetch(context.Background(), Request{URL: "https://youtu.be/x", DestDir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, apperr.Unrecoverable, apperr.KindOf(err))
}

func TestFetchNoMediaProduced(t *testing.T) {
	script := writeScript(t, scriptPrologue+`
exit 0
`)
	dl := NewYTDLP(script, testPolicy(t))
	_, err := dl.Fetch(context.Background(), Request{URL: "https://youtu.be/x", DestDir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, apperr.Unrecoverable, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "no media file")
}

func TestBuildArgs(t *testing.T) {
	args := buildArgs("/data/projects/p1/raw", "")
	assert.Contains(t, args, "--no-playlist")
	assert.Contains(t, args, "--write-auto-subs")
	assert.Contains(t, args, "--newline")
	assert.NotContains(t, args, "--cookies")

	i := indexOf(args, "-o")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "/data/projects/p1/raw/video.%(ext)s", args[i+1])

	withJar := buildArgs("/data/projects/p1/raw", "/data/cookies/u1.txt")
	j := indexOf(withJar, "--cookies")
	require.GreaterOrEqual(t, j, 0)
	assert.Equal(t, "/data/cookies/u1.txt", withJar[j+1])
}

func TestParseProgressLine(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"clipforge-dl  42.3%", 0.423, true},
		{"clipforge-dl 100.0%", 1.0, true},
		{"clipforge-dl 0.0%", 0.0, true},
		{"clipforge-dl N/A", 0, false},
		{"[download]  42.3% of 10MiB", 0, false},
		{"clipforge-dl", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseProgressLine(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.InDelta(t, tc.want, got, 1e-9, tc.in)
		}
	}
}

func TestCollectResultPrefersMP4AndEnglish(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"video.mkv":       "x",
		"video.mp4":       "x",
		"video.es.srt":    "x",
		"video.en.srt":    "x",
		"video.webp":      "x",
		"video.mp4.part":  "x",
		"video.info.json": `{"title":"T","duration":9.5}`,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}

	res, err := collectResult(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "video.mp4"), res.VideoPath)
	assert.Equal(t, filepath.Join(dir, "video.en.srt"), res.SubtitlePath)
	assert.Equal(t, "T", res.Title)
	assert.InDelta(t, 9.5, res.Duration, 1e-9)
}

func indexOf(args []string, want string) int {
	for i, a := range args {
		if a == want {
			return i
		}
	}
	return -1
}
