// SPDX-License-Identifier: MIT

package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/capability"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/metrics"
	"github.com/clipforge/clipforge/internal/procgroup"
)

const (
	// outputStem keeps downloads discoverable: video.<ext> plus the
	// video.info.json and video.<lang>.srt sidecars yt-dlp writes next to it.
	outputStem = "video"

	// progressMarker tags our --progress-template lines on stdout so they
	// survive interleaving with yt-dlp's own output.
	progressMarker   = "clipforge-dl"
	progressTemplate = "download:" + progressMarker + " %(progress._percent_str)s"

	stderrRingSize = 256
	defaultGrace   = 5 * time.Second
)

// permanentMarkers are stderr fragments that mark a fetch as unretryable.
// Everything else is treated as a network-class flake.
var permanentMarkers = []string{
	"unsupported url",
	"video unavailable",
	"private video",
	"http error 404",
	"http error 410",
	"sign in to confirm",
	"account associated with this video has been terminated",
}

var videoExts = map[string]struct{}{
	".mp4": {}, ".mkv": {}, ".webm": {}, ".mov": {}, ".m4v": {},
}

// ExecError reports a failed yt-dlp invocation with the tail of its stderr.
type ExecError struct {
	Args     []string
	ExitCode int
	Stderr   []string
	cause    error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("yt-dlp exited %d", e.ExitCode)
	if len(e.Stderr) > 0 {
		msg += ": " + e.Stderr[len(e.Stderr)-1]
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.cause }

// YTDLP shells out to yt-dlp for remote fetches. The subprocess runs in its
// own process group; cancellation escalates SIGTERM to SIGKILL after grace.
type YTDLP struct {
	path   string
	policy *Policy
	grace  time.Duration
	logger zerolog.Logger
}

// NewYTDLP returns an adapter invoking the given binary. An empty path
// falls back to "yt-dlp" resolved via PATH.
func NewYTDLP(path string, policy *Policy) *YTDLP {
	if strings.TrimSpace(path) == "" {
		path = "yt-dlp"
	}
	return &YTDLP{
		path:   path,
		policy: policy,
		grace:  defaultGrace,
		logger: log.WithComponent("downloader"),
	}
}

// Fetch validates the URL against the policy, runs yt-dlp into req.DestDir
// and reports the files it produced. Partial download files never survive a
// failed or cancelled fetch.
func (y *YTDLP) Fetch(ctx context.Context, req Request) (*Result, error) {
	target, err := y.policy.Validate(req.URL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.DestDir) == "" {
		return nil, apperr.New(apperr.InvalidArgument, "download destination is empty")
	}
	if err := os.MkdirAll(req.DestDir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "create download directory")
	}

	args := buildArgs(req.DestDir, req.CookieJar)
	args = append(args, target)

	stderr := capability.NewLineRing(stderrRingSize)
	stdout := capability.NewLineRing(16).OnLine(func(line string) {
		if req.OnProgress == nil {
			return
		}
		if fraction, ok := parseProgressLine(line); ok {
			req.OnProgress(fraction)
		}
	})

	cmd := exec.Command(y.path, args...) // #nosec G204 -- args are built here, url is policy-validated
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	procgroup.Set(cmd)

	started := time.Now()
	logger := log.WithContext(ctx, y.logger)
	logger.Info().
		Str(log.FieldEvent, "downloader.start").
		Str("url", target).
		Str(log.FieldPath, req.DestDir).
		Msg("fetching remote source")

	if err := cmd.Start(); err != nil {
		metrics.IncToolRun("yt-dlp", "spawn_error")
		return nil, apperr.Wrap(apperr.Unrecoverable, err, "start yt-dlp")
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case <-ctx.Done():
		_ = procgroup.Terminate(cmd, waitCh, y.grace)
		removePartials(req.DestDir)
		metrics.IncToolRun("yt-dlp", "cancelled")
		return nil, apperr.Wrap(apperr.Cancelled, ctx.Err(), "download cancelled")
	case waitErr = <-waitCh:
	}
	stdout.Flush()
	stderr.Flush()

	if waitErr != nil {
		removePartials(req.DestDir)
		if ctx.Err() != nil {
			metrics.IncToolRun("yt-dlp", "cancelled")
			return nil, apperr.Wrap(apperr.Cancelled, ctx.Err(), "download cancelled")
		}
		metrics.IncToolRun("yt-dlp", "error")
		return nil, y.wrapExec(logger, args, waitErr, stderr)
	}

	res, err := collectResult(req.DestDir)
	if err != nil {
		metrics.IncToolRun("yt-dlp", "no_output")
		return nil, err
	}
	metrics.IncToolRun("yt-dlp", "ok")
	logger.Info().
		Str(log.FieldEvent, "downloader.fetched").
		Str(log.FieldPath, res.VideoPath).
		Str("title", res.Title).
		Dur(log.FieldDuration, time.Since(started)).
		Msg("remote source fetched")
	return res, nil
}

func buildArgs(destDir, cookieJar string) []string {
	args := []string{
		"-o", filepath.Join(destDir, outputStem+".%(ext)s"),
		"--no-playlist",
		"--remux-video", "mp4",
		"--fixup", "force",
		"--write-info-json",
		"--write-subs",
		"--write-auto-subs",
		"--sub-langs", "en.*,en",
		"--convert-subs", "srt",
		"--progress",
		"--progress-delta", "5",
		"--newline",
		"--no-colors",
		"--progress-template", progressTemplate,
		"--format", "bestvideo+bestaudio/best",
	}
	if cookieJar != "" {
		args = append(args, "--cookies", cookieJar)
	}
	return args
}

// parseProgressLine extracts the fraction from one of our template lines,
// e.g. "clipforge-dl  42.3%". Anything else, including the "N/A" percent
// yt-dlp emits for unknown sizes, reports false.
func parseProgressLine(line string) (float64, bool) {
	rest, ok := strings.CutPrefix(line, progressMarker)
	if !ok {
		return 0, false
	}
	rest = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), "%"))
	v, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return 0, false
	}
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return v / 100, true
}

func (y *YTDLP) wrapExec(logger zerolog.Logger, args []string, cause error, ring *capability.LineRing) error {
	exitCode := 0
	var ee *exec.ExitError
	if errors.As(cause, &ee) {
		exitCode = ee.ExitCode()
	}
	tail := ring.LastN(8)
	execErr := &ExecError{
		Args:     args,
		ExitCode: exitCode,
		Stderr:   tail,
		cause:    cause,
	}
	kind := apperr.Transient
	joined := strings.ToLower(strings.Join(tail, "\n"))
	for _, marker := range permanentMarkers {
		if strings.Contains(joined, marker) {
			kind = apperr.Unrecoverable
			break
		}
	}
	logger.Warn().
		Str(log.FieldEvent, "downloader.failed").
		Str(log.FieldKind, string(kind)).
		Int("exit_code", exitCode).
		Strs("stderr_tail", tail).
		Msg("yt-dlp failed")
	return apperr.Wrap(kind, execErr, "yt-dlp download")
}

// collectResult discovers the files a successful run left in destDir.
func collectResult(destDir string) (*Result, error) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "read download directory")
	}

	res := &Result{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, outputStem+".") {
			continue
		}
		full := filepath.Join(destDir, name)
		switch {
		case name == outputStem+".info.json":
			res.InfoPath = full
		case strings.HasSuffix(name, ".srt"):
			// Prefer an explicit english track over whatever sorts first.
			if res.SubtitlePath == "" || strings.Contains(name, ".en") {
				res.SubtitlePath = full
			}
		default:
			ext := strings.ToLower(filepath.Ext(name))
			if _, ok := videoExts[ext]; !ok {
				continue
			}
			if res.VideoPath == "" || ext == ".mp4" {
				res.VideoPath = full
			}
		}
	}
	if res.VideoPath == "" {
		return nil, apperr.New(apperr.Unrecoverable, "yt-dlp succeeded but produced no media file")
	}

	if res.InfoPath != "" {
		if info, err := readSourceInfo(res.InfoPath); err == nil {
			res.Title = info.Title
			res.Duration = info.Duration
		}
	}
	return res, nil
}

// sourceInfo models the handful of info.json fields the pipeline uses.
type sourceInfo struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
	Uploader string  `json:"uploader"`
	Webpage  string  `json:"webpage_url"`
}

func readSourceInfo(path string) (*sourceInfo, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path discovered under the project tree
	if err != nil {
		return nil, err
	}
	info := &sourceInfo{}
	if err := json.Unmarshal(raw, info); err != nil {
		return nil, err
	}
	return info, nil
}

// removePartials deletes yt-dlp work files (.part, .ytdl, fragment spills)
// so an aborted fetch leaves no partial artifacts behind.
func removePartials(destDir string) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if strings.Contains(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			_ = os.Remove(filepath.Join(destDir, name))
		}
	}
}
