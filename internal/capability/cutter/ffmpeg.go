// SPDX-License-Identifier: MIT

package cutter

import (
	"context"
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
	stderrRingSize = 256
	defaultGrace   = 5 * time.Second
)

// Error reports a failed ffmpeg run with the tail of its stderr.
type Error struct {
	Op       string
	Args     []string
	ExitCode int
	Stderr   []string
	cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ffmpeg %s exited %d", e.Op, e.ExitCode)
	if n := len(e.Stderr); n > 0 {
		last := e.Stderr
		if n > 3 {
			last = e.Stderr[n-3:]
		}
		msg += ": " + strings.Join(last, " | ")
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// FFmpeg shells out to ffmpeg. The subprocess runs in its own process
// group; cancellation escalates SIGTERM to SIGKILL after grace.
type FFmpeg struct {
	path    string
	tempDir string
	grace   time.Duration
	logger  zerolog.Logger
}

// NewFFmpeg returns an adapter invoking the given binary. tempDir holds
// concat list files; it must exist. An empty path falls back to "ffmpeg".
func NewFFmpeg(path, tempDir string) *FFmpeg {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{
		path:    path,
		tempDir: tempDir,
		grace:   defaultGrace,
		logger:  log.WithComponent("cutter"),
	}
}

// Cut writes src[start,end) to dst with stream copy. Seeking happens on the
// input side (-ss/-to before -i), which snaps to the preceding keyframe.
func (f *FFmpeg) Cut(ctx context.Context, src string, start, end time.Duration, dst string) error {
	if strings.TrimSpace(src) == "" || strings.TrimSpace(dst) == "" {
		return apperr.New(apperr.InvalidArgument, "cut needs a source and a destination")
	}
	if start < 0 || end <= start {
		return apperr.Newf(apperr.InvalidArgument, "invalid cut range [%s,%s)", start, end)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, err, "create output directory")
	}

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-ss", formatSeconds(start),
		"-to", formatSeconds(end),
		"-i", src,
		"-c", "copy",
		"-movflags", "+faststart",
		dst,
	}
	if err := f.run(ctx, "cut", args); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}

// Concat joins parts in order into dst via the concat demuxer.
func (f *FFmpeg) Concat(ctx context.Context, parts []string, dst string) error {
	if len(parts) == 0 {
		return apperr.New(apperr.InvalidArgument, "nothing to concatenate")
	}
	if strings.TrimSpace(dst) == "" {
		return apperr.New(apperr.InvalidArgument, "concat needs a destination")
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, err, "create output directory")
	}

	list, err := f.writeConcatList(parts)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(list); err != nil {
			f.logger.Debug().Err(err).Str(log.FieldPath, list).Msg("remove concat list")
		}
	}()

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-f", "concat",
		"-safe", "0",
		"-i", list,
		"-c", "copy",
		"-movflags", "+faststart",
		dst,
	}
	if err := f.run(ctx, "concat", args); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}

// writeConcatList materialises the demuxer input: one `file '<path>'` line
// per part, single quotes escaped the way the demuxer expects.
func (f *FFmpeg) writeConcatList(parts []string) (string, error) {
	tmp, err := os.CreateTemp(f.tempDir, "concat-*.txt")
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "create concat list")
	}
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return "", apperr.New(apperr.InvalidArgument, "empty concat part")
		}
		if _, err := fmt.Fprintf(tmp, "file '%s'\n", escapeConcatPath(part)); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return "", apperr.Wrap(apperr.Internal, err, "write concat list")
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", apperr.Wrap(apperr.Internal, err, "close concat list")
	}
	return tmp.Name(), nil
}

func escapeConcatPath(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}

// formatSeconds renders a duration the way ffmpeg parses positions:
// fractional seconds with millisecond precision.
func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func (f *FFmpeg) run(ctx context.Context, op string, args []string) error {
	logger := log.WithContext(ctx, f.logger)
	ring := capability.NewLineRing(stderrRingSize)

	cmd := exec.Command(f.path, args...) // #nosec G204 -- args are built here from validated paths
	cmd.Stderr = ring
	procgroup.Set(cmd)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.IncToolRun("ffmpeg", "spawn_error")
		return apperr.Wrap(apperr.Unrecoverable, err, "start ffmpeg")
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case <-ctx.Done():
		_ = procgroup.Terminate(cmd, waitCh, f.grace)
		metrics.IncToolRun("ffmpeg", "cancelled")
		return apperr.Wrap(apperr.Cancelled, ctx.Err(), "ffmpeg "+op+" cancelled")
	case waitErr = <-waitCh:
	}
	ring.Flush()

	if waitErr != nil {
		if ctx.Err() != nil {
			metrics.IncToolRun("ffmpeg", "cancelled")
			return apperr.Wrap(apperr.Cancelled, ctx.Err(), "ffmpeg "+op+" cancelled")
		}
		metrics.IncToolRun("ffmpeg", "error")
		return f.wrapExec(logger, op, args, waitErr, ring)
	}

	metrics.IncToolRun("ffmpeg", "ok")
	logger.Debug().
		Str(log.FieldEvent, "cutter."+op).
		Dur(log.FieldDuration, time.Since(started)).
		Msg("ffmpeg finished")
	return nil
}

func (f *FFmpeg) wrapExec(logger zerolog.Logger, op string, args []string, cause error, ring *capability.LineRing) error {
	exitCode := 0
	var ee *exec.ExitError
	if errors.As(cause, &ee) {
		exitCode = ee.ExitCode()
	}
	tail := ring.LastN(stderrRingSize)
	ffErr := &Error{
		Op:       op,
		Args:     args,
		ExitCode: exitCode,
		Stderr:   tail,
		cause:    cause,
	}
	logger.Warn().
		Str(log.FieldEvent, "cutter.failed").
		Str("op", op).
		Int("exit_code", exitCode).
		Strs("stderr_tail", lastN(tail, 8)).
		Msg("ffmpeg failed")
	// Same inputs produce the same failure; retrying will not help.
	return apperr.Wrap(apperr.Unrecoverable, ffErr, "ffmpeg "+op)
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
