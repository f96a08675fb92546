// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/log"
)

// PerformStartupChecks validates the environment before the daemon starts
// serving: storage must be writable, the listen address parseable, and the
// media tools findable. Failing fast here beats failing on the first task.
func PerformStartupChecks(_ context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")

	if err := checkStorageRoot(logger, cfg.StorageRoot); err != nil {
		return fmt.Errorf("storage root check failed: %w", err)
	}
	if err := checkListenAddr(cfg.ListenAddr); err != nil {
		return err
	}
	if err := checkTools(logger, cfg); err != nil {
		return err
	}

	logger.Info().Str(log.FieldEvent, "startup.checks_passed").Msg("startup checks passed")
	return nil
}

func checkStorageRoot(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("create storage root %s: %w", path, err)
	}
	probe := filepath.Join(path, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("storage root not writable: %s: %w", path, err)
	}
	_ = os.Remove(probe)

	// Storage under the OS temp dir survives only until the next reboot.
	tempDir := filepath.Clean(os.TempDir())
	if tempDir != "." && (path == tempDir || strings.HasPrefix(path, tempDir+string(filepath.Separator))) {
		logger.Warn().
			Str(log.FieldPath, path).
			Msg("storage root is under temp; projects may be lost on reboot")
	}
	return nil
}

func checkListenAddr(addr string) error {
	if addr == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	return nil
}

func checkTools(logger zerolog.Logger, cfg config.Config) error {
	ffmpeg := strings.TrimSpace(cfg.FFmpegPath)
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if _, err := exec.LookPath(ffmpeg); err != nil {
		return fmt.Errorf("ffmpeg binary not found (%s): %w", ffmpeg, err)
	}

	// yt-dlp only matters for remote sources; missing is a warning, and the
	// download stage reports the real error if one is ever needed.
	ytdlp := strings.TrimSpace(cfg.YTDLPPath)
	if ytdlp == "" {
		ytdlp = "yt-dlp"
	}
	if _, err := exec.LookPath(ytdlp); err != nil {
		logger.Warn().
			Str(log.FieldPath, ytdlp).
			Msg("yt-dlp not found; remote project downloads will fail")
	}
	return nil
}
