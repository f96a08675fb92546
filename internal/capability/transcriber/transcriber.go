// SPDX-License-Identifier: MIT

// Package transcriber synthesises subtitle tracks for sources that arrive
// without captions. Real speech recognition runs outside this service; the
// stub keeps the pipeline runnable end to end and is the default backend.
package transcriber

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/subtitle"
)

const (
	// DefaultDuration covers media whose length is unknown at ingest time.
	DefaultDuration = time.Minute
	// DefaultCueInterval is the spacing between synthesised cues.
	DefaultCueInterval = 5 * time.Second
)

// Request describes one transcription.
type Request struct {
	VideoPath string
	DstPath   string
	// Duration is the media length when known; zero falls back to
	// DefaultDuration.
	Duration time.Duration
}

// Transcriber produces an SRT file for a media file.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) error
}

// Stub writes evenly spaced placeholder cues across the media duration.
type Stub struct {
	// CueInterval overrides DefaultCueInterval when positive.
	CueInterval time.Duration
}

// Transcribe writes the synthesised track atomically to req.DstPath.
func (s *Stub) Transcribe(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.Cancelled, err, "transcribe cancelled")
	}
	if strings.TrimSpace(req.VideoPath) == "" {
		return apperr.New(apperr.InvalidArgument, "transcribe source is empty")
	}
	if strings.TrimSpace(req.DstPath) == "" {
		return apperr.New(apperr.InvalidArgument, "transcribe destination is empty")
	}

	duration := req.Duration
	if duration <= 0 {
		duration = DefaultDuration
	}
	interval := s.CueInterval
	if interval <= 0 {
		interval = DefaultCueInterval
	}

	stem := strings.TrimSuffix(filepath.Base(req.VideoPath), filepath.Ext(req.VideoPath))
	cues := evenCues(stem, duration, interval)

	var buf bytes.Buffer
	if err := subtitle.Write(&buf, cues); err != nil {
		return apperr.Wrap(apperr.Internal, err, "render synthesised track")
	}
	if err := os.MkdirAll(filepath.Dir(req.DstPath), 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, err, "create subtitle directory")
	}
	if err := renameio.WriteFile(req.DstPath, buf.Bytes(), 0o644); err != nil {
		return apperr.Wrap(apperr.Internal, err, "write synthesised track")
	}
	return nil
}

// evenCues slices [0,duration) into interval-sized cues; the last cue ends
// exactly at the media duration.
func evenCues(stem string, duration, interval time.Duration) []subtitle.Cue {
	var cues []subtitle.Cue
	for start := time.Duration(0); start < duration; start += interval {
		end := start + interval
		if end > duration {
			end = duration
		}
		cues = append(cues, subtitle.Cue{
			Index: len(cues) + 1,
			Start: start,
			End:   end,
			Text:  fmt.Sprintf("%s segment %d", stem, len(cues)+1),
		})
	}
	return cues
}
