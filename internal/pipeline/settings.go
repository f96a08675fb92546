// SPDX-License-Identifier: MIT

package pipeline

import (
	"encoding/json"
	"time"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/subtitle"
)

// Settings are the per-project knobs stored on the project row. Absent
// fields keep their defaults; out-of-range values are rejected at parse
// time so a bad row fails the run before any work happens.
type Settings struct {
	// MinScore is the selection threshold in [0,1].
	MinScore float64 `json:"min_score"`
	// MaxClips caps how many intervals are exported.
	MaxClips int `json:"max_clips"`
	// MinClipSeconds / MaxClipSeconds bound interval length; intervals
	// outside the band are dropped with a warning before scoring.
	MinClipSeconds float64 `json:"min_clip_seconds"`
	MaxClipSeconds float64 `json:"max_clip_seconds"`
	// ChunkWindowSeconds sizes the analysis windows.
	ChunkWindowSeconds int `json:"chunk_window_seconds"`
	// LLMConcurrency bounds the ANALYZE fan-out.
	LLMConcurrency int `json:"llm_concurrency"`
}

// DefaultSettings returns the built-in knobs.
func DefaultSettings() Settings {
	return Settings{
		MinScore:           0.5,
		MaxClips:           10,
		MinClipSeconds:     5,
		MaxClipSeconds:     600,
		ChunkWindowSeconds: int(subtitle.DefaultWindow / time.Second),
		LLMConcurrency:     3,
	}
}

// ParseSettings overlays raw project settings onto the defaults.
func ParseSettings(raw json.RawMessage) (Settings, error) {
	s := DefaultSettings()
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, apperr.Wrap(apperr.InvalidArgument, err, "parse project settings")
	}
	switch {
	case s.MinScore < 0 || s.MinScore > 1:
		return s, apperr.Newf(apperr.InvalidArgument, "min_score %v outside [0,1]", s.MinScore)
	case s.MaxClips < 1:
		return s, apperr.Newf(apperr.InvalidArgument, "max_clips %d below 1", s.MaxClips)
	case s.MinClipSeconds < 0 || s.MaxClipSeconds <= s.MinClipSeconds:
		return s, apperr.Newf(apperr.InvalidArgument, "clip length band [%v,%v] is empty", s.MinClipSeconds, s.MaxClipSeconds)
	case s.ChunkWindowSeconds < 10:
		return s, apperr.Newf(apperr.InvalidArgument, "chunk_window_seconds %d below 10", s.ChunkWindowSeconds)
	case s.LLMConcurrency < 1 || s.LLMConcurrency > 16:
		return s, apperr.Newf(apperr.InvalidArgument, "llm_concurrency %d outside [1,16]", s.LLMConcurrency)
	}
	return s, nil
}

// ChunkWindow returns the analysis window as a duration.
func (s Settings) ChunkWindow() time.Duration {
	return time.Duration(s.ChunkWindowSeconds) * time.Second
}
