// SPDX-License-Identifier: MIT

package pipeline

import (
	"strings"

	"github.com/clipforge/clipforge/internal/apperr"
)

// Stage is one step of the processing pipeline, in execution order.
type Stage int

const (
	StageIngest Stage = iota
	StageSubtitle
	StageAnalyze
	StageHighlight
	StageExport
	StageDone
)

// Stages lists all stages in execution order.
var Stages = []Stage{
	StageIngest,
	StageSubtitle,
	StageAnalyze,
	StageHighlight,
	StageExport,
	StageDone,
}

var stageNames = [...]string{
	StageIngest:    "INGEST",
	StageSubtitle:  "SUBTITLE",
	StageAnalyze:   "ANALYZE",
	StageHighlight: "HIGHLIGHT",
	StageExport:    "EXPORT",
	StageDone:      "DONE",
}

// stageWeights fixes how much of the overall percentage each stage owns.
// They sum to 100.
var stageWeights = [...]float64{
	StageIngest:    10,
	StageSubtitle:  15,
	StageAnalyze:   20,
	StageHighlight: 25,
	StageExport:    20,
	StageDone:      10,
}

func (s Stage) String() string {
	if s < StageIngest || s > StageDone {
		return "UNKNOWN"
	}
	return stageNames[s]
}

// Valid reports whether s names a real stage.
func (s Stage) Valid() bool { return s >= StageIngest && s <= StageDone }

// Weight returns the stage's share of the overall progress percentage.
func (s Stage) Weight() float64 {
	if !s.Valid() {
		return 0
	}
	return stageWeights[s]
}

// EnterPercent is the overall percent published when the stage begins:
// the sum of all prior stage weights.
func (s Stage) EnterPercent() float64 {
	var sum float64
	for _, prior := range Stages {
		if prior == s {
			break
		}
		sum += prior.Weight()
	}
	return sum
}

// LeavePercent is the overall percent published when the stage completes.
// Every stage leaves one point short of the next boundary so that only
// DONE ever emits 100.
func (s Stage) LeavePercent() float64 {
	if s == StageDone {
		return 100
	}
	return s.EnterPercent() + s.Weight() - 1
}

// Percent maps stage-local sub-progress (a fraction in [0,1]) into the
// stage's band of the overall percentage. The result never reaches the
// next stage's entry boundary.
func (s Stage) Percent(fraction float64) float64 {
	switch {
	case fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}
	p := s.EnterPercent() + fraction*s.Weight()
	if max := s.LeavePercent(); p > max {
		p = max
	}
	return p
}

// ParseStage resolves a stage name, case-insensitively.
func ParseStage(name string) (Stage, error) {
	needle := strings.ToUpper(strings.TrimSpace(name))
	for _, s := range Stages {
		if stageNames[s] == needle {
			return s, nil
		}
	}
	return 0, apperr.Newf(apperr.InvalidArgument, "unknown stage %q", name)
}
