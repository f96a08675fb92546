// SPDX-License-Identifier: MIT

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/internal/apperr"
)

func TestStageNamesAndValidity(t *testing.T) {
	require.Equal(t, "INGEST", StageIngest.String())
	require.Equal(t, "SUBTITLE", StageSubtitle.String())
	require.Equal(t, "ANALYZE", StageAnalyze.String())
	require.Equal(t, "HIGHLIGHT", StageHighlight.String())
	require.Equal(t, "EXPORT", StageExport.String())
	require.Equal(t, "DONE", StageDone.String())
	require.Equal(t, "UNKNOWN", Stage(99).String())
	require.Equal(t, "UNKNOWN", Stage(-1).String())

	for _, s := range Stages {
		require.True(t, s.Valid(), s.String())
	}
	require.False(t, Stage(99).Valid())
}

func TestStageWeightsPartitionTheScale(t *testing.T) {
	var sum float64
	for _, s := range Stages {
		sum += s.Weight()
	}
	require.Equal(t, float64(100), sum)

	// Each stage enters where the previous one's band ends.
	require.Equal(t, float64(0), StageIngest.EnterPercent())
	require.Equal(t, float64(10), StageSubtitle.EnterPercent())
	require.Equal(t, float64(25), StageAnalyze.EnterPercent())
	require.Equal(t, float64(45), StageHighlight.EnterPercent())
	require.Equal(t, float64(70), StageExport.EnterPercent())
	require.Equal(t, float64(90), StageDone.EnterPercent())

	// Only DONE ever reaches 100.
	for _, s := range Stages[:len(Stages)-1] {
		require.Less(t, s.LeavePercent(), s.EnterPercent()+s.Weight(), s.String())
		require.Less(t, s.LeavePercent(), float64(100), s.String())
	}
	require.Equal(t, float64(100), StageDone.LeavePercent())
}

func TestStagePercentClampsIntoBand(t *testing.T) {
	require.Equal(t, StageAnalyze.EnterPercent(), StageAnalyze.Percent(-0.5))
	require.Equal(t, float64(35), StageAnalyze.Percent(0.5))
	require.Equal(t, StageAnalyze.LeavePercent(), StageAnalyze.Percent(1))
	require.Equal(t, StageAnalyze.LeavePercent(), StageAnalyze.Percent(2))
	require.Equal(t, float64(100), StageDone.Percent(1))
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage("ingest")
	require.NoError(t, err)
	require.Equal(t, StageIngest, s)

	s, err = ParseStage("  Export ")
	require.NoError(t, err)
	require.Equal(t, StageExport, s)

	_, err = ParseStage("TRANSCODE")
	require.Error(t, err)
	require.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}
