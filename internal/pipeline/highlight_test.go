// SPDX-License-Identifier: MIT

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectIntervals(t *testing.T) {
	candidates := []Interval{
		{ID: "early", Start: 0, End: 10},
		{ID: "mid", Start: 30, End: 40},
		{ID: "late", Start: 50, End: 60},
		{ID: "unscored", Start: 70, End: 80},
	}
	scores := []Score{
		{ID: "early", Score: 0.6},
		{ID: "mid", Score: 0.9},
		{ID: "late", Score: 0.4},
	}
	settings := DefaultSettings()
	settings.MinScore = 0.5

	picked := selectIntervals(candidates, scores, settings)
	require.Len(t, picked, 2, "below-threshold and unscored intervals are out")
	// Selection ranks by score but returns playback order.
	require.Equal(t, "early", picked[0].ID)
	require.Equal(t, "mid", picked[1].ID)

	settings.MaxClips = 1
	picked = selectIntervals(candidates, scores, settings)
	require.Len(t, picked, 1)
	require.Equal(t, "mid", picked[0].ID, "the cap keeps the best-scored interval")

	settings.MinScore = 0.95
	settings.MaxClips = 10
	require.Empty(t, selectIntervals(candidates, scores, settings))
}

func TestNormalizeTitles(t *testing.T) {
	selected := []Interval{
		{ID: "seg_1", Start: 0, End: 10},
		{ID: "seg_2", Start: 20, End: 30},
	}
	titles, warnings := normalizeTitles(selected, []Title{
		{ID: "seg_2", Title: "The good part"},
		{ID: "seg_9", Title: "Hallucinated"},
		{ID: "seg_1", Title: ""},
	})

	require.Len(t, titles, 2)
	require.Equal(t, "seg_1", titles[0].ID)
	require.Equal(t, "Highlight 1", titles[0].Title, "missing titles get a fallback")
	require.Equal(t, "The good part", titles[1].Title)
	require.Len(t, warnings, 1)
}

func TestNormalizeClusters(t *testing.T) {
	selected := []string{"seg_1", "seg_2", "seg_3"}
	clusters, warnings := normalizeClusters([]Cluster{
		{Title: "Opening", ClipIDs: []string{"seg_1", "seg_9"}},
		{Title: "", ClipIDs: []string{"seg_2", "seg_3"}},
		{Title: "Ghost", ClipIDs: []string{"seg_8"}},
	}, selected)

	require.Len(t, clusters, 2, "clusters with no selected clips vanish")
	require.Len(t, warnings, 3, "two bad references plus one emptied cluster")

	require.Equal(t, "col_1", clusters[0].ID)
	require.Equal(t, []string{"seg_1"}, clusters[0].ClipIDs, "unselected references are dropped")
	require.Equal(t, "col_2", clusters[1].ID)
	require.Equal(t, "Collection 2", clusters[1].Title, "unnamed clusters get a fallback")
}
