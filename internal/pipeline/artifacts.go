// SPDX-License-Identifier: MIT

package pipeline

import (
	"bytes"
	"encoding/json"
	"io"
	"path"
	"time"

	"github.com/clipforge/clipforge/internal/apperr"
)

// Artifact paths relative to the project root in the content store. Stages
// write these atomically and the following stage reads them back from disk.
const (
	RawVideoStem       = "raw/video"
	SubtitleArtifact   = "raw/subtitle.srt"
	InfoArtifact       = "raw/info.json"
	OutlineArtifact    = "processing/step1_outline.json"
	TimelineArtifact   = "processing/step2_timeline.json"
	ScoringArtifact    = "processing/step3_scoring.json"
	TitleArtifact      = "processing/step4_title.json"
	ClusteringArtifact = "processing/step5_clustering.json"
	ClipsManifestPath  = "metadata/clips_metadata.json"
	CollectionsPath    = "metadata/collections_metadata.json"
	ClipsDir           = "output/clips"
	CollectionsDir     = "output/collections"
)

// ClipArtifact is the relative path of one exported clip file.
func ClipArtifact(naturalID string) string {
	return path.Join(ClipsDir, naturalID+".mp4")
}

// CollectionArtifact is the relative path of one exported collection file.
func CollectionArtifact(naturalID string) string {
	return path.Join(CollectionsDir, naturalID+".mp4")
}

// OutlinePoint is one summarised span of the source, anchored in seconds.
type OutlinePoint struct {
	ChunkIndex int     `json:"chunk_index"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Topic      string  `json:"topic"`
	Summary    string  `json:"summary,omitempty"`
}

// Outline is the step 1 artifact: all chunk outlines merged in time order.
type Outline struct {
	Points []OutlinePoint `json:"points"`
}

// Interval is one candidate highlight span. ID is the natural id used
// across the step artifacts ("seg_N"); the database assigns its own ids
// during data sync.
type Interval struct {
	ID    string  `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Topic string  `json:"topic,omitempty"`
}

// Duration returns the interval length in seconds.
func (iv Interval) Duration() float64 { return iv.End - iv.Start }

// Timeline is the step 2 artifact.
type Timeline struct {
	Intervals []Interval `json:"intervals"`
}

// Score rates one interval in [0,1].
type Score struct {
	ID     string  `json:"id"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason,omitempty"`
}

// Scoring is the step 3 artifact: every interval's score plus the ids that
// passed selection, in export order.
type Scoring struct {
	Scores   []Score  `json:"scores"`
	Selected []string `json:"selected"`
}

// Title names one selected interval.
type Title struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Titles is the step 4 artifact.
type Titles struct {
	Titles []Title `json:"titles"`
}

// Cluster groups selected intervals into one themed collection. ClipIDs
// hold natural interval ids.
type Cluster struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	ClipIDs     []string `json:"clip_ids"`
}

// Clustering is the step 5 artifact.
type Clustering struct {
	Collections []Cluster `json:"collections"`
}

// ClipMetadata is one entry of the clips manifest the data-sync service
// reconciles into the metadata store.
type ClipMetadata struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Score           float64 `json:"score"`
	RecommendReason string  `json:"recommend_reason,omitempty"`
	StartTime       float64 `json:"start_time"`
	EndTime         float64 `json:"end_time"`
	Duration        float64 `json:"duration"`
	ChunkIndex      int     `json:"chunk_index,omitempty"`
	FilePath        string  `json:"file_path,omitempty"`
	ArtifactPath    string  `json:"artifact_path,omitempty"`
}

// ClipsManifest is metadata/clips_metadata.json.
type ClipsManifest struct {
	ProjectID   string         `json:"project_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Clips       []ClipMetadata `json:"clips"`
}

// CollectionMetadata is one entry of the collections manifest. ClipIDs are
// natural ids; data sync rewrites them to database ids.
type CollectionMetadata struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	ClipIDs     []string `json:"clip_ids"`
	FilePath    string   `json:"file_path,omitempty"`
}

// CollectionsManifest is metadata/collections_metadata.json.
type CollectionsManifest struct {
	ProjectID   string               `json:"project_id"`
	GeneratedAt time.Time            `json:"generated_at"`
	Collections []CollectionMetadata `json:"collections"`
}

// DecodeJSONArtifact decodes one artifact read from the content store.
func DecodeJSONArtifact(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.Unrecoverable, err, "decode artifact")
	}
	return nil
}

// EncodeJSONArtifact renders an artifact for an atomic content-store write.
func EncodeJSONArtifact(v any) (*bytes.Reader, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "encode artifact")
	}
	data = append(data, '\n')
	return bytes.NewReader(data), nil
}
