package models

import (
	"time"
)

// ImageKind classifies a file found by the scanner
type ImageKind string

const (
	KindBase       ImageKind = "base"
	KindDerivative ImageKind = "derivative"
	KindUnknown    ImageKind = "unknown"
)

// ImageRef is a scanned file. It is not modified after the scanner creates it.
type ImageRef struct {
	Path        string     `json:"path"`
	Kind        ImageKind  `json:"kind"`
	BaseName    string     `json:"base_name"`              // lowercased stem with derivative suffixes stripped
	CaptureTime *time.Time `json:"capture_time,omitempty"` // from EXIF DateTimeOriginal
	Orphan      bool       `json:"orphan,omitempty"`       // derivative promoted to base
}

// HasTimestamp reports whether a capture time is known
func (r ImageRef) HasTimestamp() bool {
	return r.CaptureTime != nil && !r.CaptureTime.IsZero()
}

// GPSSource records where coordinates came from
type GPSSource string

const (
	GPSSourceManual GPSSource = "manual"
	GPSSourceAI     GPSSource = "ai"
	GPSSourceExif   GPSSource = "exif"
)

// GPS holds decimal-degree coordinates
type GPS struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Source    GPSSource `json:"source,omitempty"`
}

// Cluster is a bracket of base images sharing a representative.
// Its identity is the absolute path of the representative.
type Cluster struct {
	Representative string     `json:"representative"`
	ImagePaths     []string   `json:"image_paths"`
	Derivatives    []ImageRef `json:"derivatives"`
	IsBracketed    bool       `json:"is_bracketed"`
	Keywords       []string   `json:"keywords,omitempty"`
	GPS            *GPS       `json:"gps,omitempty"`
	CustomPrompt   string     `json:"custom_prompt,omitempty"`

	// Set by the pipeline; weak references that can be recreated
	PreviewPath string `json:"preview_path,omitempty"`
	Hash        string `json:"hash,omitempty"`
}

// ID returns the cluster identity
func (c *Cluster) ID() string {
	return c.Representative
}

// Clone returns a deep copy
func (c *Cluster) Clone() *Cluster {
	if c == nil {
		return nil
	}
	out := *c
	out.ImagePaths = append([]string(nil), c.ImagePaths...)
	out.Derivatives = append([]ImageRef(nil), c.Derivatives...)
	out.Keywords = append([]string(nil), c.Keywords...)
	if c.GPS != nil {
		gps := *c.GPS
		out.GPS = &gps
	}
	return &out
}

// ClusterEdit is the user-editable state of a cluster, keyed by its representative
type ClusterEdit struct {
	Representative string    `json:"representative"`
	Keywords       []string  `json:"keywords,omitempty"`
	GPS            *GPS      `json:"gps,omitempty"`
	CustomPrompt   string    `json:"custom_prompt,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsEmpty reports whether the edit carries no user data
func (e ClusterEdit) IsEmpty() bool {
	return len(e.Keywords) == 0 && e.GPS == nil && e.CustomPrompt == ""
}

// SimilarRep is a non-main member of a SuperGroup
type SimilarRep struct {
	Cluster           *Cluster `json:"cluster"`
	SimilarityPercent int      `json:"similarity_percent"`
}

// SuperGroup is a set of visually similar clusters led by MainRep
type SuperGroup struct {
	ID              string          `json:"id"`
	MainRep         *Cluster        `json:"main_rep"`
	SimilarReps     []SimilarRep    `json:"similar_reps"`
	ConnectionCount int             `json:"connection_count"`
	Result          *AnalysisResult `json:"result,omitempty"`
}

// Clusters returns the main rep followed by the similar reps
func (g *SuperGroup) Clusters() []*Cluster {
	out := make([]*Cluster, 0, len(g.SimilarReps)+1)
	out = append(out, g.MainRep)
	for _, s := range g.SimilarReps {
		out = append(out, s.Cluster)
	}
	return out
}

// AnalysisResult is the structured output of the vision model for one group
type AnalysisResult struct {
	Title            string   `json:"title"`
	Caption          string   `json:"caption"`
	Description      string   `json:"description"`
	Keywords         []string `json:"keywords"`
	Hashtags         string   `json:"hashtags"`
	Category         string   `json:"category"`
	SceneType        string   `json:"sceneType"`
	Mood             string   `json:"mood"`
	City             string   `json:"city"`
	State            string   `json:"state"`
	Country          string   `json:"country"`
	SpecificLocation string   `json:"specificLocation"`
	GPS              *GPS     `json:"gps,omitempty"`
}

// Clone returns a deep copy
func (r *AnalysisResult) Clone() *AnalysisResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Keywords = append([]string(nil), r.Keywords...)
	if r.GPS != nil {
		gps := *r.GPS
		out.GPS = &gps
	}
	return &out
}

// ScanStats summarizes a directory scan
type ScanStats struct {
	TotalFiles  int `json:"total_files"`
	BaseImages  int `json:"base_images"`
	Derivatives int `json:"derivatives"`
	Orphans     int `json:"orphans"`
	Unknown     int `json:"unknown"`
	Skipped     int `json:"skipped"`
}

// ScanResult is the output of a directory scan
type ScanResult struct {
	BaseImages        []ImageRef            `json:"base_images"`
	DerivativesByBase map[string][]ImageRef `json:"derivatives_by_base"`
	Stats             ScanStats             `json:"stats"`
}
