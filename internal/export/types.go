// Package export defines the COCO-like dataset document produced from
// reviewed tracks, and writes it to disk.
package export

import "time"

type Dataset struct {
	Info        Info           `json:"info"`
	Images      []Image        `json:"images"`
	Annotations []Annotation   `json:"annotations"`
	Categories  []Category     `json:"categories"`
	Tracks      []TrackSummary `json:"tracks"`
}

type Info struct {
	BatchKey   string    `json:"batch_key"`
	ExportedAt time.Time `json:"exported_at"`
	Tracks     []string  `json:"tracks"`
}

type Image struct {
	ID           string `json:"id"`
	FileName     string `json:"file_name"`
	Width        *int   `json:"width"`
	Height       *int   `json:"height"`
	FrameIndex   int    `json:"frame_index"`
	FrameVersion int    `json:"frame_version"`
	GCSURI       string `json:"gcs_uri"`
}

type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type Annotation struct {
	ID             int             `json:"id"`
	AnnotationID   string          `json:"annotation_id"`
	ImageID        string          `json:"image_id"`
	TrackTag       string          `json:"track_tag"`
	CategoryID     int             `json:"category_id"`
	CategoryName   string          `json:"category_name"`
	BBox           [4]float64      `json:"bbox"`
	Area           *float64        `json:"area"`
	Status         string          `json:"status"`
	Confidence     *float64        `json:"confidence"`
	PersonDown     bool            `json:"person_down"`
	BlurDecision   *string         `json:"blur_decision"`
	HasMask        *bool           `json:"has_mask"`
	PatchID        *string         `json:"patch_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	LatestJudgment *JudgmentRecord `json:"latest_judgment"`
}

type JudgmentRecord struct {
	Status    string    `json:"status"`
	User      string    `json:"user,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type TrackSummary struct {
	TrackTag           string   `json:"track_tag"`
	PrimaryClass       *string  `json:"primary_class"`
	Categories         []string `json:"categories"`
	PersonDown         bool     `json:"person_down"`
	ManuallyCompleted  bool     `json:"manually_completed"`
	Status             string   `json:"status"`
	PendingAnnotations int      `json:"pending_annotations"`
}
