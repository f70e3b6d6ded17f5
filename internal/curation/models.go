package curation

import (
	"time"

	"github.com/google/uuid"
)

// AnnotationStatus is the review state of a single annotation.
type AnnotationStatus string

const (
	StatusUnreviewed AnnotationStatus = "unreviewed"
	StatusAccepted   AnnotationStatus = "accepted"
	StatusRejected   AnnotationStatus = "rejected"
	StatusAbandoned  AnnotationStatus = "abandoned"
)

func (s AnnotationStatus) Valid() bool {
	switch s {
	case StatusUnreviewed, StatusAccepted, StatusRejected, StatusAbandoned:
		return true
	}
	return false
}

// Settable reports whether a reviewer may assign s from a frame save.
// Unreviewed is only ever a read state there.
func (s AnnotationStatus) Settable() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusAbandoned:
		return true
	}
	return false
}

type TrackStatus string

const (
	TrackActive    TrackStatus = "active"
	TrackAbandoned TrackStatus = "abandoned"
)

// BlurFilter narrows annotations by their sharpness classification.
type BlurFilter string

const (
	BlurAll    BlurFilter = "all"
	BlurSharp  BlurFilter = "sharp"
	BlurBlurry BlurFilter = "blurry"
)

func ParseBlurFilter(s string) (BlurFilter, error) {
	switch BlurFilter(s) {
	case "", BlurAll:
		return BlurAll, nil
	case BlurSharp, BlurBlurry:
		return BlurFilter(s), nil
	}
	return "", invalidf("invalid blur filter %q", s)
}

// TrackClass is the closed set of primary class labels a reviewer may assign.
type TrackClass string

const (
	ClassGun       TrackClass = "gun"
	ClassTablet    TrackClass = "tablet"
	ClassPerson    TrackClass = "person"
	ClassFaceCover TrackClass = "face_cover"
	ClassHat       TrackClass = "hat"
	ClassPhone     TrackClass = "phone"
	ClassFace      TrackClass = "face"
)

var trackClasses = map[TrackClass]bool{
	ClassGun: true, ClassTablet: true, ClassPerson: true, ClassFaceCover: true,
	ClassHat: true, ClassPhone: true, ClassFace: true,
}

func ParseTrackClass(s string) (TrackClass, error) {
	if !trackClasses[TrackClass(s)] {
		return "", invalidf("invalid track class %q", s)
	}
	return TrackClass(s), nil
}

// ExportStatusFilter selects which tracks a multi-track export includes.
type ExportStatusFilter string

const (
	ExportAll      ExportStatusFilter = "all"
	ExportComplete ExportStatusFilter = "complete"
)

func ParseExportStatusFilter(s string) (ExportStatusFilter, error) {
	switch ExportStatusFilter(s) {
	case "", ExportComplete:
		return ExportComplete, nil
	case ExportAll:
		return ExportAll, nil
	}
	return "", invalidf("invalid status_filter %q", s)
}

type Batch struct {
	ID              string
	Key             string
	GCSPrefix       string
	FrameCount      int
	AnnotationCount int
	TrackCount      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BatchSummary is a batch listing row, optionally with the number of tracks
// still needing review.
type BatchSummary struct {
	Batch
	IncompleteTracks *int
}

type Frame struct {
	ID            string
	BatchID       string
	Index         int
	Filename      string
	GCSURI        string
	Width         *int
	Height        *int
	Version       int
	DefaultStatus AnnotationStatus
	LastSavedBy   string
	LastNote      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// AnnotationMeta carries optional fields derived upstream by the ingestion
// pipeline. Any of them may be absent.
type AnnotationMeta struct {
	BlurDecision string
	HasMask      *bool
	PatchID      string
	PatchURI     string
	EmbeddingRef string
}

type Annotation struct {
	ID           string
	BatchID      string
	FrameID      string
	Index        int
	TrackTag     string
	CategoryID   int
	CategoryName string
	BBox         BBox
	Area         *float64
	Confidence   *float64
	Status       AnnotationStatus
	Abandoned    bool
	PersonDown   bool
	Meta         AnnotationMeta
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Track struct {
	ID                 string
	BatchID            string
	Tag                string
	Categories         []string
	PrimaryClass       string
	PersonDown         bool
	Status             TrackStatus
	AbandonedFromFrame *int
	AbandonReason      string
	RecoveredFromFrame *int
	RecoverReason      string
	AcceptReason       string
	ManuallyCompleted  bool
	CompletedAt        *time.Time
	UpdatedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Judgment is an immutable audit record of one annotation status change.
type Judgment struct {
	ID           string
	BatchID      string
	FrameID      string
	AnnotationID string
	Status       AnnotationStatus
	PersonDown   *bool
	FrameVersion int
	User         string
	Note         string
	CreatedAt    time.Time
}

func NewID() string {
	return uuid.NewString()
}
