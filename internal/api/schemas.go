package api

import (
	"time"

	"github.com/teknoir/auto-labeler-labeler-helm/internal/curation"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	UptimeS   int64  `json:"uptime_s"`
	Namespace string `json:"namespace,omitempty"`
	Domain    string `json:"domain,omitempty"`
}

type BatchResponse struct {
	BatchKey         string `json:"batch_key"`
	GCSPrefix        string `json:"gcs_prefix,omitempty"`
	FrameCount       int    `json:"frame_count"`
	AnnotationCount  int    `json:"annotation_count"`
	TrackCount       int    `json:"track_count"`
	IncompleteTracks *int   `json:"incomplete_tracks,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

type BatchesResponse struct {
	Batches []BatchResponse `json:"batches"`
}

type FrameResponse struct {
	ID            string `json:"id"`
	FrameIndex    int    `json:"frame_index"`
	Filename      string `json:"filename"`
	GCSURI        string `json:"gcs_uri"`
	ImageURL      string `json:"image_url"`
	Width         *int   `json:"width,omitempty"`
	Height        *int   `json:"height,omitempty"`
	FrameVersion  int    `json:"frame_version"`
	DefaultStatus string `json:"default_status"`
	LastSavedBy   string `json:"last_saved_by,omitempty"`
	LastNote      string `json:"last_note,omitempty"`
	UpdatedAt     string `json:"updated_at"`
}

type FramesResponse struct {
	BatchKey string          `json:"batch_key"`
	Skip     int             `json:"skip"`
	Limit    int             `json:"limit"`
	Frames   []FrameResponse `json:"frames"`
}

type AnnotationResponse struct {
	ID              string        `json:"id"`
	AnnotationIndex int           `json:"annotation_index"`
	TrackTag        string        `json:"track_tag,omitempty"`
	CategoryID      int           `json:"category_id"`
	CategoryName    string        `json:"category_name"`
	BBox            curation.BBox `json:"bbox"`
	Area            *float64      `json:"area,omitempty"`
	Confidence      *float64      `json:"confidence,omitempty"`
	Status          string        `json:"status"`
	Abandoned       bool          `json:"abandoned"`
	PersonDown      bool          `json:"person_down"`
	BlurDecision    string        `json:"blur_decision,omitempty"`
	HasMask         *bool         `json:"has_mask,omitempty"`
	PatchID         string        `json:"patch_id,omitempty"`
	PatchURL        string        `json:"patch_url,omitempty"`
	UpdatedAt       string        `json:"updated_at"`
}

type FrameTrackResponse struct {
	TrackTag           string   `json:"track_tag"`
	Categories         []string `json:"categories"`
	PrimaryClass       string   `json:"primary_class,omitempty"`
	PersonDown         bool     `json:"person_down"`
	Status             string   `json:"status"`
	AbandonedFromFrame *int     `json:"abandoned_from_frame,omitempty"`
}

type FrameDetailResponse struct {
	BatchKey    string               `json:"batch_key"`
	Frame       FrameResponse        `json:"frame"`
	Annotations []AnnotationResponse `json:"annotations"`
	Tracks      []FrameTrackResponse `json:"tracks"`
}

type AnnotationOverrideRequest struct {
	AnnotationID string `json:"annotation_id"`
	Status       string `json:"status"`
	PersonDown   *bool  `json:"person_down,omitempty"`
}

type SaveFrameRequest struct {
	FrameVersion *int                        `json:"frame_version"`
	Annotations  []AnnotationOverrideRequest `json:"annotations"`
	User         string                      `json:"user,omitempty"`
	Note         string                      `json:"note,omitempty"`
}

type SaveFrameResponse struct {
	FrameVersion       int `json:"frame_version"`
	UpdatedAnnotations int `json:"updated_annotations"`
}

type JudgmentResponse struct {
	ID           string `json:"id"`
	AnnotationID string `json:"annotation_id"`
	Status       string `json:"status"`
	PersonDown   *bool  `json:"person_down,omitempty"`
	FrameVersion int    `json:"frame_version"`
	User         string `json:"user,omitempty"`
	Note         string `json:"note,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type FrameHistoryResponse struct {
	BatchKey   string             `json:"batch_key"`
	FrameIndex int                `json:"frame_index"`
	Judgments  []JudgmentResponse `json:"judgments"`
}

type TrackResponse struct {
	TrackTag           string   `json:"track_tag"`
	Categories         []string `json:"categories"`
	PrimaryClass       string   `json:"primary_class,omitempty"`
	PersonDown         bool     `json:"person_down"`
	Status             string   `json:"status"`
	TotalAnnotations   int      `json:"total_annotations"`
	PendingAnnotations int      `json:"pending_annotations"`
	FrameCount         int      `json:"frame_count"`
	FirstFrame         *int     `json:"first_frame,omitempty"`
	LastFrame          *int     `json:"last_frame,omitempty"`
	AbandonedFromFrame *int     `json:"abandoned_from_frame,omitempty"`
	RecoveredFromFrame *int     `json:"recovered_from_frame,omitempty"`
	LastUpdatedAt      string   `json:"last_updated_at,omitempty"`
	Completed          bool     `json:"completed"`
	ManuallyCompleted  bool     `json:"manually_completed"`
	CompletedAt        string   `json:"completed_at,omitempty"`
	UpdatedBy          string   `json:"updated_by,omitempty"`
}

type TracksResponse struct {
	BatchKey string          `json:"batch_key"`
	Tracks   []TrackResponse `json:"tracks"`
}

type TrackFrameResponse struct {
	Frame          FrameResponse        `json:"frame"`
	Annotations    []AnnotationResponse `json:"annotations"`
	Pending        int                  `json:"pending"`
	Accepted       int                  `json:"accepted"`
	Rejected       int                  `json:"rejected"`
	AbandonedCount int                  `json:"abandoned_count"`
	Completed      bool                 `json:"completed"`
	Abandoned      bool                 `json:"abandoned"`
}

type TrackFramesResponse struct {
	TrackTag string               `json:"track_tag"`
	Frames   []TrackFrameResponse `json:"frames"`
}

type TrackSampleResponse struct {
	Annotation AnnotationResponse `json:"annotation"`
	FrameID    string             `json:"frame_id"`
	FrameIndex int                `json:"frame_index"`
	ImageURL   string             `json:"image_url"`
	PatchURL   string             `json:"patch_url,omitempty"`
}

type TrackSamplesResponse struct {
	TrackTag string                `json:"track_tag"`
	Samples  []TrackSampleResponse `json:"samples"`
}

type TrackActionRequest struct {
	FromFrameIndex *int   `json:"from_frame_index"`
	User           string `json:"user,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Blur           string `json:"blur,omitempty"`
}

type TrackActionResponse struct {
	UpdatedAnnotations int    `json:"updated_annotations"`
	TrackStatus        string `json:"track_status"`
}

type TrackCompleteRequest struct {
	User string `json:"user,omitempty"`
}

type TrackCompleteResponse struct {
	TrackStatus       string `json:"track_status"`
	ManuallyCompleted bool   `json:"manually_completed"`
}

type TrackClassRequest struct {
	PrimaryClass string `json:"primary_class"`
	User         string `json:"user,omitempty"`
}

type TrackPersonDownRequest struct {
	PersonDown *bool  `json:"person_down"`
	User       string `json:"user,omitempty"`
}

type TrackUpdateResponse struct {
	TrackTag string `json:"track_tag"`
	Changed  bool   `json:"changed"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func BatchToResponse(b *curation.BatchSummary) BatchResponse {
	return BatchResponse{
		BatchKey:         b.Key,
		GCSPrefix:        b.GCSPrefix,
		FrameCount:       b.FrameCount,
		AnnotationCount:  b.AnnotationCount,
		TrackCount:       b.TrackCount,
		IncompleteTracks: b.IncompleteTracks,
		CreatedAt:        formatTime(b.CreatedAt),
		UpdatedAt:        formatTime(b.UpdatedAt),
	}
}

func FrameToResponse(f *curation.Frame, urls URLResolver) FrameResponse {
	return FrameResponse{
		ID:            f.ID,
		FrameIndex:    f.Index,
		Filename:      f.Filename,
		GCSURI:        f.GCSURI,
		ImageURL:      urls.URL(f.GCSURI),
		Width:         f.Width,
		Height:        f.Height,
		FrameVersion:  f.Version,
		DefaultStatus: string(f.DefaultStatus),
		LastSavedBy:   f.LastSavedBy,
		LastNote:      f.LastNote,
		UpdatedAt:     formatTime(f.UpdatedAt),
	}
}

func AnnotationToResponse(a *curation.Annotation, urls URLResolver) AnnotationResponse {
	return AnnotationResponse{
		ID:              a.ID,
		AnnotationIndex: a.Index,
		TrackTag:        a.TrackTag,
		CategoryID:      a.CategoryID,
		CategoryName:    a.CategoryName,
		BBox:            a.BBox,
		Area:            a.Area,
		Confidence:      a.Confidence,
		Status:          string(a.Status),
		Abandoned:       a.Abandoned,
		PersonDown:      a.PersonDown,
		BlurDecision:    a.Meta.BlurDecision,
		HasMask:         a.Meta.HasMask,
		PatchID:         a.Meta.PatchID,
		PatchURL:        urls.URL(a.Meta.PatchURI),
		UpdatedAt:       formatTime(a.UpdatedAt),
	}
}

func annotationsToResponse(anns []*curation.Annotation, urls URLResolver) []AnnotationResponse {
	out := make([]AnnotationResponse, len(anns))
	for i, a := range anns {
		out[i] = AnnotationToResponse(a, urls)
	}
	return out
}

func FrameTrackToResponse(t *curation.Track) FrameTrackResponse {
	return FrameTrackResponse{
		TrackTag:           t.Tag,
		Categories:         nonNilStrings(t.Categories),
		PrimaryClass:       t.PrimaryClass,
		PersonDown:         t.PersonDown,
		Status:             string(t.Status),
		AbandonedFromFrame: t.AbandonedFromFrame,
	}
}

func JudgmentToResponse(j *curation.Judgment) JudgmentResponse {
	return JudgmentResponse{
		ID:           j.ID,
		AnnotationID: j.AnnotationID,
		Status:       string(j.Status),
		PersonDown:   j.PersonDown,
		FrameVersion: j.FrameVersion,
		User:         j.User,
		Note:         j.Note,
		CreatedAt:    formatTime(j.CreatedAt),
	}
}

func TrackToResponse(s *curation.TrackSummary) TrackResponse {
	t := s.Track
	resp := TrackResponse{
		TrackTag:           t.Tag,
		Categories:         nonNilStrings(t.Categories),
		PrimaryClass:       t.PrimaryClass,
		PersonDown:         t.PersonDown,
		Status:             string(t.Status),
		TotalAnnotations:   s.Stats.Total,
		PendingAnnotations: s.Stats.Pending,
		FrameCount:         s.Stats.FrameCount,
		FirstFrame:         s.Stats.FirstFrame,
		LastFrame:          s.Stats.LastFrame,
		AbandonedFromFrame: t.AbandonedFromFrame,
		RecoveredFromFrame: t.RecoveredFromFrame,
		Completed:          s.Completed,
		ManuallyCompleted:  t.ManuallyCompleted,
		UpdatedBy:          t.UpdatedBy,
	}
	if s.Stats.LastUpdatedAt != nil {
		resp.LastUpdatedAt = formatTime(*s.Stats.LastUpdatedAt)
	}
	if t.CompletedAt != nil {
		resp.CompletedAt = formatTime(*t.CompletedAt)
	}
	return resp
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
