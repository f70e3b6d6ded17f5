package curation

import (
	"context"
	"fmt"
	"strings"

	"github.com/teknoir/auto-labeler-labeler-helm/internal/export"
)

// ExportQuery scopes a multi-track export. A nil Tags slice means no
// allowlist.
type ExportQuery struct {
	Status ExportStatusFilter
	Tags   []string
}

// ParseTrackTags splits a comma separated allowlist. An empty raw value
// means no allowlist; a value holding only separators and blanks is invalid.
func ParseTrackTags(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var tags []string
	for _, part := range strings.Split(raw, ",") {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		return nil, invalidf("no valid track tags provided")
	}
	return tags, nil
}

func (s *Service) ExportTrack(ctx context.Context, batchKey, tag string) (*export.Dataset, error) {
	var ds *export.Dataset
	err := s.repo.InTx(ctx, func(tx Repository) error {
		batch, err := s.requireBatch(ctx, tx, batchKey)
		if err != nil {
			return err
		}
		track, err := s.requireTrack(ctx, tx, batch, tag)
		if err != nil {
			return err
		}
		ds, err = s.buildDataset(ctx, tx, batch, []*Track{track})
		return err
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (s *Service) ExportTracks(ctx context.Context, batchKey string, q ExportQuery) (*export.Dataset, error) {
	if q.Status == "" {
		q.Status = ExportComplete
	}
	if _, err := ParseExportStatusFilter(string(q.Status)); err != nil {
		return nil, err
	}
	if q.Tags != nil && len(q.Tags) == 0 {
		return nil, invalidf("no valid track tags provided")
	}

	var ds *export.Dataset
	err := s.repo.InTx(ctx, func(tx Repository) error {
		batch, err := s.requireBatch(ctx, tx, batchKey)
		if err != nil {
			return err
		}
		tracks, err := tx.ListTracks(ctx, batch.ID, q.Tags)
		if err != nil {
			return fmt.Errorf("list tracks: %w", err)
		}

		if q.Status == ExportComplete {
			stats, err := tx.TrackStats(ctx, batch.ID)
			if err != nil {
				return fmt.Errorf("track stats: %w", err)
			}
			selected := tracks[:0]
			for _, t := range tracks {
				if exportComplete(t, stats[t.Tag]) {
					selected = append(selected, t)
				}
			}
			tracks = selected
		}
		if len(tracks) == 0 {
			return notFound("track matching export filter")
		}

		ds, err = s.buildDataset(ctx, tx, batch, tracks)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.batchLogger(batchKey).Info("tracks exported",
		"status_filter", q.Status,
		"tracks", len(ds.Tracks),
		"annotations", len(ds.Annotations),
	)
	return ds, nil
}

// buildDataset joins the annotations of tracks with their frames and latest
// judgments. The status reported per annotation is the latest judgment's,
// falling back to the stored annotation status.
func (s *Service) buildDataset(ctx context.Context, repo Repository, batch *Batch, tracks []*Track) (*export.Dataset, error) {
	tags := make([]string, len(tracks))
	for i, t := range tracks {
		tags[i] = t.Tag
	}

	stats, err := repo.TrackStats(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("track stats: %w", err)
	}
	anns, err := repo.ListAnnotations(ctx, batch.ID, AnnotationFilter{Tags: tags})
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	frames, err := repo.GetFramesByIDs(ctx, frameIDs(anns))
	if err != nil {
		return nil, fmt.Errorf("load frames: %w", err)
	}
	annIDs := make([]string, len(anns))
	for i, a := range anns {
		annIDs[i] = a.ID
	}
	latest, err := repo.LatestJudgments(ctx, annIDs)
	if err != nil {
		return nil, fmt.Errorf("latest judgments: %w", err)
	}

	b := export.NewBuilder(batch.Key, s.now())
	for _, a := range anns {
		frame, ok := frames[a.FrameID]
		if !ok {
			continue
		}
		b.AddImage(export.Image{
			ID:           frame.ID,
			FileName:     frame.Filename,
			Width:        frame.Width,
			Height:       frame.Height,
			FrameIndex:   frame.Index,
			FrameVersion: frame.Version,
			GCSURI:       frame.GCSURI,
		})
		b.AddCategory(export.Category{ID: a.CategoryID, Name: a.CategoryName})
		b.AddAnnotation(exportAnnotation(a, latest[a.ID]))
	}
	for _, t := range tracks {
		b.AddTrack(export.TrackSummary{
			TrackTag:           t.Tag,
			PrimaryClass:       optionalString(t.PrimaryClass),
			Categories:         t.Categories,
			PersonDown:         t.PersonDown,
			ManuallyCompleted:  t.ManuallyCompleted,
			Status:             string(t.Status),
			PendingAnnotations: stats[t.Tag].Pending,
		})
	}
	return b.Dataset(), nil
}

func exportAnnotation(a *Annotation, j *Judgment) export.Annotation {
	out := export.Annotation{
		ID:           a.Index,
		AnnotationID: a.ID,
		ImageID:      a.FrameID,
		TrackTag:     a.TrackTag,
		CategoryID:   a.CategoryID,
		CategoryName: a.CategoryName,
		BBox:         [4]float64{a.BBox.X, a.BBox.Y, a.BBox.Width, a.BBox.Height},
		Area:         a.Area,
		Status:       string(a.Status),
		Confidence:   a.Confidence,
		PersonDown:   a.PersonDown,
		BlurDecision: optionalString(a.Meta.BlurDecision),
		HasMask:      a.Meta.HasMask,
		PatchID:      optionalString(a.Meta.PatchID),
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
	if j != nil {
		out.Status = string(j.Status)
		out.LatestJudgment = &export.JudgmentRecord{
			Status:    string(j.Status),
			User:      j.User,
			Note:      j.Note,
			CreatedAt: j.CreatedAt,
		}
	}
	return out
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
