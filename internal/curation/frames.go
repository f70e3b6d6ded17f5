package curation

import (
	"context"
	"fmt"
)

const (
	DefaultFrameLimit = 50
	MaxFrameLimit     = 200
)

type FrameDetail struct {
	BatchKey    string
	Frame       *Frame
	Annotations []*Annotation
	Tracks      []*Track
}

// AnnotationOverride is a reviewer decision for one annotation of a frame.
// A nil PersonDown leaves the stored flag unchanged.
type AnnotationOverride struct {
	AnnotationID string
	Status       AnnotationStatus
	PersonDown   *bool
}

type FrameSave struct {
	FrameVersion int
	Overrides    []AnnotationOverride
	User         string
	Note         string
}

type FrameSaveResult struct {
	FrameVersion       int
	UpdatedAnnotations int
}

func (s *Service) ListFrames(ctx context.Context, batchKey string, skip, limit int) ([]*Frame, error) {
	if skip < 0 {
		return nil, invalidf("skip must be >= 0")
	}
	if limit < 1 || limit > MaxFrameLimit {
		return nil, invalidf("limit must be between 1 and %d", MaxFrameLimit)
	}

	batch, err := s.requireBatch(ctx, s.repo, batchKey)
	if err != nil {
		return nil, err
	}
	frames, err := s.repo.ListFrames(ctx, batch.ID, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	return frames, nil
}

func (s *Service) GetFrame(ctx context.Context, batchKey string, index int) (*FrameDetail, error) {
	var detail *FrameDetail
	err := s.repo.InTx(ctx, func(tx Repository) error {
		batch, frame, err := s.requireFrame(ctx, tx, batchKey, index)
		if err != nil {
			return err
		}

		anns, err := tx.ListFrameAnnotations(ctx, frame.ID)
		if err != nil {
			return fmt.Errorf("list frame annotations: %w", err)
		}

		var tags []string
		seen := make(map[string]bool)
		for _, a := range anns {
			if a.TrackTag != "" && !seen[a.TrackTag] {
				seen[a.TrackTag] = true
				tags = append(tags, a.TrackTag)
			}
		}

		var tracks []*Track
		if len(tags) > 0 {
			tracks, err = tx.ListTracks(ctx, batch.ID, tags)
			if err != nil {
				return fmt.Errorf("list frame tracks: %w", err)
			}
		}

		detail = &FrameDetail{BatchKey: batch.Key, Frame: frame, Annotations: anns, Tracks: tracks}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

func (s *Service) FrameHistory(ctx context.Context, batchKey string, index int) ([]*Judgment, error) {
	_, frame, err := s.requireFrame(ctx, s.repo, batchKey, index)
	if err != nil {
		return nil, err
	}
	judgments, err := s.repo.ListFrameJudgments(ctx, frame.ID)
	if err != nil {
		return nil, fmt.Errorf("list frame judgments: %w", err)
	}
	return judgments, nil
}

// SaveFrame applies a reviewer's decisions to every annotation of a frame.
// Annotations without an override are accepted. Only annotations whose
// status or person-down flag actually change are written, each with one
// judgment stamped with the post-save frame version. The frame version is
// incremented even when nothing changed.
func (s *Service) SaveFrame(ctx context.Context, batchKey string, index int, save FrameSave) (*FrameSaveResult, error) {
	var result *FrameSaveResult
	err := s.repo.InTx(ctx, func(tx Repository) error {
		batch, frame, err := s.requireFrame(ctx, tx, batchKey, index)
		if err != nil {
			return err
		}
		if frame.Version != save.FrameVersion {
			return fmt.Errorf("frame %d is at version %d, not %d: %w", index, frame.Version, save.FrameVersion, ErrVersionConflict)
		}

		overrides := make(map[string]AnnotationOverride, len(save.Overrides))
		for _, o := range save.Overrides {
			if !o.Status.Settable() {
				return invalidf("status %q cannot be set on annotation %s", o.Status, o.AnnotationID)
			}
			overrides[o.AnnotationID] = o
		}

		anns, err := tx.ListFrameAnnotations(ctx, frame.ID)
		if err != nil {
			return fmt.Errorf("list frame annotations: %w", err)
		}

		now := s.now()
		nextVersion := frame.Version + 1
		var judgments []*Judgment
		for _, a := range anns {
			o, ok := overrides[a.ID]
			if !ok {
				o = AnnotationOverride{AnnotationID: a.ID, Status: StatusAccepted}
			}

			statusChanged := a.Status != o.Status
			personDownChanged := o.PersonDown != nil && *o.PersonDown != a.PersonDown
			if !statusChanged && !personDownChanged {
				continue
			}

			if statusChanged {
				a.Status = o.Status
				a.Abandoned = o.Status == StatusAbandoned
			}
			j := &Judgment{
				BatchID:      batch.ID,
				FrameID:      frame.ID,
				AnnotationID: a.ID,
				Status:       o.Status,
				FrameVersion: nextVersion,
				User:         save.User,
				Note:         save.Note,
				CreatedAt:    now,
			}
			if personDownChanged {
				a.PersonDown = *o.PersonDown
				pd := *o.PersonDown
				j.PersonDown = &pd
			}
			a.UpdatedAt = now

			if err := tx.UpdateAnnotationReview(ctx, a); err != nil {
				return fmt.Errorf("update annotation %s: %w", a.ID, err)
			}
			judgments = append(judgments, j)
		}

		if err := tx.AppendJudgments(ctx, judgments); err != nil {
			return fmt.Errorf("append judgments: %w", err)
		}

		version, err := tx.ApplyIfVersion(ctx, frame.ID, save.FrameVersion, FrameMutation{
			SavedBy: save.User,
			Note:    save.Note,
			At:      now,
		})
		if err != nil {
			return err
		}

		result = &FrameSaveResult{FrameVersion: version, UpdatedAnnotations: len(judgments)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.batchLogger(batchKey).Info("frame saved",
		"frame_index", index,
		"frame_version", result.FrameVersion,
		"updated_annotations", result.UpdatedAnnotations,
	)
	idx, version := index, result.FrameVersion
	s.publish(Event{
		Type:         EventFrameSaved,
		BatchKey:     batchKey,
		FrameIndex:   &idx,
		FrameVersion: &version,
		Updated:      result.UpdatedAnnotations,
		User:         save.User,
	})
	return result, nil
}

func (s *Service) requireFrame(ctx context.Context, repo Repository, batchKey string, index int) (*Batch, *Frame, error) {
	batch, err := s.requireBatch(ctx, repo, batchKey)
	if err != nil {
		return nil, nil, err
	}
	frame, err := repo.GetFrameByIndex(ctx, batch.ID, index)
	if err != nil {
		return nil, nil, fmt.Errorf("get frame %d: %w", index, err)
	}
	if frame == nil {
		return nil, nil, notFound("frame")
	}
	return batch, frame, nil
}
