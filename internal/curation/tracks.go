package curation

import (
	"context"
	"fmt"
	"sort"
)

const (
	DefaultSampleLimit = 20
	MaxSampleLimit     = 2000
)

type TrackSummary struct {
	Track     *Track
	Stats     TrackStats
	Completed bool
}

type TrackFrame struct {
	Frame          *Frame
	Annotations    []*Annotation
	Pending        int
	Accepted       int
	Rejected       int
	AbandonedCount int
	Completed      bool
	// InAbandonedRange is set when the track is abandoned from this frame
	// or an earlier one.
	InAbandonedRange bool
}

type TrackSample struct {
	Annotation *Annotation
	Frame      *Frame
}

// TrackAction parameterises a bulk track transition.
type TrackAction struct {
	FromFrame int
	User      string
	Reason    string
	Blur      BlurFilter
}

type TransitionResult struct {
	UpdatedAnnotations int
	TrackStatus        TrackStatus
}

type CompletionResult struct {
	TrackStatus       TrackStatus
	ManuallyCompleted bool
}

// listedComplete is the completion rule used by listings: nothing left to
// review, the track was abandoned, or a reviewer marked it complete.
func listedComplete(t *Track, st TrackStats) bool {
	return (st.Pending == 0 && st.Total > 0) || t.Status == TrackAbandoned || t.ManuallyCompleted
}

// exportComplete is the rule behind status_filter=complete.
func exportComplete(t *Track, st TrackStats) bool {
	return st.Pending == 0 || t.ManuallyCompleted
}

func (s *Service) ListTracks(ctx context.Context, batchKey string) ([]*TrackSummary, error) {
	var summaries []*TrackSummary
	err := s.repo.InTx(ctx, func(tx Repository) error {
		batch, err := s.requireBatch(ctx, tx, batchKey)
		if err != nil {
			return err
		}
		tracks, err := tx.ListTracks(ctx, batch.ID, nil)
		if err != nil {
			return fmt.Errorf("list tracks: %w", err)
		}
		stats, err := tx.TrackStats(ctx, batch.ID)
		if err != nil {
			return fmt.Errorf("track stats: %w", err)
		}

		summaries = make([]*TrackSummary, 0, len(tracks))
		for _, t := range tracks {
			st := stats[t.Tag]
			summaries = append(summaries, &TrackSummary{Track: t, Stats: st, Completed: listedComplete(t, st)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *Service) TrackFrames(ctx context.Context, batchKey, tag string, blur BlurFilter) ([]*TrackFrame, error) {
	var result []*TrackFrame
	err := s.repo.InTx(ctx, func(tx Repository) error {
		batch, err := s.requireBatch(ctx, tx, batchKey)
		if err != nil {
			return err
		}
		track, err := s.requireTrack(ctx, tx, batch, tag)
		if err != nil {
			return err
		}

		anns, err := tx.ListAnnotations(ctx, batch.ID, AnnotationFilter{Tags: []string{tag}, Blur: blur})
		if err != nil {
			return fmt.Errorf("list track annotations: %w", err)
		}
		frames, err := tx.GetFramesByIDs(ctx, frameIDs(anns))
		if err != nil {
			return fmt.Errorf("load track frames: %w", err)
		}

		byFrame := make(map[string]*TrackFrame)
		for _, a := range anns {
			frame, ok := frames[a.FrameID]
			if !ok {
				continue
			}
			tf, ok := byFrame[a.FrameID]
			if !ok {
				tf = &TrackFrame{Frame: frame}
				if track.Status == TrackAbandoned && track.AbandonedFromFrame != nil {
					tf.InAbandonedRange = frame.Index >= *track.AbandonedFromFrame
				}
				byFrame[a.FrameID] = tf
				result = append(result, tf)
			}
			tf.Annotations = append(tf.Annotations, a)
			switch a.Status {
			case StatusUnreviewed:
				tf.Pending++
			case StatusAccepted:
				tf.Accepted++
			case StatusRejected:
				tf.Rejected++
			}
			if a.Abandoned {
				tf.AbandonedCount++
			}
		}
		for _, tf := range result {
			tf.Completed = tf.Pending == 0
		}
		sort.SliceStable(result, func(i, j int) bool { return result[i].Frame.Index < result[j].Frame.Index })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) TrackSamples(ctx context.Context, batchKey, tag string, limit int, blur BlurFilter) ([]*TrackSample, error) {
	if limit < 0 || limit > MaxSampleLimit {
		return nil, invalidf("limit must be between 0 and %d", MaxSampleLimit)
	}

	var samples []*TrackSample
	err := s.repo.InTx(ctx, func(tx Repository) error {
		batch, err := s.requireBatch(ctx, tx, batchKey)
		if err != nil {
			return err
		}
		if _, err := s.requireTrack(ctx, tx, batch, tag); err != nil {
			return err
		}

		anns, err := tx.ListAnnotations(ctx, batch.ID, AnnotationFilter{Tags: []string{tag}, Blur: blur, ValidBBox: true, Limit: limit})
		if err != nil {
			return fmt.Errorf("list track annotations: %w", err)
		}
		frames, err := tx.GetFramesByIDs(ctx, frameIDs(anns))
		if err != nil {
			return fmt.Errorf("load sample frames: %w", err)
		}

		samples = make([]*TrackSample, 0, len(anns))
		for _, a := range anns {
			frame, ok := frames[a.FrameID]
			if !ok {
				continue
			}
			samples = append(samples, &TrackSample{Annotation: a, Frame: frame})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// transition describes how a bulk track operation rewrites annotations and
// the track itself.
type transition struct {
	action        string
	selection     func(act TrackAction) AnnotationFilter
	status        AnnotationStatus
	abandoned     bool
	judgment      AnnotationStatus
	updateTrack   func(t *Track, act TrackAction)
	resultTrackSt TrackStatus
}

var (
	abandonTransition = transition{
		action: "abandon",
		selection: func(act TrackAction) AnnotationFilter {
			return AnnotationFilter{FromFrame: act.FromFrame, Blur: act.Blur}
		},
		status:    StatusRejected,
		abandoned: true,
		judgment:  StatusAbandoned,
		updateTrack: func(t *Track, act TrackAction) {
			from := act.FromFrame
			t.Status = TrackAbandoned
			t.AbandonedFromFrame = &from
			t.AbandonReason = act.Reason
		},
		resultTrackSt: TrackAbandoned,
	}

	acceptTransition = transition{
		action: "accept",
		selection: func(act TrackAction) AnnotationFilter {
			return AnnotationFilter{FromFrame: act.FromFrame, Blur: act.Blur}
		},
		status:   StatusAccepted,
		judgment: StatusAccepted,
		updateTrack: func(t *Track, act TrackAction) {
			t.Status = TrackActive
			t.AbandonedFromFrame = nil
			t.AbandonReason = ""
			t.AcceptReason = act.Reason
		},
		resultTrackSt: TrackActive,
	}

	// Recover ignores the blur filter and only touches annotations carrying
	// the abandoned marker.
	recoverTransition = transition{
		action: "recover",
		selection: func(act TrackAction) AnnotationFilter {
			return AnnotationFilter{FromFrame: act.FromFrame, Blur: BlurAll, AbandonedOnly: true}
		},
		status:   StatusUnreviewed,
		judgment: StatusUnreviewed,
		updateTrack: func(t *Track, act TrackAction) {
			from := act.FromFrame
			t.Status = TrackActive
			t.AbandonedFromFrame = nil
			t.AbandonReason = ""
			t.RecoveredFromFrame = &from
			t.RecoverReason = act.Reason
		},
		resultTrackSt: TrackActive,
	}
)

func (s *Service) AbandonTrack(ctx context.Context, batchKey, tag string, act TrackAction) (*TransitionResult, error) {
	return s.applyTransition(ctx, batchKey, tag, act, abandonTransition)
}

func (s *Service) AcceptTrack(ctx context.Context, batchKey, tag string, act TrackAction) (*TransitionResult, error) {
	return s.applyTransition(ctx, batchKey, tag, act, acceptTransition)
}

func (s *Service) RecoverTrack(ctx context.Context, batchKey, tag string, act TrackAction) (*TransitionResult, error) {
	return s.applyTransition(ctx, batchKey, tag, act, recoverTransition)
}

// applyTransition runs a bulk track operation in one transaction. Every
// frame that gains a changed annotation is advanced through the version
// guard; a conflict on any of them rolls back the whole operation.
// Annotations already in the target state are left alone, so re-running an
// operation converges without new judgments.
func (s *Service) applyTransition(ctx context.Context, batchKey, tag string, act TrackAction, tr transition) (*TransitionResult, error) {
	if act.FromFrame < 0 {
		return nil, invalidf("from_frame_index must be >= 0")
	}
	if act.Blur == "" {
		act.Blur = BlurAll
	}

	var result *TransitionResult
	err := s.repo.InTx(ctx, func(tx Repository) error {
		batch, err := s.requireBatch(ctx, tx, batchKey)
		if err != nil {
			return err
		}
		track, err := s.requireTrack(ctx, tx, batch, tag)
		if err != nil {
			return err
		}

		filter := tr.selection(act)
		filter.Tags = []string{tag}
		anns, err := tx.ListAnnotations(ctx, batch.ID, filter)
		if err != nil {
			return fmt.Errorf("select track annotations: %w", err)
		}
		if len(anns) == 0 {
			result = &TransitionResult{UpdatedAnnotations: 0, TrackStatus: track.Status}
			return nil
		}

		now := s.now()
		var changed []*Annotation
		for _, a := range anns {
			if a.Status == tr.status && a.Abandoned == tr.abandoned {
				continue
			}
			a.Status = tr.status
			a.Abandoned = tr.abandoned
			a.UpdatedAt = now
			if err := tx.UpdateAnnotationReview(ctx, a); err != nil {
				return fmt.Errorf("update annotation %s: %w", a.ID, err)
			}
			changed = append(changed, a)
		}

		frames, err := tx.GetFramesByIDs(ctx, frameIDs(changed))
		if err != nil {
			return fmt.Errorf("load touched frames: %w", err)
		}
		ordered := make([]*Frame, 0, len(frames))
		for _, f := range frames {
			ordered = append(ordered, f)
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

		versions := make(map[string]int, len(ordered))
		mutation := FrameMutation{SavedBy: act.User, Note: act.Reason, At: now}
		for _, f := range ordered {
			v, err := tx.ApplyIfVersion(ctx, f.ID, f.Version, mutation)
			if err != nil {
				return fmt.Errorf("%s track %s at frame %d: %w", tr.action, tag, f.Index, err)
			}
			versions[f.ID] = v
		}

		judgments := make([]*Judgment, 0, len(changed))
		for _, a := range changed {
			judgments = append(judgments, &Judgment{
				BatchID:      batch.ID,
				FrameID:      a.FrameID,
				AnnotationID: a.ID,
				Status:       tr.judgment,
				FrameVersion: versions[a.FrameID],
				User:         act.User,
				Note:         act.Reason,
				CreatedAt:    now,
			})
		}
		if err := tx.AppendJudgments(ctx, judgments); err != nil {
			return fmt.Errorf("append judgments: %w", err)
		}

		tr.updateTrack(track, act)
		track.UpdatedBy = act.User
		track.UpdatedAt = now
		if err := tx.UpdateTrack(ctx, track); err != nil {
			return fmt.Errorf("update track %s: %w", tag, err)
		}

		result = &TransitionResult{UpdatedAnnotations: len(changed), TrackStatus: tr.resultTrackSt}
		return nil
	})
	logger := s.batchLogger(batchKey).With("track", tag, "action", tr.action)
	if err != nil {
		logger.Warn("track transition failed", "error", err)
		return nil, err
	}

	logger.Info("track transition applied",
		"from_frame", act.FromFrame,
		"updated_annotations", result.UpdatedAnnotations,
	)
	s.publish(Event{
		Type:     EventTrackUpdated,
		BatchKey: batchKey,
		TrackTag: tag,
		Action:   tr.action,
		Updated:  result.UpdatedAnnotations,
		User:     act.User,
	})
	return result, nil
}

func (s *Service) CompleteTrack(ctx context.Context, batchKey, tag, user string) (*CompletionResult, error) {
	return s.setCompleted(ctx, batchKey, tag, user, true)
}

func (s *Service) UncompleteTrack(ctx context.Context, batchKey, tag, user string) (*CompletionResult, error) {
	return s.setCompleted(ctx, batchKey, tag, user, false)
}

func (s *Service) setCompleted(ctx context.Context, batchKey, tag, user string, completed bool) (*CompletionResult, error) {
	action := "uncomplete"
	if completed {
		action = "complete"
	}

	var result *CompletionResult
	_, err := s.updateTrack(ctx, batchKey, tag, action, user, func(t *Track) bool {
		now := s.now()
		changed := t.ManuallyCompleted != completed
		t.ManuallyCompleted = completed
		if completed {
			t.CompletedAt = &now
		} else {
			t.CompletedAt = nil
		}
		result = &CompletionResult{TrackStatus: t.Status, ManuallyCompleted: completed}
		return changed
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) SetPrimaryClass(ctx context.Context, batchKey, tag string, class TrackClass, user string) (bool, error) {
	if _, err := ParseTrackClass(string(class)); err != nil {
		return false, err
	}
	return s.updateTrack(ctx, batchKey, tag, "class", user, func(t *Track) bool {
		changed := t.PrimaryClass != string(class)
		t.PrimaryClass = string(class)
		return changed
	})
}

func (s *Service) SetPersonDown(ctx context.Context, batchKey, tag string, personDown bool, user string) (bool, error) {
	return s.updateTrack(ctx, batchKey, tag, "person-down", user, func(t *Track) bool {
		changed := t.PersonDown != personDown
		t.PersonDown = personDown
		return changed
	})
}

// updateTrack applies a single-document track change. Frames and
// annotations are not touched, so no version guard is involved.
func (s *Service) updateTrack(ctx context.Context, batchKey, tag, action, user string, mutate func(t *Track) bool) (bool, error) {
	var changed bool
	err := s.repo.InTx(ctx, func(tx Repository) error {
		batch, err := s.requireBatch(ctx, tx, batchKey)
		if err != nil {
			return err
		}
		track, err := s.requireTrack(ctx, tx, batch, tag)
		if err != nil {
			return err
		}

		changed = mutate(track)
		track.UpdatedBy = user
		track.UpdatedAt = s.now()
		return tx.UpdateTrack(ctx, track)
	})
	if err != nil {
		return false, err
	}

	s.batchLogger(batchKey).Info("track updated", "track", tag, "action", action, "changed", changed)
	updated := 0
	if changed {
		updated = 1
	}
	s.publish(Event{Type: EventTrackUpdated, BatchKey: batchKey, TrackTag: tag, Action: action, Updated: updated, User: user})
	return changed, nil
}

func frameIDs(anns []*Annotation) []string {
	seen := make(map[string]bool, len(anns))
	ids := make([]string, 0, len(anns))
	for _, a := range anns {
		if !seen[a.FrameID] {
			seen[a.FrameID] = true
			ids = append(ids, a.FrameID)
		}
	}
	return ids
}
