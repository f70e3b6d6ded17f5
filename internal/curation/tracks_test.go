package curation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackAnnotations(t *testing.T, svc *Service, tag string) []*Annotation {
	t.Helper()

	batch, err := svc.repo.GetBatchByKey(context.Background(), "b1")
	require.NoError(t, err)
	anns, err := svc.repo.ListAnnotations(context.Background(), batch.ID, AnnotationFilter{Tags: []string{tag}})
	require.NoError(t, err)
	return anns
}

func getTrack(t *testing.T, svc *Service, tag string) *Track {
	t.Helper()

	batch, err := svc.repo.GetBatchByKey(context.Background(), "b1")
	require.NoError(t, err)
	track, err := svc.repo.GetTrack(context.Background(), batch.ID, tag)
	require.NoError(t, err)
	require.NotNil(t, track)
	return track
}

func frameVersions(t *testing.T, svc *Service) []int {
	t.Helper()

	frames, err := svc.ListFrames(context.Background(), "b1", 0, MaxFrameLimit)
	require.NoError(t, err)
	versions := make([]int, len(frames))
	for i, f := range frames {
		versions[i] = f.Version
	}
	return versions
}

func TestService_ListTracks(t *testing.T) {
	svc, _ := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	tracks, err := svc.ListTracks(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	t1 := tracks[0]
	assert.Equal(t, "t1", t1.Track.Tag)
	assert.Equal(t, 3, t1.Stats.Total)
	assert.Equal(t, 3, t1.Stats.Pending)
	assert.Equal(t, 3, t1.Stats.FrameCount)
	require.NotNil(t, t1.Stats.FirstFrame)
	require.NotNil(t, t1.Stats.LastFrame)
	assert.Equal(t, 0, *t1.Stats.FirstFrame)
	assert.Equal(t, 2, *t1.Stats.LastFrame)
	assert.False(t, t1.Completed)

	_, err = svc.SaveFrame(ctx, "b1", 0, FrameSave{FrameVersion: 0})
	require.NoError(t, err)

	tracks, err = svc.ListTracks(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, tracks[0].Stats.Pending)
	assert.False(t, tracks[0].Completed)
	assert.Equal(t, 0, tracks[1].Stats.Pending)
	assert.True(t, tracks[1].Completed)

	_, err = svc.ListTracks(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_TrackFrames(t *testing.T) {
	svc, _ := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	frames, err := svc.TrackFrames(ctx, "b1", "t1", BlurAll)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	for i, tf := range frames {
		assert.Equal(t, i, tf.Frame.Index)
		assert.Equal(t, 1, tf.Pending)
		assert.False(t, tf.Completed)
		assert.False(t, tf.InAbandonedRange)
	}

	_, err = svc.AbandonTrack(ctx, "b1", "t1", TrackAction{FromFrame: 1, User: "alice"})
	require.NoError(t, err)

	frames, err = svc.TrackFrames(ctx, "b1", "t1", BlurAll)
	require.NoError(t, err)
	assert.False(t, frames[0].InAbandonedRange)
	assert.True(t, frames[1].InAbandonedRange)
	assert.Equal(t, 1, frames[1].Rejected)
	assert.Equal(t, 1, frames[1].AbandonedCount)
	assert.True(t, frames[1].Completed)

	frames, err = svc.TrackFrames(ctx, "b1", "t1", BlurBlurry)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, 1, frames[0].Frame.Index)

	_, err = svc.TrackFrames(ctx, "b1", "nope", BlurAll)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_TrackSamples(t *testing.T) {
	svc, _ := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	samples, err := svc.TrackSamples(ctx, "b1", "t1", 2, BlurAll)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, 0, samples[0].Frame.Index)
	assert.Equal(t, 1, samples[1].Frame.Index)

	samples, err = svc.TrackSamples(ctx, "b1", "t1", 0, BlurAll)
	require.NoError(t, err)
	assert.Len(t, samples, 3)

	samples, err = svc.TrackSamples(ctx, "b1", "t1", DefaultSampleLimit, BlurSharp)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	for _, s := range samples {
		assert.Equal(t, "sharp", s.Annotation.Meta.BlurDecision)
	}

	_, err = svc.TrackSamples(ctx, "b1", "t1", MaxSampleLimit+1, BlurAll)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.TrackSamples(ctx, "b1", "t1", -1, BlurAll)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_TrackSamples_SkipsInvalidBoxesBeforeLimit(t *testing.T) {
	svc, database := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	first := trackAnnotations(t, svc, "t1")[0]
	_, err := database.Conn().Exec(`UPDATE annotations SET bbox_width = -1 WHERE id = ?`, first.ID)
	require.NoError(t, err)

	samples, err := svc.TrackSamples(ctx, "b1", "t1", 2, BlurAll)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, 1, samples[0].Frame.Index)
	assert.Equal(t, 2, samples[1].Frame.Index)
}

func TestAbandonTrack_FromFrame(t *testing.T) {
	svc, database := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	res, err := svc.AbandonTrack(ctx, "b1", "t1", TrackAction{FromFrame: 1, User: "alice", Reason: "occluded"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.UpdatedAnnotations)
	assert.Equal(t, TrackAbandoned, res.TrackStatus)

	anns := trackAnnotations(t, svc, "t1")
	assert.Equal(t, StatusUnreviewed, anns[0].Status)
	assert.False(t, anns[0].Abandoned)
	for _, a := range anns[1:] {
		assert.Equal(t, StatusRejected, a.Status)
		assert.True(t, a.Abandoned)
	}
	assert.Equal(t, []int{0, 1, 1}, frameVersions(t, svc))

	track := getTrack(t, svc, "t1")
	assert.Equal(t, TrackAbandoned, track.Status)
	require.NotNil(t, track.AbandonedFromFrame)
	assert.Equal(t, 1, *track.AbandonedFromFrame)
	assert.Equal(t, "occluded", track.AbandonReason)
	assert.Equal(t, "alice", track.UpdatedBy)

	history, err := svc.FrameHistory(ctx, "b1", 2)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusAbandoned, history[0].Status)
	assert.Equal(t, 1, history[0].FrameVersion)
	assert.Equal(t, "occluded", history[0].Note)

	// Running it again changes nothing and leaves versions alone.
	res, err = svc.AbandonTrack(ctx, "b1", "t1", TrackAction{FromFrame: 1, User: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.UpdatedAnnotations)
	assert.Equal(t, 2, countJudgments(t, database))
	assert.Equal(t, []int{0, 1, 1}, frameVersions(t, svc))
}

func TestAbandonTrack_BlurFilter(t *testing.T) {
	svc, _ := newTestService(t)
	seedBatch(t, svc)

	res, err := svc.AbandonTrack(context.Background(), "b1", "t1", TrackAction{Blur: BlurBlurry})
	require.NoError(t, err)
	assert.Equal(t, 1, res.UpdatedAnnotations)

	anns := trackAnnotations(t, svc, "t1")
	assert.False(t, anns[0].Abandoned)
	assert.True(t, anns[1].Abandoned)
	assert.False(t, anns[2].Abandoned)
}

func TestRecoverTrack_RestoresAbandoned(t *testing.T) {
	svc, _ := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	_, err := svc.SaveFrame(ctx, "b1", 0, FrameSave{FrameVersion: 0})
	require.NoError(t, err)
	_, err = svc.AbandonTrack(ctx, "b1", "t1", TrackAction{FromFrame: 1})
	require.NoError(t, err)

	res, err := svc.RecoverTrack(ctx, "b1", "t1", TrackAction{FromFrame: 0, User: "bob", Reason: "visible again", Blur: BlurSharp})
	require.NoError(t, err)
	assert.Equal(t, 2, res.UpdatedAnnotations)
	assert.Equal(t, TrackActive, res.TrackStatus)

	anns := trackAnnotations(t, svc, "t1")
	assert.Equal(t, StatusAccepted, anns[0].Status)
	for _, a := range anns[1:] {
		assert.Equal(t, StatusUnreviewed, a.Status)
		assert.False(t, a.Abandoned)
	}

	track := getTrack(t, svc, "t1")
	assert.Equal(t, TrackActive, track.Status)
	assert.Nil(t, track.AbandonedFromFrame)
	assert.Empty(t, track.AbandonReason)
	require.NotNil(t, track.RecoveredFromFrame)
	assert.Equal(t, 0, *track.RecoveredFromFrame)
	assert.Equal(t, "visible again", track.RecoverReason)

	history, err := svc.FrameHistory(ctx, "b1", 1)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, StatusUnreviewed, history[1].Status)
	assert.Equal(t, 2, history[1].FrameVersion)
}

func TestAcceptTrack(t *testing.T) {
	svc, _ := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	_, err := svc.AbandonTrack(ctx, "b1", "t1", TrackAction{FromFrame: 2})
	require.NoError(t, err)

	res, err := svc.AcceptTrack(ctx, "b1", "t1", TrackAction{FromFrame: 0, Reason: "all good"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.UpdatedAnnotations)
	assert.Equal(t, TrackActive, res.TrackStatus)

	for _, a := range trackAnnotations(t, svc, "t1") {
		assert.Equal(t, StatusAccepted, a.Status)
		assert.False(t, a.Abandoned)
	}
	track := getTrack(t, svc, "t1")
	assert.Nil(t, track.AbandonedFromFrame)
	assert.Equal(t, "all good", track.AcceptReason)

	tracks, err := svc.ListTracks(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, tracks[0].Completed)
}

func TestTransition_EmptySelectionIsNoop(t *testing.T) {
	svc, database := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	res, err := svc.AbandonTrack(ctx, "b1", "t2", TrackAction{FromFrame: 5, User: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.UpdatedAnnotations)
	assert.Equal(t, TrackActive, res.TrackStatus)

	track := getTrack(t, svc, "t2")
	assert.Equal(t, TrackActive, track.Status)
	assert.Empty(t, track.UpdatedBy)
	assert.Equal(t, 0, countJudgments(t, database))

	res, err = svc.RecoverTrack(ctx, "b1", "t1", TrackAction{User: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.UpdatedAnnotations)
	assert.Nil(t, getTrack(t, svc, "t1").RecoveredFromFrame)
}

func TestTransition_Errors(t *testing.T) {
	svc, _ := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	_, err := svc.AbandonTrack(ctx, "b1", "t1", TrackAction{FromFrame: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.AbandonTrack(ctx, "b1", "missing", TrackAction{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.AcceptTrack(ctx, "nope", "t1", TrackAction{})
	assert.ErrorIs(t, err, ErrNotFound)
}

// conflictRepo fails the nth frame compare-and-set inside a transaction.
type conflictRepo struct {
	Repository
	failOn int
	calls  *int
}

func (r *conflictRepo) InTx(ctx context.Context, fn func(tx Repository) error) error {
	return r.Repository.InTx(ctx, func(tx Repository) error {
		return fn(&conflictRepo{Repository: tx, failOn: r.failOn, calls: r.calls})
	})
}

func (r *conflictRepo) ApplyIfVersion(ctx context.Context, frameID string, expected int, m FrameMutation) (int, error) {
	*r.calls++
	if *r.calls == r.failOn {
		return 0, ErrVersionConflict
	}
	return r.Repository.ApplyIfVersion(ctx, frameID, expected, m)
}

func TestTransition_ConflictRollsBack(t *testing.T) {
	base, database := newTestService(t)
	seedBatch(t, base)
	ctx := context.Background()

	calls := 0
	svc := NewService(&conflictRepo{Repository: base.repo, failOn: 2, calls: &calls}, nil)
	pub := &recordingPublisher{}
	svc.SetPublisher(pub)

	_, err := svc.AbandonTrack(ctx, "b1", "t1", TrackAction{FromFrame: 0, User: "alice"})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 2, calls)
	assert.Empty(t, pub.events)

	for _, a := range trackAnnotations(t, base, "t1") {
		assert.Equal(t, StatusUnreviewed, a.Status)
		assert.False(t, a.Abandoned)
	}
	assert.Equal(t, []int{0, 0, 0}, frameVersions(t, base))
	assert.Equal(t, 0, countJudgments(t, database))
	assert.Equal(t, TrackActive, getTrack(t, base, "t1").Status)
}

func TestCompleteTrack(t *testing.T) {
	svc, _ := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	res, err := svc.CompleteTrack(ctx, "b1", "t1", "alice")
	require.NoError(t, err)
	assert.True(t, res.ManuallyCompleted)
	assert.Equal(t, TrackActive, res.TrackStatus)

	track := getTrack(t, svc, "t1")
	assert.True(t, track.ManuallyCompleted)
	require.NotNil(t, track.CompletedAt)
	assert.True(t, track.CompletedAt.Equal(testClock))

	tracks, err := svc.ListTracks(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, tracks[0].Completed)
	assert.Equal(t, 3, tracks[0].Stats.Pending)

	res, err = svc.UncompleteTrack(ctx, "b1", "t1", "alice")
	require.NoError(t, err)
	assert.False(t, res.ManuallyCompleted)
	track = getTrack(t, svc, "t1")
	assert.False(t, track.ManuallyCompleted)
	assert.Nil(t, track.CompletedAt)

	_, err = svc.CompleteTrack(ctx, "b1", "missing", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAbandonedTrackCountsAsComplete(t *testing.T) {
	svc, _ := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	_, err := svc.AbandonTrack(ctx, "b1", "t1", TrackAction{FromFrame: 2})
	require.NoError(t, err)

	tracks, err := svc.ListTracks(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, tracks[0].Stats.Pending)
	assert.True(t, tracks[0].Completed)
}

func TestSetPrimaryClass(t *testing.T) {
	svc, _ := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	changed, err := svc.SetPrimaryClass(ctx, "b1", "t1", ClassGun, "alice")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "gun", getTrack(t, svc, "t1").PrimaryClass)

	changed, err = svc.SetPrimaryClass(ctx, "b1", "t1", ClassGun, "alice")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = svc.SetPrimaryClass(ctx, "b1", "t1", TrackClass("banana"), "alice")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, "gun", getTrack(t, svc, "t1").PrimaryClass)
}

func TestSetPersonDown(t *testing.T) {
	svc, _ := newTestService(t)
	seedBatch(t, svc)
	pub := &recordingPublisher{}
	svc.SetPublisher(pub)
	ctx := context.Background()

	changed, err := svc.SetPersonDown(ctx, "b1", "t2", true, "alice")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, getTrack(t, svc, "t2").PersonDown)

	changed, err = svc.SetPersonDown(ctx, "b1", "t2", true, "alice")
	require.NoError(t, err)
	assert.False(t, changed)

	require.Len(t, pub.events, 2)
	assert.Equal(t, EventTrackUpdated, pub.events[0].Type)
	assert.Equal(t, "person-down", pub.events[0].Action)
	assert.Equal(t, 1, pub.events[0].Updated)
	assert.Equal(t, 0, pub.events[1].Updated)
}

func TestParseEnums(t *testing.T) {
	blur, err := ParseBlurFilter("")
	require.NoError(t, err)
	assert.Equal(t, BlurAll, blur)
	_, err = ParseBlurFilter("fuzzy")
	assert.ErrorIs(t, err, ErrInvalidInput)

	class, err := ParseTrackClass("face_cover")
	require.NoError(t, err)
	assert.Equal(t, ClassFaceCover, class)
	_, err = ParseTrackClass("Gun")
	assert.ErrorIs(t, err, ErrInvalidInput)

	filter, err := ParseExportStatusFilter("")
	require.NoError(t, err)
	assert.Equal(t, ExportComplete, filter)
	_, err = ParseExportStatusFilter("pending")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
