package curation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrackTags(t *testing.T) {
	tags, err := ParseTrackTags("")
	require.NoError(t, err)
	assert.Nil(t, tags)

	tags, err = ParseTrackTags(" t1, ,t2 ")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, tags)

	_, err = ParseTrackTags(" , ,")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestExportTrack(t *testing.T) {
	svc, _ := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	anns := frameAnnotations(t, svc, 1)
	_, err := svc.SaveFrame(ctx, "b1", 1, FrameSave{
		FrameVersion: 0,
		User:         "alice",
		Note:         "bad box",
		Overrides:    []AnnotationOverride{{AnnotationID: anns[0].ID, Status: StatusRejected}},
	})
	require.NoError(t, err)

	ds, err := svc.ExportTrack(ctx, "b1", "t1")
	require.NoError(t, err)

	assert.Equal(t, "b1", ds.Info.BatchKey)
	assert.Equal(t, testClock, ds.Info.ExportedAt)
	assert.Equal(t, []string{"t1"}, ds.Info.Tracks)

	require.Len(t, ds.Images, 3)
	for i, img := range ds.Images {
		assert.Equal(t, i, img.FrameIndex)
	}
	assert.Equal(t, 1, ds.Images[1].FrameVersion)

	require.Len(t, ds.Categories, 1)
	assert.Equal(t, "gun", ds.Categories[0].Name)

	require.Len(t, ds.Annotations, 3)
	assert.Equal(t, "unreviewed", ds.Annotations[0].Status)
	assert.Nil(t, ds.Annotations[0].LatestJudgment)
	assert.Equal(t, "rejected", ds.Annotations[1].Status)
	require.NotNil(t, ds.Annotations[1].LatestJudgment)
	assert.Equal(t, "alice", ds.Annotations[1].LatestJudgment.User)
	assert.Equal(t, "bad box", ds.Annotations[1].LatestJudgment.Note)
	assert.Equal(t, [4]float64{2, 3, 10, 20}, ds.Annotations[1].BBox)
	assert.Equal(t, ds.Images[1].ID, ds.Annotations[1].ImageID)

	require.Len(t, ds.Tracks, 1)
	assert.Equal(t, 2, ds.Tracks[0].PendingAnnotations)

	_, err = svc.ExportTrack(ctx, "b1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExportTracks_Deterministic(t *testing.T) {
	svc, _ := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	_, err := svc.AbandonTrack(ctx, "b1", "t1", TrackAction{FromFrame: 1})
	require.NoError(t, err)

	q := ExportQuery{Status: ExportAll}
	first, err := svc.ExportTracks(ctx, "b1", q)
	require.NoError(t, err)
	second, err := svc.ExportTracks(ctx, "b1", q)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))

	assert.Equal(t, []string{"t1", "t2"}, first.Info.Tracks)
	assert.Len(t, first.Annotations, 4)
	assert.Len(t, first.Categories, 2)
	assert.Equal(t, "abandoned", first.Annotations[2].Status)
}

func TestExportTracks_StatusFilter(t *testing.T) {
	svc, _ := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	_, err := svc.ExportTracks(ctx, "b1", ExportQuery{})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.SaveFrame(ctx, "b1", 0, FrameSave{FrameVersion: 0})
	require.NoError(t, err)

	ds, err := svc.ExportTracks(ctx, "b1", ExportQuery{Status: ExportComplete})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, ds.Info.Tracks)

	_, err = svc.CompleteTrack(ctx, "b1", "t1", "alice")
	require.NoError(t, err)
	ds, err = svc.ExportTracks(ctx, "b1", ExportQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ds.Info.Tracks)

	ds, err = svc.ExportTracks(ctx, "b1", ExportQuery{Tags: []string{"t1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ds.Info.Tracks)
	assert.True(t, ds.Tracks[0].ManuallyCompleted)
}

func TestExportTracks_Errors(t *testing.T) {
	svc, _ := newTestService(t)
	seedBatch(t, svc)
	ctx := context.Background()

	_, err := svc.ExportTracks(ctx, "b1", ExportQuery{Status: "pending"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.ExportTracks(ctx, "b1", ExportQuery{Status: ExportAll, Tags: []string{}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.ExportTracks(ctx, "b1", ExportQuery{Status: ExportAll, Tags: []string{"zzz"}})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.ExportTracks(ctx, "missing", ExportQuery{Status: ExportAll})
	assert.ErrorIs(t, err, ErrNotFound)
}
