package curation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Repository interface {
	// InTx runs fn against a repository bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Repository) error) error

	CreateBatch(ctx context.Context, batch *Batch) error
	GetBatchByKey(ctx context.Context, key string) (*Batch, error)
	ListBatches(ctx context.Context) ([]*Batch, error)
	UpdateBatchCounts(ctx context.Context, id string, frames, annotations, tracks int) error
	DeleteBatch(ctx context.Context, id string) error

	CreateFrame(ctx context.Context, frame *Frame) error
	GetFrameByIndex(ctx context.Context, batchID string, index int) (*Frame, error)
	GetFramesByIDs(ctx context.Context, ids []string) (map[string]*Frame, error)
	ListFrames(ctx context.Context, batchID string, skip, limit int) ([]*Frame, error)
	ApplyIfVersion(ctx context.Context, frameID string, expected int, m FrameMutation) (int, error)

	CreateAnnotation(ctx context.Context, ann *Annotation) error
	ListFrameAnnotations(ctx context.Context, frameID string) ([]*Annotation, error)
	ListAnnotations(ctx context.Context, batchID string, filter AnnotationFilter) ([]*Annotation, error)
	UpdateAnnotationReview(ctx context.Context, ann *Annotation) error

	CreateTrack(ctx context.Context, track *Track) error
	GetTrack(ctx context.Context, batchID, tag string) (*Track, error)
	ListTracks(ctx context.Context, batchID string, tags []string) ([]*Track, error)
	UpdateTrack(ctx context.Context, track *Track) error
	TrackStats(ctx context.Context, batchID string) (map[string]TrackStats, error)

	AppendJudgments(ctx context.Context, judgments []*Judgment) error
	LatestJudgments(ctx context.Context, annotationIDs []string) (map[string]*Judgment, error)
	ListFrameJudgments(ctx context.Context, frameID string) ([]*Judgment, error)
}

// AnnotationFilter selects annotations of a batch. Results are ordered by
// frame index, then annotation index. Annotations whose frame is missing are
// never returned.
type AnnotationFilter struct {
	Tags          []string
	FromFrame     int
	Blur          BlurFilter
	AbandonedOnly bool
	// ValidBBox drops boxes with a negative width or height before Limit
	// applies.
	ValidBBox bool
	Limit     int
}

// TrackStats aggregates the annotations sharing one track tag.
type TrackStats struct {
	Total         int
	Pending       int
	FrameCount    int
	FirstFrame    *int
	LastFrame     *int
	LastUpdatedAt *time.Time
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLiteRepository struct {
	db *sql.DB
	q  querier
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, q: db}
}

func (r *SQLiteRepository) InTx(ctx context.Context, fn func(tx Repository) error) error {
	if _, nested := r.q.(*sql.Tx); nested {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&SQLiteRepository{db: r.db, q: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) CreateBatch(ctx context.Context, b *Batch) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO batches (id, batch_key, gcs_prefix, frame_count, annotation_count, track_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.Key, nullString(b.GCSPrefix), b.FrameCount, b.AnnotationCount, b.TrackCount,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	return err
}

const batchColumns = `id, batch_key, gcs_prefix, frame_count, annotation_count, track_count, created_at, updated_at`

func (r *SQLiteRepository) GetBatchByKey(ctx context.Context, key string) (*Batch, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_key = ?`, key)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (r *SQLiteRepository) ListBatches(ctx context.Context) ([]*Batch, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, batch_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (r *SQLiteRepository) UpdateBatchCounts(ctx context.Context, id string, frames, annotations, tracks int) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE batches SET frame_count = ?, annotation_count = ?, track_count = ?, updated_at = ?
		WHERE id = ?
	`, frames, annotations, tracks, formatTime(time.Now()), id)
	return err
}

// DeleteBatch removes a batch; frames, tracks, annotations and judgments
// cascade with it.
func (r *SQLiteRepository) DeleteBatch(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, "DELETE FROM batches WHERE id = ?", id)
	return err
}

func scanBatch(s scanner) (*Batch, error) {
	var b Batch
	var prefix sql.NullString
	var createdAt, updatedAt string
	if err := s.Scan(&b.ID, &b.Key, &prefix, &b.FrameCount, &b.AnnotationCount, &b.TrackCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	b.GCSPrefix = prefix.String
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

func (r *SQLiteRepository) CreateFrame(ctx context.Context, f *Frame) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO frames (id, batch_id, frame_index, filename, gcs_uri, width, height, frame_version,
			default_status, last_saved_by, last_note, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.BatchID, f.Index, f.Filename, f.GCSURI, nullInt(f.Width), nullInt(f.Height), f.Version,
		string(f.DefaultStatus), nullString(f.LastSavedBy), nullString(f.LastNote),
		formatTime(f.CreatedAt), formatTime(f.UpdatedAt))
	return err
}

const frameColumns = `id, batch_id, frame_index, filename, gcs_uri, width, height, frame_version,
	default_status, last_saved_by, last_note, created_at, updated_at`

func (r *SQLiteRepository) GetFrameByIndex(ctx context.Context, batchID string, index int) (*Frame, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+frameColumns+` FROM frames WHERE batch_id = ? AND frame_index = ?`, batchID, index)
	f, err := scanFrame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

func (r *SQLiteRepository) GetFramesByIDs(ctx context.Context, ids []string) (map[string]*Frame, error) {
	frames := make(map[string]*Frame, len(ids))
	for _, chunk := range chunkStrings(ids, maxQueryParams) {
		rows, err := r.q.QueryContext(ctx,
			`SELECT `+frameColumns+` FROM frames WHERE id IN (`+placeholders(len(chunk))+`)`, stringArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			f, err := scanFrame(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			frames[f.ID] = f
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return frames, nil
}

func (r *SQLiteRepository) ListFrames(ctx context.Context, batchID string, skip, limit int) ([]*Frame, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+frameColumns+` FROM frames WHERE batch_id = ?
		ORDER BY frame_index LIMIT ? OFFSET ?
	`, batchID, limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []*Frame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

func scanFrame(s scanner) (*Frame, error) {
	var f Frame
	var width, height sql.NullInt64
	var defaultStatus string
	var savedBy, note sql.NullString
	var createdAt, updatedAt string
	err := s.Scan(&f.ID, &f.BatchID, &f.Index, &f.Filename, &f.GCSURI, &width, &height, &f.Version,
		&defaultStatus, &savedBy, &note, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	f.Width = intPtr(width)
	f.Height = intPtr(height)
	f.DefaultStatus = AnnotationStatus(defaultStatus)
	f.LastSavedBy = savedBy.String
	f.LastNote = note.String
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	return &f, nil
}

func (r *SQLiteRepository) CreateAnnotation(ctx context.Context, a *Annotation) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO annotations (id, batch_id, frame_id, annotation_index, track_tag, category_id, category_name,
			bbox_x, bbox_y, bbox_width, bbox_height, area, confidence, status, abandoned, person_down,
			blur_decision, has_mask, patch_id, patch_gcs_uri, embedding_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.BatchID, a.FrameID, a.Index, nullString(a.TrackTag), a.CategoryID, a.CategoryName,
		a.BBox.X, a.BBox.Y, a.BBox.Width, a.BBox.Height, nullFloat(a.Area), nullFloat(a.Confidence),
		string(a.Status), boolToInt(a.Abandoned), boolToInt(a.PersonDown),
		nullString(a.Meta.BlurDecision), nullBool(a.Meta.HasMask), nullString(a.Meta.PatchID),
		nullString(a.Meta.PatchURI), nullString(a.Meta.EmbeddingRef),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	return err
}

const annotationColumns = `a.id, a.batch_id, a.frame_id, a.annotation_index, a.track_tag, a.category_id, a.category_name,
	a.bbox_x, a.bbox_y, a.bbox_width, a.bbox_height, a.area, a.confidence, a.status, a.abandoned, a.person_down,
	a.blur_decision, a.has_mask, a.patch_id, a.patch_gcs_uri, a.embedding_ref, a.created_at, a.updated_at`

func (r *SQLiteRepository) ListFrameAnnotations(ctx context.Context, frameID string) ([]*Annotation, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+annotationColumns+` FROM annotations a
		WHERE a.frame_id = ? ORDER BY a.annotation_index, a.id
	`, frameID)
	if err != nil {
		return nil, err
	}
	return collectAnnotations(rows)
}

func (r *SQLiteRepository) ListAnnotations(ctx context.Context, batchID string, f AnnotationFilter) ([]*Annotation, error) {
	var b strings.Builder
	args := []any{batchID}

	b.WriteString(`SELECT ` + annotationColumns + ` FROM annotations a
		JOIN frames f ON f.id = a.frame_id
		WHERE a.batch_id = ?`)
	if len(f.Tags) > 0 {
		b.WriteString(` AND a.track_tag IN (` + placeholders(len(f.Tags)) + `)`)
		args = append(args, stringArgs(f.Tags)...)
	} else {
		b.WriteString(` AND a.track_tag IS NOT NULL`)
	}
	if f.FromFrame > 0 {
		b.WriteString(` AND f.frame_index >= ?`)
		args = append(args, f.FromFrame)
	}
	switch f.Blur {
	case BlurSharp, BlurBlurry:
		b.WriteString(` AND a.blur_decision = ?`)
		args = append(args, string(f.Blur))
	}
	if f.AbandonedOnly {
		b.WriteString(` AND a.abandoned = 1`)
	}
	if f.ValidBBox {
		b.WriteString(` AND a.bbox_width >= 0 AND a.bbox_height >= 0`)
	}
	b.WriteString(` ORDER BY f.frame_index, a.annotation_index, a.id`)
	if f.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}

	rows, err := r.q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	return collectAnnotations(rows)
}

func (r *SQLiteRepository) UpdateAnnotationReview(ctx context.Context, a *Annotation) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE annotations SET status = ?, abandoned = ?, person_down = ?, updated_at = ?
		WHERE id = ?
	`, string(a.Status), boolToInt(a.Abandoned), boolToInt(a.PersonDown), formatTime(a.UpdatedAt), a.ID)
	return err
}

func collectAnnotations(rows *sql.Rows) ([]*Annotation, error) {
	defer rows.Close()

	var anns []*Annotation
	for rows.Next() {
		var a Annotation
		var tag, blur, patchID, patchURI, embedding sql.NullString
		var area, confidence sql.NullFloat64
		var hasMask sql.NullInt64
		var status string
		var abandoned, personDown int
		var createdAt, updatedAt string

		err := rows.Scan(&a.ID, &a.BatchID, &a.FrameID, &a.Index, &tag, &a.CategoryID, &a.CategoryName,
			&a.BBox.X, &a.BBox.Y, &a.BBox.Width, &a.BBox.Height, &area, &confidence, &status, &abandoned, &personDown,
			&blur, &hasMask, &patchID, &patchURI, &embedding, &createdAt, &updatedAt)
		if err != nil {
			return nil, err
		}
		a.TrackTag = tag.String
		a.Area = floatPtr(area)
		a.Confidence = floatPtr(confidence)
		a.Status = AnnotationStatus(status)
		a.Abandoned = abandoned == 1
		a.PersonDown = personDown == 1
		a.Meta = AnnotationMeta{
			BlurDecision: blur.String,
			PatchID:      patchID.String,
			PatchURI:     patchURI.String,
			EmbeddingRef: embedding.String,
		}
		if hasMask.Valid {
			v := hasMask.Int64 == 1
			a.Meta.HasMask = &v
		}
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)
		anns = append(anns, &a)
	}
	return anns, rows.Err()
}

func (r *SQLiteRepository) CreateTrack(ctx context.Context, t *Track) error {
	categories, err := json.Marshal(nonNil(t.Categories))
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO tracks (id, batch_id, track_tag, categories, primary_class, person_down, status,
			abandoned_from_frame, abandon_reason, recovered_from_frame, recover_reason, accept_reason,
			manually_completed, completed_at, updated_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.BatchID, t.Tag, string(categories), nullString(t.PrimaryClass), boolToInt(t.PersonDown), string(t.Status),
		nullInt(t.AbandonedFromFrame), nullString(t.AbandonReason), nullInt(t.RecoveredFromFrame),
		nullString(t.RecoverReason), nullString(t.AcceptReason), boolToInt(t.ManuallyCompleted),
		nullTime(t.CompletedAt), nullString(t.UpdatedBy), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	return err
}

const trackColumns = `id, batch_id, track_tag, categories, primary_class, person_down, status,
	abandoned_from_frame, abandon_reason, recovered_from_frame, recover_reason, accept_reason,
	manually_completed, completed_at, updated_by, created_at, updated_at`

func (r *SQLiteRepository) GetTrack(ctx context.Context, batchID, tag string) (*Track, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+trackColumns+` FROM tracks WHERE batch_id = ? AND track_tag = ?`, batchID, tag)
	t, err := scanTrack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// ListTracks returns the tracks of a batch sorted by tag. A non-empty tags
// list restricts the result to those tags.
func (r *SQLiteRepository) ListTracks(ctx context.Context, batchID string, tags []string) ([]*Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks WHERE batch_id = ?`
	args := []any{batchID}
	if len(tags) > 0 {
		query += ` AND track_tag IN (` + placeholders(len(tags)) + `)`
		args = append(args, stringArgs(tags)...)
	}
	query += ` ORDER BY track_tag`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []*Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

func (r *SQLiteRepository) UpdateTrack(ctx context.Context, t *Track) error {
	categories, err := json.Marshal(nonNil(t.Categories))
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE tracks SET categories = ?, primary_class = ?, person_down = ?, status = ?,
			abandoned_from_frame = ?, abandon_reason = ?, recovered_from_frame = ?, recover_reason = ?,
			accept_reason = ?, manually_completed = ?, completed_at = ?, updated_by = ?, updated_at = ?
		WHERE id = ?
	`, string(categories), nullString(t.PrimaryClass), boolToInt(t.PersonDown), string(t.Status),
		nullInt(t.AbandonedFromFrame), nullString(t.AbandonReason), nullInt(t.RecoveredFromFrame),
		nullString(t.RecoverReason), nullString(t.AcceptReason), boolToInt(t.ManuallyCompleted),
		nullTime(t.CompletedAt), nullString(t.UpdatedBy), formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("track")
	}
	return nil
}

func (r *SQLiteRepository) TrackStats(ctx context.Context, batchID string) (map[string]TrackStats, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT a.track_tag,
			COUNT(*),
			SUM(CASE WHEN a.status = 'unreviewed' THEN 1 ELSE 0 END),
			COUNT(DISTINCT a.frame_id),
			MIN(f.frame_index),
			MAX(f.frame_index),
			MAX(a.updated_at)
		FROM annotations a
		JOIN frames f ON f.id = a.frame_id
		WHERE a.batch_id = ? AND a.track_tag IS NOT NULL
		GROUP BY a.track_tag
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]TrackStats)
	for rows.Next() {
		var tag string
		var s TrackStats
		var first, last sql.NullInt64
		var updated sql.NullString
		if err := rows.Scan(&tag, &s.Total, &s.Pending, &s.FrameCount, &first, &last, &updated); err != nil {
			return nil, err
		}
		s.FirstFrame = intPtr(first)
		s.LastFrame = intPtr(last)
		if updated.Valid {
			t := parseTime(updated.String)
			s.LastUpdatedAt = &t
		}
		stats[tag] = s
	}
	return stats, rows.Err()
}

func scanTrack(s scanner) (*Track, error) {
	var t Track
	var categories string
	var primaryClass, abandonReason, recoverReason, acceptReason, completedAt, updatedBy sql.NullString
	var abandonedFrom, recoveredFrom sql.NullInt64
	var personDown, manuallyCompleted int
	var status, createdAt, updatedAt string

	err := s.Scan(&t.ID, &t.BatchID, &t.Tag, &categories, &primaryClass, &personDown, &status,
		&abandonedFrom, &abandonReason, &recoveredFrom, &recoverReason, &acceptReason,
		&manuallyCompleted, &completedAt, &updatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(categories), &t.Categories); err != nil {
		return nil, fmt.Errorf("decode categories for track %s: %w", t.Tag, err)
	}
	t.PrimaryClass = primaryClass.String
	t.PersonDown = personDown == 1
	t.Status = TrackStatus(status)
	t.AbandonedFromFrame = intPtr(abandonedFrom)
	t.AbandonReason = abandonReason.String
	t.RecoveredFromFrame = intPtr(recoveredFrom)
	t.RecoverReason = recoverReason.String
	t.AcceptReason = acceptReason.String
	t.ManuallyCompleted = manuallyCompleted == 1
	if completedAt.Valid {
		ts := parseTime(completedAt.String)
		t.CompletedAt = &ts
	}
	t.UpdatedBy = updatedBy.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// maxQueryParams keeps IN lists well under SQLite's bound-variable limit.
const maxQueryParams = 500

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func chunkStrings(values []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullBool(p *bool) any {
	if p == nil {
		return nil
	}
	return boolToInt(*p)
}

func nullTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return formatTime(*p)
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
