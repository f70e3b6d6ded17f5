package curation

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// FrameMutation lists the fields stamped on a frame together with its
// version increment.
type FrameMutation struct {
	SavedBy string
	Note    string
	At      time.Time
}

// ApplyIfVersion is the frame compare-and-set. It increments frame_version
// and stamps m in a single conditional UPDATE that only matches while the
// stored version equals expected, and returns the new version. A mismatch
// yields ErrVersionConflict and leaves the row untouched. A mutation without
// SavedBy keeps the previous editor and note.
func (r *SQLiteRepository) ApplyIfVersion(ctx context.Context, frameID string, expected int, m FrameMutation) (int, error) {
	at := m.At
	if at.IsZero() {
		at = time.Now()
	}
	savedBy := nullString(m.SavedBy)

	res, err := r.q.ExecContext(ctx, `
		UPDATE frames
		SET frame_version = frame_version + 1,
			updated_at = ?,
			last_saved_by = COALESCE(?, last_saved_by),
			last_note = CASE WHEN ? IS NULL THEN last_note ELSE ? END
		WHERE id = ? AND frame_version = ?
	`, formatTime(at), savedBy, savedBy, nullString(m.Note), frameID, expected)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		return expected + 1, nil
	}

	var exists int
	err = r.q.QueryRowContext(ctx, "SELECT 1 FROM frames WHERE id = ?", frameID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFound("frame")
	}
	if err != nil {
		return 0, err
	}
	return 0, ErrVersionConflict
}
