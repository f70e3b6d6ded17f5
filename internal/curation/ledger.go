package curation

import (
	"context"
	"database/sql"
	"time"
)

// AppendJudgments writes judgment records. The ledger is append-only: rows
// are removed only when their batch is purged.
func (r *SQLiteRepository) AppendJudgments(ctx context.Context, judgments []*Judgment) error {
	for _, j := range judgments {
		if j.ID == "" {
			j.ID = NewID()
		}
		if j.CreatedAt.IsZero() {
			j.CreatedAt = time.Now()
		}
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO annotation_judgments (id, batch_id, frame_id, annotation_id, status, person_down,
				frame_version, user_name, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, j.ID, j.BatchID, j.FrameID, j.AnnotationID, string(j.Status), nullBool(j.PersonDown),
			j.FrameVersion, nullString(j.User), nullString(j.Note), formatTime(j.CreatedAt))
		if err != nil {
			return err
		}
	}
	return nil
}

const judgmentColumns = `id, batch_id, frame_id, annotation_id, status, person_down, frame_version,
	user_name, note, created_at`

// LatestJudgments returns the most recent judgment per annotation, keyed by
// annotation id. Annotations never judged are absent from the map.
func (r *SQLiteRepository) LatestJudgments(ctx context.Context, annotationIDs []string) (map[string]*Judgment, error) {
	latest := make(map[string]*Judgment, len(annotationIDs))
	for _, chunk := range chunkStrings(annotationIDs, maxQueryParams) {
		rows, err := r.q.QueryContext(ctx, `
			SELECT `+judgmentColumns+` FROM annotation_judgments
			WHERE annotation_id IN (`+placeholders(len(chunk))+`)
			ORDER BY annotation_id, created_at DESC, rowid DESC
		`, stringArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		judgments, err := collectJudgments(rows)
		if err != nil {
			return nil, err
		}
		for _, j := range judgments {
			if _, seen := latest[j.AnnotationID]; !seen {
				latest[j.AnnotationID] = j
			}
		}
	}
	return latest, nil
}

// ListFrameJudgments returns the audit trail of a frame, oldest first.
func (r *SQLiteRepository) ListFrameJudgments(ctx context.Context, frameID string) ([]*Judgment, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+judgmentColumns+` FROM annotation_judgments
		WHERE frame_id = ? ORDER BY created_at, rowid
	`, frameID)
	if err != nil {
		return nil, err
	}
	return collectJudgments(rows)
}

func collectJudgments(rows *sql.Rows) ([]*Judgment, error) {
	defer rows.Close()

	var judgments []*Judgment
	for rows.Next() {
		var j Judgment
		var status, createdAt string
		var personDown sql.NullInt64
		var user, note sql.NullString
		err := rows.Scan(&j.ID, &j.BatchID, &j.FrameID, &j.AnnotationID, &status, &personDown,
			&j.FrameVersion, &user, &note, &createdAt)
		if err != nil {
			return nil, err
		}
		j.Status = AnnotationStatus(status)
		if personDown.Valid {
			v := personDown.Int64 == 1
			j.PersonDown = &v
		}
		j.User = user.String
		j.Note = note.String
		j.CreatedAt = parseTime(createdAt)
		judgments = append(judgments, &j)
	}
	return judgments, rows.Err()
}
