package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/opi/internal/model"
)

// RecordSession mirrors an interview session and its transcript. The session
// row is upserted and the turns are replaced in one transaction.
func (s *Store) RecordSession(ctx context.Context, rec model.SessionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var finishedAt any
	if rec.FinishedAt != nil {
		finishedAt = *rec.FinishedAt
	}
	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO interview_sessions (id, learner_name, learner_class, learner_id, is_exam, exam_year, exam_type,
		   class_name, target_level, result_sheet, state, cursor, started_at, finished_at, saved, save_error, summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   learner_name = excluded.learner_name, learner_class = excluded.learner_class,
		   learner_id = excluded.learner_id, is_exam = excluded.is_exam, exam_year = excluded.exam_year,
		   exam_type = excluded.exam_type, class_name = excluded.class_name, target_level = excluded.target_level,
		   result_sheet = excluded.result_sheet, state = excluded.state, cursor = excluded.cursor,
		   started_at = excluded.started_at, finished_at = excluded.finished_at, saved = excluded.saved,
		   save_error = excluded.save_error, summary = excluded.summary`,
		rec.ID, rec.Learner.Name, rec.Learner.ClassName, rec.Learner.ID, rec.Config.IsExam, rec.Config.Year,
		rec.Config.ExamType, rec.Config.ClassName, rec.Config.TargetLevel, rec.Config.ResultSheet,
		rec.State, rec.Cursor, startedAt, finishedAt, rec.Saved, rec.SaveError, rec.Summary,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	for i, t := range rec.Turns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns (session_id, seq, role, phase, text, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, i, t.Role, t.Phase, t.Text, t.Detail, t.At,
		); err != nil {
			return fmt.Errorf("insert turn %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// GetSessionRecord returns one mirrored session with its turns.
func (s *Store) GetSessionRecord(ctx context.Context, id string) (*model.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Turns, err = s.getTurns(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListSessionRecords returns every mirrored session, oldest first, with turns.
func (s *Store) ListSessionRecords(ctx context.Context) ([]model.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, sessionSelect+` ORDER BY started_at, id`)
	if err != nil {
		return nil, err
	}
	var records []model.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Turns are loaded after the cursor is closed; the pool has one connection.
	for i := range records {
		if records[i].Turns, err = s.getTurns(ctx, records[i].ID); err != nil {
			return nil, fmt.Errorf("turns for %s: %w", records[i].ID, err)
		}
	}
	return records, nil
}

const sessionSelect = `SELECT id, learner_name, learner_class, learner_id, is_exam, exam_year, exam_type, class_name,
	target_level, result_sheet, state, cursor, started_at, finished_at, saved, save_error, summary
	FROM interview_sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*model.SessionRecord, error) {
	var (
		rec        model.SessionRecord
		finishedAt sql.NullTime
	)
	err := sc.Scan(&rec.ID, &rec.Learner.Name, &rec.Learner.ClassName, &rec.Learner.ID, &rec.Config.IsExam,
		&rec.Config.Year, &rec.Config.ExamType, &rec.Config.ClassName, &rec.Config.TargetLevel,
		&rec.Config.ResultSheet, &rec.State, &rec.Cursor, &rec.StartedAt, &finishedAt, &rec.Saved,
		&rec.SaveError, &rec.Summary)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return &rec, nil
}

func (s *Store) getTurns(ctx context.Context, sessionID string) ([]model.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, phase, text, detail, created_at FROM turns WHERE session_id = ? ORDER BY seq`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var turns []model.Turn
	for rows.Next() {
		var t model.Turn
		if err := rows.Scan(&t.Role, &t.Phase, &t.Text, &t.Detail, &t.At); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
