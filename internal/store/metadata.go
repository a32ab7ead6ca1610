package store

import (
	"database/sql"
	"fmt"

	"github.com/pavelanni/opi/internal/model"
)

const (
	modeExam     = "exam"
	modePractice = "practice"
)

// SetMetadata upserts a key-value pair in the exam_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO exam_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM exam_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetExamConfig validates cfg and, only if it is valid, stores it and makes
// exam mode active. All fields are written in one transaction.
func (s *Store) SetExamConfig(cfg model.SessionConfig) error {
	cfg.IsExam = true
	if err := cfg.Validate(); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pairs := []struct{ k, v string }{
		{"mode", modeExam},
		{"exam_year", cfg.Year},
		{"exam_type", cfg.ExamType},
		{"exam_class", cfg.ClassName},
		{"exam_level", cfg.TargetLevel},
		{"exam_sheet", cfg.ResultSheet},
	}
	for _, p := range pairs {
		if _, err := tx.Exec(
			`INSERT INTO exam_metadata (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = ?`,
			p.k, p.v, p.v,
		); err != nil {
			return fmt.Errorf("set %s: %w", p.k, err)
		}
	}
	return tx.Commit()
}

// SetPracticeMode makes practice mode active. The stored exam fields are kept
// so the admin form can be prefilled next time.
func (s *Store) SetPracticeMode() error {
	return s.SetMetadata("mode", modePractice)
}

// GetExamConfig returns the stored exam fields and whether exam mode is active.
// A fresh database is in practice mode.
func (s *Store) GetExamConfig() (model.SessionConfig, error) {
	var cfg model.SessionConfig
	mode, err := s.GetMetadata("mode")
	if err != nil {
		return cfg, err
	}
	cfg.IsExam = mode == modeExam

	fields := []struct {
		key string
		dst *string
	}{
		{"exam_year", &cfg.Year},
		{"exam_type", &cfg.ExamType},
		{"exam_class", &cfg.ClassName},
		{"exam_level", &cfg.TargetLevel},
		{"exam_sheet", &cfg.ResultSheet},
	}
	for _, f := range fields {
		if *f.dst, err = s.GetMetadata(f.key); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}
