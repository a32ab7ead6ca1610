package model

import "time"

// SessionExport is the top-level JSON structure for the export command.
type SessionExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Sessions   []SessionRecord `json:"sessions"`
}

// SessionRecord is the audit mirror of one interview session.
type SessionRecord struct {
	ID         string        `json:"id"`
	Learner    LearnerInfo   `json:"learner"`
	Config     SessionConfig `json:"config"`
	State      SessionState  `json:"state"`
	Cursor     int           `json:"cursor"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Saved      bool          `json:"saved"`
	SaveError  string        `json:"save_error,omitempty"`
	Summary    string        `json:"summary,omitempty"`
	Turns      []Turn        `json:"turns"`
}
