package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/opi/internal/model"
)

// ExportSessions builds the JSON export of every mirrored session.
func (s *Store) ExportSessions(ctx context.Context) (model.SessionExport, error) {
	records, err := s.ListSessionRecords(ctx)
	if err != nil {
		return model.SessionExport{}, fmt.Errorf("list sessions: %w", err)
	}
	if records == nil {
		records = []model.SessionRecord{}
	}
	return model.SessionExport{
		ExportedAt: time.Now().UTC(),
		Sessions:   records,
	}, nil
}
