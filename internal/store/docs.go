package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/opi/internal/model"
)

// AddReferenceDoc stores an uploaded reference document.
func (s *Store) AddReferenceDoc(ctx context.Context, doc model.ReferenceDoc) (int64, error) {
	if doc.Name == "" || len(doc.Data) == 0 {
		return 0, fmt.Errorf("reference document needs a name and content")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reference_docs (name, mime_type, data, created_at) VALUES (?, ?, ?, ?)`,
		doc.Name, doc.MIMEType, doc.Data, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListReferenceDocs returns all documents with their content, oldest first.
func (s *Store) ListReferenceDocs(ctx context.Context) ([]model.ReferenceDoc, error) {
	return s.queryDocs(ctx, `SELECT id, name, mime_type, data, created_at FROM reference_docs ORDER BY id`)
}

// ListReferenceDocInfo returns all documents without their content.
func (s *Store) ListReferenceDocInfo(ctx context.Context) ([]model.ReferenceDoc, error) {
	return s.queryDocs(ctx, `SELECT id, name, mime_type, x'', created_at FROM reference_docs ORDER BY id`)
}

func (s *Store) queryDocs(ctx context.Context, query string) ([]model.ReferenceDoc, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []model.ReferenceDoc
	for rows.Next() {
		var d model.ReferenceDoc
		if err := rows.Scan(&d.ID, &d.Name, &d.MIMEType, &d.Data, &d.CreatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteReferenceDoc removes a document. Unknown ids are not an error.
func (s *Store) DeleteReferenceDoc(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reference_docs WHERE id = ?`, id)
	return err
}
