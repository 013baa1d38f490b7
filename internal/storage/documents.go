package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const documentColumns = `id, owner_id, institution_id, title, mime_type, category, content_hash, object_key, extracted_text, created_at`

func (s *Store) SaveDocument(ctx context.Context, d Document) error {
	if d.ID == "" || d.OwnerID == "" {
		return fmt.Errorf("%w: document id and owner are required", ErrValidation)
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	mime := d.MimeType
	if mime == "" {
		mime = "text/plain"
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.OwnerID, d.InstitutionID, d.Title, mime, d.Category,
		d.ContentHash, d.ObjectKey, d.ExtractedText, formatTime(createdAt),
	)
	return err
}

func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	var d Document
	var createdAt string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT `+documentColumns+` FROM documents WHERE id = ?`), id).Scan(
		&d.ID, &d.OwnerID, &d.InstitutionID, &d.Title, &d.MimeType, &d.Category,
		&d.ContentHash, &d.ObjectKey, &d.ExtractedText, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Document{}, err
	}
	return d, nil
}

// SetExtractedText stores text pulled out of the document's blob.
func (s *Store) SetExtractedText(ctx context.Context, id, text string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE documents SET extracted_text = ? WHERE id = ?`), text, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
