package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const standardColumns = `id, accreditor, code, title, description, category, parent_id, evidence_requirements, weight, required`

// UpsertStandard inserts a standard or refreshes it when (accreditor, code) exists.
func (s *Store) UpsertStandard(ctx context.Context, st Standard) error {
	if st.ID == "" || st.Accreditor == "" || st.Code == "" {
		return fmt.Errorf("%w: standard id, accreditor and code are required", ErrValidation)
	}
	if st.Weight < 0 || st.Weight > 100 {
		return fmt.Errorf("%w: standard %s weight %.1f outside 0-100", ErrValidation, st.Code, st.Weight)
	}
	reqs := st.EvidenceRequirements
	if reqs == nil {
		reqs = []string{}
	}
	reqJSON, err := json.Marshal(reqs)
	if err != nil {
		return fmt.Errorf("marshalling evidence requirements: %w", err)
	}
	var parent sql.NullString
	if st.ParentID != "" {
		parent = sql.NullString{String: st.ParentID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO standards (`+standardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(accreditor, code) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			category = excluded.category,
			parent_id = excluded.parent_id,
			evidence_requirements = excluded.evidence_requirements,
			weight = excluded.weight,
			required = excluded.required`),
		st.ID, st.Accreditor, st.Code, st.Title, st.Description, st.Category,
		parent, string(reqJSON), st.Weight, boolToInt(st.Required),
	)
	return err
}

func (s *Store) GetStandard(ctx context.Context, id string) (Standard, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+standardColumns+` FROM standards WHERE id = ?`), id)
	st, err := scanStandard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Standard{}, ErrNotFound
	}
	return st, err
}

// ListStandards returns the accreditor's standards ordered by code. category and
// search are optional; search matches code, title or description case-insensitively.
func (s *Store) ListStandards(ctx context.Context, accreditor, category, search string) ([]Standard, error) {
	query := `SELECT ` + standardColumns + ` FROM standards WHERE accreditor = ?`
	args := []any{accreditor}
	if category != "" {
		query += ` AND LOWER(category) = ?`
		args = append(args, strings.ToLower(category))
	}
	if search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query += ` AND (LOWER(code) LIKE ? OR LOWER(title) LIKE ? OR LOWER(description) LIKE ?)`
		args = append(args, like, like, like)
	}
	query += ` ORDER BY code ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Standard
	for rows.Next() {
		st, err := scanStandard(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, st)
	}
	return results, rows.Err()
}

// CountStandards returns the number of standards defined for an accreditor.
func (s *Store) CountStandards(ctx context.Context, accreditor string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM standards WHERE accreditor = ?`), accreditor).Scan(&n)
	return n, err
}

// ListAccreditors returns the distinct accreditors in the catalog.
func (s *Store) ListAccreditors(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT accreditor FROM standards ORDER BY accreditor ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStandard(r rowScanner) (Standard, error) {
	var st Standard
	var parent sql.NullString
	var reqJSON string
	var required int
	if err := r.Scan(&st.ID, &st.Accreditor, &st.Code, &st.Title, &st.Description, &st.Category,
		&parent, &reqJSON, &st.Weight, &required); err != nil {
		return Standard{}, err
	}
	st.ParentID = parent.String
	st.Required = required != 0
	if err := json.Unmarshal([]byte(reqJSON), &st.EvidenceRequirements); err != nil {
		return Standard{}, fmt.Errorf("parsing evidence_requirements for %s: %w", st.ID, err)
	}
	return st, nil
}
