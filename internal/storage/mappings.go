package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Evidence strength labels.
const (
	StrengthStrong   = "strong"
	StrengthModerate = "moderate"
	StrengthWeak     = "weak"
)

const mappingDetailSelect = `SELECT m.document_id, m.standard_id, m.confidence, m.rationale, m.evidence_strength,
		m.is_verified, m.verified_by, m.verified_at, m.created_at, m.updated_at,
		st.accreditor, st.code, st.title, st.category, d.title, d.institution_id
	FROM standard_mappings m
	JOIN standards st ON st.id = m.standard_id
	JOIN documents d ON d.id = m.document_id`

// UpsertMapping creates or overwrites the mapping for (document, standard).
// Verification fields are never touched by an upsert.
func (s *Store) UpsertMapping(ctx context.Context, m StandardMapping) (StandardMapping, error) {
	if err := s.upsertMapping(ctx, s.db, m, time.Now()); err != nil {
		return StandardMapping{}, err
	}
	return s.GetMapping(ctx, m.DocumentID, m.StandardID)
}

func validateMapping(m StandardMapping) error {
	if m.DocumentID == "" || m.StandardID == "" {
		return fmt.Errorf("%w: mapping document and standard are required", ErrValidation)
	}
	if m.Confidence < MinConfidence || m.Confidence > MaxConfidence {
		return fmt.Errorf("%w: confidence %.3f outside [%.2f, %.2f]", ErrValidation, m.Confidence, MinConfidence, MaxConfidence)
	}
	switch m.EvidenceStrength {
	case StrengthStrong, StrengthModerate, StrengthWeak:
	default:
		return fmt.Errorf("%w: unknown evidence strength %q", ErrValidation, m.EvidenceStrength)
	}
	return nil
}

func (s *Store) upsertMapping(ctx context.Context, ex execer, m StandardMapping, now time.Time) error {
	if err := validateMapping(m); err != nil {
		return err
	}

	var n int
	if err := ex.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM documents WHERE id = ?`), m.DocumentID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: unknown document %q", ErrValidation, m.DocumentID)
	}
	if err := ex.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM standards WHERE id = ?`), m.StandardID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: unknown standard %q", ErrValidation, m.StandardID)
	}

	rationale := m.Rationale
	if rationale == nil {
		rationale = []string{}
	}
	rationaleJSON, err := json.Marshal(rationale)
	if err != nil {
		return fmt.Errorf("marshalling rationale: %w", err)
	}

	ts := formatTime(now)
	_, err = ex.ExecContext(ctx, s.q(`
		INSERT INTO standard_mappings (document_id, standard_id, confidence, rationale, evidence_strength,
			is_verified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(document_id, standard_id) DO UPDATE SET
			confidence = excluded.confidence,
			rationale = excluded.rationale,
			evidence_strength = excluded.evidence_strength,
			updated_at = excluded.updated_at`),
		m.DocumentID, m.StandardID, m.Confidence, string(rationaleJSON), m.EvidenceStrength, ts, ts,
	)
	return err
}

func (s *Store) GetMapping(ctx context.Context, documentID, standardID string) (StandardMapping, error) {
	row := s.db.QueryRowContext(ctx, s.q(mappingDetailSelect+` WHERE m.document_id = ? AND m.standard_id = ?`), documentID, standardID)
	d, err := scanMappingDetail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StandardMapping{}, ErrNotFound
	}
	if err != nil {
		return StandardMapping{}, err
	}
	return d.StandardMapping, nil
}

func (s *Store) MappingsByDocument(ctx context.Context, documentID string) ([]MappingDetail, error) {
	return s.queryMappings(ctx, mappingDetailSelect+` WHERE m.document_id = ? ORDER BY st.code ASC`, documentID)
}

// MappingsByStandard lists mappings for a standard, newest first. A non-empty
// accreditor additionally requires the standard to belong to it.
func (s *Store) MappingsByStandard(ctx context.Context, standardID, accreditor string) ([]MappingDetail, error) {
	query := mappingDetailSelect + ` WHERE m.standard_id = ?`
	args := []any{standardID}
	if accreditor != "" {
		query += ` AND st.accreditor = ?`
		args = append(args, accreditor)
	}
	query += ` ORDER BY m.updated_at DESC, m.document_id ASC`
	return s.queryMappings(ctx, query, args...)
}

// ListMappings returns mappings matching every non-empty field of f, ordered by
// standard code then confidence.
func (s *Store) ListMappings(ctx context.Context, f MappingFilter) ([]MappingDetail, error) {
	query := mappingDetailSelect + ` WHERE 1 = 1`
	var args []any
	if f.Accreditor != "" {
		query += ` AND st.accreditor = ?`
		args = append(args, f.Accreditor)
	}
	if f.StandardCode != "" {
		query += ` AND st.code = ?`
		args = append(args, f.StandardCode)
	}
	if f.InstitutionID != "" {
		query += ` AND d.institution_id = ?`
		args = append(args, f.InstitutionID)
	}
	query += ` ORDER BY st.code ASC, m.confidence DESC, m.document_id ASC`
	return s.queryMappings(ctx, query, args...)
}

// AggregateByStandard summarises mappings per standard of an accreditor. An
// empty institutionID aggregates across all institutions. Standards without
// mappings are absent from the result.
func (s *Store) AggregateByStandard(ctx context.Context, accreditor, institutionID string) (map[string]StandardAggregate, error) {
	query := `SELECT m.standard_id, COUNT(*), AVG(m.confidence), SUM(m.is_verified)
		FROM standard_mappings m
		JOIN standards st ON st.id = m.standard_id
		JOIN documents d ON d.id = m.document_id
		WHERE st.accreditor = ?`
	args := []any{accreditor}
	if institutionID != "" {
		query += ` AND d.institution_id = ?`
		args = append(args, institutionID)
	}
	query += ` GROUP BY m.standard_id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]StandardAggregate)
	for rows.Next() {
		var id string
		var agg StandardAggregate
		if err := rows.Scan(&id, &agg.Count, &agg.AvgConfidence, &agg.VerifiedCount); err != nil {
			return nil, err
		}
		out[id] = agg
	}
	return out, rows.Err()
}

// MarkVerified records a reviewer's confirmation. Confidence is unchanged.
func (s *Store) MarkVerified(ctx context.Context, documentID, standardID, reviewerID string, now time.Time) error {
	if reviewerID == "" {
		return fmt.Errorf("%w: reviewer is required", ErrValidation)
	}
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE standard_mappings
		SET is_verified = 1, verified_by = ?, verified_at = ?, updated_at = ?
		WHERE document_id = ? AND standard_id = ?`),
		reviewerID, ts, ts, documentID, standardID)
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

func (s *Store) queryMappings(ctx context.Context, query string, args ...any) ([]MappingDetail, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MappingDetail
	for rows.Next() {
		d, err := scanMappingDetail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanMappingDetail(r rowScanner) (MappingDetail, error) {
	var d MappingDetail
	var rationale string
	var verified int
	var verifiedBy, verifiedAt sql.NullString
	var createdAt, updatedAt string
	if err := r.Scan(&d.DocumentID, &d.StandardID, &d.Confidence, &rationale, &d.EvidenceStrength,
		&verified, &verifiedBy, &verifiedAt, &createdAt, &updatedAt,
		&d.Accreditor, &d.StandardCode, &d.StandardTitle, &d.Category, &d.DocumentTitle, &d.InstitutionID); err != nil {
		return MappingDetail{}, err
	}
	d.IsVerified = verified != 0
	d.VerifiedBy = verifiedBy.String
	if err := json.Unmarshal([]byte(rationale), &d.Rationale); err != nil {
		return MappingDetail{}, fmt.Errorf("parsing rationale for %s/%s: %w", d.DocumentID, d.StandardID, err)
	}
	var err error
	if d.VerifiedAt, err = parseNullTime("verified_at", verifiedAt); err != nil {
		return MappingDetail{}, err
	}
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return MappingDetail{}, err
	}
	if d.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return MappingDetail{}, err
	}
	return d, nil
}
