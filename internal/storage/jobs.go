package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `job_id, document_id, user_id, accreditor, analysis_depth, status, progress,
	stage_description, error_message, results, claimed_at, claimed_by, created_at, updated_at, completed_at`

// nonTerminal is the SQL predicate for jobs that may still change.
const nonTerminal = `status NOT IN ('completed', 'failed')`

// CreateJob inserts a queued job unless the document already has a non-terminal
// one, in which case that job is returned and created is false.
func (s *Store) CreateJob(ctx context.Context, j Job) (job Job, created bool, err error) {
	if j.ID == "" || j.DocumentID == "" || j.UserID == "" || j.Accreditor == "" {
		return Job{}, false, fmt.Errorf("%w: job id, document, user and accreditor are required", ErrValidation)
	}
	now := j.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.activeJob(ctx, tx, j.DocumentID)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return Job{}, false, fmt.Errorf("committing create: %w", err)
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Job{}, false, err
	}

	res, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO jobs (job_id, document_id, user_id, accreditor, analysis_depth, status, progress,
			stage_description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		j.ID, j.DocumentID, j.UserID, j.Accreditor, j.Depth, j.StageDescription,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return Job{}, false, fmt.Errorf("inserting job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Job{}, false, fmt.Errorf("checking inserted job rows: %w", err)
	}
	if n == 0 {
		// Lost the race on the active-document index; return the winner.
		existing, err := s.activeJob(ctx, tx, j.DocumentID)
		if err != nil {
			return Job{}, false, fmt.Errorf("re-reading active job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Job{}, false, fmt.Errorf("committing create: %w", err)
		}
		return existing, false, nil
	}

	job, err = s.getJob(ctx, tx, j.ID, "")
	if err != nil {
		return Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("committing create: %w", err)
	}
	return job, true, nil
}

// GetJob returns a job by id. A non-empty userID restricts the lookup to that
// owner; a mismatch is reported as ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id, userID string) (Job, error) {
	return s.getJob(ctx, s.db, id, userID)
}

// ActiveJobForDocument returns the non-terminal job for a document, if any.
func (s *Store) ActiveJobForDocument(ctx context.Context, documentID string) (Job, error) {
	return s.activeJob(ctx, s.db, documentID)
}

func (s *Store) getJob(ctx context.Context, ex execer, id, userID string) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = ?`
	args := []any{id}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	j, err := scanJob(ex.QueryRowContext(ctx, s.q(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *Store) activeJob(ctx context.Context, ex execer, documentID string) (Job, error) {
	row := ex.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs
		WHERE document_id = ? AND `+nonTerminal+`
		ORDER BY created_at ASC LIMIT 1`), documentID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ClaimNextJob marks the oldest unclaimed queued job as claimed by runnerID
// and returns it. It returns nil, nil when nothing is waiting.
func (s *Store) ClaimNextJob(ctx context.Context, runnerID string, now time.Time) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, s.q(`SELECT job_id FROM jobs
		WHERE status = 'queued' AND claimed_at IS NULL
		ORDER BY created_at ASC, job_id ASC
		LIMIT 1`)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.q(`UPDATE jobs SET claimed_at = ?, claimed_by = ?, updated_at = ?
		WHERE job_id = ? AND claimed_at IS NULL AND status = 'queued'`),
		formatTime(now), runnerID, formatTime(now), id)
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking claimed job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	j, err := s.getJob(ctx, tx, id, "")
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return &j, nil
}

// AdvanceJob moves a job to next only if its current status is one of from.
// The check and the write are a single statement. It reports false when the
// transition was rejected and ErrNotFound when the job does not exist.
func (s *Store) AdvanceJob(ctx context.Context, id string, from []JobStatus, next JobStatus, progress int, description string, now time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{string(next), progress, description, formatTime(now), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs
		SET status = ?, progress = ?, stage_description = ?, updated_at = ?
		WHERE job_id = ? AND status IN (`+placeholders(len(from))+`)`), args...)
	if err != nil {
		return false, fmt.Errorf("advancing job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.getJob(ctx, s.db, id, ""); err != nil {
		return false, err
	}
	return false, nil
}

// CompleteJob upserts mappings and marks the job completed in one transaction.
// If the job is already terminal nothing is written and ErrJobTerminal is returned.
func (s *Store) CompleteJob(ctx context.Context, id string, mappings []StandardMapping, results JobResults, now time.Time) (Job, error) {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return Job{}, fmt.Errorf("marshalling results: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("beginning complete transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.getJob(ctx, tx, id, "")
	if err != nil {
		return Job{}, err
	}
	if current.Status.Terminal() {
		return Job{}, fmt.Errorf("completing job %s: %w", id, ErrJobTerminal)
	}

	for _, m := range mappings {
		if err := s.upsertMapping(ctx, tx, m, now); err != nil {
			return Job{}, fmt.Errorf("storing mapping %s/%s: %w", m.DocumentID, m.StandardID, err)
		}
	}

	ts := formatTime(now)
	res, err := tx.ExecContext(ctx, s.q(`UPDATE jobs
		SET status = 'completed', progress = 100, stage_description = ?, results = ?,
			updated_at = ?, completed_at = ?
		WHERE job_id = ? AND `+nonTerminal),
		"Analysis complete", string(resultsJSON), ts, ts, id)
	if err != nil {
		return Job{}, fmt.Errorf("completing job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Job{}, err
	}
	if n != 1 {
		return Job{}, fmt.Errorf("completing job %s: %w", id, ErrJobTerminal)
	}

	job, err := s.getJob(ctx, tx, id, "")
	if err != nil {
		return Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, fmt.Errorf("committing complete: %w", err)
	}
	return job, nil
}

// FailJob marks a non-terminal job failed. Progress is left untouched. It
// reports false when the job was already terminal.
func (s *Store) FailJob(ctx context.Context, id, message string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs
		SET status = 'failed', error_message = ?, updated_at = ?
		WHERE job_id = ? AND `+nonTerminal),
		message, formatTime(now), id)
	if err != nil {
		return false, fmt.Errorf("failing job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.getJob(ctx, s.db, id, ""); err != nil {
		return false, err
	}
	return false, nil
}

// RecoverInterruptedJobs fails claimed, non-terminal jobs whose last write is
// older than staleBefore and that runnerID did not claim, returning their ids.
// A running job refreshes updated_at on every stage, so a live claim held by
// another runner is never touched while its lease holds.
func (s *Store) RecoverInterruptedJobs(ctx context.Context, runnerID string, staleBefore time.Time, message string, now time.Time) ([]string, error) {
	const orphaned = `claimed_at IS NOT NULL AND claimed_by <> ? AND updated_at < ? AND ` + nonTerminal
	cutoff := formatTime(staleBefore)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning recovery transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.q(`SELECT job_id FROM jobs WHERE `+orphaned+` ORDER BY created_at ASC`), runnerID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing interrupted jobs: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var ids []string
	for _, id := range candidates {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE jobs
			SET status = 'failed', error_message = ?, updated_at = ?
			WHERE job_id = ? AND `+orphaned),
			message, formatTime(now), id, runnerID, cutoff)
		if err != nil {
			return nil, fmt.Errorf("failing interrupted job %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n == 1 {
			ids = append(ids, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing recovery: %w", err)
	}
	return ids, nil
}

// CountJobsByStatus returns the number of jobs in each status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[JobStatus(st)] = n
	}
	return counts, rows.Err()
}

// --- Dead letters ---

func (s *Store) RecordDeadLetter(ctx context.Context, d DeadLetter) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO dead_letters (id, job_id, stage, error, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		d.ID, d.JobID, d.Stage, d.Error, formatTime(createdAt))
	return err
}

// ListDeadLetters returns the newest dead letters first. An empty jobID lists all.
func (s *Store) ListDeadLetters(ctx context.Context, jobID string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, job_id, stage, error, created_at FROM dead_letters`
	var args []any
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var createdAt string
		if err := rows.Scan(&d.ID, &d.JobID, &d.Stage, &d.Error, &createdAt); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var status string
	var errMsg, results, claimedAt, completedAt sql.NullString
	var createdAt, updatedAt string
	if err := r.Scan(&j.ID, &j.DocumentID, &j.UserID, &j.Accreditor, &j.Depth, &status, &j.Progress,
		&j.StageDescription, &errMsg, &results, &claimedAt, &j.ClaimedBy, &createdAt, &updatedAt, &completedAt); err != nil {
		return Job{}, err
	}
	j.Status = JobStatus(status)
	j.ErrorMessage = errMsg.String

	var err error
	if results.Valid && results.String != "" {
		var res JobResults
		if err := json.Unmarshal([]byte(results.String), &res); err != nil {
			return Job{}, fmt.Errorf("parsing results for job %s: %w", j.ID, err)
		}
		j.Results = &res
	}
	if j.ClaimedAt, err = parseNullTime("claimed_at", claimedAt); err != nil {
		return Job{}, err
	}
	if j.CompletedAt, err = parseNullTime("completed_at", completedAt); err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}
