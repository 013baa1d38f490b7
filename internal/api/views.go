package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/accredit/internal/compliance"
	"github.com/kalambet/accredit/internal/documents"
	"github.com/kalambet/accredit/internal/pipeline"
	"github.com/kalambet/accredit/internal/storage"
)

type jobJSON struct {
	JobID            string              `json:"job_id"`
	DocumentID       string              `json:"document_id"`
	Accreditor       string              `json:"accreditor"`
	Depth            string              `json:"analysis_depth"`
	Status           storage.JobStatus   `json:"status"`
	Progress         int                 `json:"progress"`
	StageDescription string              `json:"stage_description"`
	Results          *storage.JobResults `json:"results,omitempty"`
	Error            string              `json:"error,omitempty"`
	Failures         []failureJSON       `json:"failures,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
}

type failureJSON struct {
	Stage     string    `json:"stage"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

type standardJSON struct {
	ID                   string   `json:"id"`
	Accreditor           string   `json:"accreditor"`
	Code                 string   `json:"code"`
	Title                string   `json:"title"`
	Description          string   `json:"description,omitempty"`
	Category             string   `json:"category"`
	ParentID             string   `json:"parent_id,omitempty"`
	EvidenceRequirements []string `json:"evidence_requirements"`
	Weight               float64  `json:"weight"`
	Required             bool     `json:"required"`
}

type mappingJSON struct {
	DocumentID       string     `json:"document_id"`
	DocumentTitle    string     `json:"document_title"`
	StandardID       string     `json:"standard_id"`
	StandardCode     string     `json:"standard_code"`
	StandardTitle    string     `json:"standard_title"`
	Category         string     `json:"category"`
	Confidence       float64    `json:"confidence"`
	EvidenceStrength string     `json:"evidence_strength"`
	Rationale        []string   `json:"rationale"`
	IsVerified       bool       `json:"is_verified"`
	VerifiedBy       string     `json:"verified_by,omitempty"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type mappingsResponse struct {
	Mappings []mappingJSON       `json:"mappings"`
	Summary  compliance.Coverage `json:"summary"`
}

func toStandardJSON(s storage.Standard) standardJSON {
	reqs := s.EvidenceRequirements
	if reqs == nil {
		reqs = []string{}
	}
	return standardJSON{
		ID:                   s.ID,
		Accreditor:           s.Accreditor,
		Code:                 s.Code,
		Title:                s.Title,
		Description:          s.Description,
		Category:             s.Category,
		ParentID:             s.ParentID,
		EvidenceRequirements: reqs,
		Weight:               s.Weight,
		Required:             s.Required,
	}
}

func toMappingJSON(m storage.MappingDetail) mappingJSON {
	rationale := m.Rationale
	if rationale == nil {
		rationale = []string{}
	}
	return mappingJSON{
		DocumentID:       m.DocumentID,
		DocumentTitle:    m.DocumentTitle,
		StandardID:       m.StandardID,
		StandardCode:     m.StandardCode,
		StandardTitle:    m.StandardTitle,
		Category:         m.Category,
		Confidence:       m.Confidence,
		EvidenceStrength: m.EvidenceStrength,
		Rationale:        rationale,
		IsVerified:       m.IsVerified,
		VerifiedBy:       m.VerifiedBy,
		VerifiedAt:       m.VerifiedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// createJob queues an analysis for p and wakes the worker pool.
func (d AppDeps) createJob(ctx context.Context, p Principal, documentID, accreditor, depth string) (storage.Job, error) {
	job, err := d.Orchestrator.CreateJob(ctx, pipeline.CreateJobRequest{
		DocumentID:    strings.TrimSpace(documentID),
		UserID:        p.UserID,
		InstitutionID: p.InstitutionID,
		Accreditor:    accreditor,
		Depth:         depth,
	})
	if err != nil {
		return storage.Job{}, err
	}
	if d.Runner != nil && job.Status == storage.StatusQueued {
		d.Runner.Submit(job.ID)
	}
	return job, nil
}

// loadJob returns a job visible to p along with any recorded stage failures.
func (d AppDeps) loadJob(ctx context.Context, p Principal, jobID string) (jobJSON, error) {
	job, err := d.Orchestrator.JobFor(ctx, jobID, p.UserID, p.InstitutionID)
	if err != nil {
		return jobJSON{}, err
	}
	out := jobJSON{
		JobID:            job.ID,
		DocumentID:       job.DocumentID,
		Accreditor:       job.Accreditor,
		Depth:            job.Depth,
		Status:           job.Status,
		Progress:         job.Progress,
		StageDescription: job.StageDescription,
		Results:          job.Results,
		Error:            job.ErrorMessage,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
		CompletedAt:      job.CompletedAt,
	}
	if job.Status == storage.StatusFailed {
		letters, err := d.Store.ListDeadLetters(ctx, job.ID, 10)
		if err != nil {
			return jobJSON{}, fmt.Errorf("listing failures: %w", err)
		}
		for _, l := range letters {
			out.Failures = append(out.Failures, failureJSON{Stage: l.Stage, Error: l.Error, CreatedAt: l.CreatedAt})
		}
	}
	return out, nil
}

// cancelJob fails a job visible to p with the cancelled message.
func (d AppDeps) cancelJob(ctx context.Context, p Principal, jobID string) (jobJSON, error) {
	if _, err := d.Orchestrator.JobFor(ctx, jobID, p.UserID, p.InstitutionID); err != nil {
		return jobJSON{}, err
	}
	if err := d.Orchestrator.Fail(ctx, jobID, pipeline.MsgCancelled); err != nil {
		return jobJSON{}, err
	}
	return d.loadJob(ctx, p, jobID)
}

// listMappings returns p's institution's mappings for accreditor with a
// coverage summary against the accreditor's catalog.
func (d AppDeps) listMappings(ctx context.Context, p Principal, accreditor, standardCode string) (mappingsResponse, error) {
	accreditor = strings.TrimSpace(accreditor)
	if accreditor == "" {
		return mappingsResponse{}, fmt.Errorf("%w: accreditor is required", storage.ErrValidation)
	}
	rows, err := d.Store.ListMappings(ctx, storage.MappingFilter{
		Accreditor:    accreditor,
		StandardCode:  strings.TrimSpace(standardCode),
		InstitutionID: p.InstitutionID,
	})
	if err != nil {
		return mappingsResponse{}, err
	}
	total, err := d.Store.CountStandards(ctx, accreditor)
	if err != nil {
		return mappingsResponse{}, err
	}
	resp := mappingsResponse{Mappings: make([]mappingJSON, 0, len(rows))}
	for _, m := range rows {
		resp.Mappings = append(resp.Mappings, toMappingJSON(m))
	}
	resp.Summary = compliance.Summarize(rows, total)
	return resp, nil
}

// verifyMapping marks a mapping verified by p. Documents outside p's
// institution are reported as not found.
func (d AppDeps) verifyMapping(ctx context.Context, p Principal, documentID, standardID string) (storage.StandardMapping, error) {
	doc, err := d.Store.GetDocument(ctx, documentID)
	if err != nil {
		return storage.StandardMapping{}, err
	}
	if !pipeline.CanAccess(doc, p.UserID, p.InstitutionID) {
		return storage.StandardMapping{}, storage.ErrNotFound
	}
	if err := d.Store.MarkVerified(ctx, documentID, standardID, p.UserID, d.now()); err != nil {
		return storage.StandardMapping{}, err
	}
	return d.Store.GetMapping(ctx, documentID, standardID)
}

func (d AppDeps) now() time.Time {
	if d.NowFunc != nil {
		return d.NowFunc()
	}
	return time.Now().UTC()
}

// errorStatus maps domain errors to an HTTP status and error type.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return 404, "not_found"
	case errors.Is(err, storage.ErrValidation):
		return 400, "invalid_request_error"
	case errors.Is(err, documents.ErrUnsupportedType):
		return 415, "invalid_request_error"
	case errors.Is(err, storage.ErrJobTerminal):
		return 409, "conflict_error"
	default:
		return 500, "api_error"
	}
}
