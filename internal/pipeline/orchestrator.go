// Package pipeline drives analysis jobs through their processing stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/accredit/internal/catalog"
	"github.com/kalambet/accredit/internal/documents"
	"github.com/kalambet/accredit/internal/logger"
	"github.com/kalambet/accredit/internal/scoring"
	"github.com/kalambet/accredit/internal/storage"
)

// DefaultStageTimeout bounds the work of a single stage.
const DefaultStageTimeout = 5 * time.Minute

// Store is the persistence the orchestrator needs.
type Store interface {
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	GetStandard(ctx context.Context, id string) (storage.Standard, error)
	CountStandards(ctx context.Context, accreditor string) (int, error)
	CreateJob(ctx context.Context, j storage.Job) (storage.Job, bool, error)
	GetJob(ctx context.Context, id, userID string) (storage.Job, error)
	AdvanceJob(ctx context.Context, id string, from []storage.JobStatus, next storage.JobStatus, progress int, description string, now time.Time) (bool, error)
	CompleteJob(ctx context.Context, id string, mappings []storage.StandardMapping, results storage.JobResults, now time.Time) (storage.Job, error)
	FailJob(ctx context.Context, id, message string, now time.Time) (bool, error)
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Deps wires an Orchestrator. Store, Text, Catalog and Scorer are required.
type Deps struct {
	Store   Store
	Text    documents.TextSource
	Catalog catalog.Lister
	Scorer  *scoring.Scorer
	Clock   Clock

	StageTimeout time.Duration // defaults to DefaultStageTimeout
	StageDelay   time.Duration // artificial pause before each stage's work
}

// Orchestrator owns the job state machine.
type Orchestrator struct {
	store        Store
	text         documents.TextSource
	catalog      catalog.Lister
	scorer       *scoring.Scorer
	clock        Clock
	stageTimeout time.Duration
	stageDelay   time.Duration
}

func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		store:        d.Store,
		text:         d.Text,
		catalog:      d.Catalog,
		scorer:       d.Scorer,
		clock:        d.Clock,
		stageTimeout: d.StageTimeout,
		stageDelay:   d.StageDelay,
	}
	if o.clock == nil {
		o.clock = realClock{}
	}
	if o.scorer == nil {
		o.scorer = scoring.New()
	}
	if o.stageTimeout <= 0 {
		o.stageTimeout = DefaultStageTimeout
	}
	return o
}

// CreateJobRequest asks for a document to be analysed against an accreditor.
type CreateJobRequest struct {
	DocumentID    string
	UserID        string
	InstitutionID string // lets colleagues analyse documents owned by others in their institution
	Accreditor    string
	Depth         string
}

// CreateJob validates the request and queues a job. If the document already
// has a non-terminal job, that job is returned unchanged.
func (o *Orchestrator) CreateJob(ctx context.Context, req CreateJobRequest) (storage.Job, error) {
	depth := strings.ToLower(strings.TrimSpace(req.Depth))
	if depth == "" {
		depth = scoring.DefaultDepth
	}
	if _, ok := scoring.Profile(depth); !ok {
		return storage.Job{}, &ValidationError{Field: "analysis_depth", Message: fmt.Sprintf("unknown depth %q (want one of %s)", req.Depth, strings.Join(scoring.Depths(), ", "))}
	}
	if req.UserID == "" {
		return storage.Job{}, &ValidationError{Field: "user_id", Message: "required"}
	}

	doc, err := o.store.GetDocument(ctx, req.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Job{}, &ValidationError{Field: "document_id", Message: fmt.Sprintf("unknown document %q", req.DocumentID)}
	}
	if err != nil {
		return storage.Job{}, fmt.Errorf("loading document: %w", err)
	}
	if !CanAccess(doc, req.UserID, req.InstitutionID) {
		return storage.Job{}, &ValidationError{Field: "document_id", Message: fmt.Sprintf("unknown document %q", req.DocumentID)}
	}

	accreditor := strings.TrimSpace(req.Accreditor)
	n, err := o.store.CountStandards(ctx, accreditor)
	if err != nil {
		return storage.Job{}, fmt.Errorf("counting standards: %w", err)
	}
	if n == 0 {
		return storage.Job{}, &ValidationError{Field: "accreditor", Message: fmt.Sprintf("unknown accreditor %q", req.Accreditor)}
	}

	job, created, err := o.store.CreateJob(ctx, storage.Job{
		ID:               uuid.New().String(),
		DocumentID:       doc.ID,
		UserID:           req.UserID,
		Accreditor:       accreditor,
		Depth:            depth,
		StageDescription: "Queued for analysis",
		CreatedAt:        o.clock.Now(),
	})
	if err != nil {
		return storage.Job{}, fmt.Errorf("creating job: %w", err)
	}

	log := logger.FromContext(logger.WithJobID(ctx, job.ID))
	if created {
		log.Info("job created", "document_id", doc.ID, "accreditor", accreditor, "depth", depth)
	} else {
		log.Info("returning active job for document", "document_id", doc.ID, "status", job.Status)
	}
	return job, nil
}

// CanAccess reports whether a user may work with doc: they own it, or it
// belongs to their institution.
func CanAccess(doc storage.Document, userID, institutionID string) bool {
	return doc.OwnerID == userID || (institutionID != "" && doc.InstitutionID == institutionID)
}

// JobFor returns a job the user may see: one they created, or one analysing a
// document they can access. It accepts every job CreateJob can return to the
// same user. Anything else is storage.ErrNotFound.
func (o *Orchestrator) JobFor(ctx context.Context, jobID, userID, institutionID string) (storage.Job, error) {
	job, err := o.store.GetJob(ctx, jobID, "")
	if err != nil {
		return storage.Job{}, err
	}
	if job.UserID == userID {
		return job, nil
	}
	doc, err := o.store.GetDocument(ctx, job.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Job{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Job{}, fmt.Errorf("loading document: %w", err)
	}
	if !CanAccess(doc, userID, institutionID) {
		return storage.Job{}, storage.ErrNotFound
	}
	return job, nil
}

// GetJob returns a job. A non-empty userID restricts the lookup to jobs that
// user owns; anything else is storage.ErrNotFound.
func (o *Orchestrator) GetJob(ctx context.Context, jobID, userID string) (storage.Job, error) {
	return o.store.GetJob(ctx, jobID, userID)
}

// Advance moves a job to next if next is strictly later than its current
// stage. Rejected transitions return false and leave the job unchanged.
// Passing StatusFailed fails the job with description as the message.
func (o *Orchestrator) Advance(ctx context.Context, jobID string, next storage.JobStatus, progress int, description string) (bool, error) {
	log := logger.FromContext(logger.WithJobID(ctx, jobID))

	if next == storage.StatusFailed {
		err := o.Fail(ctx, jobID, description)
		if errors.Is(err, storage.ErrJobTerminal) {
			return false, nil
		}
		return err == nil, err
	}
	if next == storage.StatusCompleted {
		log.Warn("rejected transition: completion requires mappings", "next", next)
		return false, nil
	}

	from := earlierStages(next)
	if from == nil {
		log.Warn("rejected transition: unknown stage", "next", next)
		return false, nil
	}
	progress = max(0, min(progress, 100))

	ok, err := o.store.AdvanceJob(ctx, jobID, from, next, progress, description, o.clock.Now())
	if err != nil {
		return false, err
	}
	if !ok {
		log.Warn("rejected transition", "next", next)
		return false, nil
	}
	log.Debug("job advanced", "status", next, "progress", progress)
	return true, nil
}

// Complete persists mappings and the result summary and marks the job
// completed, atomically. Mapping document ids are forced to the job's
// document.
func (o *Orchestrator) Complete(ctx context.Context, jobID string, mappings []storage.StandardMapping) (storage.Job, error) {
	job, err := o.store.GetJob(ctx, jobID, "")
	if err != nil {
		return storage.Job{}, err
	}
	if job.Status.Terminal() {
		return storage.Job{}, fmt.Errorf("completing job %s: %w", jobID, storage.ErrJobTerminal)
	}

	total, err := o.store.CountStandards(ctx, job.Accreditor)
	if err != nil {
		return storage.Job{}, fmt.Errorf("counting standards: %w", err)
	}

	results := storage.JobResults{Mappings: make([]storage.MappingResult, 0, len(mappings))}
	var sum float64
	for i := range mappings {
		m := &mappings[i]
		m.DocumentID = job.DocumentID
		st, err := o.store.GetStandard(ctx, m.StandardID)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Job{}, &ValidationError{Field: "standard_id", Message: fmt.Sprintf("unknown standard %q", m.StandardID)}
		}
		if err != nil {
			return storage.Job{}, fmt.Errorf("loading standard %s: %w", m.StandardID, err)
		}
		sum += m.Confidence
		results.Mappings = append(results.Mappings, storage.MappingResult{
			StandardID:       m.StandardID,
			StandardCode:     st.Code,
			Confidence:       m.Confidence,
			EvidenceStrength: m.EvidenceStrength,
			Rationale:        m.Rationale,
		})
	}
	results.Summary = summarize(len(mappings), sum, total)

	done, err := o.store.CompleteJob(ctx, jobID, mappings, results, o.clock.Now())
	if err != nil {
		return storage.Job{}, err
	}
	logger.FromContext(logger.WithJobID(ctx, jobID)).Info("job completed",
		"standards_matched", results.Summary.StandardsMatched,
		"avg_confidence", results.Summary.AvgConfidence,
		"gaps", results.Summary.GapsIdentified,
	)
	return done, nil
}

func summarize(matched int, confidenceSum float64, total int) storage.ResultSummary {
	s := storage.ResultSummary{
		StandardsMatched: matched,
		GapsIdentified:   max(total-matched, 0),
		TotalStandards:   total,
	}
	if matched > 0 {
		s.AvgConfidence = round(confidenceSum/float64(matched), 3)
	}
	if total > 0 {
		s.CoveragePercentage = round(100*float64(matched)/float64(total), 1)
	}
	return s
}

// Fail marks a job failed. Progress keeps its last committed value and no
// mappings are written. Failing a finished job returns storage.ErrJobTerminal.
func (o *Orchestrator) Fail(ctx context.Context, jobID, message string) error {
	ok, err := o.store.FailJob(ctx, jobID, message, o.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("failing job %s: %w", jobID, storage.ErrJobTerminal)
	}
	logger.FromContext(logger.WithJobID(ctx, jobID)).Warn("job failed", "reason", message)
	return nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// stageOrder lists the non-failed states in the order a job passes through them.
var stageOrder = []storage.JobStatus{
	storage.StatusQueued,
	storage.StatusExtracting,
	storage.StatusParsing,
	storage.StatusEmbedding,
	storage.StatusMatching,
	storage.StatusAnalyzing,
	storage.StatusCompleted,
}

// earlierStages returns the non-terminal states a job may be in to move to
// next, or nil when next is not a known stage.
func earlierStages(next storage.JobStatus) []storage.JobStatus {
	for i, st := range stageOrder {
		if st == next {
			if i == 0 {
				return nil
			}
			return append([]storage.JobStatus(nil), stageOrder[:i]...)
		}
	}
	return nil
}
