package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/accredit/internal/logger"
	"github.com/kalambet/accredit/internal/scoring"
	"github.com/kalambet/accredit/internal/storage"
)

// runState carries intermediate results between stages of one job.
type runState struct {
	job       storage.Job
	doc       storage.Document
	text      string
	evidence  *scoring.Evidence
	standards []storage.Standard
	scores    []scoring.Result
	mappings  []storage.StandardMapping
}

type stage struct {
	status      storage.JobStatus
	progress    int
	description string
	run         func(o *Orchestrator, ctx context.Context, st *runState) error
}

var stages = []stage{
	{storage.StatusExtracting, 10, "Extracting text from document", (*Orchestrator).extract},
	{storage.StatusParsing, 30, "Parsing document structure", (*Orchestrator).parse},
	{storage.StatusEmbedding, 50, "Building evidence features", (*Orchestrator).embed},
	{storage.StatusMatching, 70, "Matching against accreditation standards", (*Orchestrator).match},
	{storage.StatusAnalyzing, 90, "Analyzing matches and gaps", (*Orchestrator).analyze},
}

// Run executes every stage of a queued job in order and completes it. Each
// status write commits before the stage's work starts. A stage error fails
// the job and is returned as *StageError. If ctx is cancelled the job is
// left claimed until its lease expires and a runner recovers it.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	ctx = logger.WithJobID(ctx, jobID)
	log := logger.FromContext(ctx)

	job, err := o.store.GetJob(ctx, jobID, "")
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}
	st := &runState{job: job}

	for _, stg := range stages {
		if err := o.ensureActive(ctx, jobID); err != nil {
			return err
		}
		ok, err := o.Advance(ctx, jobID, stg.status, stg.progress, stg.description)
		if err != nil {
			return fmt.Errorf("advancing to %s: %w", stg.status, err)
		}
		if !ok {
			return fmt.Errorf("advancing to %s: %w", stg.status, ErrAborted)
		}

		start := o.clock.Now()
		if err := o.runStage(ctx, stg, st); err != nil {
			if ctx.Err() != nil {
				log.Warn("job interrupted", "stage", stg.status, "error", ctx.Err())
				return ctx.Err()
			}
			msg := err.Error()
			if errors.Is(err, context.DeadlineExceeded) {
				msg = MsgStageTimeout
			}
			if failErr := o.Fail(ctx, jobID, msg); failErr != nil && !errors.Is(failErr, storage.ErrJobTerminal) {
				log.Error("failed to mark job as failed", "error", failErr)
			}
			return &StageError{Stage: stg.status, Err: err}
		}
		log.Debug("stage finished", "stage", stg.status, "elapsed", o.clock.Now().Sub(start))
	}

	if err := o.ensureActive(ctx, jobID); err != nil {
		return err
	}
	if _, err := o.Complete(ctx, jobID, st.mappings); err != nil {
		if errors.Is(err, storage.ErrJobTerminal) {
			return fmt.Errorf("completing: %w", ErrAborted)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if failErr := o.Fail(ctx, jobID, err.Error()); failErr != nil && !errors.Is(failErr, storage.ErrJobTerminal) {
			log.Error("failed to mark job as failed", "error", failErr)
		}
		return &StageError{Stage: storage.StatusCompleted, Err: err}
	}
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, stg stage, st *runState) error {
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()

	if o.stageDelay > 0 {
		timer := time.NewTimer(o.stageDelay)
		select {
		case <-stageCtx.Done():
			timer.Stop()
			return stageCtx.Err()
		case <-timer.C:
		}
	}
	if err := stg.run(o, stageCtx, st); err != nil {
		return err
	}
	// Work that ignored ctx still counts as timed out.
	return stageCtx.Err()
}

// ensureActive aborts processing once a job has been failed elsewhere.
func (o *Orchestrator) ensureActive(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID, "")
	if err != nil {
		return fmt.Errorf("reloading job: %w", err)
	}
	if job.Status.Terminal() {
		logger.FromContext(ctx).Info("stopping processing of finished job", "status", job.Status)
		return ErrAborted
	}
	return nil
}

func (o *Orchestrator) extract(ctx context.Context, st *runState) error {
	doc, err := o.store.GetDocument(ctx, st.job.DocumentID)
	if err != nil {
		return fmt.Errorf("loading document: %w", err)
	}
	text, err := o.text.FetchText(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("fetching text: %w", err)
	}
	st.doc, st.text = doc, text
	return nil
}

func (o *Orchestrator) parse(ctx context.Context, st *runState) error {
	st.evidence = scoring.Parse(st.text)
	if len(st.evidence.Words) == 0 {
		return fmt.Errorf("document %s contains no words", st.doc.ID)
	}
	logger.FromContext(ctx).Debug("evidence parsed",
		"words", len(st.evidence.Words), "sentences", st.evidence.Sentences, "years", len(st.evidence.Years))
	return nil
}

func (o *Orchestrator) embed(_ context.Context, st *runState) error {
	scoring.Embed(st.evidence)
	return nil
}

func (o *Orchestrator) match(ctx context.Context, st *runState) error {
	standards, err := o.catalog.ListStandards(ctx, st.job.Accreditor, "", "")
	if err != nil {
		return fmt.Errorf("listing standards: %w", err)
	}
	if len(standards) == 0 {
		return fmt.Errorf("accreditor %q has no standards", st.job.Accreditor)
	}
	st.standards = standards
	st.scores = make([]scoring.Result, 0, len(standards))
	for _, s := range standards {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.scores = append(st.scores, o.scorer.Score(st.evidence, s, st.doc.Category))
	}
	return nil
}

func (o *Orchestrator) analyze(_ context.Context, st *runState) error {
	profile, ok := scoring.Profile(st.job.Depth)
	if !ok {
		return fmt.Errorf("unknown analysis depth %q", st.job.Depth)
	}
	ranked := scoring.Rank(st.scores, profile)
	st.mappings = make([]storage.StandardMapping, 0, len(ranked))
	for _, r := range ranked {
		st.mappings = append(st.mappings, storage.StandardMapping{
			DocumentID:       st.job.DocumentID,
			StandardID:       r.StandardID,
			Confidence:       r.Confidence,
			Rationale:        r.Rationale,
			EvidenceStrength: scoring.Strength(r.Confidence),
		})
	}
	return nil
}
