package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/accredit/internal/documents"
	"github.com/kalambet/accredit/internal/pipeline"
	"github.com/kalambet/accredit/internal/storage"
)

type mockRunner struct {
	mu    sync.Mutex
	ran   []string
	runFn func(ctx context.Context, jobID string) error
}

func (m *mockRunner) Run(ctx context.Context, jobID string) error {
	m.mu.Lock()
	m.ran = append(m.ran, jobID)
	m.mu.Unlock()
	if m.runFn != nil {
		return m.runFn(ctx, jobID)
	}
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

const evidence = "The assessment plan maps learning outcomes to each program. Rubric scores from 2025 are reviewed by faculty."

func seed(t *testing.T, s *storage.Store, docs ...string) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertStandard(ctx, storage.Standard{
		ID: "acme:a", Accreditor: "acme", Code: "A", Title: "Assessment",
		Description: "Programs assess learning outcomes", Category: "assessment",
		EvidenceRequirements: []string{"assessment plan", "rubric"}, Required: true,
	}); err != nil {
		t.Fatalf("UpsertStandard: %v", err)
	}
	for _, id := range docs {
		if err := s.SaveDocument(ctx, storage.Document{
			ID: id, OwnerID: "u1", InstitutionID: "inst-1", Category: "assessment",
			ExtractedText: evidence, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("SaveDocument: %v", err)
		}
	}
}

func newOrchestrator(s *storage.Store) *pipeline.Orchestrator {
	return pipeline.New(pipeline.Deps{
		Store:   s,
		Text:    documents.NewService(s, nil),
		Catalog: s,
	})
}

func createJob(t *testing.T, o *pipeline.Orchestrator, docID string) storage.Job {
	t.Helper()
	j, err := o.CreateJob(context.Background(), pipeline.CreateJobRequest{DocumentID: docID, UserID: "u1", Accreditor: "acme", Depth: "quick"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return j
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunOnce_CompletesJob(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "doc-1")
	o := newOrchestrator(s)
	j := createJob(t, o, "doc-1")

	r := NewRunner(s, o, 1, 0)
	didWork, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	got, _ := s.GetJob(context.Background(), j.ID, "")
	if got.Status != storage.StatusCompleted {
		t.Errorf("Status = %q, want completed (error %q)", got.Status, got.ErrorMessage)
	}
	if got.ClaimedAt == nil {
		t.Error("ClaimedAt not set")
	}
	if st := r.Stats(); st.Processed != 1 || st.Failed != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestRunOnce_NoJobs(t *testing.T) {
	s := openTestStore(t)
	r := NewRunner(s, &mockRunner{}, 0, 0)

	didWork, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Error("RunOnce returned true on empty queue")
	}
	if r.Stats().Workers != DefaultWorkers {
		t.Errorf("Workers = %d, want %d", r.Stats().Workers, DefaultWorkers)
	}
}

func TestRunOnce_StageFailureWritesDeadLetter(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "doc-1")
	j := createJob(t, newOrchestrator(s), "doc-1")

	runner := &mockRunner{runFn: func(context.Context, string) error {
		return &pipeline.StageError{Stage: storage.StatusMatching, Err: errors.New("catalog offline")}
	}}
	r := NewRunner(s, runner, 1, 0)
	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	letters, err := s.ListDeadLetters(context.Background(), j.ID, 0)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].Stage != "matching" || letters[0].Error != "catalog offline" {
		t.Errorf("dead letter = %+v", letters[0])
	}
	if r.Stats().Failed != 1 {
		t.Errorf("Failed = %d, want 1", r.Stats().Failed)
	}
}

func TestRunOnce_AbortedJobIsNotDeadLettered(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "doc-1")
	j := createJob(t, newOrchestrator(s), "doc-1")

	runner := &mockRunner{runFn: func(context.Context, string) error {
		return fmt.Errorf("advancing to extracting: %w", pipeline.ErrAborted)
	}}
	r := NewRunner(s, runner, 1, 0)
	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	letters, _ := s.ListDeadLetters(context.Background(), j.ID, 0)
	if len(letters) != 0 {
		t.Errorf("aborted job produced %d dead letters", len(letters))
	}
	if r.Stats().Failed != 0 {
		t.Errorf("Failed = %d, want 0", r.Stats().Failed)
	}
}

func TestRecover_FailsClaimedJobs(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "doc-1", "doc-2")
	o := newOrchestrator(s)
	ctx := context.Background()

	claimed := createJob(t, o, "doc-1")
	if _, err := s.ClaimNextJob(ctx, "previous-process", time.Now()); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if _, err := o.Advance(ctx, claimed.ID, storage.StatusParsing, 30, "Parsing"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	waiting := createJob(t, o, "doc-2")

	r := NewRunner(s, o, 1, 0, WithClock(afterLease))
	n, err := r.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d jobs, want 1", n)
	}

	got, _ := s.GetJob(ctx, claimed.ID, "")
	if got.Status != storage.StatusFailed || got.ErrorMessage != pipeline.MsgInterrupted || got.Progress != 30 {
		t.Errorf("claimed job = %+v", got)
	}
	letters, _ := s.ListDeadLetters(ctx, claimed.ID, 0)
	if len(letters) != 1 || letters[0].Stage != "recovery" {
		t.Errorf("dead letters = %+v", letters)
	}

	unclaimed, _ := s.GetJob(ctx, waiting.ID, "")
	if unclaimed.Status != storage.StatusQueued {
		t.Errorf("unclaimed job status = %q, want queued", unclaimed.Status)
	}
}

func TestRun_ProcessesJobsConcurrently(t *testing.T) {
	s := openTestStore(t)
	docs := []string{"doc-1", "doc-2", "doc-3", "doc-4", "doc-5"}
	seed(t, s, docs...)
	o := newOrchestrator(s)

	r := NewRunner(s, o, 3, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	var ids []string
	for _, d := range docs {
		j := createJob(t, o, d)
		ids = append(ids, j.ID)
		r.Submit(j.ID)
	}

	waitFor(t, "all jobs to complete", func() bool {
		for _, id := range ids {
			j, err := s.GetJob(context.Background(), id, "")
			if err != nil || j.Status != storage.StatusCompleted {
				// The dispatcher only polls hourly; keep waking it.
				r.Submit(id)
				return false
			}
		}
		return true
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if st := r.Stats(); st.Processed != int64(len(docs)) || st.Failed != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestRun_ShutdownLeavesJobForRecovery(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "doc-1")
	o := newOrchestrator(s)
	j := createJob(t, o, "doc-1")

	started := make(chan struct{})
	runner := &mockRunner{runFn: func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	r := NewRunner(s, runner, 1, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	letters, _ := s.ListDeadLetters(context.Background(), j.ID, 0)
	if len(letters) != 0 {
		t.Errorf("shutdown produced %d dead letters", len(letters))
	}

	// A fresh runner leaves the claim alone until the lease runs out.
	n, err := NewRunner(s, runner, 1, 0).Recover(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Recover within lease = %d, %v; want 0, nil", n, err)
	}
	n, err = NewRunner(s, runner, 1, 0, WithClock(afterLease)).Recover(context.Background())
	if err != nil || n != 1 {
		t.Errorf("Recover after lease = %d, %v; want 1, nil", n, err)
	}
}

func TestRecover_LeavesOtherRunnersLiveJobs(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "doc-1")
	o := newOrchestrator(s)
	j := createJob(t, o, "doc-1")

	started := make(chan struct{})
	busy := &mockRunner{runFn: func(ctx context.Context, id string) error {
		if _, err := o.Advance(ctx, id, storage.StatusMatching, 70, "Matching"); err != nil {
			return err
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	a := NewRunner(s, busy, 1, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	// A second process starting on the same store.
	b := NewRunner(s, o, 1, 0)
	n, err := b.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered %d jobs, want 0", n)
	}
	if did, err := b.RunOnce(context.Background()); err != nil || did {
		t.Errorf("RunOnce = %v, %v; want false, nil", did, err)
	}

	got, _ := s.GetJob(context.Background(), j.ID, "")
	if got.Status != storage.StatusMatching || got.ClaimedBy != a.ID() {
		t.Errorf("job = status %q claimed_by %q, want matching by %s", got.Status, got.ClaimedBy, a.ID())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestRun_RecoversExpiredClaimsPeriodically(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "doc-1")
	o := newOrchestrator(s)
	j := createJob(t, o, "doc-1")
	if _, err := s.ClaimNextJob(context.Background(), "crashed-runner", time.Now()); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	r := NewRunner(s, o, 1, 10*time.Millisecond, WithLease(200*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, "expired claim to be failed", func() bool {
		got, err := s.GetJob(context.Background(), j.ID, "")
		return err == nil && got.Status == storage.StatusFailed && got.ErrorMessage == pipeline.MsgInterrupted
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func afterLease() time.Time { return time.Now().Add(DefaultLease + time.Minute) }

func TestSubmit_NeverBlocks(t *testing.T) {
	r := NewRunner(openTestStore(t), &mockRunner{}, 1, 0)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Submit("job")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked without a dispatcher")
	}
}
