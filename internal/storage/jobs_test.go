package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func createTestJob(t *testing.T, s *Store, id string) Job {
	t.Helper()
	j, created, err := s.CreateJob(context.Background(), Job{
		ID: id, DocumentID: "doc-1", UserID: "u1", Accreditor: "acme", Depth: "standard", CreatedAt: testNow,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !created {
		t.Fatalf("CreateJob(%s) returned existing job %s", id, j.ID)
	}
	return j
}

func TestCreateJob_Queued(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)

	j := createTestJob(t, s, "j1")
	if j.Status != StatusQueued {
		t.Errorf("Status = %q, want queued", j.Status)
	}
	if j.Progress != 0 {
		t.Errorf("Progress = %d, want 0", j.Progress)
	}
	if j.ClaimedAt != nil || j.CompletedAt != nil || j.Results != nil {
		t.Errorf("unexpected optional fields on new job: %+v", j)
	}
}

func TestCreateJob_ReturnsActiveJob(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	first := createTestJob(t, s, "j1")
	second, created, err := s.CreateJob(ctx, Job{ID: "j2", DocumentID: "doc-1", UserID: "u1", Accreditor: "acme", Depth: "quick"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if created {
		t.Error("second CreateJob should not create a new job")
	}
	if second.ID != first.ID {
		t.Errorf("got job %s, want existing %s", second.ID, first.ID)
	}
}

func TestCreateJob_AfterTerminalCreatesNew(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	createTestJob(t, s, "j1")
	if _, err := s.FailJob(ctx, "j1", "boom", testNow); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	createTestJob(t, s, "j2")
}

func TestCreateJob_Concurrent(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	ids := make([]string, n)
	createdCount := make([]bool, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j, created, err := s.CreateJob(ctx, Job{
				ID: fmt.Sprintf("j-%d", i), DocumentID: "doc-1", UserID: "u1", Accreditor: "acme", Depth: "standard",
			})
			ids[i], createdCount[i], errs[i] = j.ID, created, err
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("CreateJob[%d]: %v", i, errs[i])
		}
		if createdCount[i] {
			created++
		}
		if ids[i] != ids[0] {
			t.Errorf("call %d returned job %s, want %s", i, ids[i], ids[0])
		}
	}
	if created != 1 {
		t.Errorf("created = %d, want exactly 1", created)
	}
}

func TestGetJob_OwnerPredicate(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()
	createTestJob(t, s, "j1")

	if _, err := s.GetJob(ctx, "j1", "u1"); err != nil {
		t.Errorf("owner lookup: %v", err)
	}
	if _, err := s.GetJob(ctx, "j1", ""); err != nil {
		t.Errorf("unscoped lookup: %v", err)
	}
	if _, err := s.GetJob(ctx, "j1", "intruder"); err != ErrNotFound {
		t.Errorf("foreign lookup err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetJob(ctx, "missing", ""); err != ErrNotFound {
		t.Errorf("missing lookup err = %v, want ErrNotFound", err)
	}
}

func TestClaimNextJob(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	got, err := s.ClaimNextJob(ctx, "runner-a", testNow)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil on empty queue, got %+v", got)
	}

	createTestJob(t, s, "j1")
	got, err = s.ClaimNextJob(ctx, "runner-a", testNow)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.ID != "j1" {
		t.Fatalf("ClaimNextJob = %+v, want j1", got)
	}
	if got.ClaimedAt == nil || got.ClaimedBy != "runner-a" {
		t.Errorf("claim fields = %v, %q", got.ClaimedAt, got.ClaimedBy)
	}

	again, err := s.ClaimNextJob(ctx, "runner-a", testNow)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("job claimed twice: %+v", again)
	}
}

func TestAdvanceJob(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()
	createTestJob(t, s, "j1")

	ok, err := s.AdvanceJob(ctx, "j1", []JobStatus{StatusQueued}, StatusExtracting, 10, "Extracting", testNow)
	if err != nil || !ok {
		t.Fatalf("AdvanceJob = %v, %v; want true, nil", ok, err)
	}

	// Current status is extracting, so a transition guarded on queued is rejected.
	ok, err = s.AdvanceJob(ctx, "j1", []JobStatus{StatusQueued}, StatusParsing, 30, "Parsing", testNow)
	if err != nil {
		t.Fatalf("AdvanceJob: %v", err)
	}
	if ok {
		t.Error("transition from wrong status accepted")
	}

	j, _ := s.GetJob(ctx, "j1", "")
	if j.Status != StatusExtracting || j.Progress != 10 || j.StageDescription != "Extracting" {
		t.Errorf("job after advance = %+v", j)
	}

	if _, err := s.AdvanceJob(ctx, "missing", []JobStatus{StatusQueued}, StatusParsing, 30, "", testNow); err != ErrNotFound {
		t.Errorf("missing job err = %v, want ErrNotFound", err)
	}
}

func TestCompleteJob_WritesMappingsAndResults(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()
	createTestJob(t, s, "j1")

	mappings := []StandardMapping{
		{DocumentID: "doc-1", StandardID: "acme:a.1", Confidence: 0.9, EvidenceStrength: StrengthStrong, Rationale: []string{"category match"}},
	}
	results := JobResults{Summary: ResultSummary{StandardsMatched: 1, AvgConfidence: 0.9, GapsIdentified: 1, CoveragePercentage: 50, TotalStandards: 2}}
	later := testNow.Add(time.Minute)
	j, err := s.CompleteJob(ctx, "j1", mappings, results, later)
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if j.Status != StatusCompleted || j.Progress != 100 {
		t.Errorf("job = %+v", j)
	}
	if j.CompletedAt == nil || !j.CompletedAt.Equal(later) {
		t.Errorf("CompletedAt = %v, want %v", j.CompletedAt, later)
	}
	if j.Results == nil || j.Results.Summary.StandardsMatched != 1 {
		t.Errorf("Results = %+v", j.Results)
	}

	stored, err := s.MappingsByDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("MappingsByDocument: %v", err)
	}
	if len(stored) != 1 || stored[0].StandardCode != "A.1" {
		t.Errorf("stored mappings = %+v", stored)
	}
}

func TestCompleteJob_TerminalWritesNothing(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()
	createTestJob(t, s, "j1")

	if _, err := s.FailJob(ctx, "j1", "cancelled", testNow); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	mappings := []StandardMapping{
		{DocumentID: "doc-1", StandardID: "acme:a.1", Confidence: 0.9, EvidenceStrength: StrengthStrong},
	}
	if _, err := s.CompleteJob(ctx, "j1", mappings, JobResults{}, testNow); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("err = %v, want ErrJobTerminal", err)
	}
	stored, _ := s.MappingsByDocument(ctx, "doc-1")
	if len(stored) != 0 {
		t.Errorf("expected no mappings, got %d", len(stored))
	}
}

func TestCompleteJob_InvalidMappingRollsBack(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()
	createTestJob(t, s, "j1")

	mappings := []StandardMapping{
		{DocumentID: "doc-1", StandardID: "acme:a.1", Confidence: 0.9, EvidenceStrength: StrengthStrong},
		{DocumentID: "doc-1", StandardID: "acme:b.1", Confidence: 0.99, EvidenceStrength: StrengthStrong},
	}
	if _, err := s.CompleteJob(ctx, "j1", mappings, JobResults{}, testNow); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	stored, _ := s.MappingsByDocument(ctx, "doc-1")
	if len(stored) != 0 {
		t.Errorf("expected rollback, got %d mappings", len(stored))
	}
	j, _ := s.GetJob(ctx, "j1", "")
	if j.Status != StatusQueued {
		t.Errorf("Status = %q, want queued", j.Status)
	}
}

func TestFailJob_KeepsProgress(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()
	createTestJob(t, s, "j1")

	if _, err := s.AdvanceJob(ctx, "j1", []JobStatus{StatusQueued}, StatusExtracting, 10, "Extracting", testNow); err != nil {
		t.Fatalf("AdvanceJob: %v", err)
	}
	ok, err := s.FailJob(ctx, "j1", "boom", testNow)
	if err != nil || !ok {
		t.Fatalf("FailJob = %v, %v", ok, err)
	}
	j, _ := s.GetJob(ctx, "j1", "")
	if j.Status != StatusFailed || j.Progress != 10 || j.ErrorMessage != "boom" {
		t.Errorf("job = %+v", j)
	}

	ok, err = s.FailJob(ctx, "j1", "again", testNow)
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if ok {
		t.Error("failing a terminal job reported success")
	}
	j, _ = s.GetJob(ctx, "j1", "")
	if j.ErrorMessage != "boom" {
		t.Errorf("ErrorMessage overwritten: %q", j.ErrorMessage)
	}
}

func TestRecoverInterruptedJobs(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	if err := s.SaveDocument(ctx, Document{ID: "doc-2", OwnerID: "u1", CreatedAt: testNow}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	createTestJob(t, s, "claimed")
	if _, _, err := s.CreateJob(ctx, Job{ID: "waiting", DocumentID: "doc-2", UserID: "u1", Accreditor: "acme", Depth: "quick", CreatedAt: testNow.Add(time.Second)}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, "runner-a", testNow); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	ids, err := s.RecoverInterruptedJobs(ctx, "runner-b", testNow.Add(time.Minute), "interrupted", testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("RecoverInterruptedJobs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "claimed" {
		t.Fatalf("recovered = %v, want [claimed]", ids)
	}
	j, _ := s.GetJob(ctx, "claimed", "")
	if j.Status != StatusFailed || j.ErrorMessage != "interrupted" {
		t.Errorf("claimed job = %+v", j)
	}
	w, _ := s.GetJob(ctx, "waiting", "")
	if w.Status != StatusQueued {
		t.Errorf("unclaimed job status = %q, want queued", w.Status)
	}

	counts, err := s.CountJobsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountJobsByStatus: %v", err)
	}
	if counts[StatusFailed] != 1 || counts[StatusQueued] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestRecoverInterruptedJobs_SkipsLiveClaims(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	createTestJob(t, s, "j1")
	if _, err := s.ClaimNextJob(ctx, "runner-a", testNow); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	// The stage write refreshes the claim.
	later := testNow.Add(10 * time.Minute)
	if ok, err := s.AdvanceJob(ctx, "j1", []JobStatus{StatusQueued}, StatusMatching, 70, "Matching", later); err != nil || !ok {
		t.Fatalf("AdvanceJob = %v, %v", ok, err)
	}

	tests := []struct {
		name        string
		runnerID    string
		staleBefore time.Time
	}{
		{"other runner within lease", "runner-b", later},
		{"other runner before last write", "runner-b", later.Add(-time.Second)},
		{"own claim past lease", "runner-a", later.Add(time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := s.RecoverInterruptedJobs(ctx, tt.runnerID, tt.staleBefore, "interrupted", later.Add(time.Hour))
			if err != nil {
				t.Fatalf("RecoverInterruptedJobs: %v", err)
			}
			if len(ids) != 0 {
				t.Errorf("recovered %v, want none", ids)
			}
			j, _ := s.GetJob(ctx, "j1", "")
			if j.Status != StatusMatching {
				t.Errorf("Status = %q, want matching", j.Status)
			}
		})
	}
}

func TestClaimNextJob_FIFOWithinSecond(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	if err := s.SaveDocument(ctx, Document{ID: "doc-2", OwnerID: "u1", CreatedAt: testNow}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	// Ids sort opposite to creation order.
	if _, _, err := s.CreateJob(ctx, Job{ID: "zz-first", DocumentID: "doc-1", UserID: "u1", Accreditor: "acme", Depth: "quick", CreatedAt: testNow.Add(100 * time.Millisecond)}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, _, err := s.CreateJob(ctx, Job{ID: "aa-second", DocumentID: "doc-2", UserID: "u1", Accreditor: "acme", Depth: "quick", CreatedAt: testNow.Add(200 * time.Millisecond)}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	for _, want := range []string{"zz-first", "aa-second"} {
		got, err := s.ClaimNextJob(ctx, "runner-a", testNow.Add(time.Second))
		if err != nil {
			t.Fatalf("ClaimNextJob: %v", err)
		}
		if got == nil || got.ID != want {
			t.Fatalf("ClaimNextJob = %+v, want %s", got, want)
		}
	}
}

func TestFormatTime_OrdersLexically(t *testing.T) {
	a := formatTime(testNow.Add(100 * time.Millisecond))
	b := formatTime(testNow.Add(time.Second))
	if !(a < b) {
		t.Errorf("%q should sort before %q", a, b)
	}
	got, err := parseTime("t", a)
	if err != nil || !got.Equal(testNow.Add(100*time.Millisecond)) {
		t.Errorf("parseTime(%q) = %v, %v", a, got, err)
	}
}

func TestDeadLetters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, stage := range []string{"extracting", "matching"} {
		if err := s.RecordDeadLetter(ctx, DeadLetter{
			ID: fmt.Sprintf("dl-%d", i), JobID: "j1", Stage: stage, Error: "boom",
			CreatedAt: testNow.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("RecordDeadLetter: %v", err)
		}
	}
	if err := s.RecordDeadLetter(ctx, DeadLetter{ID: "dl-x", JobID: "j2", Stage: "parsing", Error: "x", CreatedAt: testNow}); err != nil {
		t.Fatalf("RecordDeadLetter: %v", err)
	}

	got, err := s.ListDeadLetters(ctx, "j1", 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(got) != 2 || got[0].Stage != "matching" {
		t.Errorf("ListDeadLetters(j1) = %+v", got)
	}
	all, _ := s.ListDeadLetters(ctx, "", 0)
	if len(all) != 3 {
		t.Errorf("ListDeadLetters(all) = %d, want 3", len(all))
	}
}
