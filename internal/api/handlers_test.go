package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/accredit/internal/compliance"
	"github.com/kalambet/accredit/internal/documents"
	"github.com/kalambet/accredit/internal/pipeline"
	"github.com/kalambet/accredit/internal/scoring"
	"github.com/kalambet/accredit/internal/storage"
	"github.com/kalambet/accredit/internal/worker"
)

const (
	testSecret = "test-secret-12345"
	testIssuer = "accredit-test"
)

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

const evidenceText = "Our assessment plan documents learning outcomes for every program in 2025. " +
	"The rubric, curriculum map, assessment report and improvement plan are reviewed annually by faculty. "

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type mockRunner struct {
	submitted []string
}

func (m *mockRunner) Submit(jobID string) { m.submitted = append(m.submitted, jobID) }
func (m *mockRunner) Stats() worker.Stats { return worker.Stats{Workers: 2, Processed: 5, Failed: 1} }

func seedStandards(t *testing.T, s *storage.Store) {
	t.Helper()
	reqs := map[string][]string{
		"A": {"assessment plan", "rubric", "curriculum map", "assessment report"},
		"B": {"assessment report", "improvement plan", "rubric"},
		"C": {"rubric", "improvement plan"},
		"D": {"curriculum map", "site visit"},
		"E": {"site visit"},
	}
	for code, r := range reqs {
		if err := s.UpsertStandard(context.Background(), storage.Standard{
			ID: "acme:" + strings.ToLower(code), Accreditor: "acme", Code: code, Title: "Standard " + code,
			Description: "Programs document learning outcomes", Category: "assessment",
			EvidenceRequirements: r, Weight: 10, Required: true,
		}); err != nil {
			t.Fatalf("UpsertStandard: %v", err)
		}
	}
}

func setupApp(t *testing.T) (http.Handler, AppDeps, *mockRunner) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	seedStandards(t, store)

	docs := documents.NewService(store, nil)
	orch := pipeline.New(pipeline.Deps{
		Store:   store,
		Text:    docs,
		Catalog: store,
		Scorer:  scoring.New(scoring.WithClock(func() time.Time { return testNow })),
		Clock:   fixedClock{testNow},
	})
	runner := &mockRunner{}
	deps := AppDeps{
		Store:        store,
		Documents:    docs,
		Orchestrator: orch,
		Aggregator:   compliance.New(store, compliance.Config{}),
		Runner:       runner,
		JWTSecret:    testSecret,
		Issuer:       testIssuer,
		NowFunc:      func() time.Time { return testNow },
	}
	return NewAppHandler(deps), deps, runner
}

func tokenFor(t *testing.T, userID, inst string) string {
	t.Helper()
	tok, _, err := GenerateToken(testSecret, testIssuer, userID, inst, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return tok
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func do(t *testing.T, h http.Handler, req *http.Request, wantCode int, out any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != wantCode {
		t.Fatalf("%s %s: status = %d, want %d; body = %s", req.Method, req.URL.Path, rr.Code, wantCode, rr.Body.String())
	}
	if out != nil {
		if err := json.NewDecoder(rr.Body).Decode(out); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
	}
}

func registerDoc(t *testing.T, h http.Handler, token string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"title":    "Assessment Plan",
		"category": "assessment",
		"text":     strings.Repeat(evidenceText, 6),
	})
	var resp map[string]string
	do(t, h, authReq(http.MethodPost, "/documents", string(body), token), http.StatusCreated, &resp)
	if resp["id"] == "" {
		t.Fatal("response missing id")
	}
	return resp["id"]
}

func queueJob(t *testing.T, h http.Handler, token, docID, depth string) string {
	t.Helper()
	body := `{"document_id":"` + docID + `","accreditor":"acme","analysis_depth":"` + depth + `"}`
	var resp map[string]any
	do(t, h, authReq(http.MethodPost, "/jobs", body, token), http.StatusAccepted, &resp)
	if resp["status"] != "queued" {
		t.Errorf("status = %v, want queued", resp["status"])
	}
	id, _ := resp["job_id"].(string)
	if id == "" {
		t.Fatal("response missing job_id")
	}
	return id
}

func TestEndToEnd_AnalyzeVerifySnapshot(t *testing.T) {
	h, deps, runner := setupApp(t)
	tok := tokenFor(t, "u1", "inst-1")

	docID := registerDoc(t, h, tok)
	jobID := queueJob(t, h, tok, docID, "quick")
	if len(runner.submitted) != 1 || runner.submitted[0] != jobID {
		t.Errorf("submitted = %v, want [%s]", runner.submitted, jobID)
	}

	if err := deps.Orchestrator.Run(context.Background(), jobID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var job jobJSON
	do(t, h, authReq(http.MethodGet, "/jobs/"+jobID, "", tok), http.StatusOK, &job)
	if job.Status != storage.StatusCompleted || job.Progress != 100 {
		t.Fatalf("job = %s/%d, want completed/100", job.Status, job.Progress)
	}
	if job.Results == nil || job.Results.Summary.StandardsMatched != 3 {
		t.Fatalf("results = %+v, want 3 matched standards", job.Results)
	}

	var mappings mappingsResponse
	do(t, h, authReq(http.MethodGet, "/mappings?accreditor=acme", "", tok), http.StatusOK, &mappings)
	if len(mappings.Mappings) != 3 {
		t.Fatalf("mappings = %d, want 3", len(mappings.Mappings))
	}
	if mappings.Summary.TotalStandards != 5 || mappings.Summary.StandardsCovered != 3 {
		t.Errorf("summary = %+v", mappings.Summary)
	}

	target := mappings.Mappings[0].StandardID
	body := `{"document_id":"` + docID + `","standard_id":"` + target + `"}`
	var verified map[string]any
	do(t, h, authReq(http.MethodPost, "/mappings/verify", body, tok), http.StatusOK, &verified)
	if verified["is_verified"] != true || verified["verified_by"] != "u1" {
		t.Errorf("verify response = %v", verified)
	}

	var snap compliance.Snapshot
	do(t, h, authReq(http.MethodGet, "/compliance/acme", "", tok), http.StatusOK, &snap)
	if snap.InstitutionID != "inst-1" || snap.Accreditor != "acme" {
		t.Errorf("snapshot scope = %s/%s", snap.InstitutionID, snap.Accreditor)
	}
	if len(snap.Standards) != 5 {
		t.Errorf("snapshot standards = %d, want 5", len(snap.Standards))
	}
	// A single document puts every mapped standard at minimal, so all five
	// required standards are gaps.
	for _, s := range snap.Standards {
		if s.StandardID == target && (s.VerifiedCount != 1 || s.Level != compliance.LevelMinimal) {
			t.Errorf("verified standard = %+v, want minimal with 1 verification", s)
		}
	}
	if snap.GapCount != 5 || snap.RiskLevel != compliance.RiskHigh {
		t.Errorf("gaps = %d risk = %s, want 5 high", snap.GapCount, snap.RiskLevel)
	}

	// Another institution sees nothing of inst-1's evidence.
	other := tokenFor(t, "u9", "inst-9")
	var empty mappingsResponse
	do(t, h, authReq(http.MethodGet, "/mappings?accreditor=acme", "", other), http.StatusOK, &empty)
	if len(empty.Mappings) != 0 {
		t.Errorf("foreign institution saw %d mappings", len(empty.Mappings))
	}
}

func TestCreateJob_Idempotent(t *testing.T) {
	h, _, _ := setupApp(t)
	tok := tokenFor(t, "u1", "inst-1")
	docID := registerDoc(t, h, tok)

	first := queueJob(t, h, tok, docID, "")
	second := queueJob(t, h, tok, docID, "")
	if first != second {
		t.Errorf("second create returned %s, want active job %s", second, first)
	}
}

func TestCreateJob_Validation(t *testing.T) {
	h, _, _ := setupApp(t)
	tok := tokenFor(t, "u1", "inst-1")
	docID := registerDoc(t, h, tok)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"missing fields", `{"document_id":""}`, http.StatusBadRequest},
		{"unknown accreditor", `{"document_id":"` + docID + `","accreditor":"nope"}`, http.StatusBadRequest},
		{"unknown depth", `{"document_id":"` + docID + `","accreditor":"acme","analysis_depth":"deep"}`, http.StatusBadRequest},
		{"unknown document", `{"document_id":"missing","accreditor":"acme"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp map[string]map[string]string
			do(t, h, authReq(http.MethodPost, "/jobs", tt.body, tok), tt.code, &resp)
			if resp["error"]["type"] != "invalid_request_error" {
				t.Errorf("error type = %q", resp["error"]["type"])
			}
		})
	}
}

func TestGetJob_OtherUserNotFound(t *testing.T) {
	h, _, _ := setupApp(t)
	tok := tokenFor(t, "u1", "inst-1")
	jobID := queueJob(t, h, tok, registerDoc(t, h, tok), "")

	do(t, h, authReq(http.MethodGet, "/jobs/"+jobID, "", tokenFor(t, "u2", "inst-2")), http.StatusNotFound, nil)
	do(t, h, authReq(http.MethodGet, "/jobs/does-not-exist", "", tok), http.StatusNotFound, nil)
}

func TestCancelJob(t *testing.T) {
	h, _, _ := setupApp(t)
	tok := tokenFor(t, "u1", "inst-1")
	jobID := queueJob(t, h, tok, registerDoc(t, h, tok), "")

	var job jobJSON
	do(t, h, authReq(http.MethodPost, "/jobs/"+jobID+"/cancel", "", tok), http.StatusOK, &job)
	if job.Status != storage.StatusFailed || job.Error != pipeline.MsgCancelled {
		t.Errorf("job = %s %q, want failed %q", job.Status, job.Error, pipeline.MsgCancelled)
	}

	do(t, h, authReq(http.MethodPost, "/jobs/"+jobID+"/cancel", "", tok), http.StatusConflict, nil)
	do(t, h, authReq(http.MethodPost, "/jobs/"+jobID+"/cancel", "", tokenFor(t, "u2", "inst-2")), http.StatusNotFound, nil)
}

func TestJobs_SharedWithinInstitution(t *testing.T) {
	h, _, _ := setupApp(t)
	alice := tokenFor(t, "alice", "inst-1")
	bob := tokenFor(t, "bob", "inst-1")
	docID := registerDoc(t, h, alice)

	aliceJob := queueJob(t, h, alice, docID, "")
	bobJob := queueJob(t, h, bob, docID, "")
	if bobJob != aliceJob {
		t.Fatalf("colleague create returned %s, want active job %s", bobJob, aliceJob)
	}

	var job jobJSON
	do(t, h, authReq(http.MethodGet, "/jobs/"+bobJob, "", bob), http.StatusOK, &job)
	if job.JobID != aliceJob || job.Status != storage.StatusQueued {
		t.Errorf("colleague view = %+v", job)
	}

	outsider := tokenFor(t, "carol", "inst-2")
	do(t, h, authReq(http.MethodGet, "/jobs/"+aliceJob, "", outsider), http.StatusNotFound, nil)
	do(t, h, authReq(http.MethodPost, "/jobs/"+aliceJob+"/cancel", "", outsider), http.StatusNotFound, nil)

	do(t, h, authReq(http.MethodPost, "/jobs/"+bobJob+"/cancel", "", bob), http.StatusOK, &job)
	if job.Status != storage.StatusFailed || job.Error != pipeline.MsgCancelled {
		t.Errorf("job = %s %q, want failed %q", job.Status, job.Error, pipeline.MsgCancelled)
	}
	do(t, h, authReq(http.MethodGet, "/jobs/"+aliceJob, "", alice), http.StatusOK, &job)
	if job.Status != storage.StatusFailed {
		t.Errorf("owner sees status %s, want failed", job.Status)
	}
}

func TestListMappings_RequiresAccreditor(t *testing.T) {
	h, _, _ := setupApp(t)
	do(t, h, authReq(http.MethodGet, "/mappings", "", tokenFor(t, "u1", "inst-1")), http.StatusBadRequest, nil)
}

func TestVerifyMapping_Errors(t *testing.T) {
	h, _, _ := setupApp(t)
	tok := tokenFor(t, "u1", "inst-1")
	docID := registerDoc(t, h, tok)

	do(t, h, authReq(http.MethodPost, "/mappings/verify", `{"document_id":"`+docID+`"}`, tok), http.StatusBadRequest, nil)
	// No mapping exists yet.
	do(t, h, authReq(http.MethodPost, "/mappings/verify", `{"document_id":"`+docID+`","standard_id":"acme:a"}`, tok), http.StatusNotFound, nil)
	// Documents of other institutions are invisible.
	do(t, h, authReq(http.MethodPost, "/mappings/verify", `{"document_id":"`+docID+`","standard_id":"acme:a"}`, tokenFor(t, "u9", "inst-9")), http.StatusNotFound, nil)
}

func TestSnapshot_UnknownAccreditor(t *testing.T) {
	h, _, _ := setupApp(t)
	do(t, h, authReq(http.MethodGet, "/compliance/nope", "", tokenFor(t, "u1", "inst-1")), http.StatusNotFound, nil)
}

func TestListStandards(t *testing.T) {
	h, _, _ := setupApp(t)
	tok := tokenFor(t, "u1", "inst-1")

	var accs map[string][]string
	do(t, h, authReq(http.MethodGet, "/standards", "", tok), http.StatusOK, &accs)
	if len(accs["accreditors"]) != 1 || accs["accreditors"][0] != "acme" {
		t.Errorf("accreditors = %v", accs["accreditors"])
	}

	var resp map[string][]standardJSON
	do(t, h, authReq(http.MethodGet, "/standards?accreditor=acme", "", tok), http.StatusOK, &resp)
	if len(resp["standards"]) != 5 {
		t.Errorf("standards = %d, want 5", len(resp["standards"]))
	}
}

func TestRegisterDocument_Errors(t *testing.T) {
	h, _, _ := setupApp(t)
	tok := tokenFor(t, "u1", "inst-1")

	do(t, h, authReq(http.MethodPost, "/documents", `{"title":"x"}`, tok), http.StatusBadRequest, nil)
	do(t, h, authReq(http.MethodPost, "/documents", `{"content_base64":"%%%"}`, tok), http.StatusBadRequest, nil)
	// File uploads need a blob store, which this app has none of.
	do(t, h, authReq(http.MethodPost, "/documents", `{"content_base64":"aGVsbG8="}`, tok), http.StatusBadRequest, nil)
}

func TestHealth(t *testing.T) {
	h, _, _ := setupApp(t)

	var resp healthResponse
	do(t, h, authReq(http.MethodGet, "/health", "", ""), http.StatusOK, &resp)
	if resp.Status != "ok" || resp.Database != "ok" {
		t.Errorf("health = %+v", resp)
	}
	if resp.Workers == nil || resp.Workers.Workers != 2 {
		t.Errorf("workers = %+v", resp.Workers)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h, _, _ := setupApp(t)
	for _, path := range []string{"/jobs/x", "/mappings?accreditor=acme", "/compliance/acme", "/standards"} {
		do(t, h, authReq(http.MethodGet, path, "", ""), http.StatusUnauthorized, nil)
	}
}
