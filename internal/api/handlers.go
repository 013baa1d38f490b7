package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/accredit/internal/compliance"
	"github.com/kalambet/accredit/internal/documents"
	"github.com/kalambet/accredit/internal/logger"
	"github.com/kalambet/accredit/internal/pipeline"
	"github.com/kalambet/accredit/internal/storage"
	"github.com/kalambet/accredit/internal/worker"
)

const (
	maxRequestBodySize  = 1 << 20  // 1MB
	maxDocumentBodySize = 48 << 20 // base64 of a 32MB file
)

// JobRunner is the worker pool as the API sees it.
type JobRunner interface {
	Submit(jobID string)
	Stats() worker.Stats
}

type AppDeps struct {
	Store        *storage.Store
	Documents    *documents.Service
	Orchestrator *pipeline.Orchestrator
	Aggregator   *compliance.Aggregator
	Runner       JobRunner // optional; without it jobs wait for the next poll
	JWTSecret    string
	Issuer       string
	NowFunc      func() time.Time
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(JWTAuth(deps.JWTSecret, deps.Issuer))

		r.Post("/documents", handleRegisterDocument(deps))
		r.Post("/jobs", handleCreateJob(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/jobs/{id}/cancel", handleCancelJob(deps))
		r.Get("/mappings", handleListMappings(deps))
		r.Post("/mappings/verify", handleVerifyMapping(deps))
		r.Get("/compliance/{accreditor}", handleSnapshot(deps))
		r.Get("/standards", handleListStandards(deps))
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		logger.FromContext(ctx).Debug("request served",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

type healthResponse struct {
	Status   string                    `json:"status"`
	Database string                    `json:"database"`
	Jobs     map[storage.JobStatus]int `json:"jobs,omitempty"`
	Workers  *worker.Stats             `json:"workers,omitempty"`
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Database: "ok"}
		code := http.StatusOK
		if err := deps.Store.Ping(r.Context()); err != nil {
			resp.Status, resp.Database = "degraded", err.Error()
			code = http.StatusServiceUnavailable
		} else if counts, err := deps.Store.CountJobsByStatus(r.Context()); err == nil {
			resp.Jobs = counts
		}
		if deps.Runner != nil {
			st := deps.Runner.Stats()
			resp.Workers = &st
		}
		writeJSON(w, code, resp)
	}
}

type registerDocumentRequest struct {
	Title         string `json:"title"`
	Category      string `json:"category"`
	MimeType      string `json:"mime_type"`
	Text          string `json:"text"`
	ContentBase64 string `json:"content_base64"`
	ObjectKey     string `json:"object_key"`
}

func handleRegisterDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBodySize)
		defer r.Body.Close()

		var req registerDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		var data []byte
		if req.ContentBase64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			data = decoded
		}

		p, _ := PrincipalFrom(r.Context())
		doc, err := deps.Documents.Register(r.Context(), documents.RegisterRequest{
			OwnerID:       p.UserID,
			InstitutionID: p.InstitutionID,
			Title:         req.Title,
			Category:      req.Category,
			MimeType:      req.MimeType,
			Text:          req.Text,
			Data:          data,
			ObjectKey:     req.ObjectKey,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{
			"id":           doc.ID,
			"title":        doc.Title,
			"mime_type":    doc.MimeType,
			"content_hash": doc.ContentHash,
		})
	}
}

type createJobRequest struct {
	DocumentID    string `json:"document_id"`
	Accreditor    string `json:"accreditor"`
	AnalysisDepth string `json:"analysis_depth"`
}

func handleCreateJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.DocumentID == "" || req.Accreditor == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document_id and accreditor are required")
			return
		}

		p, _ := PrincipalFrom(r.Context())
		job, err := deps.createJob(r.Context(), p, req.DocumentID, req.Accreditor, req.AnalysisDepth)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":   job.ID,
			"status":   job.Status,
			"progress": job.Progress,
		})
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		job, err := deps.loadJob(r.Context(), p, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleCancelJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		job, err := deps.cancelJob(r.Context(), p, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleListMappings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		q := r.URL.Query()
		resp, err := deps.listMappings(r.Context(), p, q.Get("accreditor"), q.Get("standard_code"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type verifyMappingRequest struct {
	DocumentID string `json:"document_id"`
	StandardID string `json:"standard_id"`
}

func handleVerifyMapping(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req verifyMappingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.DocumentID == "" || req.StandardID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document_id and standard_id are required")
			return
		}

		p, _ := PrincipalFrom(r.Context())
		m, err := deps.verifyMapping(r.Context(), p, req.DocumentID, req.StandardID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"document_id": m.DocumentID,
			"standard_id": m.StandardID,
			"confidence":  m.Confidence,
			"is_verified": m.IsVerified,
			"verified_by": m.VerifiedBy,
			"verified_at": m.VerifiedAt,
		})
	}
}

func handleSnapshot(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		snap, err := deps.Aggregator.Snapshot(r.Context(), p.InstitutionID, chi.URLParam(r, "accreditor"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleListStandards(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		accreditor := q.Get("accreditor")
		if accreditor == "" {
			accs, err := deps.Store.ListAccreditors(r.Context())
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"accreditors": accs})
			return
		}

		standards, err := deps.Store.ListStandards(r.Context(), accreditor, q.Get("category"), q.Get("search"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]standardJSON, 0, len(standards))
		for _, s := range standards {
			out = append(out, toStandardJSON(s))
		}
		writeJSON(w, http.StatusOK, map[string]any{"standards": out})
	}
}
