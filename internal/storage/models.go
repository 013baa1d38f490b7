package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation is returned when a write would violate a column constraint.
var ErrValidation = errors.New("validation failed")

// ErrJobTerminal is returned when a write targets a job that already
// reached completed or failed.
var ErrJobTerminal = errors.New("job already finished")

// Confidence bounds enforced on every stored mapping.
const (
	MinConfidence = 0.1
	MaxConfidence = 0.98
)

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusExtracting JobStatus = "extracting"
	StatusParsing    JobStatus = "parsing"
	StatusEmbedding  JobStatus = "embedding"
	StatusMatching   JobStatus = "matching"
	StatusAnalyzing  JobStatus = "analyzing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Document struct {
	ID            string
	OwnerID       string
	InstitutionID string
	Title         string
	MimeType      string
	Category      string
	ContentHash   string
	ObjectKey     string
	ExtractedText string
	CreatedAt     time.Time
}

type Standard struct {
	ID                   string
	Accreditor           string
	Code                 string
	Title                string
	Description          string
	Category             string
	ParentID             string // empty for top-level standards
	EvidenceRequirements []string
	Weight               float64
	Required             bool
}

type Job struct {
	ID               string
	DocumentID       string
	UserID           string
	Accreditor       string
	Depth            string
	Status           JobStatus
	Progress         int
	StageDescription string
	ErrorMessage     string
	Results          *JobResults
	ClaimedAt        *time.Time
	ClaimedBy        string // runner id; empty until claimed
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// JobResults is the summary persisted with a completed job.
type JobResults struct {
	Summary  ResultSummary   `json:"summary"`
	Mappings []MappingResult `json:"mappings"`
}

type ResultSummary struct {
	StandardsMatched   int     `json:"standards_matched"`
	AvgConfidence      float64 `json:"avg_confidence"`
	GapsIdentified     int     `json:"gaps_identified"`
	CoveragePercentage float64 `json:"coverage_percentage"`
	TotalStandards     int     `json:"total_standards"`
}

type MappingResult struct {
	StandardID       string   `json:"standard_id"`
	StandardCode     string   `json:"standard_code"`
	Confidence       float64  `json:"confidence"`
	EvidenceStrength string   `json:"evidence_strength"`
	Rationale        []string `json:"rationale"`
}

type StandardMapping struct {
	DocumentID       string
	StandardID       string
	Confidence       float64
	Rationale        []string
	EvidenceStrength string
	IsVerified       bool
	VerifiedBy       string
	VerifiedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MappingDetail joins a mapping with the standard and document it links.
type MappingDetail struct {
	StandardMapping
	Accreditor    string
	StandardCode  string
	StandardTitle string
	Category      string
	DocumentTitle string
	InstitutionID string
}

// MappingFilter narrows ListMappings. Empty fields match everything.
type MappingFilter struct {
	Accreditor    string
	StandardCode  string
	InstitutionID string
}

// StandardAggregate summarises the mappings of one standard.
type StandardAggregate struct {
	Count         int
	AvgConfidence float64
	VerifiedCount int
}

// DeadLetter records a stage failure for later inspection.
type DeadLetter struct {
	ID        string
	JobID     string
	Stage     string
	Error     string
	CreatedAt time.Time
}
