// Package compliance rolls persisted mappings up into per-standard,
// per-category and overall compliance scores for an institution.
package compliance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/accredit/internal/storage"
)

// DefaultCoverageCeiling caps coverage_rate. Some standards are never fully done.
const DefaultCoverageCeiling = 95.0

type Level string

const (
	LevelFull    Level = "full"
	LevelPartial Level = "partial"
	LevelMinimal Level = "minimal"
	LevelNone    Level = "none"
)

type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompliant  Status = "compliant"
)

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

const uncategorized = "uncategorized"

// Source is the read side of the mapping repository and catalog.
type Source interface {
	ListStandards(ctx context.Context, accreditor, category, search string) ([]storage.Standard, error)
	AggregateByStandard(ctx context.Context, accreditor, institutionID string) (map[string]storage.StandardAggregate, error)
}

// Config tunes scoring. Zero values fall back to defaults.
type Config struct {
	CoverageCeiling float64
	// CategoryWeights weights category scores in the overall score. Missing
	// categories weigh 1; a weight of 0 excludes the category.
	CategoryWeights map[string]float64
}

// StandardScore is the compliance of one standard.
type StandardScore struct {
	StandardID    string  `json:"standard_id"`
	Code          string  `json:"code"`
	Title         string  `json:"title"`
	Category      string  `json:"category"`
	Required      bool    `json:"required"`
	EvidenceCount int     `json:"evidence_count"`
	VerifiedCount int     `json:"verified_count"`
	AvgConfidence float64 `json:"avg_confidence"` // 0-100
	Level         Level   `json:"compliance_level"`
	Score         float64 `json:"compliance_score"`
	Status        Status  `json:"compliance_status"`
}

// Snapshot is a point-in-time compliance view. It is derived and never stored.
type Snapshot struct {
	InstitutionID     string             `json:"institution_id"`
	Accreditor        string             `json:"accreditor"`
	OverallScore      float64            `json:"overall_score"`
	CoverageRate      float64            `json:"coverage_rate"`
	PerCategoryScores map[string]float64 `json:"per_category_scores"`
	Standards         []StandardScore    `json:"standards"`
	GapCount          int                `json:"gap_count"`
	RequiredCount     int                `json:"required_count"`
	RiskLevel         string             `json:"risk_level"`
	GeneratedAt       time.Time          `json:"generated_at"`
}

// Aggregator computes snapshots. It holds no state besides its config.
type Aggregator struct {
	src     Source
	cfg     Config
	nowFunc func() time.Time
}

func New(src Source, cfg Config) *Aggregator {
	if cfg.CoverageCeiling <= 0 || cfg.CoverageCeiling > 100 {
		cfg.CoverageCeiling = DefaultCoverageCeiling
	}
	return &Aggregator{src: src, cfg: cfg, nowFunc: time.Now}
}

// Snapshot recomputes compliance for institutionID against accreditor. An
// empty institutionID aggregates across all institutions. An accreditor with
// no standards is storage.ErrNotFound.
func (a *Aggregator) Snapshot(ctx context.Context, institutionID, accreditor string) (Snapshot, error) {
	standards, err := a.src.ListStandards(ctx, accreditor, "", "")
	if err != nil {
		return Snapshot{}, fmt.Errorf("listing standards: %w", err)
	}
	if len(standards) == 0 {
		return Snapshot{}, fmt.Errorf("accreditor %q: %w", accreditor, storage.ErrNotFound)
	}
	aggs, err := a.src.AggregateByStandard(ctx, accreditor, institutionID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("aggregating mappings: %w", err)
	}

	snap := Snapshot{
		InstitutionID:     institutionID,
		Accreditor:        accreditor,
		PerCategoryScores: make(map[string]float64),
		Standards:         make([]StandardScore, 0, len(standards)),
		GeneratedAt:       a.nowFunc().UTC(),
	}

	mapped := 0
	sums := make(map[string]float64)
	weights := make(map[string]float64)
	for _, st := range standards {
		agg := aggs[st.ID]
		avg := round(agg.AvgConfidence*100, 2)
		level, score := Classify(agg.Count, agg.VerifiedCount, avg)

		category := strings.ToLower(strings.TrimSpace(st.Category))
		if category == "" {
			category = uncategorized
		}
		snap.Standards = append(snap.Standards, StandardScore{
			StandardID:    st.ID,
			Code:          st.Code,
			Title:         st.Title,
			Category:      category,
			Required:      st.Required,
			EvidenceCount: agg.Count,
			VerifiedCount: agg.VerifiedCount,
			AvgConfidence: avg,
			Level:         level,
			Score:         score,
			Status:        StatusFor(level),
		})

		if agg.Count > 0 {
			mapped++
		}
		if st.Required {
			snap.RequiredCount++
			if level == LevelNone || level == LevelMinimal {
				snap.GapCount++
			}
		}
		w := standardWeight(st)
		sums[category] += score * w
		weights[category] += w
	}

	snap.CoverageRate = math.Min(round(100*float64(mapped)/float64(len(standards)), 1), a.cfg.CoverageCeiling)

	var weighted, totalWeight float64
	for category, n := range weights {
		mean := round(sums[category]/n, 2)
		snap.PerCategoryScores[category] = mean
		w := a.weight(category)
		weighted += mean * w
		totalWeight += w
	}
	if totalWeight > 0 {
		snap.OverallScore = round(weighted/totalWeight, 2)
	}
	snap.RiskLevel = Risk(snap.GapCount, snap.RequiredCount)
	return snap, nil
}

// standardWeight is a standard's share of its category score. Catalog
// entries without a weight count as 1.
func standardWeight(st storage.Standard) float64 {
	if st.Weight > 0 {
		return st.Weight
	}
	return 1
}

func (a *Aggregator) weight(category string) float64 {
	if w, ok := a.cfg.CategoryWeights[category]; ok {
		return math.Max(w, 0)
	}
	return 1
}

// Classify assigns a compliance level and score from a standard's evidence.
// avg is on a 0-100 scale.
func Classify(count, verified int, avg float64) (Level, float64) {
	switch {
	case count >= 3 && verified >= 1 && avg >= 80:
		return LevelFull, round(math.Min(avg*1.1, 100), 2)
	case count >= 2 && avg >= 70:
		return LevelPartial, round(avg, 2)
	case count > 0:
		return LevelMinimal, round(avg*0.8, 2)
	default:
		return LevelNone, 0
	}
}

func StatusFor(l Level) Status {
	switch l {
	case LevelFull:
		return StatusCompliant
	case LevelNone:
		return StatusNotStarted
	default:
		return StatusInProgress
	}
}

// Risk grades the share of required standards that are gaps.
func Risk(gaps, required int) string {
	if required == 0 {
		return RiskLow
	}
	share := float64(gaps) / float64(required)
	switch {
	case share > 0.5:
		return RiskHigh
	case share > 0.2:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Coverage summarises a list of mappings against the size of the catalog.
type Coverage struct {
	TotalMappings    int     `json:"total_mappings"`
	StandardsCovered int     `json:"standards_covered"`
	TotalStandards   int     `json:"total_standards"`
	CoverageRate     float64 `json:"coverage_rate"`
	AvgConfidence    float64 `json:"avg_confidence"`
	VerifiedCount    int     `json:"verified_count"`
}

// Summarize computes a Coverage for mappings out of totalStandards.
func Summarize(mappings []storage.MappingDetail, totalStandards int) Coverage {
	c := Coverage{TotalMappings: len(mappings), TotalStandards: totalStandards}
	covered := make(map[string]bool)
	var sum float64
	for _, m := range mappings {
		covered[m.StandardID] = true
		sum += m.Confidence
		if m.IsVerified {
			c.VerifiedCount++
		}
	}
	c.StandardsCovered = len(covered)
	if len(mappings) > 0 {
		c.AvgConfidence = round(sum/float64(len(mappings)), 3)
	}
	if totalStandards > 0 {
		c.CoverageRate = round(100*float64(c.StandardsCovered)/float64(totalStandards), 1)
	}
	return c
}

// Gaps returns the required standards at level none or minimal, lowest score first.
func (s Snapshot) Gaps() []StandardScore {
	var out []StandardScore
	for _, st := range s.Standards {
		if st.Required && (st.Level == LevelNone || st.Level == LevelMinimal) {
			out = append(out, st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
