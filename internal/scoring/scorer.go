// Package scoring estimates how well a piece of evidence supports an
// accreditation standard.
package scoring

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/accredit/internal/storage"
)

// Component weights and caps.
const (
	categoryWeight  = 0.35
	termOverlapCap  = 0.25
	requirementHit  = 0.05
	requirementCap  = 0.20
	volumeBonus     = 0.03
	recencyBonus    = 0.02
	volumeWords     = 100
	recentYears     = 3
	maxUncertainty  = 0.05
	jitterAmplitude = 0.05
)

// contextBands are checked in order; the first band whose words all appear wins.
var contextBands = []struct {
	label string
	words []string
	bonus float64
}{
	{"higher-education assessment", []string{"assessment", "outcome"}, 0.15},
	{"K-12 achievement", []string{"student", "achievement"}, 0.12},
	{"governance", []string{"policy", "board"}, 0.10},
	{"institutional effectiveness", []string{"data", "improvement"}, 0.08},
}

// Components breaks a confidence down by factor.
type Components struct {
	Category     float64 `json:"category"`
	TermOverlap  float64 `json:"term_overlap"`
	Requirements float64 `json:"requirements"`
	Context      float64 `json:"context"`
	Completeness float64 `json:"completeness"`
	Uncertainty  float64 `json:"uncertainty"`
	Jitter       float64 `json:"jitter,omitempty"`
}

// Result is the score of one standard.
type Result struct {
	StandardID   string
	StandardCode string
	Confidence   float64
	Rationale    []string
	Components   Components
}

// Scorer computes confidence scores. The zero value is not usable; call New.
type Scorer struct {
	nowFunc func() time.Time

	mu     sync.Mutex
	jitter *rand.Rand
}

type Option func(*Scorer)

// WithClock sets the clock used to decide which years count as recent.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.nowFunc = now }
}

// WithJitter adds uniform noise of up to ±0.05 drawn from r. Intended for
// simulations; scores are deterministic without it.
func WithJitter(r *rand.Rand) Option {
	return func(s *Scorer) { s.jitter = r }
}

func New(opts ...Option) *Scorer {
	s := &Scorer{nowFunc: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Score rates ev against st. evidenceCategory is the category declared for
// the document.
func (s *Scorer) Score(ev *Evidence, st storage.Standard, evidenceCategory string) Result {
	Embed(ev)

	res := Result{StandardID: st.ID, StandardCode: st.Code}
	c := &res.Components

	if evidenceCategory != "" && strings.EqualFold(strings.TrimSpace(evidenceCategory), strings.TrimSpace(st.Category)) {
		c.Category = categoryWeight
		res.Rationale = append(res.Rationale, fmt.Sprintf("Evidence category %q aligns with the standard", st.Category))
	}

	terms := DescriptionTerms(st.Description)
	if len(terms) > 0 {
		matched := 0
		for _, t := range terms {
			if ev.Features[t] > 0 {
				matched++
			}
		}
		if matched > 0 {
			c.TermOverlap = math.Min(float64(matched)/float64(len(terms)), termOverlapCap)
			res.Rationale = append(res.Rationale, fmt.Sprintf("Matched %d of %d domain terms from the standard description", matched, len(terms)))
		}
	}

	var hits []string
	for _, req := range st.EvidenceRequirements {
		if ev.HasPhrase(req) {
			hits = append(hits, req)
		}
	}
	if len(hits) > 0 {
		c.Requirements = math.Min(float64(len(hits))*requirementHit, requirementCap)
		res.Rationale = append(res.Rationale, "Addresses evidence requirements: "+strings.Join(hits, ", "))
	}

	for _, band := range contextBands {
		if hasAll(ev, band.words) {
			c.Context = band.bonus
			res.Rationale = append(res.Rationale, fmt.Sprintf("Contains %s context (%s)", band.label, strings.Join(band.words, " + ")))
			break
		}
	}

	if len(ev.Words) > volumeWords {
		c.Completeness += volumeBonus
		res.Rationale = append(res.Rationale, fmt.Sprintf("Substantial evidence (%d words)", len(ev.Words)))
	}
	if y, ok := s.recentYear(ev.Years); ok {
		c.Completeness += recencyBonus
		res.Rationale = append(res.Rationale, fmt.Sprintf("References recent year %d", y))
	}

	c.Uncertainty = uncertainty(len(ev.Words), len(st.EvidenceRequirements), len(hits))
	if c.Uncertainty > 0 {
		res.Rationale = append(res.Rationale, fmt.Sprintf("Confidence reduced by %.3f for limited supporting evidence", c.Uncertainty))
	}

	if s.jitter != nil {
		s.mu.Lock()
		c.Jitter = (s.jitter.Float64()*2 - 1) * jitterAmplitude
		s.mu.Unlock()
	}

	raw := c.Category + c.TermOverlap + c.Requirements + c.Context + c.Completeness - c.Uncertainty + c.Jitter
	res.Confidence = Clamp(math.Round(raw*10000) / 10000)
	return res
}

// ScoreAll scores every standard and returns results in catalog order.
func (s *Scorer) ScoreAll(ev *Evidence, standards []storage.Standard, evidenceCategory string) []Result {
	out := make([]Result, 0, len(standards))
	for _, st := range standards {
		out = append(out, s.Score(ev, st, evidenceCategory))
	}
	return out
}

func (s *Scorer) recentYear(years []int) (int, bool) {
	current := s.nowFunc().Year()
	best, found := 0, false
	for _, y := range years {
		if y <= current && y >= current-recentYears && y > best {
			best, found = y, true
		}
	}
	return best, found
}

// uncertainty grows as evidence gets shorter and when none of a standard's
// requirements are addressed.
func uncertainty(words, requirements, hits int) float64 {
	var u float64
	if words < volumeWords {
		u += 0.6 * (1 - float64(words)/volumeWords)
	}
	if requirements > 0 && hits == 0 {
		u += 0.4
	}
	return math.Round(u*maxUncertainty*10000) / 10000
}

func hasAll(ev *Evidence, words []string) bool {
	for _, w := range words {
		if !ev.HasPhrase(w) {
			return false
		}
	}
	return true
}

// Clamp bounds a confidence to the storable range.
func Clamp(v float64) float64 {
	return math.Max(storage.MinConfidence, math.Min(storage.MaxConfidence, v))
}

// Strength labels a confidence.
func Strength(confidence float64) string {
	switch {
	case confidence >= 0.85:
		return storage.StrengthStrong
	case confidence >= 0.70:
		return storage.StrengthModerate
	default:
		return storage.StrengthWeak
	}
}

// DepthProfile is the threshold and result cap of an analysis depth.
type DepthProfile struct {
	Name      string
	Threshold float64
	Cap       int
}

var depthProfiles = map[string]DepthProfile{
	"quick":         {Name: "quick", Threshold: 0.60, Cap: 3},
	"standard":      {Name: "standard", Threshold: 0.65, Cap: 5},
	"detailed":      {Name: "detailed", Threshold: 0.70, Cap: 7},
	"comprehensive": {Name: "comprehensive", Threshold: 0.75, Cap: 10},
}

// DefaultDepth is used when a request names no depth.
const DefaultDepth = "standard"

// Profile looks up a depth by name, case-insensitively.
func Profile(depth string) (DepthProfile, bool) {
	p, ok := depthProfiles[strings.ToLower(strings.TrimSpace(depth))]
	return p, ok
}

// Depths lists the known depth names from shallowest to deepest.
func Depths() []string {
	return []string{"quick", "standard", "detailed", "comprehensive"}
}

// Rank drops results below the profile threshold, sorts the rest by
// descending confidence (ties by code) and truncates to the cap.
func Rank(results []Result, p DepthProfile) []Result {
	kept := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Confidence >= p.Threshold {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Confidence != kept[j].Confidence {
			return kept[i].Confidence > kept[j].Confidence
		}
		return kept[i].StandardCode < kept[j].StandardCode
	})
	if len(kept) > p.Cap {
		kept = kept[:p.Cap]
	}
	return kept
}
