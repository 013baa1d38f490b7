// Package catalog loads accreditation standards from YAML and imports them
// into the store.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/accredit/internal/storage"
)

//go:embed default.yaml
var defaultCatalog []byte

// File is the on-disk catalog layout.
type File struct {
	Accreditors []Accreditor `yaml:"accreditors"`
}

type Accreditor struct {
	ID        string        `yaml:"id"`
	Name      string        `yaml:"name"`
	Standards []StandardDef `yaml:"standards"`
}

// StandardDef is one standard and its nested sub-standards. Children inherit
// the parent's category when they leave it empty.
type StandardDef struct {
	Code                 string        `yaml:"code"`
	Title                string        `yaml:"title"`
	Description          string        `yaml:"description"`
	Category             string        `yaml:"category"`
	Weight               float64       `yaml:"weight"`
	Required             *bool         `yaml:"required"`
	EvidenceRequirements []string      `yaml:"evidence_requirements"`
	Children             []StandardDef `yaml:"children"`
}

// Lister is the read side of the catalog consumed by the pipeline.
type Lister interface {
	ListStandards(ctx context.Context, accreditor, category, search string) ([]storage.Standard, error)
}

// Writer persists flattened standards.
type Writer interface {
	UpsertStandard(ctx context.Context, st storage.Standard) error
}

// StandardID derives the stable id of a standard from its accreditor and code.
func StandardID(accreditor, code string) string {
	return strings.ToLower(strings.TrimSpace(accreditor) + ":" + strings.TrimSpace(code))
}

// Parse decodes a catalog payload.
func Parse(data []byte) (File, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return File{}, fmt.Errorf("catalog: payload is empty")
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("catalog: decode: %w", err)
	}
	if len(f.Accreditors) == 0 {
		return File{}, fmt.Errorf("catalog: no accreditors defined")
	}
	return f, nil
}

// LoadFile reads and parses a catalog file from disk.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return f, nil
}

// Default returns the built-in catalog.
func Default() (File, error) {
	return Parse(defaultCatalog)
}

// Flatten walks the hierarchy depth-first and returns storage rows with
// parent ids filled in. Codes must be unique per accreditor.
func (f File) Flatten() ([]storage.Standard, error) {
	var out []storage.Standard
	for _, acc := range f.Accreditors {
		accID := strings.TrimSpace(acc.ID)
		if accID == "" {
			return nil, fmt.Errorf("catalog: accreditor without id")
		}
		seen := make(map[string]bool)
		var walk func(defs []StandardDef, parentID, parentCategory string) error
		walk = func(defs []StandardDef, parentID, parentCategory string) error {
			for _, d := range defs {
				code := strings.TrimSpace(d.Code)
				if code == "" {
					return fmt.Errorf("catalog: %s: standard without code", accID)
				}
				key := strings.ToLower(code)
				if seen[key] {
					return fmt.Errorf("catalog: %s: duplicate code %q", accID, code)
				}
				seen[key] = true
				if d.Weight < 0 || d.Weight > 100 {
					return fmt.Errorf("catalog: %s/%s: weight %.1f outside 0-100", accID, code, d.Weight)
				}

				category := strings.TrimSpace(d.Category)
				if category == "" {
					category = parentCategory
				}
				required := true
				if d.Required != nil {
					required = *d.Required
				}
				reqs := make([]string, 0, len(d.EvidenceRequirements))
				for _, r := range d.EvidenceRequirements {
					if r = strings.TrimSpace(r); r != "" {
						reqs = append(reqs, r)
					}
				}

				st := storage.Standard{
					ID:                   StandardID(accID, code),
					Accreditor:           accID,
					Code:                 code,
					Title:                strings.TrimSpace(d.Title),
					Description:          strings.TrimSpace(d.Description),
					Category:             category,
					ParentID:             parentID,
					EvidenceRequirements: reqs,
					Weight:               d.Weight,
					Required:             required,
				}
				out = append(out, st)
				if err := walk(d.Children, st.ID, category); err != nil {
					return err
				}
			}
			return nil
		}
		if err := walk(acc.Standards, "", ""); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Import flattens f and upserts every standard, returning the number written.
func Import(ctx context.Context, w Writer, f File) (int, error) {
	standards, err := f.Flatten()
	if err != nil {
		return 0, err
	}
	for i, st := range standards {
		if err := w.UpsertStandard(ctx, st); err != nil {
			return i, fmt.Errorf("catalog: import %s: %w", st.ID, err)
		}
	}
	return len(standards), nil
}
