// Package catalog provides the canonical exercise catalog used for alias
// repair proposals, progression consolidation and modality classification.
// The default catalog ships embedded; embedders can swap in their own
// implementation (a semantic catalog backed by embeddings satisfies the
// same interface).
package catalog

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Exercise is one canonical catalog entry.
type Exercise struct {
	// Key is the canonical exercise identifier, e.g. "barbell_back_squat".
	Key string `yaml:"key"`
	// Display name for human output.
	Display string `yaml:"display"`
	// Variants are known user terms for this exercise, lowercased.
	Variants []string `yaml:"variants"`
	// Modality is "strength", "cardio" or "mobility".
	Modality string `yaml:"modality"`
}

// Catalog resolves user exercise terms to canonical entries.
type Catalog interface {
	// Lookup returns the entry for a canonical key.
	Lookup(key string) (Exercise, bool)
	// MatchVariant returns the entry one of whose variants equals the
	// lowercased term exactly.
	MatchVariant(term string) (Exercise, bool)
	// MatchKeySlug returns the entry whose key equals Slugify(term).
	MatchKeySlug(term string) (Exercise, bool)
}

//go:embed catalog.yaml
var embeddedCatalog []byte

// Static is the embedded Catalog implementation.
type Static struct {
	byKey     map[string]Exercise
	byVariant map[string]Exercise
}

var _ Catalog = (*Static)(nil)

// Load parses a YAML catalog document.
func Load(raw []byte) (*Static, error) {
	var doc struct {
		Exercises []Exercise `yaml:"exercises"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	s := &Static{
		byKey:     make(map[string]Exercise, len(doc.Exercises)),
		byVariant: make(map[string]Exercise),
	}
	for _, ex := range doc.Exercises {
		if ex.Key == "" {
			return nil, fmt.Errorf("catalog entry without key (display %q)", ex.Display)
		}
		s.byKey[ex.Key] = ex
		for _, v := range ex.Variants {
			s.byVariant[strings.ToLower(v)] = ex
		}
	}
	return s, nil
}

// Default returns the embedded catalog. The embedded document is validated
// by tests, so a parse failure here is a build defect.
func Default() *Static {
	s, err := Load(embeddedCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog invalid: %v", err))
	}
	return s
}

// Lookup implements Catalog.
func (s *Static) Lookup(key string) (Exercise, bool) {
	ex, ok := s.byKey[strings.ToLower(strings.TrimSpace(key))]
	return ex, ok
}

// MatchVariant implements Catalog.
func (s *Static) MatchVariant(term string) (Exercise, bool) {
	ex, ok := s.byVariant[strings.ToLower(strings.TrimSpace(term))]
	return ex, ok
}

// MatchKeySlug implements Catalog.
func (s *Static) MatchKeySlug(term string) (Exercise, bool) {
	ex, ok := s.byKey[Slugify(term)]
	return ex, ok
}

// Slugify lowercases a term and collapses runs of non-alphanumerics to
// single underscores: "Barbell Back-Squat" -> "barbell_back_squat".
func Slugify(term string) string {
	var b strings.Builder
	b.Grow(len(term))
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(term)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	return b.String()
}
