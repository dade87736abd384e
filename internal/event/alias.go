package event

import (
	"strings"

	"github.com/kurahq/kura/internal/payload"
)

// aliasDepthCap bounds resolution through alias chains. User-built alias
// graphs can contain chains and, after bad merges, cycles.
const aliasDepthCap = 8

// AliasMap maps lowercased user exercise terms to canonical exercise keys.
// It is reconstructed from exercise.alias_created events with retractions
// already filtered out; later events overwrite earlier ones.
type AliasMap map[string]string

// BuildAliasMap folds exercise.alias_created events into an alias map.
// Events must already be retraction-filtered; they are read in chronological
// order so the latest mapping for a term wins.
func BuildAliasMap(events []Event) AliasMap {
	aliases := FilterTypes(events, TypeAliasCreated)
	SortChronological(aliases)
	m := make(AliasMap, len(aliases))
	for _, e := range aliases {
		alias := strings.ToLower(strings.TrimSpace(e.Data.String("alias")))
		canonical := strings.TrimSpace(e.Data.String("exercise_id"))
		if alias == "" || canonical == "" {
			continue
		}
		m[alias] = canonical
	}
	return m
}

// Resolve walks term through the alias map to a canonical key. Chains are
// followed with a visited set and a depth cap; on a cycle the last key
// reached wins. The empty string resolves to itself.
func (m AliasMap) Resolve(term string) string {
	key := strings.ToLower(strings.TrimSpace(term))
	if key == "" {
		return ""
	}
	seen := map[string]struct{}{key: {}}
	for i := 0; i < aliasDepthCap; i++ {
		next, ok := m[key]
		if !ok || next == "" {
			return key
		}
		lower := strings.ToLower(next)
		if _, cyc := seen[lower]; cyc {
			return lower
		}
		seen[lower] = struct{}{}
		key = lower
	}
	return key
}

// Known reports whether the alias map can resolve term beyond itself.
func (m AliasMap) Known(term string) bool {
	key := strings.ToLower(strings.TrimSpace(term))
	_, ok := m[key]
	return ok
}

// ExerciseKey resolves the canonical key for a set.logged event: an explicit
// exercise_id wins, otherwise the free-text exercise term is resolved through
// the alias map. Empty when the set names no exercise at all.
func (m AliasMap) ExerciseKey(data payload.Doc) string {
	if id := data.String("exercise_id"); id != "" {
		return strings.ToLower(strings.TrimSpace(id))
	}
	if term := data.String("exercise"); term != "" {
		return m.Resolve(term)
	}
	return ""
}
