// Package quality implements the closed repair loop: invariant evaluation
// over the event log, repair proposals, dry-run simulation, the auto-apply
// gate, idempotent apply with read-after-write verification, SLO computation
// and the autonomy policy the agent consumes.
package quality

import (
	"fmt"
	"strings"
	"time"

	"github.com/kurahq/kura/internal/catalog"
	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
)

// Invariant identifiers.
const (
	InvUnresolvedExercise       = "INV-001"
	InvTimezoneMissing          = "INV-003"
	InvPlanningBeforeOnboarding = "INV-004"
	InvGoalNotTrackable         = "INV-005"
	InvBaselineUnknown          = "INV-006"
	InvMentionFieldDrift        = "INV-008"
	InvImportQuality            = "INV-009"
	InvSessionNoAnchor          = "INV-010"
)

// Issue severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// Issue is one open invariant violation. Evaluation is a pure function of
// the event history: identical logs produce identical issues, and
// DetectedAt derives from the newest offending event, never the clock.
type Issue struct {
	ID         string
	Invariant  string
	Severity   string
	Detail     string
	Metrics    payload.Doc
	DetectedAt time.Time
}

// Doc renders the issue for the quality_health projection.
func (i Issue) Doc() payload.Doc {
	return payload.Doc{
		"issue_id":    i.ID,
		"invariant":   i.Invariant,
		"severity":    i.Severity,
		"detail":      i.Detail,
		"metrics":     i.Metrics,
		"detected_at": i.DetectedAt.UTC().Format(time.RFC3339),
	}
}

// Evaluator checks invariants against a user's active events.
type Evaluator struct {
	catalog catalog.Catalog
}

// NewEvaluator creates an evaluator over the given catalog.
func NewEvaluator(cat catalog.Catalog) *Evaluator {
	return &Evaluator{catalog: cat}
}

// Evaluate returns the open issues for the active (retraction-filtered)
// event history, in invariant order.
func (ev *Evaluator) Evaluate(active []event.Event) []Issue {
	var issues []Issue
	checks := []func([]event.Event) (Issue, bool){
		ev.unresolvedExercises,
		ev.timezoneMissing,
		ev.planningBeforeOnboarding,
		ev.goalNotTrackable,
		ev.baselineUnknown,
		ev.mentionFieldDrift,
		ev.importQuality,
		ev.sessionNoAnchor,
	}
	for _, check := range checks {
		if issue, open := check(active); open {
			issues = append(issues, issue)
		}
	}
	return issues
}

// IssueOpen reports whether the issue id is still open against the history.
func (ev *Evaluator) IssueOpen(active []event.Event, issueID string) bool {
	for _, issue := range ev.Evaluate(active) {
		if issue.ID == issueID {
			return true
		}
	}
	return false
}

// UnresolvedTerms lists distinct set.logged exercise terms the alias map
// cannot resolve to a canonical id, with the newest offending timestamp.
func (ev *Evaluator) UnresolvedTerms(active []event.Event) (terms []string, newest time.Time) {
	aliases := event.BuildAliasMap(active)
	seen := map[string]struct{}{}
	for _, e := range event.FilterTypes(active, event.TypeSetLogged) {
		if e.Data.String("exercise_id") != "" {
			continue
		}
		term := e.Data.String("exercise")
		if term == "" {
			continue
		}
		if aliases.Known(term) {
			continue
		}
		key := strings.ToLower(term)
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			terms = append(terms, term)
		}
		if e.Timestamp.After(newest) {
			newest = e.Timestamp
		}
	}
	return terms, newest
}

func (ev *Evaluator) unresolvedExercises(active []event.Event) (Issue, bool) {
	terms, newest := ev.UnresolvedTerms(active)
	if len(terms) == 0 {
		return Issue{}, false
	}
	return Issue{
		ID:        InvUnresolvedExercise + ":unresolved_exercise",
		Invariant: InvUnresolvedExercise,
		Severity:  SeverityHigh,
		Detail:    fmt.Sprintf("%d exercise terms resolve to no canonical id", len(terms)),
		Metrics: payload.Doc{
			"terms":      anyList(terms),
			"term_count": float64(len(terms)),
		},
		DetectedAt: newest,
	}, true
}

func (ev *Evaluator) timezoneMissing(active []event.Event) (Issue, bool) {
	for _, e := range event.FilterTypes(active, event.TypePreferenceSet) {
		key := strings.ToLower(e.Data.String("key"))
		if key == "timezone" || key == "time_zone" {
			return Issue{}, false
		}
	}
	newest, ok := event.Latest(active)
	if !ok {
		return Issue{}, false
	}
	return Issue{
		ID:         InvTimezoneMissing + ":timezone_missing",
		Invariant:  InvTimezoneMissing,
		Severity:   SeverityHigh,
		Detail:     "no timezone preference has ever been set; local-day derivations fall back to UTC",
		Metrics:    payload.Doc{},
		DetectedAt: newest.Timestamp,
	}, true
}

func (ev *Evaluator) planningBeforeOnboarding(active []event.Event) (Issue, bool) {
	planning := event.FilterTypes(active, event.TypePlanCreated, event.TypePlanUpdated)
	if len(planning) == 0 {
		return Issue{}, false
	}
	if len(event.FilterTypes(active, event.TypeOnboardingClosed)) > 0 {
		return Issue{}, false
	}
	for _, e := range planning {
		if e.Metadata.Bool("onboarding_override") {
			return Issue{}, false
		}
	}
	newest, _ := event.Latest(planning)
	return Issue{
		ID:        InvPlanningBeforeOnboarding + ":planning_before_onboarding",
		Invariant: InvPlanningBeforeOnboarding,
		Severity:  SeverityMedium,
		Detail:    "training plans exist but onboarding was never completed or overridden",
		Metrics: payload.Doc{
			"planning_events": float64(len(planning)),
		},
		DetectedAt: newest.Timestamp,
	}, true
}

// goalAthleticTerms mark goals that need an observable tracking path.
var goalAthleticTerms = []string{"jump", "dunk"}

func (ev *Evaluator) goalNotTrackable(active []event.Event) (Issue, bool) {
	var flagged []string
	var newest time.Time
	for _, e := range event.FilterTypes(active, event.TypeGoalSet) {
		goal := strings.ToLower(e.Data.String("goal"))
		athletic := false
		for _, term := range goalAthleticTerms {
			if strings.Contains(goal, term) {
				athletic = true
				break
			}
		}
		if !athletic {
			continue
		}
		if e.Data.String("metric") != "" || e.Data.Has("target_value") {
			continue
		}
		flagged = append(flagged, e.Data.String("goal"))
		if e.Timestamp.After(newest) {
			newest = e.Timestamp
		}
	}
	if len(flagged) == 0 {
		return Issue{}, false
	}
	return Issue{
		ID:        InvGoalNotTrackable + ":goal_not_trackable",
		Invariant: InvGoalNotTrackable,
		Severity:  SeverityMedium,
		Detail:    "athletic goals declare no metric or target to track progress against",
		Metrics: payload.Doc{
			"goals": anyList(flagged),
		},
		DetectedAt: newest,
	}, true
}

func (ev *Evaluator) baselineUnknown(active []event.Event) (Issue, bool) {
	hasAge, hasWeight := false, false
	for _, e := range event.FilterTypes(active, event.TypeProfileUpdated) {
		if e.Data.Has("age") {
			hasAge = true
		}
		if e.Data.Has("bodyweight_kg") {
			hasWeight = true
		}
	}
	if len(event.FilterTypes(active, event.TypeBodyweightLogged)) > 0 {
		hasWeight = true
	}
	for _, e := range event.FilterTypes(active, event.TypePreferenceSet) {
		if strings.ToLower(e.Data.String("key")) == "baseline_deferred" {
			return Issue{}, false
		}
	}
	if hasAge && hasWeight {
		return Issue{}, false
	}
	// Only users with actual training data need a baseline.
	sets := event.FilterTypes(active, event.TypeSetLogged)
	if len(sets) == 0 {
		return Issue{}, false
	}
	newest, _ := event.Latest(sets)
	return Issue{
		ID:        InvBaselineUnknown + ":baseline_unknown",
		Invariant: InvBaselineUnknown,
		Severity:  SeverityMedium,
		Detail:    "age or bodyweight baseline is unknown and was not explicitly deferred",
		Metrics: payload.Doc{
			"has_age":        hasAge,
			"has_bodyweight": hasWeight,
		},
		DetectedAt: newest.Timestamp,
	}, true
}

// mentionFields are structured fields a note may mention without the event
// carrying them.
var mentionFields = []string{"rpe", "rest_seconds"}

func (ev *Evaluator) mentionFieldDrift(active []event.Event) (Issue, bool) {
	count := 0
	var newest time.Time
	for _, e := range event.FilterTypes(active, event.TypeSetLogged, event.TypeSessionLogged) {
		notes := strings.ToLower(e.Data.String("notes"))
		if notes == "" {
			continue
		}
		for _, field := range mentionFields {
			mention := strings.Split(field, "_")[0]
			if strings.Contains(notes, mention) && !e.Data.Has(field) {
				count++
				if e.Timestamp.After(newest) {
					newest = e.Timestamp
				}
				break
			}
		}
	}
	if count == 0 {
		return Issue{}, false
	}
	return Issue{
		ID:        InvMentionFieldDrift + ":mention_field_drift",
		Invariant: InvMentionFieldDrift,
		Severity:  SeverityMedium,
		Detail:    "notes mention intensity context that was never persisted into structured fields",
		Metrics: payload.Doc{
			"events_affected": float64(count),
		},
		DetectedAt: newest,
	}, true
}

func (ev *Evaluator) importQuality(active []event.Event) (Issue, bool) {
	var problems []string
	count := 0
	var newest time.Time
	for _, e := range event.FilterTypes(active, event.TypeActivityImported) {
		bad := false
		if fields, ok := e.Data.List("unsupported_fields"); ok && len(fields) > 0 {
			problems = append(problems, "unsupported_fields")
			bad = true
		}
		if conf, ok := e.Data.Float("mapping_confidence"); ok && conf < 0.6 {
			problems = append(problems, "low_confidence_mapping")
			bad = true
		}
		if e.Data.Bool("temporal_uncertainty") {
			problems = append(problems, "temporal_uncertainty")
			bad = true
		}
		if bad {
			count++
			if e.Timestamp.After(newest) {
				newest = e.Timestamp
			}
		}
	}
	if count == 0 {
		return Issue{}, false
	}
	return Issue{
		ID:        InvImportQuality + ":import_quality",
		Invariant: InvImportQuality,
		Severity:  SeverityMedium,
		Detail:    "imported activities carry unsupported fields, low-confidence mappings or temporal uncertainty",
		Metrics: payload.Doc{
			"imports_affected": float64(count),
			"problems":         anyList(dedupeStrings(problems)),
		},
		DetectedAt: newest,
	}, true
}

// anchorFields are accepted intensity anchors for a session block.
var anchorFields = []string{"rpe", "weight_kg", "percentage_1rm"}

func (ev *Evaluator) sessionNoAnchor(active []event.Event) (Issue, bool) {
	count := 0
	var newest time.Time
	for _, e := range event.FilterTypes(active, event.TypeSessionLogged) {
		blocks, ok := e.Data.List("blocks")
		if !ok {
			continue
		}
		for _, b := range blocks {
			block, ok := b.(payload.Doc)
			if !ok {
				continue
			}
			if block.Bool("not_applicable") {
				continue
			}
			anchored := false
			for _, field := range anchorFields {
				if block.Has(field) {
					anchored = true
					break
				}
			}
			if !anchored {
				count++
				if e.Timestamp.After(newest) {
					newest = e.Timestamp
				}
			}
		}
	}
	if count == 0 {
		return Issue{}, false
	}
	return Issue{
		ID:        InvSessionNoAnchor + ":session_missing_anchor",
		Invariant: InvSessionNoAnchor,
		Severity:  SeverityMedium,
		Detail:    "session blocks carry no intensity anchor and were not marked not_applicable",
		Metrics: payload.Doc{
			"blocks_affected": float64(count),
		},
		DetectedAt: newest,
	}, true
}

func anyList(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func dedupeStrings(values []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
