package projection

import (
	"context"
	"sort"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/store"
)

// ProfileKey is the user_profile projection key.
const ProfileKey = "me"

// profileStaleDays triggers the profile-refresh agenda item when the last
// profile update is older than this relative to the newest event.
const profileStaleDays = 180

// interviewAreas the onboarding interview covers, in presentation order.
var interviewAreas = []string{"goals", "training_history", "injuries", "equipment", "schedule", "nutrition"}

// UserProfile aggregates every other dimension into the three-layer context
// envelope the agent reads: static system capabilities, the user's derived
// state, and a proactive agenda. It registers last so sibling rows are
// already current within the same transaction.
type UserProfile struct {
	registry Registry
}

// Registry is the read surface the profile needs from the handler table.
// Narrower than *registry.Registry so tests can stub it.
type Registry interface {
	Dimensions() map[string]registry.Dimension
	RegisteredEventTypes() []string
	IsRegistered(eventType string) bool
}

// NewUserProfile creates the handler.
func NewUserProfile(reg Registry) *UserProfile {
	return &UserProfile{registry: reg}
}

var _ registry.Handler = (*UserProfile)(nil)

func (u *UserProfile) Dimension() registry.Dimension {
	return registry.Dimension{
		Name:            TypeUserProfile,
		Description:     "The agent's context envelope: system capabilities, user state and proactive agenda.",
		ProjectionTypes: []string{TypeUserProfile},
		// Every data event refreshes the envelope: the profile registers
		// last, so sibling rows are already current in the same transaction.
		EventTypes: []string{
			event.TypeSetLogged,
			event.TypeSetCorrected,
			event.TypeSessionLogged,
			event.TypeSleepLogged,
			event.TypeSorenessLogged,
			event.TypeEnergyLogged,
			event.TypeBodyweightLogged,
			event.TypeMeasurementLogged,
			event.TypeNutritionLogged,
			event.TypeActivityImported,
			event.TypePlanCreated,
			event.TypePlanUpdated,
			event.TypePlanArchived,
			event.TypeGoalSet,
			event.TypePreferenceSet,
			event.TypeProfileUpdated,
			event.TypeInjuryLogged,
			event.TypeInterviewAnswered,
			event.TypeOnboardingClosed,
			event.TypeAliasCreated,
			event.TypeRuleCreated,
			event.TypeRuleArchived,
		},
		KeyShape:    "fixed:" + ProfileKey,
		Granularity: []string{"snapshot"},
		Related:     nil,
		ContextSeeds: []string{
			"What should the agent bring up proactively?",
		},
		OutputSchema: "system{}, user{}, agenda[]",
	}
}

func (u *UserProfile) Recompute(ctx context.Context, req registry.Request) error {
	// The profile folds the full event tail, not just its trigger types:
	// orphaned event types and data volumes come from everything.
	all, err := req.Tx.EventsByTypes(ctx, req.UserID)
	if err != nil {
		return err
	}
	active := event.ActiveEvents(all)
	if len(active) == 0 {
		return req.Tx.DeleteProjection(ctx, req.UserID, TypeUserProfile, ProfileKey)
	}

	rows, err := req.Tx.ProjectionsForUser(ctx, req.UserID)
	if err != nil {
		return err
	}
	byType := map[string][]store.Projection{}
	for _, row := range rows {
		if row.Type == TypeUserProfile {
			continue
		}
		byType[row.Type] = append(byType[row.Type], row)
	}

	asOf, _ := event.Latest(active)
	user, signals := u.userLayer(active, byType)
	data := payload.Doc{
		"system": u.systemLayer(),
		"user":   user,
		"agenda": u.agenda(active, signals),
		"as_of":  asOf.Timestamp.UTC().Format(time.RFC3339),
	}
	_, err = req.Tx.UpsertProjection(ctx, req.UserID, TypeUserProfile, ProfileKey, data, req.EventID)
	return err
}

// systemLayer is identical for every user: what the system can do, sourced
// from the registry.
func (u *UserProfile) systemLayer() payload.Doc {
	dims := u.registry.Dimensions()
	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	sort.Strings(names)

	dimensions := payload.Doc{}
	for _, name := range names {
		dim := dims[name]
		dimensions[name] = payload.Doc{
			"description":   dim.Description,
			"event_types":   anyStrings(dim.EventTypes),
			"key_shape":     dim.KeyShape,
			"granularity":   anyStrings(dim.Granularity),
			"related":       anyStrings(dim.Related),
			"context_seeds": anyStrings(dim.ContextSeeds),
			"output_schema": dim.OutputSchema,
		}
	}

	return payload.Doc{
		"dimensions":             dimensions,
		"registered_event_types": anyStrings(u.registry.RegisteredEventTypes()),
		"interview_guide":        anyStrings(interviewAreas),
		"conventions": payload.Doc{
			"ordering":    "events are totally ordered per user by (timestamp, event_id)",
			"retraction":  "event.retracted removes its target from every derivation",
			"correction":  "set.corrected overlays changed_fields onto the target set",
			"idempotency": "writes deduplicate per user by metadata.idempotency_key",
		},
	}
}

// profileSignals carries cross-layer facts from the user fold to the agenda.
type profileSignals struct {
	onboardingClosed  bool
	lastProfileUpdate time.Time
	newestEvent       time.Time
	unresolved        []string
	lowConfidence     []string
	orphanedTypes     []string
	qualityItems      []any
}

func (u *UserProfile) userLayer(active []event.Event, byType map[string][]store.Projection) (payload.Doc, *profileSignals) {
	signals := &profileSignals{}
	if last, ok := event.Latest(active); ok {
		signals.newestEvent = last.Timestamp
	}

	aliases := payload.Doc{}
	preferences := payload.Doc{}
	goals := []any{}
	profileFields := payload.Doc{}
	injuries := []any{}
	answered := map[string]int{}
	typeCounts := map[string]int{}

	for _, e := range active {
		typeCounts[e.Type]++
		switch e.Type {
		case event.TypeAliasCreated:
			alias := e.Data.String("alias")
			target := e.Data.String("exercise_id")
			if alias == "" || target == "" {
				continue
			}
			entry := payload.Doc{"exercise_id": target, "confidence": e.Data.FloatOr("confidence", 1)}
			aliases[alias] = entry
			if entry.FloatOr("confidence", 1) < 0.7 {
				signals.lowConfidence = append(signals.lowConfidence, alias)
			}
		case event.TypePreferenceSet:
			if key := e.Data.String("key"); key != "" {
				preferences[key] = e.Data["value"]
			}
		case event.TypeGoalSet:
			goal := e.Data.Clone()
			goal["set_at"] = e.Timestamp.UTC().Format(time.RFC3339)
			goals = append(goals, goal)
		case event.TypeProfileUpdated:
			for k, v := range e.Data {
				profileFields[k] = v
			}
			signals.lastProfileUpdate = e.Timestamp
		case event.TypeInjuryLogged:
			injury := e.Data.Clone()
			injury["logged_at"] = e.Timestamp.UTC().Format(time.RFC3339)
			injuries = append(injuries, injury)
		case event.TypeInterviewAnswered:
			if area := e.Data.String("area"); area != "" {
				answered[area]++
			}
		case event.TypeOnboardingClosed:
			signals.onboardingClosed = true
		}
	}

	for _, t := range sortedKeys(typeCounts) {
		if !u.registry.IsRegistered(t) && !systemEventType(t) {
			signals.orphanedTypes = append(signals.orphanedTypes, t)
		}
	}

	coverage := payload.Doc{}
	for _, area := range interviewAreas {
		coverage[area] = payload.Doc{
			"answered": float64(answered[area]),
			"covered":  answered[area] > 0,
		}
	}

	manifest := payload.Doc{}
	dims := u.registry.Dimensions()
	dimNames := make([]string, 0, len(dims))
	for name := range dims {
		dimNames = append(dimNames, name)
	}
	sort.Strings(dimNames)
	for _, name := range dimNames {
		dim := dims[name]
		if dim.Manifest == nil {
			continue
		}
		var dimRows []store.Projection
		for _, pt := range dim.ProjectionTypes {
			dimRows = append(dimRows, byType[pt]...)
		}
		manifest[name] = dim.Manifest(dimRows)
	}

	signals.qualityItems = collectQualityItems(byType)

	return payload.Doc{
		"aliases":            aliases,
		"preferences":        preferences,
		"goals":              goals,
		"profile":            profileFields,
		"injuries":           injuries,
		"dimension_manifest": manifest,
		"interview_coverage": coverage,
		"data_quality_items": signals.qualityItems,
	}, signals
}

// collectQualityItems surfaces actionable anomalies from sibling
// projections' data_quality sections.
func collectQualityItems(byType map[string][]store.Projection) []any {
	var items []any
	for _, projType := range sortedKeys(byType) {
		for _, row := range byType[projType] {
			dq, ok := row.Data.Doc("data_quality")
			if !ok {
				continue
			}
			anomalies, ok := dq.List("anomalies")
			if !ok {
				continue
			}
			for _, a := range anomalies {
				doc, ok := a.(payload.Doc)
				if !ok {
					continue
				}
				item := doc.Clone()
				item["projection_type"] = projType
				item["projection_key"] = row.Key
				items = append(items, item)
			}
		}
	}
	return items
}

// agenda derives the proactive priority items, highest priority first.
func (u *UserProfile) agenda(active []event.Event, signals *profileSignals) []any {
	var agenda []any
	add := func(kind, detail string, priority float64) {
		agenda = append(agenda, payload.Doc{
			"kind":     kind,
			"detail":   detail,
			"priority": priority,
		})
	}

	if !signals.onboardingClosed {
		add("onboarding_needed", "the onboarding interview was never completed", 1)
	}
	if signals.lastProfileUpdate.IsZero() {
		add("profile_missing", "no profile fields have ever been set", 0.9)
	} else if signals.newestEvent.Sub(signals.lastProfileUpdate) > profileStaleDays*24*time.Hour {
		add("profile_refresh_suggested", "profile fields are older than six months", 0.5)
	}

	unresolved := unresolvedExercises(active)
	for _, term := range unresolved {
		add("resolve_exercise", "exercise term "+term+" matches no catalog entry or alias", 0.8)
	}
	for _, alias := range signals.lowConfidence {
		add("confirm_alias", "alias "+alias+" was created with low confidence", 0.6)
	}
	for _, t := range signals.orphanedTypes {
		add("orphaned_event_type", "events of type "+t+" route to no handler", 0.4)
	}
	if len(signals.qualityItems) > 0 {
		add("review_data_quality", "projections report data-quality anomalies", 0.3)
	}
	return agenda
}

// unresolvedExercises lists distinct exercise terms in logged sets that the
// alias map does not know, sorted.
func unresolvedExercises(active []event.Event) []string {
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
		seen[term] = struct{}{}
	}
	return sortedKeys(seen)
}

// systemEventType reports event types that are infrastructure rather than
// user signal; they never count as orphaned.
func systemEventType(t string) bool {
	switch t {
	case event.TypeRetracted,
		event.TypeQualityFixApplied,
		event.TypeQualityFixRejected,
		event.TypeQualityIssueClosed,
		event.TypeLearningSignal:
		return true
	}
	return false
}
