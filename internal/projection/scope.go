// Package projection implements every dimension handler: full idempotent
// recomputes from filtered event history into upserted read-model rows.
// Handlers share one loading path (retraction filter, alias map, timezone)
// and one data-quality reporting shape.
package projection

import (
	"context"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/registry"
)

// Projection type identifiers, one owner handler each.
const (
	TypeExerciseProgression = "exercise_progression"
	TypeTrainingTimeline    = "training_timeline"
	TypeRecovery            = "recovery"
	TypeBodyComposition     = "body_composition"
	TypeNutrition           = "nutrition"
	TypeTrainingPlan        = "training_plan"
	TypeReadiness           = "readiness"
	TypeStrength            = "strength"
	TypeCausalInsights      = "causal_insights"
	TypeCustom              = "custom"
	TypeQualityHealth       = "quality_health"
	TypeUserProfile         = "user_profile"
)

// OverviewKey is the fixed key of single-row dimensions.
const OverviewKey = "overview"

// Scope is the loaded, retraction-filtered input for one recompute. It is a
// pure function of the user's event history.
type Scope struct {
	UserID string
	// Events are the handler's source events, retraction-filtered, in
	// (timestamp, id) order.
	Events []event.Event
	// Aliases is the retraction-aware alias map.
	Aliases event.AliasMap
	// Loc is the user's timezone preference; UTC when unset.
	Loc *time.Location
	// TimezoneValid is false when a timezone preference exists but names
	// an unknown location (UTC fallback was taken).
	TimezoneValid bool
}

// LoadScope fetches and filters the handler's source events plus the alias
// and timezone context every handler needs.
func LoadScope(ctx context.Context, req registry.Request, sourceTypes ...string) (*Scope, error) {
	fetchTypes := append([]string{
		event.TypeRetracted,
		event.TypeAliasCreated,
		event.TypePreferenceSet,
	}, sourceTypes...)

	all, err := req.Tx.EventsByTypes(ctx, req.UserID, dedupe(fetchTypes)...)
	if err != nil {
		return nil, err
	}
	active := event.ActiveEvents(all)

	loc, tzValid := event.Timezone(active)
	scope := &Scope{
		UserID:        req.UserID,
		Events:        event.FilterTypes(active, sourceTypes...),
		Aliases:       event.BuildAliasMap(active),
		Loc:           loc,
		TimezoneValid: tzValid,
	}
	return scope, nil
}

// AsOf returns the newest source event's timestamp: the deterministic
// "now" handlers use instead of the wall clock.
func (s *Scope) AsOf() (time.Time, bool) {
	last, ok := event.Latest(s.Events)
	if !ok {
		return time.Time{}, false
	}
	return last.Timestamp, true
}

func dedupe(types []string) []string {
	seen := make(map[string]struct{}, len(types))
	out := types[:0]
	for _, t := range types {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
