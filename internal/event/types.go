// Package event defines the immutable event model and the pure
// transformations every projection handler applies to it: retraction
// filtering, set-correction overlays, alias resolution and fallback session
// grouping.
package event

import (
	"sort"
	"strings"
	"time"

	"github.com/kurahq/kura/internal/payload"
)

// Event types appended by external writers and by the repair engine. The
// catalog is fixed; unknown types are persisted but route to no handler.
const (
	TypeSetLogged          = "set.logged"
	TypeSetCorrected       = "set.corrected"
	TypeSessionLogged      = "session.logged"
	TypeSleepLogged        = "sleep.logged"
	TypeSorenessLogged     = "soreness.logged"
	TypeEnergyLogged       = "energy.logged"
	TypeBodyweightLogged   = "bodyweight.logged"
	TypeMeasurementLogged  = "measurement.logged"
	TypeNutritionLogged    = "nutrition.logged"
	TypeActivityImported   = "activity.imported"
	TypePlanCreated        = "plan.created"
	TypePlanUpdated        = "plan.updated"
	TypePlanArchived       = "plan.archived"
	TypeGoalSet            = "goal.set"
	TypePreferenceSet      = "preference.set"
	TypeProfileUpdated     = "profile.updated"
	TypeInjuryLogged       = "injury.logged"
	TypeInterviewAnswered  = "interview.answered"
	TypeOnboardingClosed   = "workflow.onboarding.closed"
	TypeAliasCreated       = "exercise.alias_created"
	TypeRetracted          = "event.retracted"
	TypeRuleCreated        = "projection_rule.created"
	TypeRuleArchived       = "projection_rule.archived"
	TypeQualityFixApplied  = "quality.fix.applied"
	TypeQualityFixRejected = "quality.fix.rejected"
	TypeQualityIssueClosed = "quality.issue.closed"
	TypeLearningSignal     = "learning.signal.logged"
)

// Event is one immutable fact in a user's history. Events are totally
// ordered per user by (Timestamp, ID).
type Event struct {
	ID        string      `json:"event_id"`
	UserID    string      `json:"user_id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      string      `json:"event_type"`
	Data      payload.Doc `json:"data"`
	Metadata  payload.Doc `json:"metadata"`
}

// Draft is an event not yet persisted. The store assigns identity on append
// and deduplicates by the metadata idempotency key.
type Draft struct {
	Timestamp time.Time   `json:"timestamp"`
	Type      string      `json:"event_type"`
	Data      payload.Doc `json:"data"`
	Metadata  payload.Doc `json:"metadata"`
}

// IdempotencyKey returns metadata.idempotency_key, the universal write
// dedup key, or "".
func (e Event) IdempotencyKey() string {
	return e.Metadata.String("idempotency_key")
}

// SessionID returns metadata.session_id; when present it is the
// authoritative session assignment for a set.
func (e Event) SessionID() string {
	return e.Metadata.String("session_id")
}

// IdempotencyKey of a draft, or "".
func (d Draft) IdempotencyKey() string {
	return d.Metadata.String("idempotency_key")
}

// Before reports the canonical (timestamp, id) order.
func (e Event) Before(other Event) bool {
	if e.Timestamp.Equal(other.Timestamp) {
		return e.ID < other.ID
	}
	return e.Timestamp.Before(other.Timestamp)
}

// SortChronological orders events by (timestamp, id) ascending, the order
// every derivation assumes.
func SortChronological(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Before(events[j])
	})
}

// FilterTypes returns the events whose type is in want, preserving order.
func FilterTypes(events []Event, want ...string) []Event {
	set := make(map[string]struct{}, len(want))
	for _, t := range want {
		set[t] = struct{}{}
	}
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if _, ok := set[e.Type]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Latest returns the chronologically last event, or false when empty.
func Latest(events []Event) (Event, bool) {
	if len(events) == 0 {
		return Event{}, false
	}
	last := events[0]
	for _, e := range events[1:] {
		if last.Before(e) {
			last = e
		}
	}
	return last, true
}

// Timezone returns the user's timezone preference derived from the latest
// preference.set event of key "timezone" or "time_zone". Unknown or missing
// names yield UTC; ok is false when the fallback was taken for a present but
// invalid value.
func Timezone(events []Event) (*time.Location, bool) {
	name := ""
	for _, e := range events {
		if e.Type != TypePreferenceSet {
			continue
		}
		key := strings.ToLower(e.Data.String("key"))
		if key != "timezone" && key != "time_zone" {
			continue
		}
		name = e.Data.String("value")
	}
	if name == "" {
		return time.UTC, true
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, false
	}
	return loc, true
}
