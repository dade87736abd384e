package quality

import (
	"context"
	"testing"
	"time"

	"github.com/kurahq/kura/internal/catalog"
	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/store"
)

func openInvariants(t *testing.T, st *store.Memory) map[string]Issue {
	t.Helper()
	issues := NewEvaluator(catalog.Default()).Evaluate(activeEvents(t, st))
	out := make(map[string]Issue, len(issues))
	for _, issue := range issues {
		out[issue.Invariant] = issue
	}
	return out
}

func TestUnresolvedExerciseIssue(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T10:00:00Z")
	seed(t, st,
		draft(event.TypeSetLogged, t0, payload.Doc{"exercise": "mystery lift", "weight_kg": 50.0, "reps": 5.0}),
		draft(event.TypeSetLogged, t0.Add(time.Hour), payload.Doc{"exercise_id": "barbell_back_squat", "weight_kg": 100.0, "reps": 5.0}),
	)
	issue, open := openInvariants(t, st)[InvUnresolvedExercise]
	if !open {
		t.Fatalf("unresolved exercise issue not open")
	}
	if v := issue.Metrics.FloatOr("term_count", 0); v != 1 {
		t.Fatalf("term_count = %v, want 1", v)
	}
	if !issue.DetectedAt.Equal(t0) {
		t.Fatalf("detected_at = %v, want the offending event's timestamp", issue.DetectedAt)
	}

	// An alias mapping closes the issue.
	seed(t, st, draft(event.TypeAliasCreated, t0.Add(2*time.Hour), payload.Doc{
		"alias": "mystery lift", "exercise_id": "barbell_back_squat",
	}))
	if _, open := openInvariants(t, st)[InvUnresolvedExercise]; open {
		t.Fatalf("issue still open after alias created")
	}
}

func TestTimezoneMissingIssue(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T10:00:00Z")
	seed(t, st, draft(event.TypeSleepLogged, t0, payload.Doc{"duration_hours": 7.5}))
	if _, open := openInvariants(t, st)[InvTimezoneMissing]; !open {
		t.Fatalf("timezone issue not open without a preference")
	}

	seed(t, st, draft(event.TypePreferenceSet, t0.Add(time.Hour), payload.Doc{
		"key": "timezone", "value": "Europe/Berlin",
	}))
	if _, open := openInvariants(t, st)[InvTimezoneMissing]; open {
		t.Fatalf("timezone issue open despite preference")
	}
}

func TestPlanningBeforeOnboardingIssue(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T10:00:00Z")
	seed(t, st, draft(event.TypePlanCreated, t0, payload.Doc{"plan_id": "p1", "name": "5x5"}))
	if _, open := openInvariants(t, st)[InvPlanningBeforeOnboarding]; !open {
		t.Fatalf("planning issue not open")
	}

	seed(t, st, draft(event.TypeOnboardingClosed, t0.Add(time.Hour), payload.Doc{}))
	if _, open := openInvariants(t, st)[InvPlanningBeforeOnboarding]; open {
		t.Fatalf("planning issue open after onboarding closed")
	}
}

func TestPlanningOnboardingOverride(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T10:00:00Z")
	seed(t, st, event.Draft{
		Timestamp: t0,
		Type:      event.TypePlanCreated,
		Data:      payload.Doc{"plan_id": "p1", "name": "5x5"},
		Metadata:  payload.Doc{"onboarding_override": true},
	})
	if _, open := openInvariants(t, st)[InvPlanningBeforeOnboarding]; open {
		t.Fatalf("override did not suppress the planning issue")
	}
}

func TestBaselineUnknownIssue(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T10:00:00Z")
	seed(t, st, draft(event.TypeSetLogged, t0, payload.Doc{"exercise_id": "barbell_back_squat", "weight_kg": 100.0, "reps": 5.0}))
	if _, open := openInvariants(t, st)[InvBaselineUnknown]; !open {
		t.Fatalf("baseline issue not open")
	}

	// Explicit deferral closes it without data.
	seed(t, st, draft(event.TypePreferenceSet, t0.Add(time.Hour), payload.Doc{
		"key": "baseline_deferred", "value": "true",
	}))
	if _, open := openInvariants(t, st)[InvBaselineUnknown]; open {
		t.Fatalf("baseline issue open despite deferral")
	}
}

func TestSessionMissingAnchorIssue(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T10:00:00Z")
	seed(t, st, draft(event.TypeSessionLogged, t0, payload.Doc{
		"blocks": []any{
			payload.Doc{"exercise_id": "barbell_back_squat", "rpe": 8.0},
			payload.Doc{"exercise_id": "pull_up"},
			payload.Doc{"exercise_id": "plank", "not_applicable": true},
		},
	}))
	issue, open := openInvariants(t, st)[InvSessionNoAnchor]
	if !open {
		t.Fatalf("anchor issue not open")
	}
	if v := issue.Metrics.FloatOr("blocks_affected", 0); v != 1 {
		t.Fatalf("blocks_affected = %v, want 1", v)
	}
}

func TestMentionFieldDriftIssue(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T10:00:00Z")
	seed(t, st,
		draft(event.TypeSetLogged, t0, payload.Doc{
			"exercise_id": "barbell_back_squat", "weight_kg": 100.0, "reps": 5.0,
			"notes": "felt like rpe 9 today",
		}),
		draft(event.TypePreferenceSet, t0, payload.Doc{"key": "timezone", "value": "UTC"}),
	)
	if _, open := openInvariants(t, st)[InvMentionFieldDrift]; !open {
		t.Fatalf("drift issue not open for rpe mention without field")
	}
}

func TestImportQualityIssue(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T10:00:00Z")
	seed(t, st, draft(event.TypeActivityImported, t0, payload.Doc{
		"activity_type":      "run",
		"mapping_confidence": 0.4,
	}))
	issue, open := openInvariants(t, st)[InvImportQuality]
	if !open {
		t.Fatalf("import issue not open")
	}
	problems, _ := issue.Metrics.List("problems")
	if len(problems) != 1 || problems[0] != "low_confidence_mapping" {
		t.Fatalf("problems = %v", problems)
	}
}

func TestRetractionClosesIssue(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T10:00:00Z")
	events, err := st.AppendEvents(context.Background(), testUser, []event.Draft{
		draft(event.TypeSetLogged, t0, payload.Doc{"exercise": "mystery lift", "weight_kg": 50.0, "reps": 5.0}),
	})
	if err != nil || len(events) != 1 {
		t.Fatalf("append: %v", err)
	}
	seed(t, st, draft(event.TypeRetracted, t0.Add(time.Hour), payload.Doc{"retracted_event_id": events[0].ID}))
	if _, open := openInvariants(t, st)[InvUnresolvedExercise]; open {
		t.Fatalf("retracted event still opens the issue")
	}
}
