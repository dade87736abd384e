package projection

import (
	"testing"
	"time"

	"github.com/kurahq/kura/internal/catalog"
	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/store"
)

func timelineHandler(t *testing.T, loadV2 bool) *Timeline {
	t.Helper()
	return NewTimeline(catalog.Default(), loadV2)
}

func TestTimelineDaysAndTopSets(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T10:00:00Z")
	seed(t, st,
		draft(event.TypeSetLogged, t0, payload.Doc{"exercise_id": "barbell_back_squat", "weight_kg": 100.0, "reps": 5.0}),
		draft(event.TypeSetLogged, t0.Add(10*time.Minute), payload.Doc{"exercise_id": "barbell_back_squat", "weight_kg": 110.0, "reps": 3.0}),
		draft(event.TypeActivityImported, t0.Add(6*time.Hour), payload.Doc{"activity_type": "run", "duration_minutes": 30.0}),
	)
	recompute(t, timelineHandler(t, false), st)

	data := fetch(t, st, TypeTrainingTimeline, OverviewKey)
	day := firstDoc(t, data, "recent_days")
	if day.String("date") != "2026-03-02" {
		t.Fatalf("date = %s", day.String("date"))
	}
	if v := day.FloatOr("sets", 0); v != 2 {
		t.Fatalf("sets = %v, want 2", v)
	}
	if v := day.FloatOr("activities", 0); v != 1 {
		t.Fatalf("activities = %v, want 1", v)
	}
	top, _ := day.Doc("top_sets")
	squat, ok := top.Doc("barbell_back_squat")
	if !ok {
		t.Fatalf("top set missing: %v", top.Keys())
	}
	if v := squat.FloatOr("e1rm", 0); v != 121 {
		t.Fatalf("top set e1rm = %v, want 121", v)
	}
}

// Logged sessions surface as recent-session entries: merged into the same
// day's set aggregate when one exists, standalone otherwise.
func TestTimelineLoggedSessionsSurfaceInRecentSessions(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T10:00:00Z")
	seed(t, st,
		draft(event.TypeSetLogged, t0, payload.Doc{"exercise_id": "barbell_back_squat", "weight_kg": 100.0, "reps": 5.0}),
		draft(event.TypeSessionLogged, t0.Add(time.Hour), payload.Doc{"session_type": "strength", "duration_minutes": 55.0}),
		draft(event.TypeSessionLogged, t0.AddDate(0, 0, 1), payload.Doc{"session_type": "mobility", "duration_minutes": 20.0}),
	)
	recompute(t, timelineHandler(t, false), st)

	data := fetch(t, st, TypeTrainingTimeline, OverviewKey)
	sessions := data.Docs("recent_sessions")
	if len(sessions) != 2 {
		t.Fatalf("recent_sessions = %d, want 2", len(sessions))
	}
	// Newest first: the set-less mobility session stands alone.
	if got := sessions[0].String("session_type"); got != "mobility" {
		t.Fatalf("newest session_type = %s, want mobility", got)
	}
	if v := sessions[0].FloatOr("sets", -1); v != 0 {
		t.Fatalf("set-less session sets = %v, want 0", v)
	}
	merged := sessions[1]
	if got := merged.String("session_type"); got != "strength" {
		t.Fatalf("merged session_type = %s, want strength", got)
	}
	if v := merged.FloatOr("sets", 0); v != 1 {
		t.Fatalf("merged sets = %v, want 1", v)
	}
	if v := merged.FloatOr("duration_minutes", 0); v != 55 {
		t.Fatalf("merged duration_minutes = %v, want 55", v)
	}
}

func TestTimelineStreaks(t *testing.T) {
	st := store.NewMemory()
	// Three consecutive training weeks, a gap, then two more ending at the
	// newest event: current streak 2, longest 3.
	var drafts []event.Draft
	mondays := []string{
		"2026-01-05", "2026-01-12", "2026-01-19",
		"2026-02-09", "2026-02-16",
	}
	for _, day := range mondays {
		drafts = append(drafts, draft(event.TypeSetLogged,
			tAt(t, day+"T10:00:00Z"),
			payload.Doc{"exercise": "squat", "weight_kg": 100.0, "reps": 5.0}))
	}
	seed(t, st, drafts...)
	recompute(t, timelineHandler(t, false), st)

	data := fetch(t, st, TypeTrainingTimeline, OverviewKey)
	streaks, _ := data.Doc("streaks")
	if v := streaks.FloatOr("current_weeks", 0); v != 2 {
		t.Fatalf("current_weeks = %v, want 2", v)
	}
	if v := streaks.FloatOr("longest_weeks", 0); v != 3 {
		t.Fatalf("longest_weeks = %v, want 3", v)
	}
}

func TestTimelineTrainingLoadDisabledStub(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T10:00:00Z")
	seed(t, st, draft(event.TypeSetLogged, t0, payload.Doc{"exercise_id": "barbell_back_squat", "weight_kg": 100.0, "reps": 5.0}))
	recompute(t, timelineHandler(t, false), st)

	data := fetch(t, st, TypeTrainingTimeline, OverviewKey)
	load, ok := data.Doc("training_load")
	if !ok {
		t.Fatalf("training_load missing")
	}
	if load.Bool("enabled") {
		t.Fatalf("enabled = true, want false")
	}
	if load.String("status") != "disabled" {
		t.Fatalf("status = %s, want disabled", load.String("status"))
	}
	if _, ok := load.List("sessions"); !ok {
		t.Fatalf("disabled stub must keep the sessions field")
	}
}

func TestTimelineTrainingLoadV2(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T10:00:00Z")
	seed(t, st,
		draft(event.TypeSetLogged, t0, payload.Doc{"exercise_id": "barbell_back_squat", "weight_kg": 100.0, "reps": 5.0}),
		draft(event.TypeSetLogged, t0.AddDate(0, 0, 2), payload.Doc{"exercise_id": "barbell_back_squat", "weight_kg": 100.0, "reps": 10.0}),
	)
	recompute(t, timelineHandler(t, true), st)

	data := fetch(t, st, TypeTrainingTimeline, OverviewKey)
	load, _ := data.Doc("training_load")
	if load.String("status") != "active" {
		t.Fatalf("status = %s, want active", load.String("status"))
	}
	// Sessions are newest first; the larger session scores 100.
	top := firstDoc(t, load, "sessions")
	if v := top.FloatOr("load_score", 0); v != 100 {
		t.Fatalf("load_score = %v, want 100", v)
	}
	if v := top.FloatOr("confidence", 0); v != 1 {
		t.Fatalf("confidence = %v, want 1 (catalog modality known)", v)
	}
	breakdown, _ := top.Doc("modality_breakdown")
	if v := breakdown.FloatOr("strength", 0); v != 1 {
		t.Fatalf("strength share = %v, want 1", v)
	}
}

func TestTimelineEmptyHistoryDeletesRow(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T10:00:00Z")
	inserted := seed(t, st, draft(event.TypeSetLogged, t0, payload.Doc{"exercise": "squat", "weight_kg": 100.0, "reps": 5.0}))
	recompute(t, timelineHandler(t, false), st)

	seed(t, st, draft(event.TypeRetracted, t0.Add(time.Minute), payload.Doc{"retracted_event_id": inserted[0].ID}))
	recompute(t, timelineHandler(t, false), st)
	missing(t, st, TypeTrainingTimeline, OverviewKey)
}
