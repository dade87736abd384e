package projection

import (
	"testing"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/store"
)

func TestRecoveryDailyFold(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T07:00:00Z")
	seed(t, st,
		draft(event.TypeSleepLogged, t0, payload.Doc{"duration_hours": 7.5, "quality": 4.0}),
		draft(event.TypeEnergyLogged, t0.Add(time.Hour), payload.Doc{"level": 4.0}),
		draft(event.TypeSorenessLogged, t0.Add(2*time.Hour), payload.Doc{"level": 2.0, "body_part": "quads"}),
		draft(event.TypeSorenessLogged, t0.Add(3*time.Hour), payload.Doc{"level": 3.0, "body_part": "lower_back"}),
	)
	recompute(t, NewRecovery(), st)

	data := fetch(t, st, TypeRecovery, OverviewKey)
	day := firstDoc(t, data, "recent_days")
	sleep, _ := day.Doc("sleep")
	if v := sleep.FloatOr("duration_hours", 0); v != 7.5 {
		t.Fatalf("duration_hours = %v, want 7.5", v)
	}
	soreness, _ := day.List("soreness")
	if len(soreness) != 2 {
		t.Fatalf("soreness entries = %d, want 2", len(soreness))
	}

	averages, _ := data.Doc("averages")
	if v, _ := averages.Float("sleep_hours_7d"); v != 7.5 {
		t.Fatalf("sleep_hours_7d = %v, want 7.5", v)
	}
	// The soreness average takes the worst level per day.
	if v, _ := averages.Float("soreness_7d"); v != 3 {
		t.Fatalf("soreness_7d = %v, want 3", v)
	}

	latest, _ := data.Doc("latest")
	energy, _ := latest.Doc("energy")
	if v := energy.FloatOr("level", 0); v != 4 {
		t.Fatalf("latest energy = %v, want 4", v)
	}
}

func TestRecoveryImplausibleSleepAnomaly(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T07:00:00Z")
	seed(t, st, draft(event.TypeSleepLogged, t0, payload.Doc{"duration_hours": 40.0}))
	recompute(t, NewRecovery(), st)

	data := fetch(t, st, TypeRecovery, OverviewKey)
	dq, _ := data.Doc("data_quality")
	anomaly := firstDoc(t, dq, "anomalies")
	if anomaly.String("code") != "implausible_sleep_duration" {
		t.Fatalf("anomaly code = %s", anomaly.String("code"))
	}
}

func TestRecoveryWindowedAverages(t *testing.T) {
	st := store.NewMemory()
	// One old entry outside both the 7 and 30 day windows, one inside.
	seed(t, st,
		draft(event.TypeSleepLogged, tAt(t, "2026-01-01T07:00:00Z"), payload.Doc{"duration_hours": 5.0}),
		draft(event.TypeSleepLogged, tAt(t, "2026-03-02T07:00:00Z"), payload.Doc{"duration_hours": 8.0}),
	)
	recompute(t, NewRecovery(), st)

	data := fetch(t, st, TypeRecovery, OverviewKey)
	averages, _ := data.Doc("averages")
	if v, _ := averages.Float("sleep_hours_7d"); v != 8 {
		t.Fatalf("sleep_hours_7d = %v, want 8", v)
	}
	if v, _ := averages.Float("sleep_hours_30d"); v != 8 {
		t.Fatalf("sleep_hours_30d = %v, want 8 (old entry outside window)", v)
	}
}
