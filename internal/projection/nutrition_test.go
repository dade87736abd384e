package projection

import (
	"testing"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/store"
)

func TestNutritionDailyTotals(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T08:00:00Z")
	seed(t, st,
		draft(event.TypeNutritionLogged, t0, payload.Doc{"calories": 600.0, "protein_g": 40.0}),
		draft(event.TypeNutritionLogged, t0.Add(6*time.Hour), payload.Doc{"calories": 800.0, "protein_g": 50.0}),
	)
	recompute(t, NewNutrition(), st)

	data := fetch(t, st, TypeNutrition, OverviewKey)
	day := firstDoc(t, data, "recent_days")
	if v := day.FloatOr("calories", 0); v != 1400 {
		t.Fatalf("calories = %v, want 1400", v)
	}
	if v := day.FloatOr("protein_g", 0); v != 90 {
		t.Fatalf("protein_g = %v, want 90", v)
	}
	if v := day.FloatOr("entries", 0); v != 2 {
		t.Fatalf("entries = %v, want 2", v)
	}
	if v := data.FloatOr("total_entries", 0); v != 2 {
		t.Fatalf("total_entries = %v, want 2", v)
	}
	averages, _ := data.Doc("averages")
	if v := averages.FloatOr("calories_7d", 0); v != 1400 {
		t.Fatalf("calories_7d = %v, want 1400", v)
	}
}

func TestNutritionRejectsNegativeAndEmpty(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T08:00:00Z")
	seed(t, st,
		draft(event.TypeNutritionLogged, t0, payload.Doc{"calories": -100.0}),
		draft(event.TypeNutritionLogged, t0.Add(time.Hour), payload.Doc{"meal": "lunch"}),
	)
	recompute(t, NewNutrition(), st)

	data := fetch(t, st, TypeNutrition, OverviewKey)
	if v := data.FloatOr("total_entries", 0); v != 0 {
		t.Fatalf("total_entries = %v, want 0", v)
	}
	dq, _ := data.Doc("data_quality")
	anomalies, _ := dq.List("anomalies")
	// The negative value anomaly plus two unusable-entry anomalies.
	if len(anomalies) != 3 {
		t.Fatalf("anomalies = %d, want 3", len(anomalies))
	}
}
