package projection

import (
	"testing"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/store"
)

// Retracting a mistyped weigh-in must fully remove it: the replacement is
// the only entry left.
func TestBodyCompositionRetractedWeighIn(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T08:00:00Z")
	inserted := seed(t, st, draft(event.TypeBodyweightLogged, t0, payload.Doc{"weight_kg": 150.0}))
	seed(t, st,
		draft(event.TypeRetracted, t0.Add(time.Minute), payload.Doc{"retracted_event_id": inserted[0].ID}),
		draft(event.TypeBodyweightLogged, t0.Add(2*time.Minute), payload.Doc{"weight_kg": 85.0}),
	)
	recompute(t, NewBodyComposition(), st)

	data := fetch(t, st, TypeBodyComposition, OverviewKey)
	if v := data.FloatOr("current_weight_kg", 0); v != 85 {
		t.Fatalf("current_weight_kg = %v, want 85", v)
	}
	if v := data.FloatOr("total_weigh_ins", 0); v != 1 {
		t.Fatalf("total_weigh_ins = %v, want 1", v)
	}
}

func TestBodyCompositionJumpConflict(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T08:00:00Z")
	seed(t, st,
		draft(event.TypeBodyweightLogged, t0, payload.Doc{"weight_kg": 100.0}),
		draft(event.TypeBodyweightLogged, t0.AddDate(0, 0, 1), payload.Doc{"weight_kg": 93.0}),
	)
	recompute(t, NewBodyComposition(), st)

	data := fetch(t, st, TypeBodyComposition, OverviewKey)
	dq, _ := data.Doc("data_quality")
	conflicts, _ := dq.Doc("temporal_conflicts")
	if v := conflicts.FloatOr("bodyweight_jump", 0); v != 1 {
		t.Fatalf("bodyweight_jump conflicts = %v, want 1", v)
	}
}

func TestBodyCompositionImplausibleExcluded(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T08:00:00Z")
	seed(t, st,
		draft(event.TypeBodyweightLogged, t0, payload.Doc{"weight_kg": 85.0}),
		draft(event.TypeBodyweightLogged, t0.Add(time.Hour), payload.Doc{"weight_kg": 850.0}),
	)
	recompute(t, NewBodyComposition(), st)

	data := fetch(t, st, TypeBodyComposition, OverviewKey)
	if v := data.FloatOr("current_weight_kg", 0); v != 85 {
		t.Fatalf("current_weight_kg = %v, want 85 (implausible value excluded)", v)
	}
	if v := data.FloatOr("total_weigh_ins", 0); v != 1 {
		t.Fatalf("total_weigh_ins = %v, want 1", v)
	}
	dq, _ := data.Doc("data_quality")
	anomaly := firstDoc(t, dq, "anomalies")
	if anomaly.String("code") != "implausible_bodyweight" {
		t.Fatalf("anomaly code = %s", anomaly.String("code"))
	}
}

func TestBodyCompositionMeasurements(t *testing.T) {
	st := store.NewMemory()
	t0 := tAt(t, "2026-03-02T08:00:00Z")
	seed(t, st,
		draft(event.TypeMeasurementLogged, t0, payload.Doc{"site": "waist", "value_cm": 84.0}),
		draft(event.TypeMeasurementLogged, t0.AddDate(0, 0, 7), payload.Doc{"site": "waist", "value_cm": 83.0}),
	)
	recompute(t, NewBodyComposition(), st)

	data := fetch(t, st, TypeBodyComposition, OverviewKey)
	measurements, _ := data.Doc("measurements")
	waist, ok := measurements.Doc("waist")
	if !ok {
		t.Fatalf("waist measurements missing: %v", measurements.Keys())
	}
	if v := waist.FloatOr("current_cm", 0); v != 83 {
		t.Fatalf("current_cm = %v, want 83", v)
	}
	hist, _ := waist.List("history")
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
}
