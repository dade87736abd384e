package event

import (
	"testing"
	"time"

	"github.com/kurahq/kura/internal/payload"
)

func aliasEvent(id string, ts time.Time, alias, canonical string) Event {
	return ev(id, TypeAliasCreated, ts, payload.Doc{"alias": alias, "exercise_id": canonical})
}

func TestBuildAliasMap(t *testing.T) {
	t0 := at(t, "2026-03-01T10:00:00Z")
	m := BuildAliasMap([]Event{
		aliasEvent("a1", t0, "Kniebeuge", "barbell_back_squat"),
		aliasEvent("a2", t0.Add(time.Minute), "BP", "barbell_bench_press"),
		// Remap: latest wins.
		aliasEvent("a3", t0.Add(2*time.Minute), "bp", "dumbbell_bench_press"),
	})

	if got := m.Resolve("kniebeuge"); got != "barbell_back_squat" {
		t.Fatalf("Resolve(kniebeuge) = %s", got)
	}
	if got := m.Resolve("BP"); got != "dumbbell_bench_press" {
		t.Fatalf("Resolve(BP) = %s, want remapped canonical", got)
	}
}

func TestResolveChainAndCycle(t *testing.T) {
	m := AliasMap{
		"squats":   "squat",
		"squat":    "barbell_back_squat",
		"loop_a":   "loop_b",
		"loop_b":   "loop_a",
		"deep":     "d1",
		"d1":       "d2",
		"d2":       "d3",
		"d3":       "d4",
		"d4":       "d5",
		"d5":       "d6",
		"d6":       "d7",
		"d7":       "d8",
		"d8":       "d9",
		"d9":       "d10",
		"d10":      "d11",
		"unmapped": "",
	}

	if got := m.Resolve("Squats"); got != "barbell_back_squat" {
		t.Fatalf("chain resolution = %s", got)
	}
	// Cycles terminate at the repeated key instead of spinning.
	if got := m.Resolve("loop_a"); got != "loop_a" && got != "loop_b" {
		t.Fatalf("cycle resolution = %s", got)
	}
	// The depth cap bounds pathological chains.
	if got := m.Resolve("deep"); got == "" {
		t.Fatalf("deep chain resolved to empty")
	}
	if got := m.Resolve("unmapped"); got != "unmapped" {
		t.Fatalf("empty target = %s, want term itself", got)
	}
}

func TestExerciseKeyPrecedence(t *testing.T) {
	m := AliasMap{"kniebeuge": "barbell_back_squat"}

	if got := m.ExerciseKey(payload.Doc{"exercise_id": "Front_Squat", "exercise": "Kniebeuge"}); got != "front_squat" {
		t.Fatalf("explicit exercise_id = %s, want front_squat", got)
	}
	if got := m.ExerciseKey(payload.Doc{"exercise": "Kniebeuge"}); got != "barbell_back_squat" {
		t.Fatalf("alias term = %s", got)
	}
	if got := m.ExerciseKey(payload.Doc{"exercise": "mystery lift"}); got != "mystery lift" {
		t.Fatalf("unknown term = %s, want itself", got)
	}
	if got := m.ExerciseKey(payload.Doc{}); got != "" {
		t.Fatalf("no exercise = %q, want empty", got)
	}
}
