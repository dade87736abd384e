package quality

import (
	"testing"

	"github.com/kurahq/kura/internal/catalog"
	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/inference"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/projection"
	"github.com/kurahq/kura/internal/registry"
)

func testSimulator() *Simulator {
	reg := registry.New()
	projection.RegisterAll(reg, projection.Deps{
		Catalog:   catalog.Default(),
		Strength:  inference.NewOLSTrend(inference.DefaultStrengthConfig()),
		Readiness: inference.NewShrinkage(inference.DefaultReadinessConfig()),
		Causal:    inference.NewIPW(inference.DefaultCausalConfig()),
	})
	return NewSimulator(reg, catalog.Default())
}

// Every impact names the projection type and key shape it would update.
func TestSimulateImpactShape(t *testing.T) {
	s := testSimulator()
	p := &Proposal{
		Tier: TierA,
		Events: []event.Draft{{
			Type: event.TypeAliasCreated,
			Data: payload.Doc{"alias": "kniebeuge", "exercise_id": "barbell_back_squat"},
		}},
		Candidates: []Candidate{{
			Term: "kniebeuge", Target: "barbell_back_squat",
			Source: SourceCatalogVariantExact, Confidence: confidenceVariantExact,
		}},
	}
	s.Simulate(p)

	if p.State != StateSimulatedSafe {
		t.Fatalf("state = %s, want simulated_safe", p.State)
	}
	impacts := p.Simulation.Docs("projection_impacts")
	if len(impacts) == 0 {
		t.Fatalf("no projection impacts recorded")
	}
	found := false
	for _, imp := range impacts {
		if imp.String("change") != "update" {
			t.Fatalf("change = %s, want update: %v", imp.String("change"), imp)
		}
		if imp.String("projection_type") == "" || imp.String("key") == "" {
			t.Fatalf("impact missing projection_type or key: %v", imp)
		}
		if imp.String("projection_type") == projection.TypeExerciseProgression {
			found = true
			if imp.String("key") != "per_exercise" {
				t.Fatalf("progression key = %s, want per_exercise", imp.String("key"))
			}
		}
	}
	if !found {
		t.Fatalf("no impact on %s: %v", projection.TypeExerciseProgression, impacts)
	}
}

// An event type no handler consumes marks the proposal risky with an
// unknown impact.
func TestSimulateUnroutedEventIsUnknown(t *testing.T) {
	s := testSimulator()
	p := &Proposal{
		Tier: TierA,
		Events: []event.Draft{{
			Type: "wearable.hrv_sampled",
			Data: payload.Doc{"rmssd": 62.0},
		}},
	}
	s.Simulate(p)

	if p.State != StateSimulatedRisky {
		t.Fatalf("state = %s, want simulated_risky", p.State)
	}
	impacts := p.Simulation.Docs("projection_impacts")
	if len(impacts) != 1 || impacts[0].String("change") != "unknown" {
		t.Fatalf("impacts = %v, want one unknown", impacts)
	}
}
