package projection

import (
	"github.com/kurahq/kura/internal/catalog"
	"github.com/kurahq/kura/internal/inference"
	"github.com/kurahq/kura/internal/registry"
)

// Deps are the shared dependencies the handlers need.
type Deps struct {
	Catalog   catalog.Catalog
	Strength  inference.StrengthEngine
	Readiness inference.ReadinessEngine
	Causal    inference.CausalEngine
	// TrainingLoadV2 gates the timeline's Training Load v2 section.
	TrainingLoadV2 bool
}

// RegisterAll registers every dimension handler in the fixed order, seals
// the registry and returns the custom engine for the worker's rule routing.
// Extras (the quality health handler) register before user_profile, which is
// always last: it reads every sibling's rows in the same transaction.
func RegisterAll(reg *registry.Registry, deps Deps, extras ...registry.Handler) *CustomEngine {
	custom := NewCustomEngine()
	reg.Register(NewProgression())
	reg.Register(NewTimeline(deps.Catalog, deps.TrainingLoadV2))
	reg.Register(NewRecovery())
	reg.Register(NewBodyComposition())
	reg.Register(NewNutrition())
	reg.Register(NewTrainingPlan())
	reg.Register(NewReadiness(deps.Readiness))
	reg.Register(NewStrength(deps.Strength))
	reg.Register(NewCausal(deps.Causal))
	reg.Register(custom)
	for _, h := range extras {
		reg.Register(h)
	}
	reg.Register(NewUserProfile(reg))
	reg.Seal()
	return custom
}
