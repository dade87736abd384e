package projection

import (
	"context"
	"math"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/inference"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/store"
)

// historyDaysRequired is the trailing context window per causal sample.
const historyDaysRequired = 7

// causalMaxDays bounds the daily context scan to the trailing window.
const causalMaxDays = 180

// Relative calories/protein deviation from baseline counting as a
// nutrition shift.
const nutritionShiftFraction = 0.2

// Extra hours over baseline sleep counting as a sleep intervention.
const sleepInterventionHours = 1.0

// Intervention names, fixed.
const (
	InterventionProgramChange     = "program_change"
	InterventionNutritionShift    = "nutrition_shift"
	InterventionSleepIntervention = "sleep_intervention"
)

// causalInterventions is the evaluation order.
var causalInterventions = []string{
	InterventionProgramChange,
	InterventionNutritionShift,
	InterventionSleepIntervention,
}

// Causal estimates the average treatment effect of behavioral interventions
// on next-day readiness via the IPW estimator.
type Causal struct {
	engine inference.CausalEngine
}

// NewCausal creates the handler.
func NewCausal(engine inference.CausalEngine) *Causal {
	return &Causal{engine: engine}
}

var _ registry.Handler = (*Causal)(nil)

func (c *Causal) Dimension() registry.Dimension {
	return registry.Dimension{
		Name:            TypeCausalInsights,
		Description:     "Average treatment effects of program changes, nutrition shifts and sleep interventions on next-day readiness.",
		ProjectionTypes: []string{TypeCausalInsights},
		EventTypes: []string{
			event.TypeSleepLogged,
			event.TypeEnergyLogged,
			event.TypeSorenessLogged,
			event.TypeSetLogged,
			event.TypeNutritionLogged,
			event.TypePlanCreated,
			event.TypePlanUpdated,
		},
		KeyShape:    "fixed:" + OverviewKey,
		Granularity: []string{"daily"},
		Related:     []string{TypeReadiness, TypeNutrition, TypeTrainingPlan},
		ContextSeeds: []string{
			"Did the program change actually help?",
			"Does extra sleep move next-day readiness?",
		},
		OutputSchema: "interventions{program_change, nutrition_shift, sleep_intervention}, as_of, data_quality",
		Manifest:     causalManifest,
	}
}

// causalDay is one day of rolling context.
type causalDay struct {
	sleepHours float64
	sleepKnown bool
	energy     float64
	soreness   float64
	volume     float64
	protein    float64
	calories   float64
	planChange bool
	readiness  float64
}

func (c *Causal) Recompute(ctx context.Context, req registry.Request) error {
	scope, err := LoadScope(ctx, req,
		event.TypeSleepLogged, event.TypeEnergyLogged, event.TypeSorenessLogged,
		event.TypeSetLogged, event.TypeNutritionLogged,
		event.TypePlanCreated, event.TypePlanUpdated)
	if err != nil {
		return err
	}
	if len(scope.Events) == 0 {
		return req.Tx.DeleteProjection(ctx, req.UserID, TypeCausalInsights, OverviewKey)
	}

	quality := NewQualityReport()
	if !scope.TimezoneValid {
		quality.Anomaly("invalid_timezone", "timezone preference does not name a known location; using UTC", nil)
	}

	days := map[string]*causalDay{}
	day := func(ts time.Time) *causalDay {
		k := dayKey(ts, scope.Loc)
		d := days[k]
		if d == nil {
			d = &causalDay{}
			days[k] = d
		}
		return d
	}

	for _, e := range scope.Events {
		switch e.Type {
		case event.TypeSleepLogged:
			if hours, ok := e.Data.Float("duration_hours"); ok && hours >= 0 && hours <= 24 {
				d := day(e.Timestamp)
				d.sleepHours = hours
				d.sleepKnown = true
			}
		case event.TypeEnergyLogged:
			if level, ok := e.Data.Float("level"); ok {
				day(e.Timestamp).energy = clampUnit(level / ratingScale)
			}
		case event.TypeSorenessLogged:
			if level, ok := e.Data.Float("level"); ok {
				d := day(e.Timestamp)
				if s := clampUnit(level / ratingScale); s > d.soreness {
					d.soreness = s
				}
			}
		case event.TypeSetLogged:
			weight, wOK := e.Data.Float("weight_kg")
			reps, rOK := e.Data.Float("reps")
			if wOK && rOK && weight > 0 && reps > 0 {
				day(e.Timestamp).volume += weight * reps
			}
		case event.TypeNutritionLogged:
			d := day(e.Timestamp)
			if v, ok := e.Data.Float("protein_g"); ok && v >= 0 {
				d.protein += v
			}
			if v, ok := e.Data.Float("calories"); ok && v >= 0 {
				d.calories += v
			}
		case event.TypePlanCreated, event.TypePlanUpdated:
			day(e.Timestamp).planChange = true
		}
	}

	ordered := c.continuousDays(days)
	if len(ordered) > causalMaxDays {
		ordered = ordered[len(ordered)-causalMaxDays:]
	}

	maxVolume := 0.0
	for _, d := range ordered {
		if d.volume > maxVolume {
			maxVolume = d.volume
		}
	}
	for _, d := range ordered {
		sleep := priorSleepScore
		if d.sleepKnown {
			sleep = clampUnit(d.sleepHours / fullSleepHours)
		}
		energy := d.energy
		if energy == 0 {
			energy = priorEnergyScore
		}
		load := priorLoadScore
		if maxVolume > 0 {
			load = clampUnit(d.volume / maxVolume)
		}
		d.readiness = clampUnit(readinessSleepWeight*sleep + readinessEnergyWeight*energy -
			readinessSorenessWeight*d.soreness - readinessLoadWeight*load + readinessIntercept)
	}

	asOf, _ := scope.AsOf()
	interventions := payload.Doc{}
	for _, name := range causalInterventions {
		samples := c.samples(ordered, name, maxVolume)
		result, inferErr := c.engine.Estimate("ATE", samples)
		run := store.InferenceRun{
			UserID:      req.UserID,
			ProjType:    TypeCausalInsights,
			Key:         name,
			Engine:      "ipw_v1",
			Status:      "success",
			StartedAt:   asOf,
			CompletedAt: asOf,
		}
		if inferErr != nil {
			run.Status = "error"
			run.ErrorMessage = inferErr.Error()
			run.ErrorTaxonomy = inference.Classify(inferErr)
			result = payload.Doc{
				"status":   "error",
				"estimand": "ATE",
				"error":    run.ErrorTaxonomy,
			}
			quality.Anomaly("inference_failed", "causal estimator failed for intervention",
				payload.Doc{"intervention": name, "taxonomy": run.ErrorTaxonomy})
		} else {
			run.Status = result.String("status")
			if diag, ok := result.Doc("diagnostics"); ok {
				run.Diagnostics = diag
			}
		}
		if err := req.Tx.RecordInferenceRun(ctx, run); err != nil {
			return err
		}
		interventions[name] = result
	}

	data := payload.Doc{
		"interventions": interventions,
		"outcome":       "next_day_readiness",
		"as_of":         asOf.UTC().Format(time.RFC3339),
		"data_quality":  quality.Doc(),
	}
	_, err = req.Tx.UpsertProjection(ctx, req.UserID, TypeCausalInsights, OverviewKey, data, req.EventID)
	return err
}

// continuousDays orders the observed days and fills calendar gaps with empty
// context so windows stay aligned to real time.
func (c *Causal) continuousDays(days map[string]*causalDay) []*causalDay {
	keys := sortedKeys(days)
	if len(keys) == 0 {
		return nil
	}
	first, err := parseDay(keys[0])
	if err != nil {
		return nil
	}
	last, err := parseDay(keys[len(keys)-1])
	if err != nil {
		return nil
	}
	var out []*causalDay
	for ts := first; !ts.After(last); ts = ts.AddDate(0, 0, 1) {
		d := days[ts.Format("2006-01-02")]
		if d == nil {
			d = &causalDay{}
		}
		out = append(out, d)
	}
	return out
}

// samples forms one IPW sample per day carrying a full trailing window and a
// next day: treatment flag, next-day readiness outcome, and confounders
// (window baselines plus the current day).
func (c *Causal) samples(ordered []*causalDay, intervention string, maxVolume float64) []inference.Sample {
	var out []inference.Sample
	for i := historyDaysRequired; i < len(ordered)-1; i++ {
		window := ordered[i-historyDaysRequired : i]
		cur := ordered[i]

		baseSleep := windowMean(window, func(d *causalDay) float64 { return d.sleepHours })
		baseProtein := windowMean(window, func(d *causalDay) float64 { return d.protein })
		baseCalories := windowMean(window, func(d *causalDay) float64 { return d.calories })

		treated := false
		switch intervention {
		case InterventionProgramChange:
			treated = cur.planChange
		case InterventionNutritionShift:
			treated = (baseCalories > 0 && math.Abs(cur.calories-baseCalories) > nutritionShiftFraction*baseCalories) ||
				(baseProtein > 0 && math.Abs(cur.protein-baseProtein) > nutritionShiftFraction*baseProtein)
		case InterventionSleepIntervention:
			treated = cur.sleepKnown && cur.sleepHours >= baseSleep+sleepInterventionHours
		}

		load := 0.0
		if maxVolume > 0 {
			load = clampUnit(cur.volume / maxVolume)
		}
		out = append(out, inference.Sample{
			Treated: treated,
			Outcome: ordered[i+1].readiness,
			Confounders: map[string]float64{
				"baseline_sleep_hours": baseSleep,
				"baseline_readiness":   windowMean(window, func(d *causalDay) float64 { return d.readiness }),
				"baseline_volume":      windowMean(window, func(d *causalDay) float64 { return d.volume }),
				"baseline_calories":    baseCalories,
				"current_sleep_hours":  cur.sleepHours,
				"current_soreness":     cur.soreness,
				"current_load":         load,
			},
		})
	}
	return out
}

func windowMean(window []*causalDay, pick func(*causalDay) float64) float64 {
	if len(window) == 0 {
		return 0
	}
	sum := 0.0
	for _, d := range window {
		sum += pick(d)
	}
	return sum / float64(len(window))
}

func causalManifest(rows []store.Projection) payload.Doc {
	if len(rows) == 0 {
		return payload.Doc{"tracked": false}
	}
	interventions, _ := rows[0].Data.Doc("interventions")
	out := payload.Doc{"tracked": true}
	for _, name := range causalInterventions {
		if result, ok := interventions.Doc(name); ok {
			entry := payload.Doc{"status": result.String("status")}
			if effect, ok := result.Doc("effect"); ok {
				entry["direction"] = effect.String("direction")
			}
			out[name] = entry
		}
	}
	return out
}
