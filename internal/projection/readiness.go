package projection

import (
	"context"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/inference"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/store"
)

// Daily composition weights. Components are normalized to [0,1] before
// weighting; missing components take the population priors below.
const (
	readinessSleepWeight    = 0.45
	readinessEnergyWeight   = 0.35
	readinessSorenessWeight = 0.20
	readinessLoadWeight     = 0.15
	readinessIntercept      = 0.25
)

// Component priors for days with missing inputs.
const (
	priorSleepScore    = 0.66
	priorEnergyScore   = 0.6
	priorSorenessScore = 0.2
	priorLoadScore     = 0.0
)

// Signals rated on a 1..5 scale normalize by this.
const ratingScale = 5.0

// Nominal full night of sleep for score normalization.
const fullSleepHours = 8.0

// Readiness composes daily recovery signals into a readiness score series
// and runs the readiness posterior engine over it.
type Readiness struct {
	engine inference.ReadinessEngine
}

// NewReadiness creates the handler.
func NewReadiness(engine inference.ReadinessEngine) *Readiness {
	return &Readiness{engine: engine}
}

var _ registry.Handler = (*Readiness)(nil)

func (r *Readiness) Dimension() registry.Dimension {
	return registry.Dimension{
		Name:            TypeReadiness,
		Description:     "Daily readiness score composed from sleep, energy, soreness and training load, with a posterior state.",
		ProjectionTypes: []string{TypeReadiness},
		EventTypes: []string{
			event.TypeSleepLogged,
			event.TypeEnergyLogged,
			event.TypeSorenessLogged,
			event.TypeSetLogged,
		},
		KeyShape:    "fixed:" + OverviewKey,
		Granularity: []string{"daily"},
		Related:     []string{TypeRecovery, TypeCausalInsights},
		ContextSeeds: []string{
			"Is today a good day for a heavy session?",
			"Has readiness been trending down?",
		},
		OutputSchema: "daily[], inference{}, as_of, data_quality",
		Manifest:     readinessManifest,
	}
}

// dailySignals is one day's raw component inputs.
type dailySignals struct {
	sleepScore    float64
	sleepKnown    bool
	energyScore   float64
	energyKnown   bool
	sorenessScore float64
	sorenessKnown bool
	volume        float64
}

func (r *Readiness) Recompute(ctx context.Context, req registry.Request) error {
	scope, err := LoadScope(ctx, req,
		event.TypeSleepLogged, event.TypeEnergyLogged,
		event.TypeSorenessLogged, event.TypeSetLogged)
	if err != nil {
		return err
	}
	if len(scope.Events) == 0 {
		return req.Tx.DeleteProjection(ctx, req.UserID, TypeReadiness, OverviewKey)
	}

	quality := NewQualityReport()
	if !scope.TimezoneValid {
		quality.Anomaly("invalid_timezone", "timezone preference does not name a known location; using UTC", nil)
	}

	days := map[string]*dailySignals{}
	day := func(ts time.Time) *dailySignals {
		k := dayKey(ts, scope.Loc)
		d := days[k]
		if d == nil {
			d = &dailySignals{}
			days[k] = d
		}
		return d
	}

	for _, e := range scope.Events {
		switch e.Type {
		case event.TypeSleepLogged:
			d := day(e.Timestamp)
			if hours, ok := e.Data.Float("duration_hours"); ok && hours >= 0 && hours <= 24 {
				d.sleepScore = clampUnit(hours / fullSleepHours)
				d.sleepKnown = true
			} else if q, ok := e.Data.Float("quality"); ok {
				d.sleepScore = clampUnit(q / ratingScale)
				d.sleepKnown = true
			}
		case event.TypeEnergyLogged:
			if level, ok := e.Data.Float("level"); ok {
				d := day(e.Timestamp)
				d.energyScore = clampUnit(level / ratingScale)
				d.energyKnown = true
			}
		case event.TypeSorenessLogged:
			if level, ok := e.Data.Float("level"); ok {
				d := day(e.Timestamp)
				score := clampUnit(level / ratingScale)
				// The worst-reported soreness of the day drives the penalty.
				if !d.sorenessKnown || score > d.sorenessScore {
					d.sorenessScore = score
				}
				d.sorenessKnown = true
			}
		case event.TypeSetLogged:
			weight, wOK := e.Data.Float("weight_kg")
			reps, rOK := e.Data.Float("reps")
			if wOK && rOK && weight > 0 && reps > 0 {
				day(e.Timestamp).volume += weight * reps
			}
		}
	}

	// Load normalizes against the heaviest day on record, so the penalty is
	// relative to the user's own capacity.
	maxVolume := 0.0
	for _, d := range days {
		if d.volume > maxVolume {
			maxVolume = d.volume
		}
	}

	dayKeys := sortedKeys(days)
	scores := make([]float64, 0, len(dayKeys))
	daily := make([]payload.Doc, 0, len(dayKeys))
	for _, k := range dayKeys {
		d := days[k]
		sleep, energy, soreness := priorSleepScore, priorEnergyScore, priorSorenessScore
		if d.sleepKnown {
			sleep = d.sleepScore
		}
		if d.energyKnown {
			energy = d.energyScore
		}
		if d.sorenessKnown {
			soreness = d.sorenessScore
		}
		load := priorLoadScore
		if maxVolume > 0 {
			load = clampUnit(d.volume / maxVolume)
		}
		score := clampUnit(readinessSleepWeight*sleep + readinessEnergyWeight*energy -
			readinessSorenessWeight*soreness - readinessLoadWeight*load + readinessIntercept)
		scores = append(scores, score)
		daily = append(daily, payload.Doc{
			"date":  k,
			"score": round4f(score),
			"components": payload.Doc{
				"sleep_score":      round4f(sleep),
				"energy_score":     round4f(energy),
				"soreness_penalty": round4f(soreness),
				"load_penalty":     round4f(load),
			},
		})
	}

	asOf, _ := scope.AsOf()
	result, inferErr := r.engine.Infer(scores)
	run := store.InferenceRun{
		UserID:      req.UserID,
		ProjType:    TypeReadiness,
		Key:         OverviewKey,
		Engine:      "readiness_shrinkage_v1",
		Status:      "success",
		StartedAt:   asOf,
		CompletedAt: asOf,
	}
	if inferErr != nil {
		run.Status = "error"
		run.ErrorMessage = inferErr.Error()
		run.ErrorTaxonomy = inference.Classify(inferErr)
		result = payload.Doc{
			"engine": "none",
			"status": "error",
			"error":  run.ErrorTaxonomy,
		}
		quality.Anomaly("inference_failed", "readiness engine failed; projection carries the error shape",
			payload.Doc{"taxonomy": run.ErrorTaxonomy})
	} else {
		run.Status = result.String("status")
		if diag, ok := result.Doc("diagnostics"); ok {
			run.Diagnostics = diag
		}
	}
	if err := req.Tx.RecordInferenceRun(ctx, run); err != nil {
		return err
	}

	trimmed := daily
	if len(trimmed) > recentDaysWindow {
		trimmed = trimmed[len(trimmed)-recentDaysWindow:]
	}
	rows := make([]any, 0, len(trimmed))
	for i := len(trimmed) - 1; i >= 0; i-- {
		rows = append(rows, trimmed[i])
	}

	data := payload.Doc{
		"daily":        rows,
		"inference":    result,
		"as_of":        asOf.UTC().Format(time.RFC3339),
		"data_quality": quality.Doc(),
	}
	_, err = req.Tx.UpsertProjection(ctx, req.UserID, TypeReadiness, OverviewKey, data, req.EventID)
	return err
}

func readinessManifest(rows []store.Projection) payload.Doc {
	if len(rows) == 0 {
		return payload.Doc{"tracked": false}
	}
	out := payload.Doc{"tracked": true}
	inf, _ := rows[0].Data.Doc("inference")
	out["status"] = inf.String("status")
	if today, ok := inf.Doc("readiness_today"); ok {
		out["state"] = today.String("state")
		out["mean"] = today.FloatOr("mean", 0)
	}
	return out
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round4f(v float64) float64 {
	return float64(int(v*10000+0.5)) / 10000
}
