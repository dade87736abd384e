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

// Strength fits a per-exercise trend over daily best estimated 1RMs. One
// projection row per canonical exercise key.
type Strength struct {
	engine inference.StrengthEngine
}

// NewStrength creates the handler.
func NewStrength(engine inference.StrengthEngine) *Strength {
	return &Strength{engine: engine}
}

var _ registry.Handler = (*Strength)(nil)

func (s *Strength) Dimension() registry.Dimension {
	return registry.Dimension{
		Name:            TypeStrength,
		Description:     "Per-exercise strength trend: posterior slope, current and forecast 1RM with credible intervals.",
		ProjectionTypes: []string{TypeStrength},
		EventTypes: []string{
			event.TypeSetLogged,
			event.TypeSetCorrected,
			event.TypeAliasCreated,
		},
		KeyShape:    "per_exercise",
		Granularity: []string{"daily", "per_exercise"},
		Related:     []string{TypeExerciseProgression, TypeCausalInsights},
		ContextSeeds: []string{
			"Is the squat still improving?",
			"What will the bench press 1RM be in two weeks?",
		},
		OutputSchema: "exercise_id, series[], inference{}, as_of, data_quality",
		Manifest:     strengthManifest,
	}
}

func (s *Strength) Recompute(ctx context.Context, req registry.Request) error {
	scope, err := LoadScope(ctx, req, event.TypeSetLogged, event.TypeSetCorrected)
	if err != nil {
		return err
	}

	corrected := event.ApplyCorrections(
		event.FilterTypes(scope.Events, event.TypeSetLogged),
		event.FilterTypes(scope.Events, event.TypeSetCorrected))

	quality := NewQualityReport()
	if !scope.TimezoneValid {
		quality.Anomaly("invalid_timezone", "timezone preference does not name a known location; using UTC", nil)
	}

	// Best e1RM per exercise per local day.
	byExercise := map[string]map[string]float64{}
	for _, cs := range corrected {
		key := scope.Aliases.ExerciseKey(cs.EffectiveData)
		if key == "" {
			continue
		}
		weight, wOK := cs.EffectiveData.Float("weight_kg")
		reps, rOK := cs.EffectiveData.Float("reps")
		if !wOK || !rOK || weight <= 0 || reps <= 0 {
			continue
		}
		e1rm := Epley(weight, reps)
		days := byExercise[key]
		if days == nil {
			days = map[string]float64{}
			byExercise[key] = days
		}
		d := dayKey(cs.Event.Timestamp, scope.Loc)
		if e1rm > days[d] {
			days[d] = e1rm
		}
	}

	asOf, _ := scope.AsOf()
	wanted := make(map[string]struct{}, len(byExercise))
	for _, key := range sortedKeys(byExercise) {
		wanted[key] = struct{}{}
		days := byExercise[key]

		dayList := sortedKeys(days)
		first, err := parseDay(dayList[0])
		if err != nil {
			return err
		}
		points := make([]inference.Point, 0, len(dayList))
		series := make([]any, 0, len(dayList))
		for _, d := range dayList {
			ts, err := parseDay(d)
			if err != nil {
				return err
			}
			offset := ts.Sub(first).Hours() / 24
			points = append(points, inference.Point{DayOffset: offset, E1RM: days[d]})
			series = append(series, payload.Doc{
				"date":       d,
				"day_offset": offset,
				"e1rm":       round1(days[d]),
			})
		}

		result, inferErr := s.engine.Fit(points)
		run := store.InferenceRun{
			UserID:      req.UserID,
			ProjType:    TypeStrength,
			Key:         key,
			Engine:      "ols_trend_v1",
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
			quality.Anomaly("inference_failed", "strength engine failed for exercise",
				payload.Doc{"exercise_id": key, "taxonomy": run.ErrorTaxonomy})
		} else {
			run.Status = result.String("status")
			if diag, ok := result.Doc("diagnostics"); ok {
				run.Diagnostics = diag
			}
		}
		if err := req.Tx.RecordInferenceRun(ctx, run); err != nil {
			return err
		}

		data := payload.Doc{
			"exercise_id":  key,
			"series":       series,
			"inference":    result,
			"as_of":        asOf.UTC().Format(time.RFC3339),
			"data_quality": quality.Doc(),
		}
		if _, err := req.Tx.UpsertProjection(ctx, req.UserID, TypeStrength, key, data, req.EventID); err != nil {
			return err
		}
	}

	// Alias consolidation and retraction can orphan rows.
	existing, err := req.Tx.ProjectionsByType(ctx, req.UserID, TypeStrength)
	if err != nil {
		return err
	}
	for _, row := range existing {
		if _, keep := wanted[row.Key]; !keep {
			if err := req.Tx.DeleteProjection(ctx, req.UserID, TypeStrength, row.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

func strengthManifest(rows []store.Projection) payload.Doc {
	tracked := make([]any, 0, len(rows))
	for _, row := range rows {
		entry := payload.Doc{"exercise_id": row.Key}
		if inf, ok := row.Data.Doc("inference"); ok {
			entry["status"] = inf.String("status")
			if trend, ok := inf.Doc("trend"); ok {
				entry["slope"] = trend.FloatOr("slope", 0)
			}
		}
		tracked = append(tracked, entry)
	}
	return payload.Doc{
		"tracked_exercises": float64(len(rows)),
		"exercises":         tracked,
	}
}
