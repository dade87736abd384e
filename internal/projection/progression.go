package projection

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/store"
)

// weeklyWindow is how many trailing ISO weeks rollups keep.
const weeklyWindow = 26

// recentSessionLimit caps the per-exercise recent session list.
const recentSessionLimit = 5

// Epley estimates a one-rep max from a submaximal set.
func Epley(weightKg, reps float64) float64 {
	return weightKg * (1 + reps/30)
}

// Progression builds exercise_progression rows, one per canonical exercise
// key. Alias creation consolidates rows: stale alias-keyed rows are deleted
// on recompute.
type Progression struct{}

// NewProgression creates the handler.
func NewProgression() *Progression { return &Progression{} }

var _ registry.Handler = (*Progression)(nil)

// Dimension implements registry.Handler.
func (p *Progression) Dimension() registry.Dimension {
	return registry.Dimension{
		Name:            TypeExerciseProgression,
		Description:     "Per-exercise strength progression: estimated 1RM history, session and weekly aggregates.",
		ProjectionTypes: []string{TypeExerciseProgression},
		EventTypes: []string{
			event.TypeSetLogged,
			event.TypeSetCorrected,
			event.TypeAliasCreated,
		},
		KeyShape:    "per_exercise",
		Granularity: []string{"per_set", "per_session", "weekly"},
		Related:     []string{TypeStrength, TypeTrainingTimeline},
		ContextSeeds: []string{
			"Which lifts have stalled recently?",
			"What was the best squat session this month?",
		},
		OutputSchema: "exercise_id, best_e1rm{value,timestamp}, totals, weekly[], recent_sessions[], corrections[], data_quality",
		Manifest:     progressionManifest,
	}
}

// Recompute implements registry.Handler.
func (p *Progression) Recompute(ctx context.Context, req registry.Request) error {
	scope, err := LoadScope(ctx, req, event.TypeSetLogged, event.TypeSetCorrected)
	if err != nil {
		return err
	}

	sets := event.FilterTypes(scope.Events, event.TypeSetLogged)
	corrections := event.FilterTypes(scope.Events, event.TypeSetCorrected)
	corrected := event.ApplyCorrections(sets, corrections)

	// Session keys are assigned across all sets chronologically so a
	// mixed-exercise session stays one session.
	keyer := event.NewSessionKeyer(scope.Loc)
	sessionKeys := make(map[string]string, len(corrected))
	for _, cs := range corrected {
		sessionKeys[cs.Event.ID] = keyer.Key(cs.Event)
	}

	byExercise := map[string][]event.CorrectedSet{}
	quality := NewQualityReport()
	if !scope.TimezoneValid {
		quality.Anomaly("invalid_timezone", "timezone preference does not name a known location; using UTC", nil)
	}
	for _, cs := range corrected {
		quality.Observe(cs.Event, "exercise", "exercise_id", "weight_kg", "reps", "rpe", "rest_seconds", "notes", "warmup")
		key := scope.Aliases.ExerciseKey(cs.EffectiveData)
		if key == "" {
			quality.Anomaly("set_without_exercise", "set.logged names no exercise", payload.Doc{"event_id": cs.Event.ID})
			continue
		}
		byExercise[key] = append(byExercise[key], cs)
	}

	wanted := make(map[string]struct{}, len(byExercise))
	for _, key := range sortedKeys(byExercise) {
		wanted[key] = struct{}{}
		data := p.buildExercise(key, byExercise[key], sessionKeys, scope, quality)
		if _, err := req.Tx.UpsertProjection(ctx, req.UserID, TypeExerciseProgression, key, data, req.EventID); err != nil {
			return err
		}
	}

	// Consolidation: remove rows whose key no longer occurs, e.g. alias
	// keys superseded by a canonical key or fully retracted exercises.
	existing, err := req.Tx.ProjectionsByType(ctx, req.UserID, TypeExerciseProgression)
	if err != nil {
		return err
	}
	for _, row := range existing {
		if _, keep := wanted[row.Key]; !keep {
			if err := req.Tx.DeleteProjection(ctx, req.UserID, TypeExerciseProgression, row.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Progression) buildExercise(key string, sets []event.CorrectedSet, sessionKeys map[string]string, scope *Scope, quality *QualityReport) payload.Doc {
	var (
		totalSets   float64
		totalVolume float64
		bestE1RM    float64
		bestAt      time.Time
	)
	type sessionAgg struct {
		key      string
		first    time.Time
		last     time.Time
		sets     []any
		volume   float64
		bestE1RM float64
	}
	sessions := map[string]*sessionAgg{}
	weekly := map[string]payload.Doc{}
	var corrections []any

	for _, cs := range sets {
		weight, wOK := cs.EffectiveData.Float("weight_kg")
		reps, rOK := cs.EffectiveData.Float("reps")
		if !wOK || !rOK || weight <= 0 || reps <= 0 {
			quality.Anomaly("unusable_set", "set lacks a positive weight_kg and reps pair",
				payload.Doc{"event_id": cs.Event.ID, "exercise_id": key})
			continue
		}
		e1rm := Epley(weight, reps)
		volume := weight * reps
		totalSets++
		totalVolume += volume
		if e1rm > bestE1RM {
			bestE1RM = e1rm
			bestAt = cs.Event.Timestamp
		}

		skey := sessionKeys[cs.Event.ID]
		agg := sessions[skey]
		if agg == nil {
			agg = &sessionAgg{key: skey, first: cs.Event.Timestamp}
			sessions[skey] = agg
		}
		agg.last = cs.Event.Timestamp
		agg.volume += volume
		if e1rm > agg.bestE1RM {
			agg.bestE1RM = e1rm
		}
		setDoc := payload.Doc{
			"event_id":  cs.Event.ID,
			"timestamp": cs.Event.Timestamp.UTC().Format(time.RFC3339),
			"weight_kg": weight,
			"reps":      reps,
			"e1rm":      round1(e1rm),
		}
		if rest, ok := cs.EffectiveData.Float("rest_seconds"); ok {
			setDoc["rest_seconds"] = rest
		}
		if rpe, ok := cs.EffectiveData.Float("rpe"); ok {
			setDoc["rpe"] = rpe
		}
		if hist := cs.HistoryDocs(); hist != nil {
			setDoc["corrections"] = hist
		}
		agg.sets = append(agg.sets, setDoc)

		week := event.ISOWeek(cs.Event.Timestamp, scope.Loc)
		w := weekly[week]
		if w == nil {
			w = payload.Doc{"week": week, "sets": 0.0, "volume_kg": 0.0, "best_e1rm": 0.0}
			weekly[week] = w
		}
		w["sets"] = w.FloatOr("sets", 0) + 1
		w["volume_kg"] = round1(w.FloatOr("volume_kg", 0) + volume)
		if e1rm > w.FloatOr("best_e1rm", 0) {
			w["best_e1rm"] = round1(e1rm)
		}

		for _, entry := range cs.History {
			corrections = append(corrections, payload.Doc{
				"target_event_id":     cs.Event.ID,
				"correction_event_id": entry.EventID,
				"field":               entry.Field,
			})
		}
	}

	weekKeys := sortedKeys(weekly)
	if len(weekKeys) > weeklyWindow {
		weekKeys = weekKeys[len(weekKeys)-weeklyWindow:]
	}
	weeks := lo.Map(weekKeys, func(k string, _ int) any { return weekly[k] })

	ordered := lo.Values(sessions)
	// Last sessions by the latest timestamp of the session key.
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].last.Equal(ordered[j].last) {
			return ordered[i].last.Before(ordered[j].last)
		}
		return ordered[i].key < ordered[j].key
	})
	if len(ordered) > recentSessionLimit {
		ordered = ordered[len(ordered)-recentSessionLimit:]
	}
	recent := make([]any, 0, len(ordered))
	for i := len(ordered) - 1; i >= 0; i-- {
		agg := ordered[i]
		recent = append(recent, payload.Doc{
			"session_key": agg.key,
			"started_at":  agg.first.UTC().Format(time.RFC3339),
			"set_count":   float64(len(agg.sets)),
			"volume_kg":   round1(agg.volume),
			"best_e1rm":   round1(agg.bestE1RM),
			"sets":        agg.sets,
		})
	}

	data := payload.Doc{
		"exercise_id":     key,
		"total_sets":      totalSets,
		"total_volume_kg": round1(totalVolume),
		"session_count":   float64(len(sessions)),
		"weekly":          weeks,
		"recent_sessions": recent,
		"data_quality":    quality.Doc(),
	}
	if bestE1RM > 0 {
		data["best_e1rm"] = payload.Doc{
			"value":     round1(bestE1RM),
			"timestamp": bestAt.UTC().Format(time.RFC3339),
		}
	}
	if corrections != nil {
		data["corrections"] = corrections
	}
	return data
}

func progressionManifest(rows []store.Projection) payload.Doc {
	tracked := make([]any, 0, len(rows))
	for _, row := range rows {
		entry := payload.Doc{"exercise_id": row.Key}
		if best, ok := row.Data.Doc("best_e1rm"); ok {
			entry["best_e1rm"] = best.FloatOr("value", 0)
		}
		entry["total_sets"] = row.Data.FloatOr("total_sets", 0)
		tracked = append(tracked, entry)
	}
	return payload.Doc{
		"tracked_exercises": float64(len(rows)),
		"exercises":         tracked,
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

// dayKey formats a timestamp as the user-local calendar day.
func dayKey(ts time.Time, loc *time.Location) string {
	return event.LocalDay(ts, loc)
}

// fmtDay is a shared date parse helper for day keys.
func parseDay(day string) (time.Time, error) {
	ts, err := time.Parse("2006-01-02", day)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day %q: %w", day, err)
	}
	return ts, nil
}
