package projection

import (
	"context"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/kurahq/kura/internal/catalog"
	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/store"
)

const (
	recentDaysWindow     = 30
	recentSessionsWindow = 30
)

type tlDay struct {
	day        string
	sets       float64
	volume     float64
	activities float64
	topSets    map[string]payload.Doc
}

type tlSession struct {
	key         string
	first       time.Time
	last        time.Time
	sets        float64
	volume      float64
	sessionType string
	durationMin float64
	modalities  map[string]float64
}

// Timeline builds the training_timeline overview: recent days, sessions,
// weekly summaries, frequency averages and streaks across logged sets,
// logged sessions and imported activities.
type Timeline struct {
	catalog catalog.Catalog
	// loadV2 gates Training Load v2. Off emits a disabled stub with the
	// same shape.
	loadV2 bool
}

// NewTimeline creates the handler.
func NewTimeline(cat catalog.Catalog, loadV2 bool) *Timeline {
	return &Timeline{catalog: cat, loadV2: loadV2}
}

var _ registry.Handler = (*Timeline)(nil)

// Dimension implements registry.Handler.
func (t *Timeline) Dimension() registry.Dimension {
	return registry.Dimension{
		Name:            TypeTrainingTimeline,
		Description:     "Aggregated training history: days, sessions, weekly volume, frequency and streaks.",
		ProjectionTypes: []string{TypeTrainingTimeline},
		EventTypes: []string{
			event.TypeSetLogged,
			event.TypeSetCorrected,
			event.TypeSessionLogged,
			event.TypeActivityImported,
		},
		KeyShape:    "fixed:" + OverviewKey,
		Granularity: []string{"daily", "per_session", "weekly"},
		Related:     []string{TypeExerciseProgression, TypeReadiness},
		ContextSeeds: []string{
			"How consistent has training been lately?",
			"Is weekly volume trending up or down?",
		},
		OutputSchema: "recent_days[], recent_sessions[], weekly[], frequency{}, streaks{}, training_load{}, data_quality",
		Manifest:     timelineManifest,
	}
}

// Recompute implements registry.Handler.
func (t *Timeline) Recompute(ctx context.Context, req registry.Request) error {
	scope, err := LoadScope(ctx, req,
		event.TypeSetLogged, event.TypeSetCorrected,
		event.TypeSessionLogged, event.TypeActivityImported)
	if err != nil {
		return err
	}
	if len(scope.Events) == 0 {
		return req.Tx.DeleteProjection(ctx, req.UserID, TypeTrainingTimeline, OverviewKey)
	}

	sets := event.ApplyCorrections(
		event.FilterTypes(scope.Events, event.TypeSetLogged),
		event.FilterTypes(scope.Events, event.TypeSetCorrected))
	sessions := event.FilterTypes(scope.Events, event.TypeSessionLogged)
	activities := event.FilterTypes(scope.Events, event.TypeActivityImported)

	quality := NewQualityReport()
	if !scope.TimezoneValid {
		quality.Anomaly("invalid_timezone", "timezone preference does not name a known location; using UTC", nil)
	}

	days := map[string]*tlDay{}
	sessAggs := map[string]*tlSession{}
	weekly := map[string]payload.Doc{}
	activeMondays := map[string]struct{}{}
	markActive := func(ts time.Time) {
		activeMondays[mondayOf(ts, scope.Loc).Format("2006-01-02")] = struct{}{}
	}

	day := func(ts time.Time) *tlDay {
		k := dayKey(ts, scope.Loc)
		d := days[k]
		if d == nil {
			d = &tlDay{day: k, topSets: map[string]payload.Doc{}}
			days[k] = d
		}
		return d
	}

	keyer := event.NewSessionKeyer(scope.Loc)
	for _, cs := range sets {
		quality.Observe(cs.Event, "exercise", "exercise_id", "weight_kg", "reps", "rpe", "rest_seconds", "notes", "warmup")
		weight, wOK := cs.EffectiveData.Float("weight_kg")
		reps, rOK := cs.EffectiveData.Float("reps")
		volume, e1rm := 0.0, 0.0
		if wOK && rOK && weight > 0 && reps > 0 {
			volume = weight * reps
			e1rm = Epley(weight, reps)
		}

		d := day(cs.Event.Timestamp)
		d.sets++
		d.volume += volume
		exKey := scope.Aliases.ExerciseKey(cs.EffectiveData)
		if exKey != "" && e1rm > 0 {
			top := d.topSets[exKey]
			if top == nil || e1rm > top.FloatOr("e1rm", 0) {
				d.topSets[exKey] = payload.Doc{"weight_kg": weight, "reps": reps, "e1rm": round1(e1rm)}
			}
		}

		skey := keyer.Key(cs.Event)
		sa := sessAggs[skey]
		if sa == nil {
			sa = &tlSession{key: skey, first: cs.Event.Timestamp, modalities: map[string]float64{}}
			sessAggs[skey] = sa
		}
		sa.last = cs.Event.Timestamp
		sa.sets++
		sa.volume += volume
		sa.modalities[t.modality(exKey)] += volume

		week := event.ISOWeek(cs.Event.Timestamp, scope.Loc)
		markActive(cs.Event.Timestamp)
		bumpWeek(weekly, week, "sets", 1)
		bumpWeek(weekly, week, "volume_kg", volume)
	}

	for _, e := range sessions {
		quality.Observe(e, "session_type", "duration_minutes", "notes", "blocks", "perceived_effort")
		day(e.Timestamp)

		// A logged session joins the aggregate its sets built, by explicit
		// session_id or the local day; without sets it stands alone.
		skey := e.SessionID()
		if skey == "" {
			skey = dayKey(e.Timestamp, scope.Loc)
		}
		sa := sessAggs[skey]
		if sa == nil {
			sa = &tlSession{key: skey, first: e.Timestamp, modalities: map[string]float64{}}
			sessAggs[skey] = sa
		}
		if e.Timestamp.Before(sa.first) {
			sa.first = e.Timestamp
		}
		if e.Timestamp.After(sa.last) {
			sa.last = e.Timestamp
		}
		if st := e.Data.String("session_type"); st != "" {
			sa.sessionType = st
		}
		if d, ok := e.Data.Float("duration_minutes"); ok {
			sa.durationMin = d
		}

		week := event.ISOWeek(e.Timestamp, scope.Loc)
		markActive(e.Timestamp)
		bumpWeek(weekly, week, "sessions_logged", 1)
	}

	for _, e := range activities {
		quality.Observe(e, "activity_type", "duration_minutes", "distance_km", "source", "calories", "avg_hr")
		day(e.Timestamp).activities++
		week := event.ISOWeek(e.Timestamp, scope.Loc)
		markActive(e.Timestamp)
		bumpWeek(weekly, week, "activities", 1)
	}

	dayKeys := sortedKeys(days)
	if len(dayKeys) > recentDaysWindow {
		dayKeys = dayKeys[len(dayKeys)-recentDaysWindow:]
	}
	recentDays := make([]any, 0, len(dayKeys))
	for i := len(dayKeys) - 1; i >= 0; i-- {
		d := days[dayKeys[i]]
		top := payload.Doc{}
		for _, ex := range sortedKeys(d.topSets) {
			top[ex] = d.topSets[ex]
		}
		recentDays = append(recentDays, payload.Doc{
			"date":       d.day,
			"sets":       d.sets,
			"volume_kg":  round1(d.volume),
			"activities": d.activities,
			"top_sets":   top,
		})
	}

	ordered := orderSessions(sessAggs)
	trimmed := ordered
	if len(trimmed) > recentSessionsWindow {
		trimmed = trimmed[len(trimmed)-recentSessionsWindow:]
	}
	recentSessions := make([]any, 0, len(trimmed))
	for i := len(trimmed) - 1; i >= 0; i-- {
		sa := trimmed[i]
		entry := payload.Doc{
			"session_key": sa.key,
			"started_at":  sa.first.UTC().Format(time.RFC3339),
			"sets":        sa.sets,
			"volume_kg":   round1(sa.volume),
		}
		if sa.sessionType != "" {
			entry["session_type"] = sa.sessionType
		}
		if sa.durationMin > 0 {
			entry["duration_minutes"] = sa.durationMin
		}
		recentSessions = append(recentSessions, entry)
	}

	weekKeys := sortedKeys(weekly)
	if len(weekKeys) > weeklyWindow {
		weekKeys = weekKeys[len(weekKeys)-weeklyWindow:]
	}
	weeks := lo.Map(weekKeys, func(k string, _ int) any { return weekly[k] })

	asOf, _ := scope.AsOf()
	current, longest := weekStreaks(activeMondays, asOf, scope.Loc)

	data := payload.Doc{
		"recent_days":     recentDays,
		"recent_sessions": recentSessions,
		"weekly":          weeks,
		"frequency": payload.Doc{
			"sessions_per_week_4w":  sessionsPerWeek(ordered, asOf, 4),
			"sessions_per_week_12w": sessionsPerWeek(ordered, asOf, 12),
		},
		"streaks": payload.Doc{
			"current_weeks": float64(current),
			"longest_weeks": float64(longest),
		},
		"training_load": t.trainingLoad(ordered),
		"as_of":         asOf.UTC().Format(time.RFC3339),
		"data_quality":  quality.Doc(),
	}
	_, err = req.Tx.UpsertProjection(ctx, req.UserID, TypeTrainingTimeline, OverviewKey, data, req.EventID)
	return err
}

func (t *Timeline) modality(exerciseKey string) string {
	if t.catalog != nil {
		if ex, ok := t.catalog.Lookup(exerciseKey); ok {
			return ex.Modality
		}
	}
	return "unknown"
}

// trainingLoad computes the Training Load v2 per-session score. The
// disabled stub keeps the identical shape so consumers need no branching.
func (t *Timeline) trainingLoad(ordered []*tlSession) payload.Doc {
	out := payload.Doc{
		"version":  "v2",
		"enabled":  t.loadV2,
		"sessions": []any{},
	}
	if !t.loadV2 {
		out["status"] = "disabled"
		return out
	}
	out["status"] = "active"

	// Reference volume for normalization: the largest session on record.
	maxVolume := 0.0
	for _, sa := range ordered {
		if sa.volume > maxVolume {
			maxVolume = sa.volume
		}
	}
	trimmed := ordered
	if len(trimmed) > recentSessionsWindow {
		trimmed = trimmed[len(trimmed)-recentSessionsWindow:]
	}
	sessions := make([]any, 0, len(trimmed))
	for i := len(trimmed) - 1; i >= 0; i-- {
		sa := trimmed[i]
		score := 0.0
		if maxVolume > 0 {
			score = 100 * sa.volume / maxVolume
		}
		// Confidence falls when modality is unresolved for part of the
		// session volume.
		known := 0.0
		for mod, v := range sa.modalities {
			if mod != "unknown" {
				known += v
			}
		}
		confidence := 1.0
		if sa.volume > 0 {
			confidence = known / sa.volume
		}
		breakdown := payload.Doc{}
		for _, mod := range sortedKeys(sa.modalities) {
			if sa.volume > 0 {
				breakdown[mod] = round2f(sa.modalities[mod] / sa.volume)
			}
		}
		sessions = append(sessions, payload.Doc{
			"session_key":        sa.key,
			"load_score":         round1(score),
			"confidence":         round2f(confidence),
			"modality_breakdown": breakdown,
		})
	}
	out["sessions"] = sessions
	return out
}

func orderSessions(sessAggs map[string]*tlSession) []*tlSession {
	ordered := lo.Values(sessAggs)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].last.Equal(ordered[j].last) {
			return ordered[i].last.Before(ordered[j].last)
		}
		return ordered[i].key < ordered[j].key
	})
	return ordered
}

func bumpWeek(weekly map[string]payload.Doc, week, field string, delta float64) {
	w := weekly[week]
	if w == nil {
		w = payload.Doc{"week": week}
		weekly[week] = w
	}
	w[field] = round1(w.FloatOr(field, 0) + delta)
}

// sessionsPerWeek is the rolling average of sessions per week over the
// trailing window ending at asOf.
func sessionsPerWeek(ordered []*tlSession, asOf time.Time, weeks int) float64 {
	if weeks <= 0 {
		return 0
	}
	cutoff := asOf.AddDate(0, 0, -7*weeks)
	n := 0.0
	for _, sa := range ordered {
		if sa.last.After(cutoff) {
			n++
		}
	}
	return round2f(n / float64(weeks))
}

// mondayOf returns the local Monday starting the week of ts.
func mondayOf(ts time.Time, loc *time.Location) time.Time {
	t := ts.In(loc)
	back := (int(t.Weekday()) + 6) % 7
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -back)
}

// weekStreaks computes the current and longest runs of consecutive active
// weeks, with "current" anchored at the week of asOf. A week is active when
// any training occurred in it.
func weekStreaks(activeMondays map[string]struct{}, asOf time.Time, loc *time.Location) (current, longest int) {
	if len(activeMondays) == 0 {
		return 0, 0
	}
	mondays := make([]time.Time, 0, len(activeMondays))
	for _, k := range sortedKeys(activeMondays) {
		ts, err := parseDay(k)
		if err != nil {
			continue
		}
		mondays = append(mondays, ts)
	}

	run := 0
	for i, m := range mondays {
		if i > 0 && mondays[i-1].AddDate(0, 0, 7).Equal(m) {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}

	anchor := mondayOf(asOf, loc).Format("2006-01-02")
	if len(mondays) > 0 && mondays[len(mondays)-1].Format("2006-01-02") == anchor {
		current = 1
		for i := len(mondays) - 1; i > 0; i-- {
			if mondays[i-1].AddDate(0, 0, 7).Equal(mondays[i]) {
				current++
			} else {
				break
			}
		}
	}
	return current, longest
}

func timelineManifest(rows []store.Projection) payload.Doc {
	if len(rows) == 0 {
		return payload.Doc{"tracked": false}
	}
	data := rows[0].Data
	streaksDoc, _ := data.Doc("streaks")
	freq, _ := data.Doc("frequency")
	return payload.Doc{
		"tracked":              true,
		"current_streak_weeks": streaksDoc.FloatOr("current_weeks", 0),
		"sessions_per_week_4w": freq.FloatOr("sessions_per_week_4w", 0),
	}
}

func round2f(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
