package projection

import (
	"context"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/store"
)

// Recovery folds sleep, soreness and energy signals into a single overview
// row: per-day entries plus trailing averages.
type Recovery struct{}

// NewRecovery creates the handler.
func NewRecovery() *Recovery { return &Recovery{} }

var _ registry.Handler = (*Recovery)(nil)

func (r *Recovery) Dimension() registry.Dimension {
	return registry.Dimension{
		Name:            TypeRecovery,
		Description:     "Sleep, soreness and energy signals: daily entries and trailing averages.",
		ProjectionTypes: []string{TypeRecovery},
		EventTypes: []string{
			event.TypeSleepLogged,
			event.TypeSorenessLogged,
			event.TypeEnergyLogged,
		},
		KeyShape:    "fixed:" + OverviewKey,
		Granularity: []string{"daily"},
		Related:     []string{TypeReadiness, TypeTrainingTimeline},
		ContextSeeds: []string{
			"How has sleep been this week?",
			"Is any body part persistently sore?",
		},
		OutputSchema: "recent_days[], averages{}, latest{}, data_quality",
		Manifest:     recoveryManifest,
	}
}

type recoveryDay struct {
	day      string
	last     time.Time
	sleep    payload.Doc
	energy   payload.Doc
	soreness []any
}

func (r *Recovery) Recompute(ctx context.Context, req registry.Request) error {
	scope, err := LoadScope(ctx, req,
		event.TypeSleepLogged, event.TypeSorenessLogged, event.TypeEnergyLogged)
	if err != nil {
		return err
	}
	if len(scope.Events) == 0 {
		return req.Tx.DeleteProjection(ctx, req.UserID, TypeRecovery, OverviewKey)
	}

	quality := NewQualityReport()
	if !scope.TimezoneValid {
		quality.Anomaly("invalid_timezone", "timezone preference does not name a known location; using UTC", nil)
	}

	days := map[string]*recoveryDay{}
	day := func(ts time.Time) *recoveryDay {
		k := dayKey(ts, scope.Loc)
		d := days[k]
		if d == nil {
			d = &recoveryDay{day: k}
			days[k] = d
		}
		if ts.After(d.last) {
			d.last = ts
		}
		return d
	}

	latest := payload.Doc{}
	for _, e := range scope.Events {
		switch e.Type {
		case event.TypeSleepLogged:
			quality.Observe(e, "duration_hours", "quality", "notes", "bedtime", "wake_time")
			entry := payload.Doc{}
			if hours, ok := e.Data.Float("duration_hours"); ok {
				if hours < 0 || hours > 24 {
					quality.Anomaly("implausible_sleep_duration", "sleep duration outside 0..24 hours",
						payload.Doc{"event_id": e.ID, "duration_hours": hours})
					continue
				}
				entry["duration_hours"] = hours
			}
			if q, ok := e.Data.Float("quality"); ok {
				entry["quality"] = q
			}
			// Latest sleep record on the day wins.
			day(e.Timestamp).sleep = entry
			latest["sleep"] = stamped(entry, e.Timestamp)

		case event.TypeEnergyLogged:
			quality.Observe(e, "level", "notes")
			level, ok := e.Data.Float("level")
			if !ok {
				quality.Anomaly("energy_without_level", "energy.logged carries no level", payload.Doc{"event_id": e.ID})
				continue
			}
			entry := payload.Doc{"level": level}
			day(e.Timestamp).energy = entry
			latest["energy"] = stamped(entry, e.Timestamp)

		case event.TypeSorenessLogged:
			quality.Observe(e, "level", "body_part", "notes")
			level, ok := e.Data.Float("level")
			if !ok {
				quality.Anomaly("soreness_without_level", "soreness.logged carries no level", payload.Doc{"event_id": e.ID})
				continue
			}
			entry := payload.Doc{"level": level}
			if part := e.Data.String("body_part"); part != "" {
				entry["body_part"] = part
			}
			day(e.Timestamp).soreness = append(day(e.Timestamp).soreness, entry)
			latest["soreness"] = stamped(entry, e.Timestamp)
		}
	}

	dayKeys := sortedKeys(days)
	trimmed := dayKeys
	if len(trimmed) > recentDaysWindow {
		trimmed = trimmed[len(trimmed)-recentDaysWindow:]
	}
	recentDays := make([]any, 0, len(trimmed))
	for i := len(trimmed) - 1; i >= 0; i-- {
		d := days[trimmed[i]]
		entry := payload.Doc{"date": d.day}
		if d.sleep != nil {
			entry["sleep"] = d.sleep
		}
		if d.energy != nil {
			entry["energy"] = d.energy
		}
		if d.soreness != nil {
			entry["soreness"] = d.soreness
		}
		recentDays = append(recentDays, entry)
	}

	asOf, _ := scope.AsOf()
	data := payload.Doc{
		"recent_days": recentDays,
		"averages": payload.Doc{
			"sleep_hours_7d":  r.average(days, dayKeys, asOf, scope.Loc, 7, sleepHours),
			"sleep_hours_30d": r.average(days, dayKeys, asOf, scope.Loc, 30, sleepHours),
			"energy_7d":       r.average(days, dayKeys, asOf, scope.Loc, 7, energyLevel),
			"energy_30d":      r.average(days, dayKeys, asOf, scope.Loc, 30, energyLevel),
			"soreness_7d":     r.average(days, dayKeys, asOf, scope.Loc, 7, worstSoreness),
			"soreness_30d":    r.average(days, dayKeys, asOf, scope.Loc, 30, worstSoreness),
		},
		"latest":       latest,
		"as_of":        asOf.UTC().Format(time.RFC3339),
		"data_quality": quality.Doc(),
	}
	_, err = req.Tx.UpsertProjection(ctx, req.UserID, TypeRecovery, OverviewKey, data, req.EventID)
	return err
}

// average folds one signal over days within the trailing window ending at
// asOf; days without the signal are skipped. Nil means no data in window.
func (r *Recovery) average(days map[string]*recoveryDay, keys []string, asOf time.Time, loc *time.Location, window int, pick func(*recoveryDay) (float64, bool)) any {
	cutoff := dayKey(asOf.AddDate(0, 0, -window), loc)
	sum, n := 0.0, 0
	for _, k := range keys {
		if k <= cutoff {
			continue
		}
		if v, ok := pick(days[k]); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return round2f(sum / float64(n))
}

func sleepHours(d *recoveryDay) (float64, bool) {
	if d.sleep == nil {
		return 0, false
	}
	return d.sleep.Float("duration_hours")
}

func energyLevel(d *recoveryDay) (float64, bool) {
	if d.energy == nil {
		return 0, false
	}
	return d.energy.Float("level")
}

// worstSoreness is the maximum reported level on the day.
func worstSoreness(d *recoveryDay) (float64, bool) {
	worst, found := 0.0, false
	for _, s := range d.soreness {
		doc, ok := s.(payload.Doc)
		if !ok {
			continue
		}
		if level, ok := doc.Float("level"); ok && (!found || level > worst) {
			worst = level
			found = true
		}
	}
	return worst, found
}

func stamped(entry payload.Doc, ts time.Time) payload.Doc {
	out := entry.Clone()
	out["timestamp"] = ts.UTC().Format(time.RFC3339)
	return out
}

func recoveryManifest(rows []store.Projection) payload.Doc {
	if len(rows) == 0 {
		return payload.Doc{"tracked": false}
	}
	averages, _ := rows[0].Data.Doc("averages")
	return payload.Doc{
		"tracked":        true,
		"sleep_hours_7d": averages["sleep_hours_7d"],
		"energy_7d":      averages["energy_7d"],
	}
}
