package projection

import (
	"context"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/store"
)

// nutritionFields are the numeric macros summed per day.
var nutritionFields = []string{"calories", "protein_g", "carbs_g", "fat_g"}

// Nutrition rolls nutrition.logged entries into daily totals and trailing
// averages under the single overview key.
type Nutrition struct{}

// NewNutrition creates the handler.
func NewNutrition() *Nutrition { return &Nutrition{} }

var _ registry.Handler = (*Nutrition)(nil)

func (n *Nutrition) Dimension() registry.Dimension {
	return registry.Dimension{
		Name:            TypeNutrition,
		Description:     "Daily nutrition totals: calories and macros with trailing averages.",
		ProjectionTypes: []string{TypeNutrition},
		EventTypes:      []string{event.TypeNutritionLogged},
		KeyShape:        "fixed:" + OverviewKey,
		Granularity:     []string{"daily"},
		Related:         []string{TypeBodyComposition, TypeCausalInsights},
		ContextSeeds: []string{
			"Is protein intake consistent?",
			"How do calories compare to last week?",
		},
		OutputSchema: "recent_days[], averages{}, total_entries, data_quality",
		Manifest:     nutritionManifest,
	}
}

func (n *Nutrition) Recompute(ctx context.Context, req registry.Request) error {
	scope, err := LoadScope(ctx, req, event.TypeNutritionLogged)
	if err != nil {
		return err
	}
	if len(scope.Events) == 0 {
		return req.Tx.DeleteProjection(ctx, req.UserID, TypeNutrition, OverviewKey)
	}

	quality := NewQualityReport()
	if !scope.TimezoneValid {
		quality.Anomaly("invalid_timezone", "timezone preference does not name a known location; using UTC", nil)
	}

	days := map[string]payload.Doc{}
	entries := 0
	for _, e := range scope.Events {
		quality.Observe(e, "calories", "protein_g", "carbs_g", "fat_g", "meal", "notes")
		usable := false
		d := days[dayKey(e.Timestamp, scope.Loc)]
		if d == nil {
			d = payload.Doc{"date": dayKey(e.Timestamp, scope.Loc), "entries": 0.0}
			days[dayKey(e.Timestamp, scope.Loc)] = d
		}
		for _, f := range nutritionFields {
			v, ok := e.Data.Float(f)
			if !ok {
				continue
			}
			if v < 0 {
				quality.Anomaly("negative_nutrition_value", "nutrition.logged carries a negative macro",
					payload.Doc{"event_id": e.ID, "field": f, "value": v})
				continue
			}
			usable = true
			d[f] = round1(d.FloatOr(f, 0) + v)
		}
		if !usable {
			quality.Anomaly("unusable_nutrition_entry", "nutrition.logged carries no usable macro field",
				payload.Doc{"event_id": e.ID})
			continue
		}
		d["entries"] = d.FloatOr("entries", 0) + 1
		entries++
	}

	dayKeys := sortedKeys(days)
	trimmed := dayKeys
	if len(trimmed) > recentDaysWindow {
		trimmed = trimmed[len(trimmed)-recentDaysWindow:]
	}
	recentDays := make([]any, 0, len(trimmed))
	for i := len(trimmed) - 1; i >= 0; i-- {
		recentDays = append(recentDays, days[trimmed[i]])
	}

	asOf, _ := scope.AsOf()
	averages := payload.Doc{}
	for _, f := range nutritionFields {
		if avg, ok := n.average(days, dayKeys, asOf, scope.Loc, 7, f); ok {
			averages[f+"_7d"] = avg
		}
		if avg, ok := n.average(days, dayKeys, asOf, scope.Loc, 30, f); ok {
			averages[f+"_30d"] = avg
		}
	}

	data := payload.Doc{
		"recent_days":   recentDays,
		"averages":      averages,
		"total_entries": float64(entries),
		"as_of":         asOf.UTC().Format(time.RFC3339),
		"data_quality":  quality.Doc(),
	}
	_, err = req.Tx.UpsertProjection(ctx, req.UserID, TypeNutrition, OverviewKey, data, req.EventID)
	return err
}

// average is the mean daily total over days carrying the field within the
// trailing window ending at asOf.
func (n *Nutrition) average(days map[string]payload.Doc, keys []string, asOf time.Time, loc *time.Location, window int, field string) (float64, bool) {
	cutoff := dayKey(asOf.AddDate(0, 0, -window), loc)
	sum, count := 0.0, 0
	for _, k := range keys {
		if k <= cutoff {
			continue
		}
		if v, ok := days[k].Float(field); ok {
			sum += v
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return round1(sum / float64(count)), true
}

func nutritionManifest(rows []store.Projection) payload.Doc {
	if len(rows) == 0 {
		return payload.Doc{"tracked": false}
	}
	averages, _ := rows[0].Data.Doc("averages")
	return payload.Doc{
		"tracked":       true,
		"calories_7d":   averages["calories_7d"],
		"protein_g_7d":  averages["protein_g_7d"],
		"total_entries": rows[0].Data.FloatOr("total_entries", 0),
	}
}
