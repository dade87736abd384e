package projection

import (
	"context"
	"math"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/store"
)

// Plausibility bounds for logged bodyweight. Values outside are excluded
// from aggregates and reported as anomalies.
const (
	bodyweightMinKg = 30.0
	bodyweightMaxKg = 250.0
)

// A day-over-day weight change above this within bodyweightJumpDays is
// reported as a temporal conflict.
const (
	bodyweightJumpKg   = 5.0
	bodyweightJumpDays = 2
)

// measurementHistoryLimit caps per-site measurement history.
const measurementHistoryLimit = 10

// BodyComposition tracks bodyweight and girth measurements under the single
// overview key.
type BodyComposition struct{}

// NewBodyComposition creates the handler.
func NewBodyComposition() *BodyComposition { return &BodyComposition{} }

var _ registry.Handler = (*BodyComposition)(nil)

func (b *BodyComposition) Dimension() registry.Dimension {
	return registry.Dimension{
		Name:            TypeBodyComposition,
		Description:     "Bodyweight and measurement history with plausibility checks.",
		ProjectionTypes: []string{TypeBodyComposition},
		EventTypes: []string{
			event.TypeBodyweightLogged,
			event.TypeMeasurementLogged,
		},
		KeyShape:    "fixed:" + OverviewKey,
		Granularity: []string{"per_entry", "daily"},
		Related:     []string{TypeNutrition, TypeUserProfile},
		ContextSeeds: []string{
			"Is bodyweight trending toward the goal?",
			"When was the last waist measurement?",
		},
		OutputSchema: "current_weight_kg, total_weigh_ins, weight{recent[], delta_7d, delta_30d}, measurements{}, data_quality",
		Manifest:     bodyCompManifest,
	}
}

type weighIn struct {
	ts     time.Time
	weight float64
}

func (b *BodyComposition) Recompute(ctx context.Context, req registry.Request) error {
	scope, err := LoadScope(ctx, req,
		event.TypeBodyweightLogged, event.TypeMeasurementLogged)
	if err != nil {
		return err
	}
	if len(scope.Events) == 0 {
		return req.Tx.DeleteProjection(ctx, req.UserID, TypeBodyComposition, OverviewKey)
	}

	quality := NewQualityReport()
	if !scope.TimezoneValid {
		quality.Anomaly("invalid_timezone", "timezone preference does not name a known location; using UTC", nil)
	}

	var weighIns []weighIn
	measurements := map[string][]payload.Doc{}

	for _, e := range scope.Events {
		switch e.Type {
		case event.TypeBodyweightLogged:
			quality.Observe(e, "weight_kg", "notes", "source")
			weight, ok := e.Data.Float("weight_kg")
			if !ok {
				quality.Anomaly("weigh_in_without_weight", "bodyweight.logged carries no weight_kg", payload.Doc{"event_id": e.ID})
				continue
			}
			if weight < bodyweightMinKg || weight > bodyweightMaxKg {
				quality.Anomaly("implausible_bodyweight", "weight outside the plausible 30..250 kg range",
					payload.Doc{"event_id": e.ID, "weight_kg": weight})
				continue
			}
			if n := len(weighIns); n > 0 {
				prev := weighIns[n-1]
				if e.Timestamp.Sub(prev.ts) <= bodyweightJumpDays*24*time.Hour &&
					math.Abs(weight-prev.weight) > bodyweightJumpKg {
					quality.Conflict("bodyweight_jump")
				}
			}
			weighIns = append(weighIns, weighIn{ts: e.Timestamp, weight: weight})

		case event.TypeMeasurementLogged:
			quality.Observe(e, "site", "value_cm", "notes")
			site := e.Data.String("site")
			value, ok := e.Data.Float("value_cm")
			if site == "" || !ok {
				quality.Anomaly("unusable_measurement", "measurement.logged needs a site and value_cm",
					payload.Doc{"event_id": e.ID})
				continue
			}
			measurements[site] = append(measurements[site], payload.Doc{
				"timestamp": e.Timestamp.UTC().Format(time.RFC3339),
				"value_cm":  value,
			})
		}
	}

	asOf, _ := scope.AsOf()
	data := payload.Doc{
		"total_weigh_ins": float64(len(weighIns)),
		"as_of":           asOf.UTC().Format(time.RFC3339),
		"data_quality":    quality.Doc(),
	}

	if n := len(weighIns); n > 0 {
		current := weighIns[n-1]
		data["current_weight_kg"] = current.weight

		recent := weighIns
		if len(recent) > recentDaysWindow {
			recent = recent[len(recent)-recentDaysWindow:]
		}
		rows := make([]any, 0, len(recent))
		for i := len(recent) - 1; i >= 0; i-- {
			rows = append(rows, payload.Doc{
				"timestamp": recent[i].ts.UTC().Format(time.RFC3339),
				"weight_kg": recent[i].weight,
			})
		}
		weight := payload.Doc{"recent": rows}
		if delta, ok := weightDelta(weighIns, current, 7); ok {
			weight["delta_7d"] = delta
		}
		if delta, ok := weightDelta(weighIns, current, 30); ok {
			weight["delta_30d"] = delta
		}
		data["weight"] = weight
	}

	if len(measurements) > 0 {
		out := payload.Doc{}
		for _, site := range sortedKeys(measurements) {
			hist := measurements[site]
			if len(hist) > measurementHistoryLimit {
				hist = hist[len(hist)-measurementHistoryLimit:]
			}
			rows := make([]any, 0, len(hist))
			for i := len(hist) - 1; i >= 0; i-- {
				rows = append(rows, hist[i])
			}
			out[site] = payload.Doc{
				"current_cm": hist[len(hist)-1].FloatOr("value_cm", 0),
				"history":    rows,
			}
		}
		data["measurements"] = out
	}

	_, err = req.Tx.UpsertProjection(ctx, req.UserID, TypeBodyComposition, OverviewKey, data, req.EventID)
	return err
}

// weightDelta is current weight minus the first weigh-in at or after the
// window start; false when every weigh-in is newer than the window.
func weightDelta(weighIns []weighIn, current weighIn, days int) (float64, bool) {
	cutoff := current.ts.AddDate(0, 0, -days)
	for _, w := range weighIns {
		if !w.ts.Before(cutoff) {
			if w.ts.Equal(current.ts) && w.weight == current.weight {
				return 0, false
			}
			return round1(current.weight - w.weight), true
		}
	}
	return 0, false
}

func bodyCompManifest(rows []store.Projection) payload.Doc {
	if len(rows) == 0 {
		return payload.Doc{"tracked": false}
	}
	data := rows[0].Data
	out := payload.Doc{
		"tracked":         true,
		"total_weigh_ins": data.FloatOr("total_weigh_ins", 0),
	}
	if w, ok := data.Float("current_weight_kg"); ok {
		out["current_weight_kg"] = w
	}
	return out
}
