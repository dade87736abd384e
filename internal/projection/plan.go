package projection

import (
	"context"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/store"
)

// TrainingPlan replays plan create/update/archive events into the currently
// active plan. It is the only prescriptive dimension; everything else is
// descriptive history.
type TrainingPlan struct{}

// NewTrainingPlan creates the handler.
func NewTrainingPlan() *TrainingPlan { return &TrainingPlan{} }

var _ registry.Handler = (*TrainingPlan)(nil)

func (p *TrainingPlan) Dimension() registry.Dimension {
	return registry.Dimension{
		Name:            TypeTrainingPlan,
		Description:     "The currently active training plan reconstructed from plan lifecycle events.",
		ProjectionTypes: []string{TypeTrainingPlan},
		EventTypes: []string{
			event.TypePlanCreated,
			event.TypePlanUpdated,
			event.TypePlanArchived,
		},
		KeyShape:    "fixed:" + OverviewKey,
		Granularity: []string{"per_plan"},
		Related:     []string{TypeExerciseProgression, TypeStrength},
		ContextSeeds: []string{
			"What does the current plan prescribe for today?",
			"When was the plan last adjusted?",
		},
		OutputSchema: "active_plan{}, plan_count, archived_count, plans[], data_quality",
		Manifest:     planManifest,
	}
}

type planState struct {
	id        string
	createdAt time.Time
	updatedAt time.Time
	archived  bool
	data      payload.Doc
}

func (p *TrainingPlan) Recompute(ctx context.Context, req registry.Request) error {
	scope, err := LoadScope(ctx, req,
		event.TypePlanCreated, event.TypePlanUpdated, event.TypePlanArchived)
	if err != nil {
		return err
	}
	if len(scope.Events) == 0 {
		return req.Tx.DeleteProjection(ctx, req.UserID, TypeTrainingPlan, OverviewKey)
	}

	quality := NewQualityReport()
	plans := map[string]*planState{}

	for _, e := range scope.Events {
		planID := e.Data.String("plan_id")
		if planID == "" {
			quality.Anomaly("plan_event_without_id", "plan lifecycle event carries no plan_id",
				payload.Doc{"event_id": e.ID, "event_type": e.Type})
			continue
		}
		switch e.Type {
		case event.TypePlanCreated:
			quality.Observe(e, "plan_id", "name", "goal", "days_per_week", "blocks", "notes")
			if _, dup := plans[planID]; dup {
				quality.Conflict("duplicate_plan_created")
				continue
			}
			data := e.Data.Clone()
			delete(data, "plan_id")
			plans[planID] = &planState{
				id:        planID,
				createdAt: e.Timestamp,
				updatedAt: e.Timestamp,
				data:      data,
			}
		case event.TypePlanUpdated:
			quality.Observe(e, "plan_id", "name", "goal", "days_per_week", "blocks", "notes")
			st := plans[planID]
			if st == nil {
				quality.Anomaly("plan_update_without_create", "plan.updated references an unknown plan",
					payload.Doc{"event_id": e.ID, "plan_id": planID})
				continue
			}
			for k, v := range e.Data {
				if k == "plan_id" {
					continue
				}
				st.data[k] = v
			}
			st.updatedAt = e.Timestamp
		case event.TypePlanArchived:
			quality.Observe(e, "plan_id", "reason")
			st := plans[planID]
			if st == nil {
				quality.Anomaly("plan_archive_without_create", "plan.archived references an unknown plan",
					payload.Doc{"event_id": e.ID, "plan_id": planID})
				continue
			}
			st.archived = true
			st.updatedAt = e.Timestamp
		}
	}

	var active *planState
	archived := 0
	summaries := make([]any, 0, len(plans))
	for _, id := range sortedKeys(plans) {
		st := plans[id]
		if st.archived {
			archived++
		} else if active == nil || st.createdAt.After(active.createdAt) ||
			(st.createdAt.Equal(active.createdAt) && st.id > active.id) {
			active = st
		}
		summaries = append(summaries, payload.Doc{
			"plan_id":    st.id,
			"name":       st.data.String("name"),
			"created_at": st.createdAt.UTC().Format(time.RFC3339),
			"archived":   st.archived,
		})
	}

	asOf, _ := scope.AsOf()
	data := payload.Doc{
		"plan_count":     float64(len(plans)),
		"archived_count": float64(archived),
		"plans":          summaries,
		"as_of":          asOf.UTC().Format(time.RFC3339),
		"data_quality":   quality.Doc(),
	}
	if active != nil {
		doc := active.data.Clone()
		doc["plan_id"] = active.id
		doc["created_at"] = active.createdAt.UTC().Format(time.RFC3339)
		doc["updated_at"] = active.updatedAt.UTC().Format(time.RFC3339)
		data["active_plan"] = doc
	}

	_, err = req.Tx.UpsertProjection(ctx, req.UserID, TypeTrainingPlan, OverviewKey, data, req.EventID)
	return err
}

func planManifest(rows []store.Projection) payload.Doc {
	if len(rows) == 0 {
		return payload.Doc{"tracked": false}
	}
	out := payload.Doc{
		"tracked":    true,
		"plan_count": rows[0].Data.FloatOr("plan_count", 0),
	}
	if active, ok := rows[0].Data.Doc("active_plan"); ok {
		out["active_plan"] = active.String("name")
	}
	return out
}
