package quality

import (
	"fmt"
	"time"

	"github.com/kurahq/kura/internal/catalog"
	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/registry"
)

// Router exposes handler lookup for simulation. *registry.Registry
// satisfies it.
type Router interface {
	HandlersFor(eventType string) []registry.Handler
}

// Simulator dry-runs a proposal's event batch without persisting anything
// and records the projected impact on the proposal.
type Simulator struct {
	router  Router
	catalog catalog.Catalog
}

// NewSimulator creates a simulator over the handler router and catalog.
func NewSimulator(r Router, cat catalog.Catalog) *Simulator {
	return &Simulator{router: r, catalog: cat}
}

// Simulate validates the batch and transitions the proposal to
// simulated_safe or simulated_risky. Empty batches are rejected outright.
// Safe means: no validation warnings, every event routes to at least one
// handler, and the proposal is tier A.
func (s *Simulator) Simulate(p *Proposal) {
	if len(p.Events) == 0 {
		p.State = StateRejected
		p.ReasonCode = RejectEmptyEventBatch
		return
	}

	var warnings []string
	var impacts []any
	seen := map[string]struct{}{}
	hasUnknown := false

	for _, d := range p.Events {
		warnings = append(warnings, s.validate(d)...)
		handlers := s.router.HandlersFor(d.Type)
		if len(handlers) == 0 {
			hasUnknown = true
			if _, dup := seen["?"+d.Type]; dup {
				continue
			}
			seen["?"+d.Type] = struct{}{}
			impacts = append(impacts, payload.Doc{
				"projection_type": "",
				"key":             "",
				"change":          "unknown",
			})
			continue
		}
		for _, h := range handlers {
			dim := h.Dimension()
			for _, pt := range dim.ProjectionTypes {
				if _, dup := seen[pt]; dup {
					continue
				}
				seen[pt] = struct{}{}
				impacts = append(impacts, payload.Doc{
					"projection_type": pt,
					"key":             dim.KeyShape,
					"change":          "update",
				})
			}
		}
	}

	p.Simulation = payload.Doc{
		"engine":             "in_process_worker",
		"target_endpoint":    "/v1/events/simulate",
		"event_count":        float64(len(p.Events)),
		"warnings":           anyList(warnings),
		"projection_impacts": impacts,
		"notes":              []any{"dry run; no events were persisted"},
	}

	if len(warnings) == 0 && !hasUnknown && p.Tier == TierA {
		p.State = StateSimulatedSafe
	} else {
		p.State = StateSimulatedRisky
	}
}

// validate checks the draft's payload against what it will be asked to do.
func (s *Simulator) validate(d event.Draft) []string {
	var warnings []string
	switch d.Type {
	case event.TypeAliasCreated:
		target := d.Data.String("exercise_id")
		if target == "" {
			warnings = append(warnings, "alias repair without exercise_id")
			break
		}
		if _, ok := s.catalog.Lookup(target); !ok {
			warnings = append(warnings, fmt.Sprintf("alias target %q is not a catalog exercise", target))
		}
	case event.TypePreferenceSet:
		if d.Data.String("key") != "timezone" {
			break
		}
		if _, err := time.LoadLocation(d.Data.String("value")); err != nil {
			warnings = append(warnings, fmt.Sprintf("timezone %q is not loadable", d.Data.String("value")))
		}
	}
	return warnings
}
