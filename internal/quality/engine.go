package quality

import (
	"context"
	"fmt"
	"time"

	"github.com/kurahq/kura/internal/catalog"
	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/store"
)

// TypeQualityHealth is the projection type the engine owns.
const TypeQualityHealth = "quality_health"

// overviewKey is the single row key.
const overviewKey = "overview"

// Engine is the quality_health projection handler: it runs the full closed
// loop on every recompute. Evaluation, proposal and simulation are pure;
// apply appends through the job transaction, so a failed job rolls the
// repair back along with everything else.
type Engine struct {
	evaluator          *Evaluator
	proposer           *Proposer
	simulator          *Simulator
	applier            *Applier
	calibrationEnabled bool
}

// NewEngine wires the loop. The router is the sealed-at-startup handler
// registry; simulation uses it to project repair impact without persisting.
func NewEngine(cat catalog.Catalog, router Router, calibrationEnabled bool) *Engine {
	ev := NewEvaluator(cat)
	return &Engine{
		evaluator:          ev,
		proposer:           NewProposer(cat, ev),
		simulator:          NewSimulator(router, cat),
		applier:            NewApplier(ev),
		calibrationEnabled: calibrationEnabled,
	}
}

var _ registry.Handler = (*Engine)(nil)

func (g *Engine) Dimension() registry.Dimension {
	return registry.Dimension{
		Name:            TypeQualityHealth,
		Description:     "Data-quality loop: open invariant issues, repair proposals and their states, integrity SLOs and the autonomy policy.",
		ProjectionTypes: []string{TypeQualityHealth},
		EventTypes: []string{
			event.TypeSetLogged,
			event.TypeSetCorrected,
			event.TypeSessionLogged,
			event.TypeBodyweightLogged,
			event.TypeActivityImported,
			event.TypePlanCreated,
			event.TypePlanUpdated,
			event.TypePlanArchived,
			event.TypeGoalSet,
			event.TypePreferenceSet,
			event.TypeProfileUpdated,
			event.TypeOnboardingClosed,
			event.TypeAliasCreated,
			event.TypeRetracted,
			event.TypeQualityFixApplied,
			event.TypeQualityFixRejected,
			event.TypeQualityIssueClosed,
			event.TypeLearningSignal,
		},
		KeyShape:    "fixed:" + overviewKey,
		Granularity: []string{"window_7d"},
		ContextSeeds: []string{
			"Are there unresolved data-quality issues?",
			"Is the assistant allowed to act autonomously right now?",
		},
		OutputSchema: "issues[], proposals[], slo{}, autonomy_policy{}, as_of",
		Manifest:     qualityManifest,
	}
}

// Recompute runs evaluate, propose, simulate, gate, apply, verify and
// score, then writes the overview row.
func (g *Engine) Recompute(ctx context.Context, req registry.Request) error {
	events, err := req.Tx.EventsByTypes(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return req.Tx.DeleteProjection(ctx, req.UserID, TypeQualityHealth, overviewKey)
	}
	active := event.ActiveEvents(events)
	newest, _ := event.Latest(active)
	asOf := newest.Timestamp

	issues := g.evaluator.Evaluate(active)
	detectedAt := map[string]time.Time{}
	for _, issue := range issues {
		detectedAt[issue.ID] = issue.DetectedAt
	}

	proposals := g.proposer.Propose(active, issues)
	for i := range proposals {
		p := &proposals[i]
		g.simulator.Simulate(p)
		if p.State == StateRejected {
			continue
		}
		reason := GateAutoApply(*p, false)
		if reason != "" {
			if err := g.applier.RecordRejection(ctx, req.Tx, req.UserID, p, reason, asOf); err != nil {
				return err
			}
			continue
		}
		if err := g.applier.Apply(ctx, req.Tx, req.UserID, p, detectedAt[p.IssueID], asOf); err != nil {
			return err
		}
	}

	// Score against post-repair history so a verified repair is reflected
	// in the same recompute that made it.
	events, err = req.Tx.EventsByTypes(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("reload events: %w", err)
	}
	active = event.ActiveEvents(events)
	if newest, ok := event.Latest(active); ok {
		asOf = newest.Timestamp
	}
	openIssues := g.evaluator.Evaluate(active)
	var eligible []Issue
	for _, issue := range openIssues {
		if issue.Invariant == InvUnresolvedExercise || issue.Invariant == InvTimezoneMissing {
			eligible = append(eligible, issue)
		}
	}
	report := ComputeSLOs(active, eligible, g.calibrationEnabled)

	issueDocs := make([]any, len(openIssues))
	for i, issue := range openIssues {
		issueDocs[i] = issue.Doc()
	}
	proposalDocs := make([]any, len(proposals))
	for i, p := range proposals {
		proposalDocs[i] = p.Doc()
	}
	data := payload.Doc{
		"issues":          issueDocs,
		"proposals":       proposalDocs,
		"slo":             report.Doc,
		"autonomy_policy": AutonomyPolicy(report),
		"gate_policy":     GatePolicy,
		"as_of":           asOf.UTC().Format(time.RFC3339),
	}
	_, err = req.Tx.UpsertProjection(ctx, req.UserID, TypeQualityHealth, overviewKey, data, req.EventID)
	return err
}

func qualityManifest(rows []store.Projection) payload.Doc {
	if len(rows) == 0 {
		return payload.Doc{"tracked": false}
	}
	data := rows[0].Data
	issues, _ := data.List("issues")
	policy, _ := data.Doc("autonomy_policy")
	return payload.Doc{
		"tracked":         true,
		"open_issues":     float64(len(issues)),
		"overall_status":  policy.String("status"),
		"throttle_active": policy.Bool("throttle_active"),
	}
}
