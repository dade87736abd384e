package quality

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/kurahq/kura/internal/catalog"
	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
)

// Proposal states.
const (
	StateProposed          = "proposed"
	StateSimulatedSafe     = "simulated_safe"
	StateSimulatedRisky    = "simulated_risky"
	StateRejected          = "rejected"
	StateApplied           = "applied"
	StateAutoApplyRejected = "auto_apply_rejected"
	StateVerifiedClosed    = "verified_closed"
)

// Proposal tiers. Tier A means every candidate came from a deterministic
// source; only tier A is eligible for auto-apply.
const (
	TierA = "A"
	TierB = "B"
)

// Candidate sources, in attempt order. The first two are deterministic.
const (
	SourceCatalogVariantExact = "catalog_variant_exact"
	SourceCatalogKeySlug      = "catalog_key_slug"
	SourceSlugFallback        = "slug_fallback"
	SourceTimezoneDefault     = "timezone_default"
)

// Candidate source confidences.
const (
	confidenceVariantExact = 0.95
	confidenceKeySlug      = 0.90
	confidenceSlugFallback = 0.55
	confidenceTimezone     = 0.45
)

// Confidence bands.
const (
	BandHigh   = "high"
	BandMedium = "medium"
	BandLow    = "low"
)

// Band maps a confidence to its band: high >= 0.95, medium >= 0.70.
func Band(confidence float64) string {
	switch {
	case confidence >= 0.95:
		return BandHigh
	case confidence >= 0.70:
		return BandMedium
	default:
		return BandLow
	}
}

// deterministicSources are candidate sources eligible for auto-apply.
var deterministicSources = map[string]struct{}{
	SourceCatalogVariantExact: {},
	SourceCatalogKeySlug:      {},
	SourceTimezoneDefault:     {},
}

// Candidate is one repair within a proposal.
type Candidate struct {
	Term       string
	Target     string
	Source     string
	Confidence float64
}

// Deterministic reports whether the candidate's source is deterministic.
func (c Candidate) Deterministic() bool {
	_, ok := deterministicSources[c.Source]
	return ok
}

// Proposal is one repair batch moving through the state machine.
type Proposal struct {
	ID         string
	IssueID    string
	Invariant  string
	Tier       string
	State      string
	ReasonCode string
	Candidates []Candidate
	Events     []event.Draft
	Simulation payload.Doc
}

// Doc renders the proposal for the quality_health projection.
func (p Proposal) Doc() payload.Doc {
	candidates := make([]any, len(p.Candidates))
	for i, c := range p.Candidates {
		candidates[i] = payload.Doc{
			"term":       c.Term,
			"target":     c.Target,
			"source":     c.Source,
			"confidence": c.Confidence,
			"band":       Band(c.Confidence),
		}
	}
	out := payload.Doc{
		"proposal_id": p.ID,
		"issue_id":    p.IssueID,
		"invariant":   p.Invariant,
		"tier":        p.Tier,
		"state":       p.State,
		"event_count": float64(len(p.Events)),
		"candidates":  candidates,
	}
	if p.ReasonCode != "" {
		out["reason_code"] = p.ReasonCode
	}
	if p.Simulation != nil {
		out["simulation"] = p.Simulation
	}
	return out
}

// Proposer turns issues into repair proposals. Only INV-001 and INV-003
// yield proposals today; the mechanism is open for extension.
type Proposer struct {
	catalog   catalog.Catalog
	evaluator *Evaluator
}

// NewProposer creates a proposer over the catalog.
func NewProposer(cat catalog.Catalog, ev *Evaluator) *Proposer {
	return &Proposer{catalog: cat, evaluator: ev}
}

// Propose generates proposals for the given open issues. Proposal ids are
// deterministic digests of the issue and batch shape, so replays produce
// identical proposals and apply deduplicates.
func (p *Proposer) Propose(active []event.Event, issues []Issue) []Proposal {
	var out []Proposal
	for _, issue := range issues {
		switch issue.Invariant {
		case InvUnresolvedExercise:
			out = append(out, p.aliasProposal(active, issue))
		case InvTimezoneMissing:
			out = append(out, p.timezoneProposal(issue))
		}
	}
	return out
}

// aliasProposal resolves each unresolved term through the catalog: exact
// variant match, then key slug match, then slug fallback.
func (p *Proposer) aliasProposal(active []event.Event, issue Issue) Proposal {
	terms, _ := p.evaluator.UnresolvedTerms(active)
	prop := Proposal{
		IssueID:   issue.ID,
		Invariant: issue.Invariant,
		State:     StateProposed,
		Tier:      TierA,
	}
	for _, term := range terms {
		cand := p.resolveTerm(term)
		prop.Candidates = append(prop.Candidates, cand)
		if !cand.Deterministic() {
			prop.Tier = TierB
		}
		prop.Events = append(prop.Events, event.Draft{
			Timestamp: issue.DetectedAt,
			Type:      event.TypeAliasCreated,
			Data: payload.Doc{
				"alias":       term,
				"exercise_id": cand.Target,
				"confidence":  cand.Confidence,
				"repair_provenance": payload.Doc{
					"source_type": cand.Source,
					"confidence":  cand.Confidence,
					"band":        Band(cand.Confidence),
				},
			},
		})
	}
	if len(prop.Events) == 0 {
		prop.State = StateRejected
		prop.ReasonCode = RejectEmptyEventBatch
	}
	prop.ID = proposalID(prop)
	return prop
}

func (p *Proposer) resolveTerm(term string) Candidate {
	if ex, ok := p.catalog.MatchVariant(term); ok {
		return Candidate{Term: term, Target: ex.Key, Source: SourceCatalogVariantExact, Confidence: confidenceVariantExact}
	}
	if ex, ok := p.catalog.MatchKeySlug(term); ok {
		return Candidate{Term: term, Target: ex.Key, Source: SourceCatalogKeySlug, Confidence: confidenceKeySlug}
	}
	return Candidate{Term: term, Target: catalog.Slugify(term), Source: SourceSlugFallback, Confidence: confidenceSlugFallback}
}

// timezoneProposal defaults the missing preference to UTC: always tier B,
// an estimate a human should confirm.
func (p *Proposer) timezoneProposal(issue Issue) Proposal {
	prop := Proposal{
		IssueID:   issue.ID,
		Invariant: issue.Invariant,
		State:     StateProposed,
		Tier:      TierB,
		Candidates: []Candidate{{
			Term:       "timezone",
			Target:     "UTC",
			Source:     SourceTimezoneDefault,
			Confidence: confidenceTimezone,
		}},
		Events: []event.Draft{{
			Timestamp: issue.DetectedAt,
			Type:      event.TypePreferenceSet,
			Data: payload.Doc{
				"key":   "timezone",
				"value": "UTC",
				"repair_provenance": payload.Doc{
					"source_type": "estimated",
					"confidence":  confidenceTimezone,
					"band":        Band(confidenceTimezone),
				},
			},
		}},
	}
	prop.ID = proposalID(prop)
	return prop
}

// proposalID digests the issue id and batch shape. Identical histories
// produce identical ids, which is what makes apply replays idempotent.
func proposalID(p Proposal) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", p.IssueID, p.Tier)
	for _, d := range p.Events {
		fmt.Fprintf(h, "%s|", d.Type)
		for _, k := range d.Data.Keys() {
			if k == "repair_provenance" {
				continue
			}
			fmt.Fprintf(h, "%s=%v|", k, d.Data[k])
		}
	}
	return "prop-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// IdempotencyKey for the nth event of a proposal batch.
func (p Proposal) IdempotencyKey(n int) string {
	return fmt.Sprintf("repair:%s:%d", p.ID, n)
}

func (p Proposal) auditKey(suffix string) string {
	return fmt.Sprintf("repair:%s:%s", p.ID, strings.ToLower(suffix))
}
