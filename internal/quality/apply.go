package quality

import (
	"context"
	"fmt"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/metrics"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/store"
)

// Applier appends gated repair batches and verifies closure in the same
// transaction. Every append carries a deterministic idempotency key derived
// from the proposal id, so re-running the loop over the same history is a
// no-op.
type Applier struct {
	evaluator *Evaluator
}

// NewApplier creates an applier that re-evaluates with ev after applying.
func NewApplier(ev *Evaluator) *Applier {
	return &Applier{evaluator: ev}
}

// Apply appends the proposal's batch plus its audit trail, then re-reads
// the log and re-evaluates. When the issue no longer reproduces the
// proposal moves to verified_closed, otherwise it stays applied. detectedAt
// is the issue's detection time, recorded for repair-latency SLOs. Event
// timestamps step by one millisecond from asOf so the repair sorts after
// the history that provoked it.
func (a *Applier) Apply(ctx context.Context, tx store.Ops, userID string, p *Proposal, detectedAt, asOf time.Time) error {
	drafts := make([]event.Draft, 0, len(p.Events)+2)
	for n, d := range p.Events {
		draft := d
		draft.Timestamp = asOf.Add(time.Duration(n+1) * time.Millisecond)
		draft.Metadata = payload.Doc{"idempotency_key": p.IdempotencyKey(n)}
		drafts = append(drafts, draft)
	}
	auditAt := asOf.Add(time.Duration(len(p.Events)+1) * time.Millisecond)
	drafts = append(drafts, event.Draft{
		Timestamp: auditAt,
		Type:      event.TypeQualityFixApplied,
		Data: payload.Doc{
			"proposal_id": p.ID,
			"issue_id":    p.IssueID,
			"invariant":   p.Invariant,
			"event_count": float64(len(p.Events)),
			"detected_at": detectedAt.UTC().Format(time.RFC3339),
			"policy":      GatePolicy,
		},
		Metadata: payload.Doc{"idempotency_key": p.auditKey("applied")},
	}, event.Draft{
		Timestamp: auditAt,
		Type:      event.TypeLearningSignal,
		Data: payload.Doc{
			"signal_type": "repair_applied",
			"proposal_id": p.ID,
			"issue_id":    p.IssueID,
		},
		Metadata: payload.Doc{"idempotency_key": p.auditKey("signal")},
	})
	if _, err := tx.AppendEvents(ctx, userID, drafts); err != nil {
		return fmt.Errorf("apply repair %s: %w", p.ID, err)
	}
	p.State = StateApplied

	// Read-after-write verification inside the same transaction.
	events, err := tx.EventsByTypes(ctx, userID)
	if err != nil {
		return fmt.Errorf("verify repair %s: %w", p.ID, err)
	}
	if a.evaluator.IssueOpen(event.ActiveEvents(events), p.IssueID) {
		metrics.RecordRepair(StateApplied)
		return nil
	}

	closedAt := auditAt.Add(time.Millisecond)
	_, err = tx.AppendEvents(ctx, userID, []event.Draft{{
		Timestamp: closedAt,
		Type:      event.TypeQualityIssueClosed,
		Data: payload.Doc{
			"issue_id":    p.IssueID,
			"proposal_id": p.ID,
		},
		Metadata: payload.Doc{"idempotency_key": p.auditKey("closed")},
	}, {
		Timestamp: closedAt,
		Type:      event.TypeLearningSignal,
		Data: payload.Doc{
			"signal_type": "repair_verified_closed",
			"proposal_id": p.ID,
			"issue_id":    p.IssueID,
		},
		Metadata: payload.Doc{"idempotency_key": p.auditKey("verified")},
	}})
	if err != nil {
		return fmt.Errorf("close issue %s: %w", p.IssueID, err)
	}
	p.State = StateVerifiedClosed
	metrics.RecordRepair(StateVerifiedClosed)
	return nil
}

// RecordRejection audits a failed auto-apply gate decision. The proposal
// keeps its simulation state; only the reason code is attached.
func (a *Applier) RecordRejection(ctx context.Context, tx store.Ops, userID string, p *Proposal, reason string, asOf time.Time) error {
	p.ReasonCode = reason
	_, err := tx.AppendEvents(ctx, userID, []event.Draft{{
		Timestamp: asOf.Add(time.Millisecond),
		Type:      event.TypeQualityFixRejected,
		Data: payload.Doc{
			"proposal_id": p.ID,
			"issue_id":    p.IssueID,
			"reason_code": reason,
			"policy":      GatePolicy,
		},
		Metadata: payload.Doc{"idempotency_key": p.auditKey("rejected")},
	}})
	if err != nil {
		return fmt.Errorf("record rejection %s: %w", p.ID, err)
	}
	metrics.RecordRepair(StateAutoApplyRejected)
	return nil
}
