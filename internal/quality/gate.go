package quality

// GatePolicy names the auto-apply policy in effect. The name spells out the
// conjunction so audit records stay self-describing.
const GatePolicy = "tier_a_only_and_state_simulated_safe_and_no_warnings_and_no_unknown_impacts_and_deterministic_source"

// Gate rejection reason codes, in check order.
const (
	RejectEmptyEventBatch          = "empty_event_batch"
	RejectTierNotA                 = "tier_not_a"
	RejectStateNotSimulatedSafe    = "state_not_simulated_safe"
	RejectWarningsPresent          = "warnings_present"
	RejectUnknownProjectionImpacts = "unknown_projection_impacts"
	RejectNonDeterministicSource   = "non_deterministic_source"
	RejectLowConfidenceRepair      = "low_confidence_repair"
	RejectAutonomyThrottled        = "autonomy_throttled"
)

// lowConfidenceFloor is the minimum candidate confidence the gate accepts.
const lowConfidenceFloor = 0.70

// GateAutoApply decides whether the proposal may be applied without human
// confirmation. It returns the first failing reason code, or "" when the
// proposal passes. throttled reflects the autonomy policy at decision time;
// the self-healing recompute path never throttles itself, but embedders
// gating interactive repairs do.
func GateAutoApply(p Proposal, throttled bool) string {
	if len(p.Events) == 0 {
		return RejectEmptyEventBatch
	}
	if p.Tier != TierA {
		return RejectTierNotA
	}
	if p.State != StateSimulatedSafe {
		return RejectStateNotSimulatedSafe
	}
	if warnings, ok := p.Simulation.List("warnings"); ok && len(warnings) > 0 {
		return RejectWarningsPresent
	}
	for _, item := range p.Simulation.Docs("projection_impacts") {
		if item.String("change") == "unknown" {
			return RejectUnknownProjectionImpacts
		}
	}
	for _, c := range p.Candidates {
		if !c.Deterministic() {
			return RejectNonDeterministicSource
		}
	}
	for _, c := range p.Candidates {
		if c.Confidence < lowConfidenceFloor {
			return RejectLowConfidenceRepair
		}
	}
	if throttled {
		return RejectAutonomyThrottled
	}
	return ""
}
