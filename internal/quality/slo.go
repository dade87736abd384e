package quality

import (
	"math"
	"sort"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
)

// SLO statuses, ordered by severity.
const (
	StatusHealthy  = "healthy"
	StatusMonitor  = "monitor"
	StatusDegraded = "degraded"
)

// sloWindowDays is the trailing evaluation window, anchored at the newest
// event rather than the clock so replays score identically.
const sloWindowDays = 7

// SLO thresholds.
const (
	unresolvedHealthyPct = 2.0
	unresolvedMonitorPct = 5.0
	mismatchMonitorPct   = 1.0
	latencyHealthyHours  = 24.0
	latencyMonitorHours  = 48.0
	calibHealthyPct      = 5.0
	calibMonitorPct      = 15.0
)

// SLOReport is the scored data-integrity and calibration picture.
type SLOReport struct {
	Doc               payload.Doc
	IntegrityStatus   string
	CalibrationStatus string
}

// Overall is the worse of integrity and calibration.
func (r SLOReport) Overall() string {
	return worstStatus(r.IntegrityStatus, r.CalibrationStatus)
}

func statusRank(s string) int {
	switch s {
	case StatusDegraded:
		return 2
	case StatusMonitor:
		return 1
	default:
		return 0
	}
}

func worstStatus(statuses ...string) string {
	worst := StatusHealthy
	for _, s := range statuses {
		if statusRank(s) > statusRank(worst) {
			worst = s
		}
	}
	return worst
}

// ComputeSLOs scores the trailing window of active history. openIssues are
// the currently open proposal-eligible issues; their ages count toward
// repair latency so an unrepaired issue cannot hide from the p50.
// calibrationEnabled pins the calibration SLO healthy when correction-rate
// tracking is switched off.
func ComputeSLOs(active []event.Event, openIssues []Issue, calibrationEnabled bool) SLOReport {
	newest, ok := event.Latest(active)
	if !ok {
		return SLOReport{
			Doc:               payload.Doc{"window_days": float64(sloWindowDays)},
			IntegrityStatus:   StatusHealthy,
			CalibrationStatus: StatusHealthy,
		}
	}
	asOf := newest.Timestamp
	cutoff := asOf.AddDate(0, 0, -sloWindowDays)
	inWindow := func(e event.Event) bool { return e.Timestamp.After(cutoff) }

	unresolved := unresolvedRate(active, inWindow)
	mismatch := saveClaimMismatch(active, inWindow)
	latency := repairLatencyP50(active, openIssues, asOf, inWindow)
	calibration := calibrationRate(active, inWindow, calibrationEnabled)

	unresolvedStatus := bandPct(unresolved, unresolvedHealthyPct, unresolvedMonitorPct)
	mismatchStatus := bandPct(mismatch, 0, mismatchMonitorPct)
	latencyStatus := bandPct(latency, latencyHealthyHours, latencyMonitorHours)
	calibrationStatus := StatusHealthy
	if calibrationEnabled {
		calibrationStatus = bandPct(calibration, calibHealthyPct, calibMonitorPct)
	}
	integrity := worstStatus(unresolvedStatus, mismatchStatus, latencyStatus)

	doc := payload.Doc{
		"window_days": float64(sloWindowDays),
		"as_of":       asOf.UTC().Format(time.RFC3339),
		"unresolved_exercise_rate": payload.Doc{
			"value_pct":   round2f(unresolved),
			"status":      unresolvedStatus,
			"healthy_max": unresolvedHealthyPct,
			"monitor_max": unresolvedMonitorPct,
		},
		"save_claim_mismatch": payload.Doc{
			"value_pct":   round2f(mismatch),
			"status":      mismatchStatus,
			"healthy_max": 0.0,
			"monitor_max": mismatchMonitorPct,
		},
		"repair_latency_p50": payload.Doc{
			"value_hours": round2f(latency),
			"status":      latencyStatus,
			"healthy_max": latencyHealthyHours,
			"monitor_max": latencyMonitorHours,
		},
		"calibration": payload.Doc{
			"value_pct":        round2f(calibration),
			"status":           calibrationStatus,
			"tracking_enabled": calibrationEnabled,
			"healthy_max":      calibHealthyPct,
			"monitor_max":      calibMonitorPct,
		},
		"integrity_status": integrity,
		"overall_status":   worstStatus(integrity, calibrationStatus),
	}
	return SLOReport{Doc: doc, IntegrityStatus: integrity, CalibrationStatus: calibrationStatus}
}

// bandPct maps a value to healthy, monitor or degraded against inclusive
// ceilings.
func bandPct(value, healthyMax, monitorMax float64) string {
	switch {
	case value <= healthyMax:
		return StatusHealthy
	case value <= monitorMax:
		return StatusMonitor
	default:
		return StatusDegraded
	}
}

func unresolvedRate(active []event.Event, inWindow func(event.Event) bool) float64 {
	aliases := event.BuildAliasMap(active)
	total, bad := 0, 0
	for _, e := range event.FilterTypes(active, event.TypeSetLogged) {
		if !inWindow(e) {
			continue
		}
		total++
		if e.Data.String("exercise_id") != "" {
			continue
		}
		term := e.Data.String("exercise")
		if term == "" || !aliases.Known(term) {
			bad++
		}
	}
	if total == 0 {
		return 0
	}
	return 100 * float64(bad) / float64(total)
}

// saveClaimMismatch weighs learning signals: save_claim is the denominator,
// save_claim_mismatch the numerator, each weighted by data.weight
// (default 1).
func saveClaimMismatch(active []event.Event, inWindow func(event.Event) bool) float64 {
	var claims, mismatches float64
	for _, e := range event.FilterTypes(active, event.TypeLearningSignal) {
		if !inWindow(e) {
			continue
		}
		weight := e.Data.FloatOr("weight", 1)
		switch e.Data.String("signal_type") {
		case "save_claim":
			claims += weight
		case "save_claim_mismatch":
			mismatches += weight
		}
	}
	if claims == 0 {
		if mismatches > 0 {
			return 100
		}
		return 0
	}
	return 100 * mismatches / claims
}

// repairLatencyP50 pools applied-fix latencies with the ages of still-open
// issues and takes the median, in hours.
func repairLatencyP50(active []event.Event, openIssues []Issue, asOf time.Time, inWindow func(event.Event) bool) float64 {
	var hours []float64
	for _, e := range event.FilterTypes(active, event.TypeQualityFixApplied) {
		if !inWindow(e) {
			continue
		}
		detected, ok := e.Data.Time("detected_at")
		if !ok {
			continue
		}
		hours = append(hours, e.Timestamp.Sub(detected).Hours())
	}
	for _, issue := range openIssues {
		hours = append(hours, asOf.Sub(issue.DetectedAt).Hours())
	}
	if len(hours) == 0 {
		return 0
	}
	sort.Float64s(hours)
	mid := len(hours) / 2
	if len(hours)%2 == 1 {
		return hours[mid]
	}
	return (hours[mid-1] + hours[mid]) / 2
}

func round2f(v float64) float64 {
	return math.Round(v*100) / 100
}

func calibrationRate(active []event.Event, inWindow func(event.Event) bool, enabled bool) float64 {
	if !enabled {
		return 0
	}
	logged, corrected := 0, 0
	for _, e := range event.FilterTypes(active, event.TypeSetLogged, event.TypeSetCorrected) {
		if !inWindow(e) {
			continue
		}
		if e.Type == event.TypeSetLogged {
			logged++
		} else {
			corrected++
		}
	}
	if logged == 0 {
		return 0
	}
	return 100 * float64(corrected) / float64(logged)
}

// AutonomyPolicy derives the agent-facing policy from the worse of the
// integrity and calibration statuses. Tier A repair apply stays enabled in
// every state; only unattended auto-apply follows the SLOs.
//
// Confirmation requirements by overall status: degraded requires every
// confirmation; monitor requires confirmation for non-trivial actions and
// plan updates, and for repairs only when calibration itself is at monitor;
// healthy requires none.
func AutonomyPolicy(report SLOReport) payload.Doc {
	overall := report.Overall()
	throttled := overall != StatusHealthy
	degraded := overall == StatusDegraded
	scope := "moderate"
	if throttled {
		scope = "strict"
	}
	return payload.Doc{
		"status":             overall,
		"slo_status":         report.IntegrityStatus,
		"calibration_status": report.CalibrationStatus,
		"throttle_active":    throttled,
		"max_scope_level":    scope,
		"confirmations_required": payload.Doc{
			"all_actions":         degraded,
			"non_trivial_actions": throttled,
			"plan_updates":        throttled,
			"repairs":             degraded || report.CalibrationStatus == StatusMonitor,
		},
		"repair_apply_enabled":      true,
		"repair_auto_apply_enabled": !throttled,
	}
}
