// Package inference hosts the statistical engines the projection handlers
// consume: strength trend, readiness posterior and the causal IPW
// estimator. The engines are deterministic in-process defaults behind
// interfaces; their outputs have the fixed shapes external engines must
// also produce.
package inference

import "strings"

// Error taxonomy recorded in inference-run telemetry. Classification is by
// substring inspection of the error text; the taxonomy is telemetry-only
// and never changes control flow.
const (
	TaxInsufficientData   = "insufficient_data"
	TaxNumericInstability = "numeric_instability"
	TaxEngineUnavailable  = "engine_unavailable"
	TaxUnexpected         = "unexpected"
)

// Classify maps an engine error to its taxonomy bucket.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient"):
		return TaxInsufficientData
	case strings.Contains(msg, "nan"),
		strings.Contains(msg, "overflow"),
		strings.Contains(msg, "singular"):
		return TaxNumericInstability
	case strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "timeout"):
		return TaxEngineUnavailable
	default:
		return TaxUnexpected
	}
}
