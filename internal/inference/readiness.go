package inference

import (
	"fmt"
	"math"

	"github.com/kurahq/kura/internal/payload"
)

// readinessMinDays is the minimum observed days for a posterior.
const readinessMinDays = 5

// Readiness state thresholds.
const (
	readinessHigh = 0.72
	readinessLow  = 0.45
)

// ReadinessEngine computes today's readiness posterior from a chronological
// daily score series in [0,1].
type ReadinessEngine interface {
	Infer(scores []float64) (payload.Doc, error)
}

// ReadinessConfig tunes the default engine. The population prior is an
// explicit parameter, never ambient state.
type ReadinessConfig struct {
	// PriorMean is the population baseline readiness (default 0.6).
	PriorMean float64
	// PriorWeight is the prior's strength in pseudo-observations
	// (default 5).
	PriorWeight float64
}

// DefaultReadinessConfig returns production defaults.
func DefaultReadinessConfig() ReadinessConfig {
	return ReadinessConfig{PriorMean: 0.6, PriorWeight: 5}
}

// Shrinkage is the default readiness engine: the user's baseline is a
// precision-weighted blend of the population prior and observed scores;
// today's posterior shrinks the latest score toward that baseline.
type Shrinkage struct {
	cfg ReadinessConfig
}

// NewShrinkage creates the default engine.
func NewShrinkage(cfg ReadinessConfig) *Shrinkage {
	def := DefaultReadinessConfig()
	if cfg.PriorMean <= 0 || cfg.PriorMean >= 1 {
		cfg.PriorMean = def.PriorMean
	}
	if cfg.PriorWeight <= 0 {
		cfg.PriorWeight = def.PriorWeight
	}
	return &Shrinkage{cfg: cfg}
}

var _ ReadinessEngine = (*Shrinkage)(nil)

// Infer implements ReadinessEngine.
func (s *Shrinkage) Infer(scores []float64) (payload.Doc, error) {
	if len(scores) < readinessMinDays {
		return payload.Doc{
			"engine":          "none",
			"status":          "insufficient_data",
			"required_points": float64(readinessMinDays),
			"observed_points": float64(len(scores)),
		}, nil
	}
	for _, v := range scores {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("nan readiness score in series of %d", len(scores))
		}
	}

	n := float64(len(scores))
	var sum float64
	for _, v := range scores {
		sum += v
	}
	baseline := (s.cfg.PriorWeight*s.cfg.PriorMean + sum) / (s.cfg.PriorWeight + n)

	var sse float64
	for _, v := range scores {
		d := v - baseline
		sse += d * d
	}
	// Observation noise with the prior counted as pseudo-observations at
	// zero deviation.
	obsVar := sse / (n + s.cfg.PriorWeight)
	baselineSE := math.Sqrt(obsVar / (n + s.cfg.PriorWeight))

	today := scores[len(scores)-1]
	// Today's posterior: one observation against the baseline.
	todayMean := clamp01((today + baseline*s.cfg.PriorWeight/n) / (1 + s.cfg.PriorWeight/n))
	todaySE := math.Sqrt(obsVar)

	state := "moderate"
	switch {
	case todayMean >= readinessHigh:
		state = "high"
	case todayMean <= readinessLow:
		state = "low"
	}

	return payload.Doc{
		"engine": "readiness_shrinkage_v1",
		"status": "success",
		"readiness_today": payload.Doc{
			"mean":  round4(todayMean),
			"ci95":  ci95Clamped(todayMean, todaySE),
			"state": state,
		},
		"baseline": payload.Doc{
			"posterior_mean": round4(baseline),
			"posterior_ci95": ci95Clamped(baseline, baselineSE),
		},
		"diagnostics": payload.Doc{
			"observed_points": n,
			"prior_mean":      s.cfg.PriorMean,
			"prior_weight":    s.cfg.PriorWeight,
			"observation_var": round4(obsVar),
		},
	}, nil
}

func ci95Clamped(mean, se float64) []any {
	return []any{round4(clamp01(mean - 1.96*se)), round4(clamp01(mean + 1.96*se))}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
