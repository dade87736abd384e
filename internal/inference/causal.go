package inference

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"

	"github.com/kurahq/kura/internal/payload"
)

// Sample is one observation for the causal estimator.
type Sample struct {
	Treated     bool
	Outcome     float64
	Confounders map[string]float64
}

// CausalEngine estimates the average treatment effect of an intervention.
type CausalEngine interface {
	Estimate(estimand string, samples []Sample) (payload.Doc, error)
}

// CausalConfig tunes the default estimator.
type CausalConfig struct {
	// MinSamples is the minimum observations required (default 8).
	MinSamples int
	// BootstrapCount is the number of resamples for the ATE CI
	// (default 200).
	BootstrapCount int
}

// DefaultCausalConfig returns production defaults.
func DefaultCausalConfig() CausalConfig {
	return CausalConfig{MinSamples: 8, BootstrapCount: 200}
}

// IPW is the default estimator: stabilized inverse-propensity weighting
// with quantile-binned propensity scores and a seeded bootstrap CI. The
// bootstrap seed derives from the sample set, so identical inputs yield
// identical output.
type IPW struct {
	cfg CausalConfig
}

// NewIPW creates the default estimator.
func NewIPW(cfg CausalConfig) *IPW {
	def := DefaultCausalConfig()
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.BootstrapCount <= 0 {
		cfg.BootstrapCount = def.BootstrapCount
	}
	return &IPW{cfg: cfg}
}

var _ CausalEngine = (*IPW)(nil)

const propensityBins = 4

// Propensities are clipped away from 0 and 1 so no single observation
// dominates the weighted sums.
const propensityClip = 0.05

// Estimate implements CausalEngine.
func (e *IPW) Estimate(estimand string, samples []Sample) (payload.Doc, error) {
	if len(samples) < e.cfg.MinSamples {
		return insufficientCausal(estimand, fmt.Sprintf(
			"%d samples observed, %d required", len(samples), e.cfg.MinSamples)), nil
	}
	treatedN := 0
	for _, s := range samples {
		if s.Treated {
			treatedN++
		}
	}
	if treatedN == 0 || treatedN == len(samples) {
		return insufficientCausal(estimand, "one treatment arm is empty"), nil
	}

	props := e.propensities(samples)
	ate, err := stabilizedATE(samples, props)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(int64(sampleSeed(samples))))
	boots := make([]float64, 0, e.cfg.BootstrapCount)
	for b := 0; b < e.cfg.BootstrapCount; b++ {
		resampled := make([]Sample, len(samples))
		for i := range resampled {
			resampled[i] = samples[rng.Intn(len(samples))]
		}
		bProps := e.propensities(resampled)
		bAte, err := stabilizedATE(resampled, bProps)
		if err != nil {
			continue
		}
		boots = append(boots, bAte)
	}

	caveats := []any{"observational estimate; unmeasured confounding is possible"}
	if len(boots) < e.cfg.BootstrapCount/2 {
		caveats = append(caveats, "bootstrap unstable: over half the resamples were degenerate")
	}
	lo, hi := ate, ate
	probPositive := 0.5
	if len(boots) > 0 {
		sort.Float64s(boots)
		lo = quantile(boots, 0.025)
		hi = quantile(boots, 0.975)
		pos := 0
		for _, v := range boots {
			if v > 0 {
				pos++
			}
		}
		probPositive = float64(pos) / float64(len(boots))
	}

	direction := "uncertain"
	switch {
	case lo > 0:
		direction = "positive"
	case hi < 0:
		direction = "negative"
	}

	minProp, maxProp := 1.0, 0.0
	for _, p := range props {
		minProp = math.Min(minProp, p)
		maxProp = math.Max(maxProp, p)
	}

	return payload.Doc{
		"status":   "success",
		"estimand": estimand,
		"effect": payload.Doc{
			"mean_ate":             round4(ate),
			"ci95":                 []any{round4(lo), round4(hi)},
			"direction":            direction,
			"probability_positive": round4(probPositive),
		},
		"propensity": payload.Doc{
			"method": "quantile_binned",
			"bins":   float64(propensityBins),
			"min":    round4(minProp),
			"max":    round4(maxProp),
		},
		"diagnostics": payload.Doc{
			"samples":           float64(len(samples)),
			"treated":           float64(treatedN),
			"bootstrap_samples": float64(len(boots)),
		},
		"caveats": caveats,
	}, nil
}

func insufficientCausal(estimand, why string) payload.Doc {
	return payload.Doc{
		"status":   "insufficient_data",
		"estimand": estimand,
		"caveats":  []any{why},
	}
}

// propensities estimates P(treated | confounders) by binning a composite
// confounder index into quantiles and taking the treated fraction per bin.
func (e *IPW) propensities(samples []Sample) []float64 {
	index := make([]float64, len(samples))
	names := confounderNames(samples)
	for _, name := range names {
		mean, sd := confounderMoments(samples, name)
		if sd == 0 {
			continue
		}
		for i, s := range samples {
			index[i] += (s.Confounders[name] - mean) / sd
		}
	}

	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return index[order[a]] < index[order[b]] })

	props := make([]float64, len(samples))
	binSize := (len(samples) + propensityBins - 1) / propensityBins
	for start := 0; start < len(order); start += binSize {
		end := start + binSize
		if end > len(order) {
			end = len(order)
		}
		treated := 0
		for _, idx := range order[start:end] {
			if samples[idx].Treated {
				treated++
			}
		}
		p := float64(treated) / float64(end-start)
		p = math.Max(propensityClip, math.Min(1-propensityClip, p))
		for _, idx := range order[start:end] {
			props[idx] = p
		}
	}
	return props
}

func stabilizedATE(samples []Sample, props []float64) (float64, error) {
	treatedShare := 0.0
	for _, s := range samples {
		if s.Treated {
			treatedShare++
		}
	}
	treatedShare /= float64(len(samples))
	if treatedShare == 0 || treatedShare == 1 {
		return 0, fmt.Errorf("singular propensity: one treatment arm is empty")
	}

	var wTreatSum, wTreatOut, wCtrlSum, wCtrlOut float64
	for i, s := range samples {
		if s.Treated {
			w := treatedShare / props[i]
			wTreatSum += w
			wTreatOut += w * s.Outcome
		} else {
			w := (1 - treatedShare) / (1 - props[i])
			wCtrlSum += w
			wCtrlOut += w * s.Outcome
		}
	}
	if wTreatSum == 0 || wCtrlSum == 0 {
		return 0, fmt.Errorf("singular weights in IPW sums")
	}
	ate := wTreatOut/wTreatSum - wCtrlOut/wCtrlSum
	if math.IsNaN(ate) || math.IsInf(ate, 0) {
		return 0, fmt.Errorf("nan average treatment effect")
	}
	return ate, nil
}

func confounderNames(samples []Sample) []string {
	set := map[string]struct{}{}
	for _, s := range samples {
		for name := range s.Confounders {
			set[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func confounderMoments(samples []Sample, name string) (mean, sd float64) {
	for _, s := range samples {
		mean += s.Confounders[name]
	}
	mean /= float64(len(samples))
	var sse float64
	for _, s := range samples {
		d := s.Confounders[name] - mean
		sse += d * d
	}
	sd = math.Sqrt(sse / float64(len(samples)))
	return mean, sd
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// sampleSeed fingerprints the sample set so bootstrap randomness is a pure
// function of the input.
func sampleSeed(samples []Sample) uint64 {
	h := fnv.New64a()
	for _, s := range samples {
		if s.Treated {
			fmt.Fprint(h, "t")
		} else {
			fmt.Fprint(h, "c")
		}
		fmt.Fprintf(h, "%.6f|", s.Outcome)
		for _, name := range confounderNames([]Sample{s}) {
			fmt.Fprintf(h, "%s=%.6f|", name, s.Confounders[name])
		}
	}
	return h.Sum64()
}
