package inference

import (
	"testing"

	"github.com/kurahq/kura/internal/payload"
)

func causalSamples(n int, effect float64) []Sample {
	out := make([]Sample, n)
	for i := range out {
		treated := i%2 == 0
		base := 0.5 + 0.01*float64(i%5)
		outcome := base
		if treated {
			outcome += effect
		}
		out[i] = Sample{
			Treated: treated,
			Outcome: outcome,
			Confounders: map[string]float64{
				"sleep_baseline": 7 + 0.1*float64(i%4),
				"load_baseline":  100 + float64(i%3),
			},
		}
	}
	return out
}

func TestCausalInsufficientSamples(t *testing.T) {
	eng := NewIPW(DefaultCausalConfig())
	out, err := eng.Estimate("ATE", causalSamples(7, 0.1))
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if out.String("status") != "insufficient_data" {
		t.Fatalf("status = %s", out.String("status"))
	}
	if caveats, ok := out.List("caveats"); !ok || len(caveats) == 0 {
		t.Fatalf("no caveats on insufficient result")
	}
}

func TestCausalSingleArmInsufficient(t *testing.T) {
	eng := NewIPW(DefaultCausalConfig())
	samples := causalSamples(12, 0.1)
	for i := range samples {
		samples[i].Treated = true
	}
	out, err := eng.Estimate("ATE", samples)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if out.String("status") != "insufficient_data" {
		t.Fatalf("status = %s, want insufficient_data for one-arm data", out.String("status"))
	}
}

func TestCausalDetectsPositiveEffect(t *testing.T) {
	eng := NewIPW(DefaultCausalConfig())
	out, err := eng.Estimate("ATE", causalSamples(40, 0.2))
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if out.String("status") != "success" {
		t.Fatalf("status = %s", out.String("status"))
	}
	effect, _ := out.Doc("effect")
	if mean, _ := effect.Float("mean_ate"); mean < 0.1 {
		t.Fatalf("mean_ate = %v, want near 0.2", mean)
	}
	if effect.String("direction") != "positive" {
		t.Fatalf("direction = %s, want positive", effect.String("direction"))
	}
	if p, _ := effect.Float("probability_positive"); p < 0.9 {
		t.Fatalf("probability_positive = %v", p)
	}
}

func TestCausalDeterministicBootstrap(t *testing.T) {
	eng := NewIPW(DefaultCausalConfig())
	samples := causalSamples(24, 0.15)
	a, err := eng.Estimate("ATE", samples)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	b, err := eng.Estimate("ATE", samples)
	if err != nil {
		t.Fatalf("re-estimate: %v", err)
	}
	if !payload.Equal(a, b) {
		t.Fatalf("identical samples produced different estimates:\n%v\n%v", a, b)
	}
}
