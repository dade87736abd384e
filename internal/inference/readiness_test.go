package inference

import (
	"testing"

	"github.com/kurahq/kura/internal/payload"
)

func TestReadinessInsufficientBelowFiveDays(t *testing.T) {
	eng := NewShrinkage(DefaultReadinessConfig())
	for n := 0; n < 5; n++ {
		scores := make([]float64, n)
		for i := range scores {
			scores[i] = 0.6
		}
		out, err := eng.Infer(scores)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if out.String("status") != "insufficient_data" {
			t.Fatalf("n=%d status = %s", n, out.String("status"))
		}
	}
}

func TestReadinessStates(t *testing.T) {
	eng := NewShrinkage(DefaultReadinessConfig())
	tests := []struct {
		name   string
		scores []float64
		want   string
	}{
		{"high", []float64{0.9, 0.92, 0.88, 0.91, 0.9, 0.93}, "high"},
		{"low", []float64{0.2, 0.25, 0.22, 0.18, 0.2, 0.15}, "low"},
		{"moderate", []float64{0.6, 0.58, 0.62, 0.6, 0.61, 0.59}, "moderate"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := eng.Infer(tc.scores)
			if err != nil {
				t.Fatalf("infer: %v", err)
			}
			today, _ := out.Doc("readiness_today")
			if got := today.String("state"); got != tc.want {
				t.Fatalf("state = %s, want %s (today %v)", got, tc.want, today)
			}
		})
	}
}

func TestReadinessShrinksTowardPrior(t *testing.T) {
	// A heavier prior pulls the baseline closer to the population mean.
	light := NewShrinkage(ReadinessConfig{PriorMean: 0.5, PriorWeight: 1})
	heavy := NewShrinkage(ReadinessConfig{PriorMean: 0.5, PriorWeight: 50})
	scores := []float64{0.9, 0.9, 0.9, 0.9, 0.9}

	lightOut, err := light.Infer(scores)
	if err != nil {
		t.Fatalf("light: %v", err)
	}
	heavyOut, err := heavy.Infer(scores)
	if err != nil {
		t.Fatalf("heavy: %v", err)
	}
	lb, _ := lightOut.Doc("baseline")
	hb, _ := heavyOut.Doc("baseline")
	lightMean, _ := lb.Float("posterior_mean")
	heavyMean, _ := hb.Float("posterior_mean")
	if !(heavyMean < lightMean && lightMean <= 0.9 && heavyMean >= 0.5) {
		t.Fatalf("shrinkage wrong: light %v, heavy %v", lightMean, heavyMean)
	}
}

func TestReadinessDeterministic(t *testing.T) {
	eng := NewShrinkage(DefaultReadinessConfig())
	scores := []float64{0.5, 0.62, 0.7, 0.44, 0.81, 0.66}
	a, _ := eng.Infer(scores)
	b, _ := eng.Infer(scores)
	if !payload.Equal(a, b) {
		t.Fatalf("identical input produced different output")
	}
}
