package inference

import (
	"fmt"
	"math"

	"github.com/kurahq/kura/internal/payload"
)

// strengthMinPoints is the minimum observations for a trend fit.
const strengthMinPoints = 3

// Point is one (day offset, estimated 1RM) observation.
type Point struct {
	DayOffset float64
	E1RM      float64
}

// StrengthEngine fits a trend over per-day best estimated 1RMs.
type StrengthEngine interface {
	// Fit returns the fixed-shape strength result. The insufficient-data
	// shape is a valid result, not an error; errors are reserved for
	// numeric failures.
	Fit(points []Point) (payload.Doc, error)
}

// StrengthConfig tunes the default engine.
type StrengthConfig struct {
	// HorizonDays is the forecast horizon (default 14).
	HorizonDays int
	// PlateauSlope is the kg/day magnitude below which the trend counts
	// as a plateau (default 0.03).
	PlateauSlope float64
}

// DefaultStrengthConfig returns production defaults.
func DefaultStrengthConfig() StrengthConfig {
	return StrengthConfig{HorizonDays: 14, PlateauSlope: 0.03}
}

// OLSTrend is the default strength engine: ordinary least squares over the
// series with a normal posterior on the slope.
type OLSTrend struct {
	cfg StrengthConfig
}

// NewOLSTrend creates the default engine. Zero config fields fall back to
// defaults.
func NewOLSTrend(cfg StrengthConfig) *OLSTrend {
	def := DefaultStrengthConfig()
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = def.HorizonDays
	}
	if cfg.PlateauSlope <= 0 {
		cfg.PlateauSlope = def.PlateauSlope
	}
	return &OLSTrend{cfg: cfg}
}

var _ StrengthEngine = (*OLSTrend)(nil)

// Fit implements StrengthEngine.
func (o *OLSTrend) Fit(points []Point) (payload.Doc, error) {
	if len(points) < strengthMinPoints {
		return payload.Doc{
			"engine":          "none",
			"status":          "insufficient_data",
			"required_points": float64(strengthMinPoints),
			"observed_points": float64(len(points)),
		}, nil
	}

	n := float64(len(points))
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.DayOffset
		sumY += p.E1RM
	}
	meanX, meanY := sumX/n, sumY/n

	var sxx, sxy float64
	for _, p := range points {
		dx := p.DayOffset - meanX
		sxx += dx * dx
		sxy += dx * (p.E1RM - meanY)
	}
	if sxx == 0 {
		return nil, fmt.Errorf("singular design: all %d observations share one day offset", len(points))
	}

	slope := sxy / sxx
	intercept := meanY - slope*meanX

	var sse float64
	for _, p := range points {
		r := p.E1RM - (intercept + slope*p.DayOffset)
		sse += r * r
	}
	dof := n - 2
	if dof < 1 {
		dof = 1
	}
	residVar := sse / dof
	slopeSE := math.Sqrt(residVar / sxx)
	if math.IsNaN(slope) || math.IsNaN(slopeSE) {
		return nil, fmt.Errorf("nan in trend fit over %d points", len(points))
	}

	lastX := points[len(points)-1].DayOffset
	estimate := intercept + slope*lastX
	horizon := float64(o.cfg.HorizonDays)
	forecast := intercept + slope*(lastX+horizon)

	// Prediction error grows with extrapolation distance from the mean.
	estSE := predictionSE(residVar, n, lastX, meanX, sxx)
	predSE := predictionSE(residVar, n, lastX+horizon, meanX, sxx)

	plateau := normalCDF(o.cfg.PlateauSlope, slope, slopeSE) - normalCDF(-o.cfg.PlateauSlope, slope, slopeSE)
	improving := 1 - normalCDF(0, slope, slopeSE)

	return payload.Doc{
		"engine": "ols_trend_v1",
		"status": "success",
		"trend": payload.Doc{
			"slope":                 round4(slope),
			"ci95":                  ci95(slope, slopeSE),
			"plateau_probability":   round4(plateau),
			"improving_probability": round4(improving),
		},
		"estimated_1rm": payload.Doc{
			"mean": round2(estimate),
			"ci95": ci95(estimate, estSE),
		},
		"predicted_1rm": payload.Doc{
			"horizon_days": horizon,
			"mean":         round2(forecast),
			"ci95":         ci95(forecast, predSE),
		},
		"diagnostics": payload.Doc{
			"observed_points":   n,
			"residual_variance": round4(residVar),
			"span_days":         round2(lastX - points[0].DayOffset),
		},
	}, nil
}

func predictionSE(residVar, n, x, meanX, sxx float64) float64 {
	dx := x - meanX
	return math.Sqrt(residVar * (1 + 1/n + dx*dx/sxx))
}

func ci95(mean, se float64) []any {
	return []any{round2(mean - 1.96*se), round2(mean + 1.96*se)}
}

// normalCDF is Phi((x-mu)/sigma). A zero sigma degenerates to a step.
func normalCDF(x, mu, sigma float64) float64 {
	if sigma <= 0 {
		if x < mu {
			return 0
		}
		return 1
	}
	return 0.5 * (1 + math.Erf((x-mu)/(sigma*math.Sqrt2)))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
