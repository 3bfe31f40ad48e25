package convert

import (
	"context"
	"fmt"
	"math/rand"
)

// Recommended timings.
const (
	TimingImmediate = "immediate"
	TimingWait5     = "wait_5min"
	TimingWait15    = "wait_15min"
	TimingWait30    = "wait_30min"
)

const historyPeriods = 48 // hourly samples

var waitHorizons = []struct {
	minutes int
	timing  string
}{
	{5, TimingWait5},
	{15, TimingWait15},
	{30, TimingWait30},
}

// RateSource supplies the rate history for a crypto/fiat pair, newest last.
type RateSource interface {
	History(ctx context.Context, cryptoCurrency, fiatCurrency string, periods int) ([]float64, error)
}

// Recommendation is the optimizer's verdict for one conversion decision.
type Recommendation struct {
	RecommendedTiming string  `json:"recommended_timing"`
	WaitMinutes       int     `json:"wait_minutes"`
	EstimatedSavings  float64 `json:"estimated_savings"`
	ConfidenceLevel   int     `json:"confidence_level"`
	RiskFactor        string  `json:"risk_factor"`
	Trend             string  `json:"trend"`
}

// Optimizer decides between immediate and deferred conversion. It never
// blocks settlement; callers treat its output as advice.
type Optimizer struct {
	rates RateSource
	rnd   func() float64
}

// NewOptimizer constructs an optimizer. rnd may be nil, in which case a
// uniform [-1,1) source is used; tests inject a deterministic function.
func NewOptimizer(rates RateSource, rnd func() float64) *Optimizer {
	if rnd == nil {
		rnd = func() float64 { return rand.Float64()*2 - 1 }
	}
	return &Optimizer{rates: rates, rnd: rnd}
}

// Optimize evaluates each wait horizon within maxWaitMinutes against
// converting immediately. Ties favor immediate conversion.
func (o *Optimizer) Optimize(ctx context.Context, amount float64, cryptoCurrency, fiatCurrency string, maxWaitMinutes int) (Recommendation, error) {
	history, err := o.rates.History(ctx, cryptoCurrency, fiatCurrency, historyPeriods)
	if err != nil {
		return Recommendation{}, fmt.Errorf("convert: rate history for %s/%s: %w", cryptoCurrency, fiatCurrency, err)
	}
	if len(history) == 0 {
		return Recommendation{}, fmt.Errorf("convert: empty rate history for %s/%s", cryptoCurrency, fiatCurrency)
	}

	current := history[len(history)-1]
	trend := Trend(history)
	vol := Volatility(history)
	bucket := VolatilityBucket(vol)
	volIndex := volatilityIndex(vol)

	immediateConfidence := Confidence(0, bucket, trend)
	immediateValue := amount * current * float64(immediateConfidence) / 100

	best := Recommendation{
		RecommendedTiming: TimingImmediate,
		WaitMinutes:       0,
		EstimatedSavings:  0,
		ConfidenceLevel:   immediateConfidence,
		RiskFactor:        bucket,
		Trend:             trend,
	}
	bestValue := immediateValue

	for _, horizon := range waitHorizons {
		if horizon.minutes > maxWaitMinutes {
			break
		}
		predicted := PredictRate(current, trend, vol, horizon.minutes, o.rnd)
		confidence := Confidence(horizon.minutes, bucket, trend)
		value := amount * predicted * float64(confidence) / 100

		if bucket == VolatilityHigh {
			value *= 0.9
		}
		if volIndex > 80 {
			value *= 0.85
		}

		if value > bestValue {
			bestValue = value
			best = Recommendation{
				RecommendedTiming: horizon.timing,
				WaitMinutes:       horizon.minutes,
				EstimatedSavings:  value - immediateValue,
				ConfidenceLevel:   confidence,
				RiskFactor:        bucket,
				Trend:             trend,
			}
		}
	}
	return best, nil
}

// volatilityIndex maps raw volatility onto a 0-100 scale where the high
// bucket boundary (0.05) sits at 80.
func volatilityIndex(vol float64) float64 {
	idx := vol * 1600
	if idx > 100 {
		return 100
	}
	return idx
}
