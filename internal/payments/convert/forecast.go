package convert

import (
	"math"
)

// Trend labels produced by the signal vote.
const (
	TrendBullish = "bullish"
	TrendBearish = "bearish"
	TrendNeutral = "neutral"
)

// Volatility buckets.
const (
	VolatilityLow    = "low"
	VolatilityMedium = "medium"
	VolatilityHigh   = "high"
)

const (
	volatilityMediumAt = 0.02
	volatilityHighAt   = 0.05
)

// SMA is the simple moving average of the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMA is the exponential moving average over all values with the given period.
func EMA(values []float64, period int) float64 {
	if period <= 0 || len(values) == 0 {
		return 0
	}
	k := 2.0 / (float64(period) + 1)
	ema := values[0]
	for _, v := range values[1:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

// RSI is the relative strength index over the last period deltas.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 50
	}
	gains, losses := 0.0, 0.0
	start := len(values) - period
	for i := start; i < len(values); i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	if losses == 0 {
		if gains == 0 {
			return 50
		}
		return 100
	}
	rs := gains / losses
	return 100 - 100/(1+rs)
}

// MACD returns the 12/26 EMA difference and its signal line. The signal is a
// fixed 0.8x scaling of the MACD, not a 9-period EMA.
func MACD(values []float64) (macd, signal float64) {
	macd = EMA(values, 12) - EMA(values, 26)
	signal = macd * 0.8
	return macd, signal
}

// Volatility is the standard deviation of period-over-period returns.
func Volatility(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			continue
		}
		returns = append(returns, (values[i]-values[i-1])/values[i-1])
	}
	if len(returns) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}

// VolatilityBucket classifies a volatility reading.
func VolatilityBucket(vol float64) string {
	switch {
	case vol >= volatilityHighAt:
		return VolatilityHigh
	case vol >= volatilityMediumAt:
		return VolatilityMedium
	}
	return VolatilityLow
}

// Trend runs the three-signal majority vote: SMA cross, RSI extremum, and
// MACD versus its signal line.
func Trend(history []float64) string {
	bullish, bearish := 0, 0

	sma5, sma15 := SMA(history, 5), SMA(history, 15)
	if sma5 > 0 && sma15 > 0 {
		if sma5 > sma15 {
			bullish++
		} else if sma5 < sma15 {
			bearish++
		}
	}

	rsi := RSI(history, 14)
	if rsi < 30 {
		bullish++ // oversold
	} else if rsi > 70 {
		bearish++ // overbought
	}

	macd, signal := MACD(history)
	if macd > signal {
		bullish++
	} else if macd < signal {
		bearish++
	}

	if bullish > bearish {
		return TrendBullish
	}
	if bearish > bullish {
		return TrendBearish
	}
	return TrendNeutral
}

func trendMultiplier(trend string) float64 {
	switch trend {
	case TrendBullish:
		return 1.02
	case TrendBearish:
		return 0.98
	}
	return 1.0
}

// horizonNoiseScale maps a forecast horizon in minutes to the share of base
// volatility applied as noise.
func horizonNoiseScale(minutes int) float64 {
	switch {
	case minutes <= 5:
		return 0.2
	case minutes <= 15:
		return 0.5
	case minutes <= 30:
		return 0.8
	case minutes <= 60:
		return 1.2
	}
	return 2.0
}

// PredictRate projects the rate at the given horizon. rnd must return values
// in [-1, 1); deterministic callers pass a zero function.
func PredictRate(current float64, trend string, volatility float64, horizonMinutes int, rnd func() float64) float64 {
	noise := volatility * horizonNoiseScale(horizonMinutes) * rnd()
	return current * trendMultiplier(trend) * (1 + noise)
}

// Confidence scores a forecast horizon: 90 base, decaying one point per ten
// minutes, penalised for volatility, slightly boosted by a directional trend.
func Confidence(horizonMinutes int, volBucket, trend string) int {
	confidence := 90 - horizonMinutes/10
	switch volBucket {
	case VolatilityHigh:
		confidence -= 20
	case VolatilityMedium:
		confidence -= 10
	}
	if trend != TrendNeutral {
		confidence += 5
	}
	if confidence < 30 {
		confidence = 30
	}
	if confidence > 95 {
		confidence = 95
	}
	return confidence
}
