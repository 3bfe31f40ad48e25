package convert

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	if got := SMA(values, 5); !almostEqual(got, 3) {
		t.Fatalf("SMA(5) = %v, want 3", got)
	}
	if got := SMA(values, 2); !almostEqual(got, 4.5) {
		t.Fatalf("SMA(2) = %v, want 4.5", got)
	}
	if got := SMA(values, 6); got != 0 {
		t.Fatalf("SMA with insufficient data = %v, want 0", got)
	}
}

func TestEMAConstantSeries(t *testing.T) {
	values := []float64{10, 10, 10, 10}
	if got := EMA(values, 3); !almostEqual(got, 10) {
		t.Fatalf("EMA of constant series = %v, want 10", got)
	}
}

func TestRSI(t *testing.T) {
	rising := make([]float64, 20)
	falling := make([]float64, 20)
	flat := make([]float64, 20)
	for i := range rising {
		rising[i] = 100 + float64(i)
		falling[i] = 200 - float64(i)
		flat[i] = 100
	}
	if got := RSI(rising, 14); !almostEqual(got, 100) {
		t.Fatalf("RSI of strictly rising series = %v, want 100", got)
	}
	if got := RSI(falling, 14); !almostEqual(got, 0) {
		t.Fatalf("RSI of strictly falling series = %v, want 0", got)
	}
	if got := RSI(flat, 14); !almostEqual(got, 50) {
		t.Fatalf("RSI of flat series = %v, want 50", got)
	}
	if got := RSI([]float64{1, 2}, 14); !almostEqual(got, 50) {
		t.Fatalf("RSI with insufficient data = %v, want 50", got)
	}
}

func TestMACDSignalIsFixedScaling(t *testing.T) {
	rising := make([]float64, 40)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	macd, signal := MACD(rising)
	if macd <= 0 {
		t.Fatalf("MACD of rising series = %v, want > 0", macd)
	}
	if !almostEqual(signal, macd*0.8) {
		t.Fatalf("signal = %v, want 0.8 * %v", signal, macd)
	}
}

func TestVolatility(t *testing.T) {
	flat := []float64{100, 100, 100, 100}
	if got := Volatility(flat); !almostEqual(got, 0) {
		t.Fatalf("Volatility of flat series = %v, want 0", got)
	}
	choppy := []float64{100, 110, 99, 111, 98}
	if Volatility(choppy) <= Volatility([]float64{100, 101, 100, 101, 100}) {
		t.Fatal("choppier series must have higher volatility")
	}
}

func TestVolatilityBucket(t *testing.T) {
	cases := map[float64]string{
		0.001: VolatilityLow,
		0.019: VolatilityLow,
		0.02:  VolatilityMedium,
		0.049: VolatilityMedium,
		0.05:  VolatilityHigh,
		0.2:   VolatilityHigh,
	}
	for vol, want := range cases {
		if got := VolatilityBucket(vol); got != want {
			t.Fatalf("VolatilityBucket(%v) = %s, want %s", vol, got, want)
		}
	}
}

func TestTrendVote(t *testing.T) {
	rising := make([]float64, 40)
	falling := make([]float64, 40)
	flat := make([]float64, 40)
	for i := range rising {
		rising[i] = 100 * math.Pow(1.001, float64(i))
		falling[i] = 100 * math.Pow(0.999, float64(i))
		flat[i] = 100
	}
	if got := Trend(rising); got != TrendBullish {
		t.Fatalf("Trend of rising series = %s, want bullish", got)
	}
	if got := Trend(falling); got != TrendBearish {
		t.Fatalf("Trend of falling series = %s, want bearish", got)
	}
	if got := Trend(flat); got != TrendNeutral {
		t.Fatalf("Trend of flat series = %s, want neutral", got)
	}
}

func TestPredictRateDeterministic(t *testing.T) {
	zero := func() float64 { return 0 }
	if got := PredictRate(100, TrendBullish, 0.01, 5, zero); !almostEqual(got, 102) {
		t.Fatalf("bullish prediction = %v, want 102", got)
	}
	if got := PredictRate(100, TrendBearish, 0.01, 5, zero); !almostEqual(got, 98) {
		t.Fatalf("bearish prediction = %v, want 98", got)
	}
	if got := PredictRate(100, TrendNeutral, 0.01, 5, zero); !almostEqual(got, 100) {
		t.Fatalf("neutral prediction = %v, want 100", got)
	}

	// Noise scales with the horizon.
	one := func() float64 { return 1 }
	short := PredictRate(100, TrendNeutral, 0.01, 5, one)   // 100 * (1 + 0.01*0.2)
	long := PredictRate(100, TrendNeutral, 0.01, 240, one)  // 100 * (1 + 0.01*2.0)
	if !almostEqual(short, 100.2) {
		t.Fatalf("5m noisy prediction = %v, want 100.2", short)
	}
	if !almostEqual(long, 102) {
		t.Fatalf("240m noisy prediction = %v, want 102", long)
	}
}

func TestConfidence(t *testing.T) {
	if got := Confidence(0, VolatilityLow, TrendNeutral); got != 90 {
		t.Fatalf("base confidence = %d, want 90", got)
	}
	if got := Confidence(0, VolatilityLow, TrendBullish); got != 95 {
		t.Fatalf("trended confidence = %d, want 95", got)
	}
	if got := Confidence(30, VolatilityHigh, TrendBullish); got != 72 {
		t.Fatalf("Confidence(30, high, bullish) = %d, want 72", got)
	}
	if got := Confidence(240, VolatilityHigh, TrendNeutral); got != 46 {
		t.Fatalf("Confidence(240, high, neutral) = %d, want 46", got)
	}
	if got := Confidence(600, VolatilityHigh, TrendNeutral); got != 30 {
		t.Fatalf("confidence must clamp at 30, got %d", got)
	}
}
