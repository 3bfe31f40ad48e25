package risk

import (
	"context"
	"testing"
	"time"
)

type testLogger struct{}

func (testLogger) Infof(string, ...interface{})  {}
func (testLogger) Errorf(string, ...interface{}) {}

type stubStore struct {
	merchantCount int
	ipCount       int
	profile       Profile
	deniedIPs     map[string]bool
	deniedLocs    map[string]bool
	disposable    map[string]bool
	recorded      []AssessmentRecord
}

func (s *stubStore) MerchantTxCount(context.Context, int64, time.Duration) (int, error) {
	return s.merchantCount, nil
}

func (s *stubStore) IPTxCount(context.Context, string, time.Duration) (int, error) {
	return s.ipCount, nil
}

func (s *stubStore) MerchantProfile(context.Context, int64) (Profile, error) {
	return s.profile, nil
}

func (s *stubStore) IsDeniedIP(_ context.Context, ip string) (bool, error) {
	return s.deniedIPs[ip], nil
}

func (s *stubStore) IsDeniedLocation(_ context.Context, loc string) (bool, error) {
	return s.deniedLocs[loc], nil
}

func (s *stubStore) IsDisposableDomain(_ context.Context, domain string) (bool, error) {
	return s.disposable[domain], nil
}

func (s *stubStore) RecordAssessment(_ context.Context, _ int64, rec AssessmentRecord) error {
	s.recorded = append(s.recorded, rec)
	return nil
}

func TestAssessNoMetadataDoesNotBlock(t *testing.T) {
	store := &stubStore{}
	gate := NewGate(store, testLogger{})

	assessment, err := gate.Assess(context.Background(), Request{
		MerchantID:    1,
		Amount:        100,
		Currency:      "USD",
		PaymentMethod: "BTC",
	})
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if assessment.BlockTransaction {
		t.Fatal("plain 100 USD invoice with no risk metadata must not be blocked")
	}
	if assessment.RequiresManualReview {
		t.Fatal("plain invoice must not require manual review")
	}
	if len(store.recorded) != 1 {
		t.Fatalf("expected one pattern record, got %d", len(store.recorded))
	}
}

func TestAssessHighRiskRequiresReview(t *testing.T) {
	store := &stubStore{
		merchantCount: 60,
		ipCount:       10,
		profile: Profile{
			TxCount:      50,
			AvgAmount:    10,
			BTCShare:     0.05,
			AvgRiskScore: 75,
			ActiveHours:  []int{9, 10, 11},
		},
		deniedIPs:  map[string]bool{"10.0.0.1": true},
		disposable: map[string]bool{"mailinator.com": true},
	}
	gate := NewGate(store, testLogger{})

	assessment, err := gate.Assess(context.Background(), Request{
		MerchantID:    1,
		Amount:        500, // 50x the merchant average
		Currency:      "USD",
		CustomerEmail: "x@mailinator.com",
		IP:            "10.0.0.1",
		Location:      "somewhere-new",
		DeviceID:      "unseen-device",
		PaymentMethod: "BTC",
		Timestamp:     time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	// velocity 100, amount 80, location 45, behavior 75, reputation 100
	// weighted: 25 + 16 + 6.75 + 18.75 + 15 = 81.5 -> 82
	if assessment.Score != 82 {
		t.Fatalf("expected score 82, got %d", assessment.Score)
	}
	if !assessment.RequiresManualReview {
		t.Fatal("expected manual review above 70")
	}
	if assessment.BlockTransaction {
		t.Fatal("82 is below the block threshold of 85")
	}
	if assessment.Level != LevelCritical {
		t.Fatalf("unexpected level %s for score %d", assessment.Level, assessment.Score)
	}
}

// Increasing any single factor input while holding the rest fixed must never
// decrease the overall score.
func TestAssessScoreMonotonicInVelocity(t *testing.T) {
	base := Request{MerchantID: 1, Amount: 100, Currency: "USD", PaymentMethod: "USDT"}

	prev := -1
	for _, count := range []int{0, 11, 21, 51} {
		store := &stubStore{merchantCount: count}
		gate := NewGate(store, testLogger{})
		assessment, err := gate.Assess(context.Background(), base)
		if err != nil {
			t.Fatalf("Assess: %v", err)
		}
		if assessment.Score < prev {
			t.Fatalf("score decreased from %d to %d when velocity count rose to %d", prev, assessment.Score, count)
		}
		prev = assessment.Score
	}
}

func TestAssessScoreMonotonicInAmountRatio(t *testing.T) {
	profile := Profile{TxCount: 20, AvgAmount: 100}

	prev := -1
	for _, amount := range []float64{100, 400, 600, 1500} {
		store := &stubStore{profile: profile}
		gate := NewGate(store, testLogger{})
		assessment, err := gate.Assess(context.Background(), Request{
			MerchantID: 1, Amount: amount, Currency: "USD", PaymentMethod: "USDT",
		})
		if err != nil {
			t.Fatalf("Assess: %v", err)
		}
		if assessment.Score < prev {
			t.Fatalf("score decreased from %d to %d when amount rose to %.0f", prev, assessment.Score, amount)
		}
		prev = assessment.Score
	}
}

func TestAmountFactorThresholds(t *testing.T) {
	profile := Profile{TxCount: 10, AvgAmount: 100}

	cases := []struct {
		amount float64
		want   int
	}{
		{amount: 100, want: 10},
		{amount: 350, want: 40},
		{amount: 600, want: 60},
		{amount: 1500, want: 80},
		{amount: 0.5, want: 50},
	}
	for _, tc := range cases {
		got, _ := amountFactor(tc.amount, profile)
		if got != tc.want {
			t.Fatalf("amountFactor(%.1f) = %d, want %d", tc.amount, got, tc.want)
		}
	}

	if got, _ := amountFactor(50, Profile{}); got != 30 {
		t.Fatalf("unknown merchant amount factor = %d, want 30", got)
	}
}

func TestLevelBuckets(t *testing.T) {
	cases := map[int]string{
		0:  LevelLow,
		34: LevelLow,
		35: LevelMedium,
		59: LevelMedium,
		60: LevelHigh,
		79: LevelHigh,
		80: LevelCritical,
		95: LevelCritical,
	}
	for score, want := range cases {
		if got := level(score); got != want {
			t.Fatalf("level(%d) = %s, want %s", score, got, want)
		}
	}
}
