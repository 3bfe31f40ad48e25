package doublespend

import (
	"context"
	"testing"
	"time"

	"pesabridge/internal/models"
	"pesabridge/internal/payments/chain"
)

type testLogger struct{}

func (testLogger) Infof(string, ...interface{})  {}
func (testLogger) Errorf(string, ...interface{}) {}

type stubIntel struct {
	intel chain.TxIntel
}

func (s *stubIntel) TransactionIntel(context.Context, string) (chain.TxIntel, error) {
	return s.intel, nil
}

type stubDeny struct {
	denied map[string]bool
}

func (s *stubDeny) IsDeniedAddress(_ context.Context, addr string) (bool, error) {
	return s.denied[addr], nil
}

type memStore struct {
	recs map[string]models.DoubleSpendRecord
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]models.DoubleSpendRecord)}
}

func (s *memStore) Upsert(_ context.Context, rec models.DoubleSpendRecord) error {
	s.recs[rec.TxHash] = rec
	return nil
}

func (s *memStore) Get(_ context.Context, txHash string) (models.DoubleSpendRecord, error) {
	rec, ok := s.recs[txHash]
	if !ok {
		return models.DoubleSpendRecord{}, models.ErrDoubleSpendNotFound
	}
	return rec, nil
}

func newGate(intel chain.TxIntel) (*Gate, *memStore) {
	store := newMemStore()
	return NewGate(&stubIntel{intel: intel}, &stubDeny{}, store, testLogger{}), store
}

func alert(severity string) models.Alert {
	return models.Alert{Type: "test", Severity: severity, Confidence: 80, CreatedAt: time.Now()}
}

func TestSafeToAcceptLadder(t *testing.T) {
	// Critical is never safe, regardless of depth.
	if SafeToAccept([]models.Alert{alert(models.SeverityCritical)}, 100) {
		t.Fatal("critical alert must never be safe, even at 100 confirmations")
	}
	// High needs 3 confirmations.
	if SafeToAccept([]models.Alert{alert(models.SeverityHigh)}, 2) {
		t.Fatal("high alert at 2 confirmations must not be safe")
	}
	if !SafeToAccept([]models.Alert{alert(models.SeverityHigh)}, 3) {
		t.Fatal("high alert at 3 confirmations must be safe")
	}
	// Medium needs 1 confirmation.
	if SafeToAccept([]models.Alert{alert(models.SeverityMedium)}, 0) {
		t.Fatal("medium alert at 0 confirmations must not be safe")
	}
	if !SafeToAccept([]models.Alert{alert(models.SeverityMedium)}, 1) {
		t.Fatal("medium alert at 1 confirmation must be safe")
	}
	// Low alerts and clean records are safe.
	if !SafeToAccept([]models.Alert{alert(models.SeverityLow)}, 0) {
		t.Fatal("low alert alone must be safe")
	}
	if !SafeToAccept(nil, 0) {
		t.Fatal("clean record must be safe")
	}
	// The worst severity wins.
	mixed := []models.Alert{alert(models.SeverityLow), alert(models.SeverityHigh), alert(models.SeverityMedium)}
	if SafeToAccept(mixed, 1) {
		t.Fatal("mixed alerts must be gated by the worst severity")
	}
	if !SafeToAccept(mixed, 3) {
		t.Fatal("mixed alerts with 3 confirmations must be safe")
	}
}

func TestEvaluateCleanTransaction(t *testing.T) {
	gate, _ := newGate(chain.TxIntel{
		TxHash:        "tx1",
		SourceAddress: "src",
		Confirmations: 6,
		NetworkFee:    0.0005,
		OutputCount:   2,
	})
	ctx := context.Background()
	if err := gate.StartMonitoring(ctx, "tx1", "inv1", 0.01, "addr", "BTC"); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	alerts, err := gate.Evaluate(ctx, "tx1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts, got %v", alerts)
	}
	rec, err := gate.GetStatus(ctx, "tx1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !rec.SafeToAccept {
		t.Fatal("clean deep transaction must be safe")
	}
	if rec.Status != models.DSStatusConfirmed {
		t.Fatalf("expected status confirmed, got %s", rec.Status)
	}
}

func TestEvaluateRBFAndMempoolConflict(t *testing.T) {
	now := time.Now()
	gate, _ := newGate(chain.TxIntel{
		TxHash:        "tx2",
		SourceAddress: "src",
		Confirmations: 0,
		NetworkFee:    0.0005,
		RBFSignaled:   true,
		SameSourceUnconfirmed: []chain.MempoolTx{
			{TxHash: "other1", FirstSeen: now.Add(-time.Minute)},
		},
	})
	ctx := context.Background()
	if err := gate.StartMonitoring(ctx, "tx2", "inv2", 0.01, "addr", "BTC"); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	if _, err := gate.Evaluate(ctx, "tx2"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	rec, _ := gate.GetStatus(ctx, "tx2")

	if rec.SafeToAccept {
		t.Fatal("high severity mempool conflict at 0 confirmations must not be safe")
	}
	if rec.Status != models.DSStatusSuspicious {
		t.Fatalf("expected suspicious status, got %s", rec.Status)
	}
	if rec.RiskLevel != models.SeverityHigh {
		t.Fatalf("expected high risk level, got %s", rec.RiskLevel)
	}
	if !hasAlert(rec.Alerts, AlertMempoolConflict) || !hasAlert(rec.Alerts, AlertRBFSignaled) {
		t.Fatalf("missing expected alerts: %+v", rec.Alerts)
	}
}

func TestStatusSafetyAsymmetry(t *testing.T) {
	// One confirmation with only a reorg-exposure (medium) alert: the record
	// status reads "confirmed" while still being releasable per the ladder.
	gate, _ := newGate(chain.TxIntel{
		TxHash:        "tx3",
		SourceAddress: "src",
		Confirmations: 1,
		NetworkFee:    0.0005,
	})
	ctx := context.Background()
	if err := gate.StartMonitoring(ctx, "tx3", "inv3", 0.01, "addr", "BTC"); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	if _, err := gate.Evaluate(ctx, "tx3"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	rec, _ := gate.GetStatus(ctx, "tx3")

	if rec.Status != models.DSStatusConfirmed {
		t.Fatalf("expected confirmed status at 1 confirmation, got %s", rec.Status)
	}
	if !hasAlert(rec.Alerts, AlertReorgExposure) {
		t.Fatalf("expected reorg exposure alert at 1 confirmation, got %+v", rec.Alerts)
	}
	if !rec.SafeToAccept {
		t.Fatal("medium alert with 1 confirmation must be safe")
	}
}

func TestConfirmedConflictIsTerminal(t *testing.T) {
	gate, _ := newGate(chain.TxIntel{
		TxHash:            "tx4",
		SourceAddress:     "src",
		Confirmations:     100,
		NetworkFee:        0.0005,
		ConfirmedConflict: true,
	})
	ctx := context.Background()
	if err := gate.StartMonitoring(ctx, "tx4", "inv4", 0.01, "addr", "BTC"); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	if _, err := gate.Evaluate(ctx, "tx4"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	rec, _ := gate.GetStatus(ctx, "tx4")

	if rec.Status != models.DSStatusDoubleSpent {
		t.Fatalf("expected double_spent, got %s", rec.Status)
	}
	if rec.SafeToAccept {
		t.Fatal("confirmed double spend must never be safe")
	}
}

func TestReorgExposureBuckets(t *testing.T) {
	cases := []struct {
		confirmations int
		wantAlert     bool
		wantSeverity  string
		wantConf      int
	}{
		{confirmations: 0, wantAlert: true, wantSeverity: models.SeverityMedium, wantConf: 60},
		{confirmations: 2, wantAlert: true, wantSeverity: models.SeverityMedium, wantConf: 80},
		{confirmations: 3, wantAlert: true, wantSeverity: models.SeverityLow, wantConf: 90},
		{confirmations: 4, wantAlert: false}, // risk 9, below the 10 threshold
		{confirmations: 6, wantAlert: false},
	}
	for _, tc := range cases {
		alerts := reorgExposureAlerts(chain.TxIntel{Confirmations: tc.confirmations}, time.Now())
		if !tc.wantAlert {
			if len(alerts) != 0 {
				t.Fatalf("conf=%d: unexpected alert %+v", tc.confirmations, alerts)
			}
			continue
		}
		if len(alerts) != 1 {
			t.Fatalf("conf=%d: expected one alert, got %d", tc.confirmations, len(alerts))
		}
		if alerts[0].Severity != tc.wantSeverity {
			t.Fatalf("conf=%d: severity %s, want %s", tc.confirmations, alerts[0].Severity, tc.wantSeverity)
		}
		if alerts[0].Confidence != tc.wantConf {
			t.Fatalf("conf=%d: confidence %d, want %d", tc.confirmations, alerts[0].Confidence, tc.wantConf)
		}
	}
}

func hasAlert(alerts []models.Alert, alertType string) bool {
	for _, a := range alerts {
		if a.Type == alertType {
			return true
		}
	}
	return false
}
