package monitor

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pesabridge/internal/models"
	"pesabridge/internal/payments/chain"
	"pesabridge/internal/payments/lightning"
)

type stubWatcher struct {
	obs chain.Observation
	err error
}

func (s *stubWatcher) WatchAddress(context.Context, string, float64, string) (chain.Observation, error) {
	return s.obs, s.err
}

type stubLN struct {
	status lightning.InvoiceStatus
	err    error
}

func (s *stubLN) GetInvoiceStatus(context.Context, string) (lightning.InvoiceStatus, error) {
	return s.status, s.err
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

func btcInvoice(amount float64) models.Invoice {
	return models.Invoice{
		ID:              "inv-1",
		PaymentCurrency: sql.NullString{String: "BTC", Valid: true},
		PaymentAddress:  sql.NullString{String: "bc1qtest", Valid: true},
		CryptoAmount:    sql.NullFloat64{Float64: amount, Valid: true},
	}
}

func TestMinConfirmations(t *testing.T) {
	if got := MinConfirmations("BTC"); got != 1 {
		t.Fatalf("BTC = %d, want 1", got)
	}
	if got := MinConfirmations("usdt"); got != 6 {
		t.Fatalf("USDT = %d, want 6", got)
	}
	if got := MinConfirmations("LIGHTNING"); got != 0 {
		t.Fatalf("LIGHTNING = %d, want 0", got)
	}
	if got := MinConfirmations("DOGE"); got != 6 {
		t.Fatalf("unknown = %d, want conservative 6", got)
	}
}

func TestCheckZeroConfirmationsNotConfirmed(t *testing.T) {
	w := &stubWatcher{obs: chain.Observation{TxHash: "abc", Amount: 0.5, Confirmations: 0, Observed: true}}
	m := NewMonitor(w, &stubLN{}, nopLogger{})

	res, err := m.Check(context.Background(), btcInvoice(0.5))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Detected {
		t.Fatal("payment should be detected at 0 confirmations")
	}
	if res.Confirmed {
		t.Fatal("0 confirmations must not count as confirmed for BTC")
	}
}

func TestCheckBTCConfirmedAtOne(t *testing.T) {
	w := &stubWatcher{obs: chain.Observation{TxHash: "abc", Amount: 0.5, Confirmations: 1, Observed: true}}
	m := NewMonitor(w, &stubLN{}, nopLogger{})

	res, err := m.Check(context.Background(), btcInvoice(0.5))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Confirmed {
		t.Fatal("1 confirmation should confirm a BTC payment")
	}
}

func TestCheckUnderpaymentIgnored(t *testing.T) {
	w := &stubWatcher{obs: chain.Observation{TxHash: "abc", Amount: 0.4, Confirmations: 3, Observed: true}}
	m := NewMonitor(w, &stubLN{}, nopLogger{})

	res, err := m.Check(context.Background(), btcInvoice(0.5))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Detected {
		t.Fatal("underpayment must not count as a detected payment")
	}
}

func TestCheckWatcherErrorKeepsPending(t *testing.T) {
	w := &stubWatcher{err: errors.New("indexer down")}
	m := NewMonitor(w, &stubLN{}, nopLogger{})

	if _, err := m.Check(context.Background(), btcInvoice(0.5)); err == nil {
		t.Fatal("expected watcher error to surface")
	}
}

func TestCheckLightningPaidIsInstantlyConfirmed(t *testing.T) {
	ln := &stubLN{status: lightning.InvoiceStatus{Status: lightning.InvoiceStatusPaid, AmountMsat: 21000}}
	m := NewMonitor(&stubWatcher{}, ln, nopLogger{})

	inv := models.Invoice{
		ID:              "inv-ln",
		PaymentCurrency: sql.NullString{String: "LIGHTNING", Valid: true},
		PaymentHash:     sql.NullString{String: "hash-1", Valid: true},
	}
	res, err := m.Check(context.Background(), inv)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Detected || !res.Confirmed {
		t.Fatalf("paid lightning invoice should be detected and confirmed, got %+v", res)
	}
	if res.TxHash != "hash-1" {
		t.Fatalf("tx hash = %s, want payment hash", res.TxHash)
	}
}

func TestCheckLightningExpired(t *testing.T) {
	ln := &stubLN{status: lightning.InvoiceStatus{Status: lightning.InvoiceStatusExpired}}
	m := NewMonitor(&stubWatcher{}, ln, nopLogger{})

	inv := models.Invoice{
		ID:              "inv-ln",
		PaymentCurrency: sql.NullString{String: "LIGHTNING", Valid: true},
		PaymentHash:     sql.NullString{String: "hash-1", Valid: true},
	}
	res, err := m.Check(context.Background(), inv)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Expired {
		t.Fatal("expired lightning invoice should be reported expired")
	}
}

func TestRegistryStartIsIdempotent(t *testing.T) {
	r := NewRegistry(time.Millisecond, nopLogger{})
	defer r.Close()

	var polls int32
	block := make(chan struct{})
	poll := func(ctx context.Context) bool {
		atomic.AddInt32(&polls, 1)
		<-block
		return true
	}
	r.Start(context.Background(), "inv-1", poll)
	r.Start(context.Background(), "inv-1", poll)

	if !r.Watching("inv-1") {
		t.Fatal("registry should be watching inv-1")
	}
	close(block)

	deadline := time.After(time.Second)
	for r.Watching("inv-1") {
		select {
		case <-deadline:
			t.Fatal("loop did not finish")
		case <-time.After(time.Millisecond):
		}
	}
	if n := atomic.LoadInt32(&polls); n != 1 {
		t.Fatalf("polls = %d, want 1 (second Start must be a no-op)", n)
	}
}

func TestRegistryStopCancelsLoop(t *testing.T) {
	r := NewRegistry(time.Millisecond, nopLogger{})
	defer r.Close()

	r.Start(context.Background(), "inv-2", func(ctx context.Context) bool {
		return false
	})
	r.Stop("inv-2")

	deadline := time.After(time.Second)
	for r.Watching("inv-2") {
		select {
		case <-deadline:
			t.Fatal("loop did not observe cancellation")
		case <-time.After(time.Millisecond):
		}
	}
}
