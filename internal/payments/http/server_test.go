package paymentshttp

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"pesabridge/internal/payments/payout"
	"pesabridge/utils"
)

type stubSettlements struct {
	failed map[int64]string
}

func (s *stubSettlements) Fail(_ context.Context, id int64, reason string) error {
	if s.failed == nil {
		s.failed = make(map[int64]string)
	}
	s.failed[id] = reason
	return nil
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

func callbackServer(t *testing.T, settlements *stubSettlements) *Server {
	t.Helper()
	tokens, err := utils.NewManager("test-signing-key")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return NewServer(nopLogger{}, nil, nil, settlements, nil, tokens, "hook-secret")
}

func TestPayoutCallbackRejectsBadSignature(t *testing.T) {
	s := callbackServer(t, &stubSettlements{})

	body := []byte(`{"reference":"settle-9","status":"failed"}`)
	req := httptest.NewRequest(http.MethodPost, "/callbacks/payout", bytes.NewReader(body))
	req.Header.Set("X-Signature", "deadbeef")
	rr := httptest.NewRecorder()

	s.payoutCallback(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestPayoutCallbackFailedDisbursement(t *testing.T) {
	settlements := &stubSettlements{}
	s := callbackServer(t, settlements)

	body := []byte(`{"reference":"settle-9","status":"failed","failure_reason":"invalid msisdn"}`)
	req := httptest.NewRequest(http.MethodPost, "/callbacks/payout", bytes.NewReader(body))
	req.Header.Set("X-Signature", payout.SignHMAC(body, "hook-secret"))
	rr := httptest.NewRecorder()

	s.payoutCallback(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if settlements.failed[9] != "invalid msisdn" {
		t.Fatalf("failed = %v, want settlement 9 marked failed", settlements.failed)
	}
}

func TestPayoutCallbackCompletedIsAcknowledged(t *testing.T) {
	settlements := &stubSettlements{}
	s := callbackServer(t, settlements)

	body := []byte(`{"reference":"settle-9","status":"completed","receipt_ref":"RCPT1"}`)
	req := httptest.NewRequest(http.MethodPost, "/callbacks/payout", bytes.NewReader(body))
	req.Header.Set("X-Signature", payout.SignHMAC(body, "hook-secret"))
	rr := httptest.NewRecorder()

	s.payoutCallback(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if len(settlements.failed) != 0 {
		t.Fatal("completed callback must not fail anything")
	}
}

func TestSettlementIDFromReference(t *testing.T) {
	cases := []struct {
		ref  string
		id   int64
		ok   bool
	}{
		{"settle-42", 42, true},
		{"settle-0", 0, false},
		{"order-42", 0, false},
		{"settle-", 0, false},
		{"settle-abc", 0, false},
	}
	for _, c := range cases {
		id, ok := settlementIDFromReference(c.ref)
		if id != c.id || ok != c.ok {
			t.Fatalf("settlementIDFromReference(%q) = (%d,%v), want (%d,%v)", c.ref, id, ok, c.id, c.ok)
		}
	}
}
