package payout

import "testing"

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"transaction_id":"AG_123","status":"completed"}`)
	secret := "callback-secret"

	sig := SignHMAC(body, secret)
	if !VerifyHMAC(body, sig, secret) {
		t.Fatal("expected signature to verify")
	}
	if VerifyHMAC(body, sig, "wrong-secret") {
		t.Fatal("signature verified with wrong secret")
	}
	if VerifyHMAC([]byte(`{"tampered":true}`), sig, secret) {
		t.Fatal("signature verified for tampered body")
	}
	if VerifyHMAC(body, "not-hex", secret) {
		t.Fatal("non-hex signature must not verify")
	}
}
