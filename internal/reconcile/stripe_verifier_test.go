package reconcile

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"
)

const testSecret = "whsec_test"

// signPayload builds a Stripe-Signature header: HMAC-SHA256 over
// "<timestamp>.<payload>" with the endpoint secret.
func signPayload(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeVerifierAcceptsSignedEvent(t *testing.T) {
	payload := []byte(`{"id":"evt_1","api_version":"2022-11-15","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","latest_charge":"ch_1"}}}`)
	v := &StripeVerifier{Secret: testSecret}

	ev, err := v.Verify(payload, signPayload(payload, testSecret, time.Now()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.ID != "evt_1" || ev.Type != EventCaptureSucceeded || ev.PaymentRef != "pi_1" || ev.CaptureID != "ch_1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestStripeVerifierNormalizesChargeEvents(t *testing.T) {
	payload := []byte(`{"id":"evt_2","api_version":"2022-11-15","type":"charge.refunded","data":{"object":{"id":"ch_2","payment_intent":"pi_1"}}}`)
	v := &StripeVerifier{Secret: testSecret}

	ev, err := v.Verify(payload, signPayload(payload, testSecret, time.Now()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.Type != EventRefunded || ev.PaymentRef != "pi_1" || ev.CaptureID != "ch_2" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestStripeVerifierRejectsBadSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)
	v := &StripeVerifier{Secret: testSecret}

	if _, err := v.Verify(payload, signPayload(payload, "whsec_other", time.Now())); err == nil {
		t.Fatal("expected signature failure")
	}
}

func TestStripeVerifierRejectsStaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)
	v := &StripeVerifier{Secret: testSecret}

	if _, err := v.Verify(payload, signPayload(payload, testSecret, time.Now().Add(-time.Hour))); err == nil {
		t.Fatal("expected tolerance failure")
	}
}
