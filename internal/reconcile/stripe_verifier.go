package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v74/webhook"
)

// StripeVerifier checks the Stripe-Signature header against the shared
// endpoint secret and normalizes Stripe event types.
type StripeVerifier struct {
	Secret string
}

func (v *StripeVerifier) Verify(payload []byte, sigHeader string) (Event, error) {
	se, err := webhook.ConstructEvent(payload, sigHeader, v.Secret)
	if err != nil {
		return Event{}, err
	}

	var obj struct {
		ID            string `json:"id"`
		LatestCharge  string `json:"latest_charge"`
		PaymentIntent string `json:"payment_intent"`
	}
	if err := json.Unmarshal(se.Data.Raw, &obj); err != nil {
		return Event{}, fmt.Errorf("decode event object: %w", err)
	}

	ev := Event{ID: se.ID, Type: mapEventType(string(se.Type))}
	switch {
	case obj.PaymentIntent != "":
		// Charge-scoped events reference their intent.
		ev.PaymentRef = obj.PaymentIntent
		ev.CaptureID = obj.ID
	default:
		ev.PaymentRef = obj.ID
		ev.CaptureID = obj.LatestCharge
	}
	return ev, nil
}

func mapEventType(t string) string {
	switch t {
	case "payment_intent.succeeded":
		return EventCaptureSucceeded
	case "payment_intent.payment_failed":
		return EventCaptureFailed
	case "payment_intent.canceled":
		return EventAuthVoided
	case "charge.refunded":
		return EventRefunded
	default:
		return t
	}
}
