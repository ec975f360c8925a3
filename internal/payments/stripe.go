package payments

import (
	"context"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
)

// StripeGateway implements Gateway on manual-capture PaymentIntents: the
// authorization is a PaymentIntent with capture_method=manual, capture
// finalizes it, void cancels it. The PaymentIntent id doubles as the ride's
// payment reference.
type StripeGateway struct{}

// NewStripeGateway sets the package-level API key and returns the client.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

func (s *StripeGateway) Authorize(ctx context.Context, amountCents int64, currency, rideID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.Description = stripe.String("Ride Request: " + rideID)
	params.AddMetadata("ride_id", rideID)
	// Same ride, same key: a retried authorize returns the original intent
	// instead of opening a second hold.
	params.IdempotencyKey = stripe.String("ride-auth-" + rideID)
	params.Context = ctx

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", classify("authorize", err)
	}
	return pi.ID, nil
}

func (s *StripeGateway) Capture(ctx context.Context, authID string) (string, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.IdempotencyKey = stripe.String("ride-capture-" + authID)
	params.Context = ctx

	pi, err := paymentintent.Capture(authID, params)
	if err != nil {
		return "", classifyCapture(authID, err)
	}
	if pi.LatestCharge != nil {
		return pi.LatestCharge.ID, nil
	}
	return pi.ID, nil
}

func (s *StripeGateway) Void(ctx context.Context, authID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := paymentintent.Cancel(authID, params); err != nil {
		return classifyCapture(authID, err)
	}
	return nil
}

func (s *StripeGateway) Refund(ctx context.Context, authID string, amountCents int64) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(authID),
		Amount:        stripe.Int64(amountCents),
	}
	params.IdempotencyKey = stripe.String("ride-refund-" + authID)
	params.Context = ctx
	if _, err := refund.New(params); err != nil {
		return classify("refund", err)
	}
	return nil
}

func (s *StripeGateway) Status(ctx context.Context, authID string) (AuthStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(authID, params)
	if err != nil {
		return AuthUnknown, classify("status", err)
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture:
		return AuthHeld, nil
	case stripe.PaymentIntentStatusSucceeded:
		return AuthCaptured, nil
	case stripe.PaymentIntentStatusCanceled:
		return AuthVoided, nil
	default:
		return AuthUnknown, nil
	}
}

// classify maps stripe errors onto the gateway error taxonomy. Anything that
// never reached Stripe, and any 5xx, counts as transient.
func classify(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &NetworkError{Op: op, Err: err}
	}
	if se.HTTPStatusCode >= 500 {
		return &NetworkError{Op: op, Err: se}
	}
	if se.Type == stripe.ErrorTypeCard {
		return &DeclinedError{Code: string(se.Code), Message: se.Msg}
	}
	return fmt.Errorf("gateway %s: %w", op, se)
}

// classifyCapture additionally recognizes the unexpected-state response a
// second capture or a void-after-capture produces.
func classifyCapture(authID string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode < 500 {
		switch se.Code {
		case stripe.ErrorCodePaymentIntentUnexpectedState:
			return &AlreadyCapturedError{AuthID: authID}
		case stripe.ErrorCodeExpiredCard:
			return &AuthExpiredError{AuthID: authID}
		}
	}
	return classify("capture", err)
}
