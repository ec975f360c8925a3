package payments

import (
	"context"
	"errors"
	"fmt"
)

// ErrGatewayUnavailable is returned once transient-error retries are
// exhausted. The caller's record stays in its prior state.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// DeclinedError is a terminal authorization failure (card declined etc).
type DeclinedError struct {
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}

// AlreadyCapturedError means the authorization was captured by an earlier
// call. Money has moved; the webhook stream carries the authoritative record.
type AlreadyCapturedError struct {
	AuthID string
}

func (e *AlreadyCapturedError) Error() string {
	return fmt.Sprintf("authorization %s already captured", e.AuthID)
}

// AuthExpiredError means the hold lapsed before capture.
type AuthExpiredError struct {
	AuthID string
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("authorization %s expired", e.AuthID)
}

// NetworkError wraps a transient transport failure. Only this class of error
// is retried, and only because idempotency keys make the retry safe.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("gateway %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// AuthStatus is the gateway's authoritative view of an authorization, used to
// resolve ambiguous (timed out) calls before any store mutation.
type AuthStatus string

const (
	AuthHeld     AuthStatus = "held"
	AuthCaptured AuthStatus = "captured"
	AuthVoided   AuthStatus = "voided"
	AuthUnknown  AuthStatus = "unknown"
)

// Gateway is the authorize/capture/void/refund surface of the external
// payment provider. Implementations must derive idempotency keys from the
// ride id so that retried calls cannot double-charge.
type Gateway interface {
	// Authorize places a hold for the fee and returns the authorization id,
	// which becomes the ride's payment reference.
	Authorize(ctx context.Context, amountCents int64, currency, rideID string) (string, error)
	// Capture converts the hold into a funds transfer.
	Capture(ctx context.Context, authID string) (string, error)
	// Void releases a hold that was never captured.
	Void(ctx context.Context, authID string) error
	// Refund returns captured funds. Administrative path only.
	Refund(ctx context.Context, authID string, amountCents int64) error
	// Status re-queries the authorization. Used when a call timed out and
	// the outcome is ambiguous.
	Status(ctx context.Context, authID string) (AuthStatus, error)
}
