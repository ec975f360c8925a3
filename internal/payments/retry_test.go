package payments

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeGateway implements Gateway and fails a configurable number of times
// with a transient error before succeeding.
type fakeGateway struct {
	failAuth    int
	terminalErr error
	authCalls   int
	captCalls   int
}

func (f *fakeGateway) Authorize(ctx context.Context, amount int64, currency, rideID string) (string, error) {
	f.authCalls++
	if f.terminalErr != nil {
		return "", f.terminalErr
	}
	if f.authCalls <= f.failAuth {
		return "", &NetworkError{Op: "authorize", Err: errors.New("timeout")}
	}
	return "auth_1", nil
}

func (f *fakeGateway) Capture(ctx context.Context, authID string) (string, error) {
	f.captCalls++
	return "", &NetworkError{Op: "capture", Err: errors.New("timeout")}
}

func (f *fakeGateway) Void(ctx context.Context, authID string) error       { return nil }
func (f *fakeGateway) Refund(ctx context.Context, a string, n int64) error { return nil }
func (f *fakeGateway) Status(ctx context.Context, authID string) (AuthStatus, error) {
	return AuthHeld, nil
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	f := &fakeGateway{failAuth: 2}
	g := NewRetrying(f, 3, 5*time.Millisecond)
	start := time.Now()
	id, err := g.Authorize(context.Background(), 2000, "usd", "ride1")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if id != "auth_1" {
		t.Fatalf("unexpected auth id %q", id)
	}
	if f.authCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.authCalls)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatal("expected at least one backoff")
	}
}

func TestRetryExhaustedReportsGatewayUnavailable(t *testing.T) {
	f := &fakeGateway{}
	g := NewRetrying(f, 3, time.Millisecond)
	_, err := g.Capture(context.Background(), "auth_1")
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if f.captCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.captCalls)
	}
}

func TestRetryDoesNotRetryTerminalErrors(t *testing.T) {
	f := &fakeGateway{terminalErr: &DeclinedError{Code: "card_declined", Message: "nope"}}
	g := NewRetrying(f, 5, time.Millisecond)
	_, err := g.Authorize(context.Background(), 2000, "usd", "ride1")
	var de *DeclinedError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeclinedError, got %v", err)
	}
	if f.authCalls != 1 {
		t.Fatalf("terminal error should not be retried, got %d calls", f.authCalls)
	}
}
