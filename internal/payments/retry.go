package payments

import (
	"context"
	"time"

	"github.com/example/ride-escrow/internal/observability"
)

// RetryingGateway decorates a Gateway with bounded retries on transient
// errors. Terminal errors (declines, expired or already-captured holds) pass
// through on the first attempt. Safe only because the wrapped gateway keys
// every call idempotently by ride id.
type RetryingGateway struct {
	Inner    Gateway
	Attempts int
	Backoff  time.Duration
}

func NewRetrying(inner Gateway, attempts int, backoff time.Duration) *RetryingGateway {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &RetryingGateway{Inner: inner, Attempts: attempts, Backoff: backoff}
}

func (g *RetryingGateway) Authorize(ctx context.Context, amountCents int64, currency, rideID string) (string, error) {
	var id string
	err := g.retry(ctx, "authorize", func() error {
		var err error
		id, err = g.Inner.Authorize(ctx, amountCents, currency, rideID)
		return err
	})
	return id, err
}

func (g *RetryingGateway) Capture(ctx context.Context, authID string) (string, error) {
	var id string
	err := g.retry(ctx, "capture", func() error {
		var err error
		id, err = g.Inner.Capture(ctx, authID)
		return err
	})
	return id, err
}

func (g *RetryingGateway) Void(ctx context.Context, authID string) error {
	return g.retry(ctx, "void", func() error { return g.Inner.Void(ctx, authID) })
}

func (g *RetryingGateway) Refund(ctx context.Context, authID string, amountCents int64) error {
	return g.retry(ctx, "refund", func() error { return g.Inner.Refund(ctx, authID, amountCents) })
}

func (g *RetryingGateway) Status(ctx context.Context, authID string) (AuthStatus, error) {
	var st AuthStatus
	err := g.retry(ctx, "status", func() error {
		var err error
		st, err = g.Inner.Status(ctx, authID)
		return err
	})
	return st, err
}

func (g *RetryingGateway) retry(ctx context.Context, op string, fn func() error) error {
	delay := g.Backoff
	var last error
	for i := 0; i < g.Attempts; i++ {
		err := fn()
		if err == nil {
			observability.GatewayCallsTotal.WithLabelValues(op, "ok").Inc()
			return nil
		}
		if !IsTransient(err) {
			observability.GatewayCallsTotal.WithLabelValues(op, "terminal").Inc()
			return err
		}
		last = err
		if i == g.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	observability.GatewayCallsTotal.WithLabelValues(op, "exhausted").Inc()
	return &exhaustedError{op: op, last: last}
}

// exhaustedError preserves the last transient error while matching
// ErrGatewayUnavailable in errors.Is checks.
type exhaustedError struct {
	op   string
	last error
}

func (e *exhaustedError) Error() string {
	return "gateway " + e.op + ": retries exhausted: " + e.last.Error()
}

func (e *exhaustedError) Unwrap() error { return e.last }

func (e *exhaustedError) Is(target error) bool { return target == ErrGatewayUnavailable }
