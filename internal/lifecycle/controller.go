package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-escrow/internal/ledger"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/notify"
	"github.com/example/ride-escrow/internal/observability"
	"github.com/example/ride-escrow/internal/payments"
)

var (
	// ErrValidation rejects bad input before any store or gateway call.
	ErrValidation = errors.New("invalid request")
	// ErrAlreadyClaimed is the definitive answer to the loser of a claim
	// race. The controller never retries on the caller's behalf: retrying
	// would silently claim a different ride.
	ErrAlreadyClaimed = errors.New("ride already claimed")
	// ErrInvalidState rejects a transition not permitted from the record's
	// current status.
	ErrInvalidState = errors.New("transition not valid in current state")
	// ErrForbidden rejects a cancel from someone who is not a party to the ride.
	ErrForbidden = errors.New("actor is not a participant in this ride")
	// ErrAuthorizationFailed means the fee hold was declined; no record exists.
	ErrAuthorizationFailed = errors.New("payment authorization failed")
	// ErrCaptureFailed means capture did not succeed; the record remains
	// confirmed until the gateway's webhook says otherwise.
	ErrCaptureFailed = errors.New("payment capture failed")

	// ErrNotFound re-exports the store's miss so callers depend on one package.
	ErrNotFound = ledger.ErrNotFound
)

// Controller drives the ride request state machine. It owns no state of its
// own: every transition is a conditional write against the ledger, which is
// the single serialization point, so any number of controller instances can
// run concurrently.
type Controller struct {
	Store    ledger.Store
	Gateway  payments.Gateway
	Notifier notify.Notifier
	Logger   *slog.Logger

	// DefaultCurrency applies when a create request leaves currency empty.
	DefaultCurrency string
}

func NewController(store ledger.Store, gw payments.Gateway, n notify.Notifier, logger *slog.Logger) *Controller {
	return &Controller{
		Store:           store,
		Gateway:         gw,
		Notifier:        n,
		Logger:          logger,
		DefaultCurrency: "usd",
	}
}

// CreateRequest authorizes the fee and persists a pending record. Creation is
// atomic: a declined authorization leaves no record, and a failed insert
// releases the hold.
func (c *Controller) CreateRequest(ctx context.Context, riderID string, pickup, dest models.Location, feeCents int64, currency string) (*models.RideRequest, error) {
	if riderID == "" {
		return nil, fmt.Errorf("%w: rider id required", ErrValidation)
	}
	if feeCents <= 0 {
		return nil, fmt.Errorf("%w: fee must be positive", ErrValidation)
	}
	if currency == "" {
		currency = c.DefaultCurrency
	}

	rideID := uuid.NewString()
	authID, err := c.Gateway.Authorize(ctx, feeCents, currency, rideID)
	if err != nil {
		var de *payments.DeclinedError
		if errors.As(err, &de) {
			return nil, fmt.Errorf("%w: %s", ErrAuthorizationFailed, de.Message)
		}
		return nil, err
	}

	rec := &models.RideRequest{
		ID:          rideID,
		RiderID:     riderID,
		Pickup:      pickup,
		Destination: dest,
		FeeCents:    feeCents,
		Currency:    currency,
		PaymentRef:  authID,
		Status:      models.StatusPending,
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.Store.Insert(ctx, rec); err != nil {
		// Creation is all-or-nothing: release the hold we just placed.
		if verr := c.Gateway.Void(ctx, authID); verr != nil {
			c.Logger.Error("void after failed insert", "ride_id", rideID, "payment_ref", authID, "error", verr)
		}
		return nil, fmt.Errorf("persist ride request: %w", err)
	}

	c.transitioned(ctx, "none", rec)
	return rec, nil
}

// Claim assigns the ride to a driver. At most one concurrent claim succeeds;
// everyone else gets ErrAlreadyClaimed.
func (c *Controller) Claim(ctx context.Context, driverID, rideID string) (*models.RideRequest, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driver id required", ErrValidation)
	}
	cur, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusPending {
		return nil, ErrAlreadyClaimed
	}

	now := time.Now().UTC()
	rec, err := c.Store.CompareAndSwap(ctx, rideID, cur.Version, models.StatusPending, ledger.Mutation{
		Status:     models.StatusAccepted,
		DriverID:   driverID,
		AcceptedAt: &now,
	})
	if err != nil {
		if _, ok := ledger.AsConflict(err); ok {
			observability.ClaimConflictsTotal.Inc()
			return nil, ErrAlreadyClaimed
		}
		return nil, err
	}

	c.transitioned(ctx, models.StatusPending, rec)
	return rec, nil
}

// Confirm marks mutual readiness. No external side effects.
func (c *Controller) Confirm(ctx context.Context, rideID string) (*models.RideRequest, error) {
	cur, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusAccepted {
		return nil, ErrInvalidState
	}
	rec, err := c.Store.CompareAndSwap(ctx, rideID, cur.Version, models.StatusAccepted, ledger.Mutation{
		Status: models.StatusConfirmed,
	})
	if err != nil {
		if _, ok := ledger.AsConflict(err); ok {
			return nil, ErrInvalidState
		}
		return nil, err
	}

	c.transitioned(ctx, models.StatusAccepted, rec)
	return rec, nil
}

// Complete captures the authorized fee and finishes the ride. Capture is only
// valid on a confirmed record; anything else is rejected before the gateway
// is contacted, so a double capture is impossible from this path.
func (c *Controller) Complete(ctx context.Context, rideID string) (*models.RideRequest, error) {
	cur, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusConfirmed {
		return nil, ErrInvalidState
	}

	captureID, err := c.Gateway.Capture(ctx, cur.PaymentRef)
	if err != nil {
		if errors.Is(err, payments.ErrGatewayUnavailable) {
			// Ambiguous outcome: a timed-out capture may still have landed.
			// Ask the gateway before touching the store.
			st, serr := c.Gateway.Status(ctx, cur.PaymentRef)
			if serr != nil || st != payments.AuthCaptured {
				return nil, payments.ErrGatewayUnavailable
			}
			captureID = cur.PaymentRef
		} else {
			// Terminal capture failures leave the record confirmed; the
			// reconciler applies the gateway's authoritative verdict later.
			return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
		}
	}

	now := time.Now().UTC()
	rec, err := c.Store.CompareAndSwap(ctx, rideID, cur.Version, models.StatusConfirmed, ledger.Mutation{
		Status:      models.StatusCompleted,
		CaptureID:   captureID,
		CompletedAt: &now,
	})
	if err != nil {
		if current, ok := ledger.AsConflict(err); ok {
			if current.Status == models.StatusCompleted {
				// The webhook reconciler recorded the capture first.
				return current, nil
			}
			c.Logger.Error("capture committed but ride moved elsewhere", "ride_id", rideID, "status", current.Status)
			return nil, ErrInvalidState
		}
		return nil, err
	}

	c.transitioned(ctx, models.StatusConfirmed, rec)
	return rec, nil
}

// Cancel ends a not-yet-completed ride. The canceled transition commits
// first, then the hold is voided: a void failure only delays the release of
// funds that never moved, whereas voiding first could release the hold on a
// ride a driver just claimed. If the void reports the fee was already
// captured, the capture won the race and the fee is refunded instead.
func (c *Controller) Cancel(ctx context.Context, actorID, rideID string) (*models.RideRequest, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor id required", ErrValidation)
	}
	cur, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if actorID != cur.RiderID && actorID != cur.DriverID {
		return nil, ErrForbidden
	}
	switch cur.Status {
	case models.StatusPending, models.StatusAccepted, models.StatusConfirmed:
	default:
		return nil, ErrInvalidState
	}

	now := time.Now().UTC()
	rec, err := c.Store.CompareAndSwap(ctx, rideID, cur.Version, cur.Status, ledger.Mutation{
		Status:     models.StatusCanceled,
		CanceledAt: &now,
	})
	if err != nil {
		if _, ok := ledger.AsConflict(err); ok {
			return nil, ErrInvalidState
		}
		return nil, err
	}

	if verr := c.Gateway.Void(ctx, rec.PaymentRef); verr != nil {
		var ac *payments.AlreadyCapturedError
		if errors.As(verr, &ac) {
			// A racing capture landed before the void. The ride stays
			// canceled, so the rider gets the captured fee back.
			if rerr := c.Gateway.Refund(ctx, rec.PaymentRef, rec.FeeCents); rerr != nil {
				c.Logger.Error("refund of captured fee after cancel", "ride_id", rideID, "payment_ref", rec.PaymentRef, "error", rerr)
			} else {
				c.Logger.Info("refunded captured fee for canceled ride", "ride_id", rideID, "payment_ref", rec.PaymentRef, "fee_cents", rec.FeeCents)
			}
		} else {
			c.Logger.Error("void after cancel", "ride_id", rideID, "payment_ref", rec.PaymentRef, "error", verr)
		}
	}

	c.transitioned(ctx, cur.Status, rec)
	return rec, nil
}

// Refund returns the captured fee of a completed ride. This is the
// administrative dispute path: the ride record is terminal and stays
// completed, only the payment side changes.
func (c *Controller) Refund(ctx context.Context, rideID string) (*models.RideRequest, error) {
	cur, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusCompleted {
		return nil, ErrInvalidState
	}
	if err := c.Gateway.Refund(ctx, cur.PaymentRef, cur.FeeCents); err != nil {
		return nil, err
	}
	c.Logger.Info("administrative refund issued", "ride_id", rideID, "payment_ref", cur.PaymentRef, "fee_cents", cur.FeeCents)
	return cur, nil
}

// Get returns the current snapshot of a ride.
func (c *Controller) Get(ctx context.Context, rideID string) (*models.RideRequest, error) {
	return c.Store.Get(ctx, rideID)
}

func (c *Controller) transitioned(ctx context.Context, from models.Status, rec *models.RideRequest) {
	observability.TransitionsTotal.WithLabelValues(string(from), string(rec.Status)).Inc()
	ev := models.TransitionEvent{
		RideID:    rec.ID,
		RiderID:   rec.RiderID,
		DriverID:  rec.DriverID,
		NewStatus: rec.Status,
		Version:   rec.Version,
		FeeCents:  rec.FeeCents,
		Currency:  rec.Currency,
		Pickup:    rec.Pickup,
		At:        time.Now().UTC(),
	}
	if err := c.Notifier.RideChanged(ctx, ev); err != nil {
		c.Logger.Warn("notify failed", "ride_id", rec.ID, "new_status", rec.Status, "error", err)
	}
	c.Logger.Info("ride transition", "ride_id", rec.ID, "from", string(from), "to", string(rec.Status), "version", rec.Version)
}
