package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-escrow/internal/ledger"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/notify"
	"github.com/example/ride-escrow/internal/observability"
)

// ErrBadSignature marks a notification that failed authenticity checks.
// These are logged and dropped, never applied.
var ErrBadSignature = errors.New("webhook signature verification failed")

// Normalized gateway event types.
const (
	EventCaptureSucceeded = "capture.succeeded"
	EventCaptureFailed    = "capture.failed"
	EventAuthVoided       = "authorization.voided"
	EventRefunded         = "charge.refunded"
)

// Event is a verified, provider-neutral payment notification.
type Event struct {
	ID         string
	Type       string
	PaymentRef string
	CaptureID  string
}

// Verifier authenticates a raw webhook delivery and normalizes it.
type Verifier interface {
	Verify(payload []byte, sigHeader string) (Event, error)
}

// Deduper short-circuits redelivered events. Purely an optimization: every
// applied transition is idempotent with or without it.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
}

// NopDeduper never remembers anything.
type NopDeduper struct{}

func (NopDeduper) Seen(ctx context.Context, eventID string) (bool, error) { return false, nil }

// Reconciler applies gateway-reported payment outcomes to the ledger. Events
// arrive at least once and unordered across distinct payment references, so
// every applied transition goes through the same conditional write as
// client-driven transitions: a race resolves to whichever commits first, and
// the loser observes the conflict and re-evaluates.
type Reconciler struct {
	Store    ledger.Store
	Verifier Verifier
	Dedup    Deduper
	Notifier notify.Notifier
	Logger   *slog.Logger
}

func NewReconciler(store ledger.Store, v Verifier, d Deduper, n notify.Notifier, logger *slog.Logger) *Reconciler {
	if d == nil {
		d = NopDeduper{}
	}
	return &Reconciler{Store: store, Verifier: v, Dedup: d, Notifier: n, Logger: logger}
}

// HandleWebhook verifies and applies one raw delivery. A returned
// ErrBadSignature means the delivery must be rejected; any other outcome,
// including a discarded-inconsistent event, is acknowledged so the provider
// stops redelivering.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	ev, err := r.Verifier.Verify(payload, sigHeader)
	if err != nil {
		r.Logger.Warn("webhook rejected", "error", err)
		observability.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	if seen, derr := r.Dedup.Seen(ctx, ev.ID); derr == nil && seen {
		observability.WebhookEventsTotal.WithLabelValues(ev.Type, "duplicate").Inc()
		return nil
	}

	outcome, err := r.apply(ctx, ev)
	observability.WebhookEventsTotal.WithLabelValues(ev.Type, outcome).Inc()
	return err
}

// apply maps the event onto a conditional transition, retrying once after a
// conflict since the record may have moved while we were deciding.
func (r *Reconciler) apply(ctx context.Context, ev Event) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := r.Store.GetByPaymentRef(ctx, ev.PaymentRef)
		if errors.Is(err, ledger.ErrNotFound) {
			r.Logger.Warn("webhook for unknown payment reference", "event_id", ev.ID, "type", ev.Type, "payment_ref", ev.PaymentRef)
			return "unmatched", nil
		}
		if err != nil {
			return "error", err
		}

		outcome, mut, ok := r.decide(ev, rec)
		if !ok {
			return outcome, nil
		}

		if _, err := r.Store.CompareAndSwap(ctx, rec.ID, rec.Version, rec.Status, mut); err != nil {
			if _, conflict := ledger.AsConflict(err); conflict {
				// Someone committed first; re-read and re-evaluate.
				continue
			}
			return "error", err
		}

		observability.TransitionsTotal.WithLabelValues(string(rec.Status), string(mut.Status)).Inc()
		r.notify(ctx, rec.ID)
		r.Logger.Info("reconciled ride from webhook", "ride_id", rec.ID, "event_id", ev.ID, "type", ev.Type, "from", rec.Status, "to", mut.Status)
		return outcome, nil
	}
	return "conflict", nil
}

// decide returns the corrective mutation for ev given the record's current
// state, or ok=false with the reason it is a no-op.
func (r *Reconciler) decide(ev Event, rec *models.RideRequest) (string, ledger.Mutation, bool) {
	now := time.Now().UTC()
	switch ev.Type {
	case EventCaptureSucceeded:
		switch rec.Status {
		case models.StatusCompleted:
			// Harmless duplicate of a capture we already recorded.
			return "noop", ledger.Mutation{}, false
		case models.StatusConfirmed:
			// The client-driven complete never committed; the gateway's
			// report is authoritative.
			captureID := ev.CaptureID
			if captureID == "" {
				captureID = ev.PaymentRef
			}
			return "applied", ledger.Mutation{
				Status:      models.StatusCompleted,
				CaptureID:   captureID,
				CompletedAt: &now,
			}, true
		default:
			r.discard(ev, rec)
			return "discarded", ledger.Mutation{}, false
		}

	case EventCaptureFailed:
		if rec.Status.Terminal() {
			return "noop", ledger.Mutation{}, false
		}
		return "applied", ledger.Mutation{Status: models.StatusFailed}, true

	case EventAuthVoided:
		if rec.Status == models.StatusCanceled {
			// Echo of our own void.
			return "noop", ledger.Mutation{}, false
		}
		if rec.Status.Terminal() {
			r.discard(ev, rec)
			return "discarded", ledger.Mutation{}, false
		}
		// The hold is gone; this ride can never be captured.
		return "applied", ledger.Mutation{Status: models.StatusFailed}, true

	case EventRefunded:
		// Administrative refunds do not change ride state; record for audit.
		r.Logger.Info("refund reported by gateway", "ride_id", rec.ID, "payment_ref", ev.PaymentRef)
		return "noop", ledger.Mutation{}, false

	default:
		r.Logger.Debug("unhandled webhook event type", "event_id", ev.ID, "type", ev.Type)
		return "unhandled", ledger.Mutation{}, false
	}
}

func (r *Reconciler) discard(ev Event, rec *models.RideRequest) {
	// The client-driven path is authoritative for anything reachable without
	// gateway confirmation; an inconsistent event is logged, never forced.
	r.Logger.Warn("webhook inconsistent with ride state, discarding",
		"event_id", ev.ID, "type", ev.Type, "ride_id", rec.ID, "status", rec.Status)
}

func (r *Reconciler) notify(ctx context.Context, rideID string) {
	rec, err := r.Store.Get(ctx, rideID)
	if err != nil {
		return
	}
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
	if err := r.Notifier.RideChanged(ctx, ev); err != nil {
		r.Logger.Warn("notify failed", "ride_id", rec.ID, "error", err)
	}
}
