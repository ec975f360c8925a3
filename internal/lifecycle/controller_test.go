package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/ride-escrow/internal/ledger"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/notify"
	"github.com/example/ride-escrow/internal/payments"
)

// fakeGateway records calls and fails on demand.
type fakeGateway struct {
	mu         sync.Mutex
	authErr    error
	captureErr error
	voidErr    error
	statusResp payments.AuthStatus

	authorizes int
	captures   int
	voids      int
	refunds    int
	statuses   int
}

func (f *fakeGateway) Authorize(ctx context.Context, amount int64, currency, rideID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorizes++
	if f.authErr != nil {
		return "", f.authErr
	}
	return "pi_" + rideID, nil
}

func (f *fakeGateway) Capture(ctx context.Context, authID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	if f.captureErr != nil {
		return "", f.captureErr
	}
	return "ch_" + authID, nil
}

func (f *fakeGateway) Void(ctx context.Context, authID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voids++
	return f.voidErr
}

func (f *fakeGateway) Refund(ctx context.Context, authID string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	return nil
}

func (f *fakeGateway) Status(ctx context.Context, authID string) (payments.AuthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses++
	if f.statusResp != "" {
		return f.statusResp, nil
	}
	return payments.AuthHeld, nil
}

func newTestController(gw *fakeGateway) (*Controller, *ledger.MemoryStore) {
	store := ledger.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(store, gw, notify.Nop{}, logger), store
}

var (
	pickup = models.Location{Lat: 40.0, Lon: -74.0, Address: "A St"}
	dest   = models.Location{Lat: 40.1, Lon: -74.1, Address: "B St"}
)

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	c, _ := newTestController(gw)

	rec, err := c.CreateRequest(ctx, "r1", pickup, dest, 2000, "usd")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != models.StatusPending || rec.Version != 1 || rec.PaymentRef == "" {
		t.Fatalf("unexpected created record: %+v", rec)
	}

	rec, err = c.Claim(ctx, "d1", rec.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if rec.Status != models.StatusAccepted || rec.DriverID != "d1" || rec.AcceptedAt == nil {
		t.Fatalf("unexpected accepted record: %+v", rec)
	}

	rec, err = c.Confirm(ctx, rec.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if rec.Status != models.StatusConfirmed {
		t.Fatalf("unexpected confirmed record: %+v", rec)
	}

	rec, err = c.Complete(ctx, rec.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if rec.Status != models.StatusCompleted || rec.CaptureID == "" || rec.CompletedAt == nil {
		t.Fatalf("unexpected completed record: %+v", rec)
	}
	if gw.captures != 1 {
		t.Fatalf("expected exactly one capture, got %d", gw.captures)
	}
}

// At-most-one-claim: N concurrent claims, exactly one accepted outcome.
func TestConcurrentClaimsSingleWinner(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	c, store := newTestController(gw)

	rec, err := c.CreateRequest(ctx, "r1", pickup, dest, 2000, "usd")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	accepted := make(chan string, n)
	conflicts := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			driver := "driver" + string(rune('a'+i))
			if _, err := c.Claim(ctx, driver, rec.ID); err == nil {
				accepted <- driver
			} else {
				conflicts <- err
			}
		}(i)
	}
	wg.Wait()
	close(accepted)
	close(conflicts)

	var winners []string
	for w := range accepted {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one accepted claim, got %d", len(winners))
	}
	losses := 0
	for err := range conflicts {
		if !errors.Is(err, ErrAlreadyClaimed) {
			t.Fatalf("loser got unexpected error: %v", err)
		}
		losses++
	}
	if losses != n-1 {
		t.Fatalf("expected %d AlreadyClaimed outcomes, got %d", n-1, losses)
	}

	cur, _ := store.Get(ctx, rec.ID)
	if cur.DriverID != winners[0] {
		t.Fatalf("record driver %q does not match winner %q", cur.DriverID, winners[0])
	}
}

func TestCreateAtomicityOnDecline(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{authErr: &payments.DeclinedError{Code: "card_declined", Message: "insufficient funds"}}
	c, store := newTestController(gw)

	_, err := c.CreateRequest(ctx, "r1", pickup, dest, 2000, "usd")
	if !errors.Is(err, ErrAuthorizationFailed) {
		t.Fatalf("expected ErrAuthorizationFailed, got %v", err)
	}
	if rides, _ := store.ListByStatus(ctx, models.StatusPending, 10); len(rides) != 0 {
		t.Fatalf("no record should exist after declined authorization, got %d", len(rides))
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	c, _ := newTestController(gw)

	if _, err := c.CreateRequest(ctx, "r1", pickup, dest, 0, "usd"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for zero fee, got %v", err)
	}
	if _, err := c.CreateRequest(ctx, "", pickup, dest, 2000, "usd"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty rider, got %v", err)
	}
	if gw.authorizes != 0 {
		t.Fatalf("validation failures must not reach the gateway, got %d calls", gw.authorizes)
	}
}

func TestCompleteFailsFastOutsideConfirmed(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	c, _ := newTestController(gw)

	rec, _ := c.CreateRequest(ctx, "r1", pickup, dest, 2000, "usd")
	if _, err := c.Complete(ctx, rec.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on pending, got %v", err)
	}
	if _, err := c.Claim(ctx, "d1", rec.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := c.Complete(ctx, rec.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on accepted, got %v", err)
	}
	if gw.captures != 0 {
		t.Fatalf("capture must never be attempted outside confirmed, got %d", gw.captures)
	}
}

func TestPreCaptureCancelVoidsHold(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	c, _ := newTestController(gw)

	rec, _ := c.CreateRequest(ctx, "r1", pickup, dest, 2000, "usd")
	out, err := c.Cancel(ctx, "r1", rec.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Status != models.StatusCanceled || out.CanceledAt == nil {
		t.Fatalf("unexpected canceled record: %+v", out)
	}
	if gw.voids != 1 || gw.captures != 0 {
		t.Fatalf("expected one void and no captures, got voids=%d captures=%d", gw.voids, gw.captures)
	}
}

// A cancel that races an already-landed capture must not strand the money:
// the canceled transition stands and the captured fee comes back as a refund.
func TestCancelRefundsWhenCaptureAlreadyLanded(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{voidErr: &payments.AlreadyCapturedError{AuthID: "pi_x"}}
	c, store := newTestController(gw)

	rec, _ := c.CreateRequest(ctx, "r1", pickup, dest, 2000, "usd")
	c.Claim(ctx, "d1", rec.ID)
	c.Confirm(ctx, rec.ID)

	out, err := c.Cancel(ctx, "r1", rec.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Status != models.StatusCanceled {
		t.Fatalf("expected canceled, got %s", out.Status)
	}
	if gw.voids != 1 || gw.refunds != 1 {
		t.Fatalf("failed void must trigger a refund, got voids=%d refunds=%d", gw.voids, gw.refunds)
	}
	cur, _ := store.Get(ctx, rec.ID)
	if cur.Status != models.StatusCanceled {
		t.Fatalf("record must stay canceled, got %s", cur.Status)
	}
}

// An ordinary void failure gets no refund; the hold was never captured and
// expires on the provider's side.
func TestCancelVoidFailureDoesNotRefund(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{voidErr: &payments.NetworkError{Op: "void", Err: errors.New("timeout")}}
	c, _ := newTestController(gw)

	rec, _ := c.CreateRequest(ctx, "r1", pickup, dest, 2000, "usd")
	out, err := c.Cancel(ctx, "r1", rec.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Status != models.StatusCanceled {
		t.Fatalf("expected canceled, got %s", out.Status)
	}
	if gw.refunds != 0 {
		t.Fatalf("uncaptured hold must not be refunded, got %d refunds", gw.refunds)
	}
}

func TestCancelByStranger(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	c, _ := newTestController(gw)

	rec, _ := c.CreateRequest(ctx, "r1", pickup, dest, 2000, "usd")
	if _, err := c.Cancel(ctx, "someone-else", rec.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if gw.voids != 0 {
		t.Fatal("void must not happen for a forbidden cancel")
	}
}

func TestTerminalRecordsAreImmutable(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	c, store := newTestController(gw)

	rec, _ := c.CreateRequest(ctx, "r1", pickup, dest, 2000, "usd")
	c.Claim(ctx, "d1", rec.ID)
	c.Confirm(ctx, rec.ID)
	done, err := c.Complete(ctx, rec.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := c.Claim(ctx, "d2", rec.ID); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("claim on terminal: %v", err)
	}
	if _, err := c.Confirm(ctx, rec.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("confirm on terminal: %v", err)
	}
	if _, err := c.Cancel(ctx, "r1", rec.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel on terminal: %v", err)
	}

	cur, _ := store.Get(ctx, rec.ID)
	if cur.Status != models.StatusCompleted || cur.DriverID != "d1" || cur.Version != done.Version {
		t.Fatalf("terminal record changed: %+v", cur)
	}
}

func TestCompleteTerminalCaptureFailureLeavesConfirmed(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{captureErr: &payments.AuthExpiredError{AuthID: "pi_x"}}
	c, store := newTestController(gw)

	rec, _ := c.CreateRequest(ctx, "r1", pickup, dest, 2000, "usd")
	c.Claim(ctx, "d1", rec.ID)
	c.Confirm(ctx, rec.ID)

	if _, err := c.Complete(ctx, rec.ID); !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("expected ErrCaptureFailed, got %v", err)
	}
	cur, _ := store.Get(ctx, rec.ID)
	if cur.Status != models.StatusConfirmed {
		t.Fatalf("record must stay confirmed after capture failure, got %s", cur.Status)
	}
}

// A capture that times out may still have landed; the controller must ask
// the gateway before deciding.
func TestCompleteResolvesAmbiguousCaptureViaStatus(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{captureErr: payments.ErrGatewayUnavailable, statusResp: payments.AuthCaptured}
	c, _ := newTestController(gw)

	rec, _ := c.CreateRequest(ctx, "r1", pickup, dest, 2000, "usd")
	c.Claim(ctx, "d1", rec.ID)
	c.Confirm(ctx, rec.ID)

	out, err := c.Complete(ctx, rec.ID)
	if err != nil {
		t.Fatalf("complete should succeed after status re-query: %v", err)
	}
	if out.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", out.Status)
	}
	if gw.statuses != 1 {
		t.Fatalf("expected one status re-query, got %d", gw.statuses)
	}
}

func TestCompleteUnavailableGatewayLeavesConfirmed(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{captureErr: payments.ErrGatewayUnavailable, statusResp: payments.AuthHeld}
	c, store := newTestController(gw)

	rec, _ := c.CreateRequest(ctx, "r1", pickup, dest, 2000, "usd")
	c.Claim(ctx, "d1", rec.ID)
	c.Confirm(ctx, rec.ID)

	if _, err := c.Complete(ctx, rec.ID); !errors.Is(err, payments.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	cur, _ := store.Get(ctx, rec.ID)
	if cur.Status != models.StatusConfirmed {
		t.Fatalf("record must stay confirmed, got %s", cur.Status)
	}
}

func TestRefundOnlyOnCompleted(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	c, _ := newTestController(gw)

	rec, _ := c.CreateRequest(ctx, "r1", pickup, dest, 2000, "usd")
	if _, err := c.Refund(ctx, rec.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for refund on pending, got %v", err)
	}

	c.Claim(ctx, "d1", rec.ID)
	c.Confirm(ctx, rec.ID)
	c.Complete(ctx, rec.ID)

	out, err := c.Refund(ctx, rec.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if out.Status != models.StatusCompleted {
		t.Fatalf("refund must not change ride status, got %s", out.Status)
	}
	if gw.refunds != 1 {
		t.Fatalf("expected one refund call, got %d", gw.refunds)
	}
}

func TestClaimMissingRide(t *testing.T) {
	gw := &fakeGateway{}
	c, _ := newTestController(gw)
	if _, err := c.Claim(context.Background(), "d1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
