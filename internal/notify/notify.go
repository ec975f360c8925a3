package notify

import (
	"context"

	"github.com/example/ride-escrow/internal/models"
)

// Notifier receives every successful ride transition. Delivery is
// at-least-once and best-effort: the transition has already committed, so a
// notification failure must never unwind it.
type Notifier interface {
	RideChanged(ctx context.Context, ev models.TransitionEvent) error
}

// Fanout delivers to all children, collecting nothing: each child's failure
// is its own problem to log.
type Fanout []Notifier

func (f Fanout) RideChanged(ctx context.Context, ev models.TransitionEvent) error {
	for _, n := range f {
		_ = n.RideChanged(ctx, ev)
	}
	return nil
}

// Nop is used in tests and when no transport is configured.
type Nop struct{}

func (Nop) RideChanged(ctx context.Context, ev models.TransitionEvent) error { return nil }
