package feed

import (
	"context"
	"time"

	"github.com/example/ride-escrow/internal/ledger"
	"github.com/example/ride-escrow/internal/models"
)

// OpenRide is the browse-feed summary a driver sees before claiming.
type OpenRide struct {
	RideID    string          `json:"ride_id"`
	FeeCents  int64           `json:"fee_cents"`
	Currency  string          `json:"currency"`
	Pickup    models.Location `json:"pickup"`
	CreatedAt time.Time       `json:"created_at"`
}

// Browser lists currently-claimable rides, oldest first.
type Browser interface {
	Open(ctx context.Context, limit int) ([]OpenRide, error)
}

// StoreBrowser serves the feed straight from the ledger. Fallback for
// deployments without Redis; fine at small scale, the claim path stays
// race-free either way.
type StoreBrowser struct {
	Store ledger.Store
}

func (b *StoreBrowser) Open(ctx context.Context, limit int) ([]OpenRide, error) {
	recs, err := b.Store.ListByStatus(ctx, models.StatusPending, limit)
	if err != nil {
		return nil, err
	}
	out := make([]OpenRide, 0, len(recs))
	for _, r := range recs {
		out = append(out, OpenRide{
			RideID:    r.ID,
			FeeCents:  r.FeeCents,
			Currency:  r.Currency,
			Pickup:    r.Pickup,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}
