package feed

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-escrow/internal/models"
)

// RedisFeed is the projection of pending rides kept current by the
// transition-event consumer: a sorted set ordered by creation time plus a
// summary hash per ride.
type RedisFeed struct {
	client *redis.Client
	key    string
}

func NewRedisFeed(addr, password, key string) *RedisFeed {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisFeed{client: c, key: key}
}

// Apply projects one transition event: pending rides enter the feed, any
// later transition removes them. Applying the same event twice converges to
// the same feed state.
func (f *RedisFeed) Apply(ctx context.Context, ev models.TransitionEvent) error {
	if ev.NewStatus == models.StatusPending {
		return f.add(ctx, ev)
	}
	return f.remove(ctx, ev.RideID)
}

func (f *RedisFeed) add(ctx context.Context, ev models.TransitionEvent) error {
	if err := f.client.ZAdd(ctx, f.key, redis.Z{Score: float64(ev.At.UnixMilli()), Member: ev.RideID}).Err(); err != nil {
		return err
	}
	return f.client.HSet(ctx, summaryKey(ev.RideID), map[string]interface{}{
		"fee_cents":  strconv.FormatInt(ev.FeeCents, 10),
		"currency":   ev.Currency,
		"lat":        strconv.FormatFloat(ev.Pickup.Lat, 'f', -1, 64),
		"lon":        strconv.FormatFloat(ev.Pickup.Lon, 'f', -1, 64),
		"address":    ev.Pickup.Address,
		"created_at": ev.At.UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (f *RedisFeed) remove(ctx context.Context, rideID string) error {
	if err := f.client.ZRem(ctx, f.key, rideID).Err(); err != nil {
		return err
	}
	return f.client.Del(ctx, summaryKey(rideID)).Err()
}

func (f *RedisFeed) Open(ctx context.Context, limit int) ([]OpenRide, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := f.client.ZRange(ctx, f.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]OpenRide, 0, len(ids))
	for _, id := range ids {
		m, err := f.client.HGetAll(ctx, summaryKey(id)).Result()
		if err != nil || len(m) == 0 {
			continue
		}
		or := OpenRide{RideID: id, Currency: m["currency"], Pickup: models.Location{Address: m["address"]}}
		if v, err := strconv.ParseInt(m["fee_cents"], 10, 64); err == nil {
			or.FeeCents = v
		}
		if v, err := strconv.ParseFloat(m["lat"], 64); err == nil {
			or.Pickup.Lat = v
		}
		if v, err := strconv.ParseFloat(m["lon"], 64); err == nil {
			or.Pickup.Lon = v
		}
		if t, err := time.Parse(time.RFC3339Nano, m["created_at"]); err == nil {
			or.CreatedAt = t
		}
		out = append(out, or)
	}
	return out, nil
}

// Ping reports Redis connectivity for readiness checks.
func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

func (f *RedisFeed) Close() error { return f.client.Close() }

func summaryKey(id string) string { return "ride:open:" + id }
