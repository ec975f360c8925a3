package reconcile

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper remembers processed event ids with a TTL. SETNX answers "have
// we seen this" and records it in one round trip.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(addr, password string, ttl time.Duration) *RedisDeduper {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: c, ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, eventKey(eventID), 1, d.ttl).Result()
	if err != nil {
		// Fail open: the store-side transitions are idempotent anyway.
		return false, err
	}
	return !ok, nil
}

func eventKey(id string) string { return "events:processed:" + id }
