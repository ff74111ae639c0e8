package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb redis.Cmdable, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Dedup marks event ids as processed. Mark reports true the first time an id is seen.
type Dedup struct {
	Redis   redis.Cmdable
	Service string
	TTL     time.Duration
}

func (d *Dedup) Seen(ctx context.Context, id string) (bool, error) {
	return Exists(ctx, d.Redis, KeyDedupFor(d.Service, id))
}

func (d *Dedup) Mark(ctx context.Context, id string) (bool, error) {
	ttl := d.TTL
	if ttl <= 0 {
		ttl = TTLDedup
	}
	return d.Redis.SetNX(ctx, KeyDedupFor(d.Service, id), "1", ttl).Result()
}

// Lease is a best-effort, expiring mutual exclusion on one key. Losing or
// never getting it only means some other instance does the work this round.
type Lease struct {
	Redis redis.Cmdable
	Key   string
	Owner string
}

// TryAcquire takes the lease for ttl if nobody holds it.
func (l *Lease) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	return l.Redis.SetNX(ctx, l.Key, l.Owner, ttl).Result()
}

// JSONCache stores small JSON snapshots with a TTL.
type JSONCache struct {
	Redis redis.Cmdable
}

// Get decodes key into out and reports false on a miss.
func (c *JSONCache) Get(ctx context.Context, key string, out any) (bool, error) {
	b, err := c.Redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, err
	}
	return true, nil
}

func (c *JSONCache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Redis.Set(ctx, key, b, ttl).Err()
}
