// Package tokencache caches vendor session tokens in redis. Irecharge
// issues an access_token per validated purchase session; the cache keeps it
// warm across orchestration steps so requeries don't re-run validation.
package tokencache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to redis at addr. TTL should cover the transaction's whole
// retry window (the staleness ceiling); a token outliving the transaction is
// harmless, an expired one just forces a re-validate.
func New(addr string, ttl time.Duration) *Cache {
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func key(vendor, transactionID string) string {
	return fmt.Sprintf("vend:session:%s:%s", vendor, transactionID)
}

func (c *Cache) Put(ctx context.Context, vendor, transactionID, token string) error {
	return c.client.Set(ctx, key(vendor, transactionID), token, c.ttl).Err()
}

// Get returns the cached token, or "" when none is cached.
func (c *Cache) Get(ctx context.Context, vendor, transactionID string) (string, error) {
	v, err := c.client.Get(ctx, key(vendor, transactionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
