package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenTTL is how long issued tokens are cached. It is shorter than the
// nonce validity floor so a cached token is always still verifiable.
const TokenTTL = 3 * time.Hour

// TokenCache stores issued tokens so peers don't run the handshake on every
// call. A miss returns an empty token and no error.
type TokenCache interface {
	Get(ctx context.Context, identity string) (string, error)
	Put(ctx context.Context, identity, token string) error
	Drop(ctx context.Context, identity string) error
}

type redisCache struct {
	client *redis.Client
}

// NewRedisCache returns a TokenCache backed by the redis instance at addr.
func NewRedisCache(addr string) TokenCache {
	return &redisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func (c *redisCache) key(identity string) string {
	return "ezsync:token:" + identity
}

func (c *redisCache) Get(ctx context.Context, identity string) (string, error) {
	token, err := c.client.Get(ctx, c.key(identity)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return token, err
}

func (c *redisCache) Put(ctx context.Context, identity, token string) error {
	return c.client.Set(ctx, c.key(identity), token, TokenTTL).Err()
}

func (c *redisCache) Drop(ctx context.Context, identity string) error {
	return c.client.Del(ctx, c.key(identity)).Err()
}

type nopCache struct{}

// NewNopCache returns a TokenCache that never hits. It is used when no redis
// address is configured.
func NewNopCache() TokenCache {
	return nopCache{}
}

func (nopCache) Get(_ context.Context, _ string) (string, error) { return "", nil }
func (nopCache) Put(_ context.Context, _, _ string) error        { return nil }
func (nopCache) Drop(_ context.Context, _ string) error          { return nil }
