package sync

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// CacheFlusher invalidates the site's object cache after an import, so
// freshly imported rows aren't shadowed by cached values.
type CacheFlusher interface {
	Flush(ctx context.Context) error
}

type redisFlusher struct {
	client *redis.Client
}

// NewRedisFlusher returns a CacheFlusher for the redis instance at addr.
func NewRedisFlusher(addr string) CacheFlusher {
	return &redisFlusher{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func (f *redisFlusher) Flush(ctx context.Context) error {
	return f.client.FlushAll(ctx).Err()
}

type nopFlusher struct{}

// NewNopFlusher returns a CacheFlusher for deployments without an object
// cache.
func NewNopFlusher() CacheFlusher {
	return nopFlusher{}
}

func (nopFlusher) Flush(_ context.Context) error { return nil }
