// Package metadata wraps a media.Resolver in a Shared-State Store-backed
// TTL cache, so repeated submissions of the same URL across the room
// server's rooms don't each pay the resolver's network round trip.
package metadata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
)

// Resolver is satisfied by pkg/media.Client.
type Resolver interface {
	Resolve(ctx context.Context, url string) (domain.MediaRef, error)
}

// Cache is the Get/SetEx half of the Shared-State Store.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
}

// CachedResolver satisfies queue.MediaResolver.
type CachedResolver struct {
	resolver Resolver
	cache    Cache
	ttl      time.Duration
}

func New(resolver Resolver, cache Cache, ttl time.Duration) *CachedResolver {
	return &CachedResolver{resolver: resolver, cache: cache, ttl: ttl}
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "metadata:" + hex.EncodeToString(sum[:])
}

// Resolve serves a cached MediaRef when available, falling back to the
// underlying resolver on a miss (or on a cache read error — the resolver is
// always the correctness fallback, the cache only an optimization).
func (c *CachedResolver) Resolve(ctx context.Context, url string) (domain.MediaRef, error) {
	key := cacheKey(url)

	if raw, err := c.cache.Get(ctx, key); err == nil && raw != "" {
		var media domain.MediaRef
		if err := json.Unmarshal([]byte(raw), &media); err == nil {
			return media, nil
		}
	}

	media, err := c.resolver.Resolve(ctx, url)
	if err != nil {
		return domain.MediaRef{}, err
	}

	if data, err := json.Marshal(media); err == nil {
		_ = c.cache.SetEx(ctx, key, string(data), c.ttl)
	}

	return media, nil
}
