// Package ratelimit throttles the surfaces most exposed to abuse: new room
// connections (by IP and by user) and the high-frequency per-message
// actions a client can spam once connected (queue submissions, vote casts),
// backed by Redis when available and falling back to an in-process store
// otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/waveroomhq/roomserver/internal/v1/config"
	"github.com/waveroomhq/roomserver/internal/v1/logging"
	"github.com/waveroomhq/roomserver/internal/v1/metrics"
)

// RateLimiter holds the per-surface ulule/limiter instances.
type RateLimiter struct {
	wsIP        *limiter.Limiter
	wsUser      *limiter.Limiter
	apiRooms    *limiter.Limiter
	apiVotes    *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter builds a RateLimiter from validated config. When redisClient
// is nil the limiter counters live in process memory, which is fine for a
// single instance but does not share state across a fleet.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid ws ip rate: %w", err)
	}
	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid ws user rate: %w", err)
	}
	apiRoomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid api rooms rate: %w", err)
	}
	apiVotesRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIVotes)
	if err != nil {
		return nil, fmt.Errorf("invalid api votes rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "roomserver:limiter:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-memory store (redis disabled)")
	}

	return &RateLimiter{
		wsIP:        limiter.New(store, wsIPRate),
		wsUser:      limiter.New(store, wsUserRate),
		apiRooms:    limiter.New(store, apiRoomsRate),
		apiVotes:    limiter.New(store, apiVotesRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// CheckWebSocketConnectIP enforces the per-IP connect rate ahead of
// authentication, so an attacker can't burn JWT validation cycles.
func (rl *RateLimiter) CheckWebSocketConnectIP(c *gin.Context) bool {
	ctx := c.Request.Context()
	res, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (ws ip)")
		return true // fail open
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(res.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this ip"})
		return false
	}
	metrics.RateLimitRequests.WithLabelValues("websocket_connect").Inc()
	return true
}

// CheckWebSocketConnectUser enforces the per-user connect rate for an
// authenticated user ID. The server's /ws route does not call it; only the
// per-IP check guards that route.
func (rl *RateLimiter) CheckWebSocketConnectUser(ctx context.Context, userID string) error {
	res, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (ws user)")
		return nil // fail open
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user %s", userID)
	}
	return nil
}

// CheckQueueSubmit enforces the per-user rate on high-frequency in-room
// actions (queue submissions, vote casts) so one member can't flood a room.
func (rl *RateLimiter) CheckQueueSubmit(ctx context.Context, userID string) error {
	res, err := rl.apiVotes.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (queue submit)")
		return nil // fail open
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("queue_submit", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user %s", userID)
	}
	return nil
}

// RoomsMiddleware rate-limits room creation, keyed by the authenticated
// caller's subject when auth middleware has already populated "claims_subject",
// or by client IP otherwise.
func (rl *RateLimiter) RoomsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if sub, ok := c.Get("claims_subject"); ok {
			if s, ok := sub.(string); ok && s != "" {
				key = s
			}
		}

		ctx := c.Request.Context()
		res, err := rl.apiRooms.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed (api rooms)")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset, 10))

		if res.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "rooms").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "retry_after": res.Reset})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}
