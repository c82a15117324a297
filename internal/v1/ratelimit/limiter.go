// Package ratelimit throttles websocket handshakes per client IP, backed by
// Redis when available so limits hold across instances.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/sketchparty/server/internal/v1/config"
	"github.com/sketchparty/server/internal/v1/logging"
	"github.com/sketchparty/server/internal/v1/metrics"
)

// RateLimiter guards the websocket upgrade endpoints.
type RateLimiter struct {
	wsIP  *limiter.Limiter
	store limiter.Store
}

// NewRateLimiter builds the limiter from the configured rate. redisClient may
// be nil; the limiter then falls back to per-instance memory counters.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using Memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		wsIP:  limiter.New(store, wsIPRate),
		store: store,
	}, nil
}

// CheckWebSocket enforces the per-IP handshake limit. Returns false after
// writing the 429 response. A nil receiver allows everything; tests use that.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	if rl == nil {
		return true
	}

	key := "ws:ip:" + c.ClientIP()
	lctx, err := rl.wsIP.Get(c.Request.Context(), key)
	if err != nil {
		logging.Error(c.Request.Context(), "Rate limiter store error", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.WebsocketEvents.WithLabelValues("handshake", "rate_limited").Inc()
		logging.Warn(c.Request.Context(), "Websocket handshake rate limited", zap.String("ip", c.ClientIP()))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return false
	}
	return true
}
