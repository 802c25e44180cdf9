// Package middleware は API 共通の gin ミドルウェアを提供します。
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimiterConfig はレート制限の設定です。
type RateLimiterConfig struct {
	RedisClient *redis.Client
	Limit       int
	Window      time.Duration
	KeyPrefix   string
	// Extractor は制限単位のキーを返します。既定はクライアント IP です。
	Extractor func(c *gin.Context) string
	Logger    *slog.Logger
}

// NewRateLimiter は Redis の INCR による固定ウィンドウ方式のレート制限ミドルウェアを返します。
// Redis に接続できない場合は制限せずに通します。
func NewRateLimiter(cfg RateLimiterConfig) gin.HandlerFunc {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Extractor == nil {
		cfg.Extractor = func(c *gin.Context) string { return c.ClientIP() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RedisClient == nil || cfg.Limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := cfg.Extractor(c)
		if id == "" {
			id = "anonymous"
		}
		key := cfg.KeyPrefix + id

		var incr *redis.IntCmd
		var ttl *redis.DurationCmd
		_, err := cfg.RedisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			pipe.ExpireNX(ctx, key, cfg.Window)
			ttl = pipe.TTL(ctx, key)
			return nil
		})
		if err != nil {
			cfg.Logger.Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		count := incr.Val()
		reset := int(ttl.Val().Seconds())
		if reset < 0 {
			reset = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
		c.Header("X-RateLimit-Reset", strconv.Itoa(reset))

		if count > int64(cfg.Limit) {
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(reset))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "リクエストが多すぎます。しばらくしてから再度お試しください。",
			})
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(cfg.Limit-int(count)))
		c.Next()
	}
}
