package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"lime_farm/internal/logger"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
)

// KeyFunc picks the identity a request is counted against.
type KeyFunc func(c *gin.Context) string

// ByClientIP counts requests per remote address.
func ByClientIP(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// ByUser counts requests per :userId path parameter, falling back to the
// client address for routes without one.
func ByUser(c *gin.Context) string {
	if id := c.Param("userId"); id != "" {
		return "user:" + id
	}
	return ByClientIP(c)
}

// RedisLimiter is a fixed-window limiter shared by every replica.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter connects to addr and pings it once.
func NewRedisLimiter(ctx context.Context, addr, password string, db int) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisLimiter{client: client}, nil
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// Limit allows maxRequests per window for each key.
// key format: rl:<window_seconds>:<identity>
// Redis errors let the request through.
func (l *RedisLimiter) Limit(maxRequests int, window time.Duration, key KeyFunc) gin.HandlerFunc {
	windowLabel := strconv.FormatInt(int64(window.Seconds()), 10)
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		rk := "rl:" + windowLabel + ":" + key(c)

		val, err := l.client.Incr(ctx, rk).Result()
		if err != nil {
			logger.WithContext(ctx).Warn("rate limiter unavailable", "error", err)
			c.Header("X-RateLimit-Error", "redis-error")
			c.Next()
			return
		}
		if val == 1 {
			l.client.Expire(ctx, rk, window)
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(max(0, int64(maxRequests)-val), 10))

		if val > int64(maxRequests) {
			RLBlocked.WithLabelValues(c.FullPath()).Inc()
			tooMany(c, window)
			return
		}
		RLRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

func tooMany(c *gin.Context, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{
		"kind":        "rate_limited",
		"code":        "rate_limit_exceeded",
		"message":     "rate limit exceeded",
		"retry_after": secs,
	}})
}
