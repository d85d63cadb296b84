package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/pkg/response"
)

// RateLimiter is a fixed-window per-owner counter in redis. Without a redis
// client every request passes.
type RateLimiter struct {
	redis *redis.Client
	log   *logger.Logger
}

func NewRateLimiter(redisClient *redis.Client, log *logger.Logger) *RateLimiter {
	return &RateLimiter{redis: redisClient, log: log.With("component", "RateLimiter")}
}

// Limit allows maxRequests per window per authenticated owner. A
// non-positive maxRequests disables the limit.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl.redis == nil || maxRequests <= 0 {
			return c.Next()
		}
		userID := GetUserID(c)
		if userID == "" {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// Fail open.
			rl.log.Warn("rate limiter unavailable", "key", key, "error", err)
			return c.Next()
		}
		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set("Retry-After", strconv.Itoa(int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))
		return c.Next()
	}
}

func (rl *RateLimiter) GenerateLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("generate", maxPerHour, time.Hour)
}

func (rl *RateLimiter) PipelineLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("pipeline", maxPerHour, time.Hour)
}
