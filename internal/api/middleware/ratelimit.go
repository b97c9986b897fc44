package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// rateLimitPrefix namespaces limiter keys in Redis.
const rateLimitPrefix = "tasksync:ratelimit"

// NewRateLimiter allows requests per period for each caller. Counters live
// in Redis when client is non-nil so every server instance shares them,
// and in memory otherwise.
func NewRateLimiter(requests int64, period time.Duration, client *redis.Client) (gin.HandlerFunc, error) {
	if requests <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", requests)
	}
	if period <= 0 {
		return nil, fmt.Errorf("invalid rate limit period %v", period)
	}

	var store limiter.Store
	if client != nil {
		var err error
		store, err = sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: rateLimitPrefix})
		if err != nil {
			return nil, fmt.Errorf("create redis rate limit store: %w", err)
		}
	} else {
		store = memory.NewStore()
	}

	return mgin.NewMiddleware(
		limiter.New(store, limiter.Rate{Period: period, Limit: requests}),
		mgin.WithKeyGetter(rateLimitKey),
		mgin.WithLimitReachedHandler(limitReached),
	), nil
}

// rateLimitKey buckets requests by authenticated subject so replicas behind
// one NAT do not share a budget. Without an identity it falls back to the
// client IP.
func rateLimitKey(c *gin.Context) string {
	if id, ok := GetIdentity(c); ok {
		return "sub:" + id.Subject
	}
	return "ip:" + c.ClientIP()
}

// limitReached answers 429 in the API error format. Replicas treat it as
// a retryable failure.
func limitReached(c *gin.Context) {
	if reset, err := strconv.ParseInt(c.Writer.Header().Get("X-RateLimit-Reset"), 10, 64); err == nil {
		if wait := time.Until(time.Unix(reset, 0)); wait > 0 {
			c.Header("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		}
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":  "rate_limited",
		"detail": "too many requests",
	})
}
