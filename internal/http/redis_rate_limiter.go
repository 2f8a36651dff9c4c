package httpx

import (
	"context"
	"strconv"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

// redisRateLimiter counts requests in fixed windows shared across API replicas. Each
// window gets its own key, so the counter and its expiry are set in one round trip.
type redisRateLimiter struct {
	client  redis.Cmdable
	closer  func() error
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// NewRedisRateLimiter connects to Redis and returns a limiter backed by it.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newRedisRateLimiter(client, client.Close, logger), nil
}

func newRedisRateLimiter(client redis.Cmdable, closer func() error, logger *slog.Logger) *redisRateLimiter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &redisRateLimiter{
		client:  client,
		closer:  closer,
		logger:  logger.With("component", "ratelimit"),
		prefix:  "regainflow:ratelimit:",
		timeout: 250 * time.Millisecond,
		now:     time.Now,
	}
}

// Allow fails open: a Redis outage never blocks the console.
func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	start := rl.now().Truncate(window)
	windowEnd := start.Add(window)
	redisKey := rl.prefix + key + ":" + strconv.FormatInt(start.Unix(), 10)

	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()
	var incr *redis.IntCmd
	_, err := rl.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.PExpireAt(ctx, redisKey, windowEnd.Add(time.Second))
		return nil
	})
	if err != nil {
		rl.logger.Error("redis rate limiter error", "key", rateMetricKey(key), "error", err)
		return rateDecision{allowed: true}
	}
	count := int(incr.Val())
	return rateDecision{allowed: count <= limit, count: count, windowEnd: windowEnd}
}

func (rl *redisRateLimiter) Close() {
	if rl.closer != nil {
		_ = rl.closer()
	}
}
