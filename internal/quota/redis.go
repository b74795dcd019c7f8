package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/ticket_portal/internal/tlspolicy"
)

const defaultKeyPrefix = "ticket_portal:quota"

// RedisChecker is a fixed-window counter shared by every portal instance.
type RedisChecker struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisClient parses a redis:// or rediss:// URL. For rediss the TLS
// policy is applied to the client config before any connection is made.
func NewRedisClient(rawURL string, policy tlspolicy.Policy) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if opt.TLSConfig != nil {
		policy.Apply(opt.TLSConfig)
	}
	return redis.NewClient(opt), nil
}

// NewRedisChecker allows limit requests per key in each window.
func NewRedisChecker(client *redis.Client, limit int64, window time.Duration) *RedisChecker {
	return &RedisChecker{
		client: client,
		limit:  limit,
		window: window,
		prefix: defaultKeyPrefix,
		now:    time.Now,
	}
}

// Allow implements Checker.
func (r *RedisChecker) Allow(ctx context.Context, key string) (bool, error) {
	windowKey := r.windowKey(key)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("quota counter: %w", err)
	}

	return incr.Val() <= r.limit, nil
}

// windowKey names the counter for key in the current window.
func (r *RedisChecker) windowKey(key string) string {
	start := r.now().Truncate(r.window).Unix()
	return fmt.Sprintf("%s:%s:%d", r.prefix, key, start)
}

// Close releases the redis connection pool.
func (r *RedisChecker) Close() error {
	return r.client.Close()
}
