package validcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Cache backed by a Redis instance, for deployments that already
// run one and want validation results to survive process restarts. Only token
// digests travel to Redis; raw credentials never do. Expiry and capacity are
// delegated to Redis key TTLs and its configured maxmemory policy.
//
// Backend errors are swallowed: a failed read is a miss and a failed write is
// a no-op, so an unhealthy Redis degrades to extra identity-provider calls
// rather than auth outages.
type Redis[V any] struct {
	rdb    redis.UniversalClient
	prefix string
	log    *slog.Logger
}

var _ Cache[int] = (*Redis[int])(nil)

// NewRedis constructs a Redis-backed cache. Keys are namespaced under prefix
// (defaults to "tokv" when empty).
func NewRedis[V any](rdb redis.UniversalClient, prefix string, log *slog.Logger) *Redis[V] {
	if prefix == "" {
		prefix = "tokv"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis[V]{rdb: rdb, prefix: prefix, log: log}
}

func (c *Redis[V]) key(digest string) string { return c.prefix + ":" + digest }

func (c *Redis[V]) Lookup(ctx context.Context, digest string) (V, bool) {
	var zero V
	b, err := c.rdb.Get(ctx, c.key(digest)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.DebugContext(ctx, "validcache.redis.get.fail", slog.String("err", err.Error()))
		}
		return zero, false
	}
	var v V
	if err := json.Unmarshal(b, &v); err != nil {
		c.log.DebugContext(ctx, "validcache.redis.decode.fail", slog.String("err", err.Error()))
		return zero, false
	}
	return v, true
}

func (c *Redis[V]) Insert(ctx context.Context, digest string, value V, expiresAt time.Time) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	b, err := json.Marshal(value)
	if err != nil {
		c.log.DebugContext(ctx, "validcache.redis.encode.fail", slog.String("err", err.Error()))
		return
	}
	if err := c.rdb.Set(ctx, c.key(digest), b, ttl).Err(); err != nil {
		c.log.DebugContext(ctx, "validcache.redis.set.fail", slog.String("err", err.Error()))
	}
}

func (c *Redis[V]) Invalidate(ctx context.Context, digest string) {
	if err := c.rdb.Del(ctx, c.key(digest)).Err(); err != nil {
		c.log.DebugContext(ctx, "validcache.redis.del.fail", slog.String("err", err.Error()))
	}
}

func (c *Redis[V]) Stats(ctx context.Context) Stats {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.prefix+":*", 256).Result()
		if err != nil {
			c.log.DebugContext(ctx, "validcache.redis.scan.fail", slog.String("err", err.Error()))
			return Stats{Entries: count}
		}
		count += len(keys)
		if next == 0 {
			return Stats{Entries: count}
		}
		cursor = next
	}
}
