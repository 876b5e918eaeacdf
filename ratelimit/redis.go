package ratelimit

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a shared Redis instance, for deployments
// running more than one server process.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix: "ratelimit:",
	}
}

func (r *RedisStore) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Check increments the key's counter, starting a fresh window (via key TTL)
// when the counter is new. Fails open on Redis errors: accepting a burst is
// better than rejecting legitimate play because Redis blipped.
func (r *RedisStore) Check(key string, window time.Duration, max int) Result {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	redisKey := r.prefix + key
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		log.Printf("[RATELIMIT] redis incr failed for %s: %v", key, err)
		return Result{Allowed: true}
	}
	if count == 1 {
		r.client.Expire(ctx, redisKey, window)
	}

	if count > int64(max) {
		retry := int(math.Ceil(window.Seconds()))
		if ttl, err := r.client.TTL(ctx, redisKey).Result(); err == nil && ttl > 0 {
			retry = int(math.Ceil(ttl.Seconds()))
		}
		if retry < 1 {
			retry = 1
		}
		return Result{RetryAfter: retry}
	}
	return Result{Allowed: true}
}

func (r *RedisStore) Reset(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.client.Del(ctx, r.prefix+key)
}
