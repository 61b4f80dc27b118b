package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCache adapts a Redis client to the Cache interface so a
// multi-instance deployment (spec §1 notes this as a future
// extension) can share cache state without touching callers.
type RedisCache struct {
	client     *redis.Client
	defaultTTL time.Duration
	ctx        context.Context
}

// NewRedisCache wraps an already-connected redis.Client.
func NewRedisCache(client *redis.Client, defaultTTL time.Duration) *RedisCache {
	return &RedisCache{client: client, defaultTTL: defaultTTL, ctx: context.Background()}
}

func (r *RedisCache) Set(key string, value interface{}, ttl ...time.Duration) {
	expiry := r.defaultTTL
	if len(ttl) > 0 {
		expiry = ttl[0]
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	r.client.Set(r.ctx, key, data, expiry)
}

func (r *RedisCache) Get(key string) (interface{}, bool) {
	data, err := r.client.Get(r.ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return v, true
}

func (r *RedisCache) Delete(key string) {
	r.client.Del(r.ctx, key)
}
