package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "swcache"

// putIfOpen writes an entry only while the tag is still in the tags set.
var putIfOpen = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// RedisProvider keeps stores in Redis.
// Tags live in a set and every store is a hash of key to value.
type RedisProvider struct {
	redis  *redis.Client
	prefix string
}

type redisStore struct {
	tag string
	p   RedisProvider
}

// NewRedisProvider creates a provider using the given client.
// All keys written to Redis are namespaced with prefix.
func NewRedisProvider(client *redis.Client, prefix string) RedisProvider {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return RedisProvider{redis: client, prefix: prefix}
}

func (r RedisProvider) tagsKey() string {
	return r.prefix + ":tags"
}

func (r RedisProvider) storeKey(tag string) string {
	return r.prefix + ":store:" + tag
}

func (r RedisProvider) Open(ctx context.Context, tag string) (Store, error) {
	if err := r.redis.SAdd(ctx, r.tagsKey(), tag).Err(); err != nil {
		return nil, fmt.Errorf("redis sadd: %w", err)
	}
	return redisStore{tag: tag, p: r}, nil
}

func (r RedisProvider) Tags(ctx context.Context) ([]string, error) {
	tags, err := r.redis.SMembers(ctx, r.tagsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(tags)
	return tags, nil
}

func (r RedisProvider) Delete(ctx context.Context, tag string) error {
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.storeKey(tag))
		pipe.SRem(ctx, r.tagsKey(), tag)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (r RedisProvider) Close() error {
	return r.redis.Close()
}

func (s redisStore) Tag() string {
	return s.tag
}

func (s redisStore) Put(ctx context.Context, key string, value []byte) error {
	stored, err := putIfOpen.Run(ctx, s.p.redis,
		[]string{s.p.tagsKey(), s.p.storeKey(s.tag)}, s.tag, key, value).Int()
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	if stored == 0 {
		return ErrNotFound
	}
	return nil
}

func (s redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.p.redis.HGet(ctx, s.p.storeKey(s.tag), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis hget: %w", err)
	}
	return value, true, nil
}

func (s redisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.p.redis.HKeys(ctx, s.p.storeKey(s.tag)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
