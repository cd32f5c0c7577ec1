package viewcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	errx "github.com/tahoe-os/server/internal/core/error"
	logx "github.com/tahoe-os/server/pkg/logger"
)

// RedisStore keeps every view of a namespace in a single Redis hash, so Clear is one DEL.
type RedisStore struct {
	rdb       redis.Cmdable
	namespace string
}

func NewRedisStore(rdb redis.Cmdable, namespace string) *RedisStore {
	return &RedisStore{rdb: rdb, namespace: namespace}
}

func (r *RedisStore) hashKey() string {
	return fmt.Sprintf("viewcache:%s:views", r.namespace)
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	hk := r.hashKey()
	v, err := r.rdb.HGet(ctx, hk, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		logx.Error().Err(err).Str("hash", hk).Str("key", key).Msg("failed to read view from redis")
		return "", false, errx.WrapRedis(err)
	}
	return v, true, nil
}

func (r *RedisStore) Put(ctx context.Context, key, markup string) error {
	hk := r.hashKey()
	if err := r.rdb.HSet(ctx, hk, key, markup).Err(); err != nil {
		logx.Error().Err(err).Str("hash", hk).Str("key", key).Msg("failed to write view to redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	hk := r.hashKey()
	if err := r.rdb.Del(ctx, hk).Err(); err != nil {
		logx.Error().Err(err).Str("hash", hk).Msg("failed to clear view cache in redis")
		return errx.WrapRedis(err)
	}
	return nil
}

// Len returns the number of cached views in the namespace.
func (r *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := r.rdb.HLen(ctx, r.hashKey()).Result()
	if err != nil {
		return 0, errx.WrapRedis(err)
	}
	return int(n), nil
}

var _ Store = (*RedisStore)(nil)
