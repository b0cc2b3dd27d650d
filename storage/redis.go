package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Error("connect redis fail", "addr", addr, "err", err)
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", addr)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Get(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return [][]byte{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	values, err := s.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis mget")
	}
	out := make([][]byte, len(keys))
	for i, v := range values {
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) (bool, error) {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return false, errors.Wrapf(err, "redis set %s", key)
	}
	return true, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	n, err := s.client.Del(ctx, full...).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis del")
	}
	return int(n), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
