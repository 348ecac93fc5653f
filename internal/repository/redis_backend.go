package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBackend lets several console processes on one workstation share a session.
type RedisBackend struct {
	client    *redis.Client
	namespace string
	logger    *logrus.Logger
}

var _ Backend = (*RedisBackend)(nil)

func NewRedisBackend(client *redis.Client, namespace string, logger *logrus.Logger) *RedisBackend {
	return &RedisBackend{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (b *RedisBackend) key(k string) string {
	return fmt.Sprintf("%s:session:%s", b.namespace, k)
}

func (b *RedisBackend) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

func (b *RedisBackend) Save(ctx context.Context, key string, value []byte) error {
	if err := b.client.Set(ctx, b.key(key), value, 0).Err(); err != nil {
		b.logger.WithError(err).WithField("key", key).Error("Failed to store credential document in Redis")
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.key(k)
	}
	if err := b.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete credential documents: %w", err)
	}
	return nil
}
