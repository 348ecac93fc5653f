package repository

import (
	"context"
	"fmt"

	"github.com/qcom/gateconsole/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Open builds the backend selected by CREDENTIAL_BACKEND. The returned close
// function releases any client connections and is always non-nil.
func Open(ctx context.Context, cfg *config.ClientConfig, logger *logrus.Logger) (Backend, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Credentials.Backend {
	case config.BackendMemory:
		return NewMemoryBackend(), noop, nil

	case config.BackendFile:
		b, err := NewFileBackend(cfg.Credentials.File, logger)
		if err != nil {
			return nil, noop, err
		}
		return b, noop, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Endpoint,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, noop, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis credential backend connected")
		return NewRedisBackend(client, cfg.Credentials.Namespace, logger), client.Close, nil

	case config.BackendDynamoDB:
		client, err := NewDynamoClient(ctx, cfg.DynamoDB, logger)
		if err != nil {
			return nil, noop, err
		}
		return NewDynamoBackend(client, cfg.DynamoDB.TableName, cfg.Credentials.Namespace, logger), noop, nil
	}

	return nil, noop, fmt.Errorf("unknown credential backend %q", cfg.Credentials.Backend)
}
