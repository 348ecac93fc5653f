package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qcom/gateconsole/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var ErrTokenNotFound = errors.New("refresh token not found")

// RevocationStore tracks issued refresh tokens so rotation and logout can
// revoke them.
type RevocationStore interface {
	Store(ctx context.Context, data models.RefreshTokenData) error
	Get(ctx context.Context, jti string) (*models.RefreshTokenData, error)
	Revoke(ctx context.Context, jti string) error
	RevokeFamily(ctx context.Context, familyID string) error
}

type RedisRevocationStore struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisRevocationStore(client *redis.Client, logger *logrus.Logger) *RedisRevocationStore {
	return &RedisRevocationStore{
		client: client,
		logger: logger,
	}
}

func tokenKey(jti string) string       { return fmt.Sprintf("refresh_token:%s", jti) }
func familyKey(familyID string) string { return fmt.Sprintf("token_family:%s", familyID) }

func (s *RedisRevocationStore) Store(ctx context.Context, data models.RefreshTokenData) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal token data: %w", err)
	}

	ttl := time.Until(data.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, tokenKey(data.JTI), dataJSON, ttl)
	pipe.SAdd(ctx, familyKey(data.FamilyID), data.JTI)
	pipe.Expire(ctx, familyKey(data.FamilyID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to store refresh token")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return nil
}

func (s *RedisRevocationStore) Get(ctx context.Context, jti string) (*models.RefreshTokenData, error) {
	dataJSON, err := s.client.Get(ctx, tokenKey(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var data models.RefreshTokenData
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token data: %w", err)
	}

	return &data, nil
}

func (s *RedisRevocationStore) Revoke(ctx context.Context, jti string) error {
	data, err := s.Get(ctx, jti)
	if err != nil {
		return err
	}
	if data.Revoked {
		return nil
	}

	data.Revoked = true
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal token data: %w", err)
	}

	// KeepTTL leaves the original expiry in place.
	if err := s.client.Set(ctx, tokenKey(jti), dataJSON, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

func (s *RedisRevocationStore) RevokeFamily(ctx context.Context, familyID string) error {
	jtis, err := s.client.SMembers(ctx, familyKey(familyID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list token family: %w", err)
	}

	for _, jti := range jtis {
		if err := s.Revoke(ctx, jti); err != nil && !errors.Is(err, ErrTokenNotFound) {
			return err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"family_id": familyID,
		"tokens":    len(jtis),
	}).Warn("Revoked refresh token family")
	return nil
}

// MemoryRevocationStore is the single-process variant used when no Redis is
// configured.
type MemoryRevocationStore struct {
	mu     sync.Mutex
	tokens map[string]models.RefreshTokenData
	now    func() time.Time
}

func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{
		tokens: make(map[string]models.RefreshTokenData),
		now:    time.Now,
	}
}

func (s *MemoryRevocationStore) Store(ctx context.Context, data models.RefreshTokenData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[data.JTI] = data
	return nil
}

func (s *MemoryRevocationStore) Get(ctx context.Context, jti string) (*models.RefreshTokenData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.tokens[jti]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if !data.ExpiresAt.After(s.now()) {
		delete(s.tokens, jti)
		return nil, ErrTokenNotFound
	}
	return &data, nil
}

func (s *MemoryRevocationStore) Revoke(ctx context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.tokens[jti]
	if !ok {
		return ErrTokenNotFound
	}
	data.Revoked = true
	s.tokens[jti] = data
	return nil
}

func (s *MemoryRevocationStore) RevokeFamily(ctx context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for jti, data := range s.tokens {
		if data.FamilyID == familyID {
			data.Revoked = true
			s.tokens[jti] = data
		}
	}
	return nil
}
