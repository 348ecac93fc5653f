package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/gateconsole/internal/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidRefreshToken = errors.New("token is invalid or expired")
	ErrRefreshTokenReused  = errors.New("refresh token reused")
)

// AuthService issues, rotates and revokes token pairs.
type AuthService struct {
	users   *UserDirectory
	tokens  *TokenService
	revoked RevocationStore
	logger  *logrus.Logger
}

func NewAuthService(users *UserDirectory, tokens *TokenService, revoked RevocationStore, logger *logrus.Logger) *AuthService {
	return &AuthService{
		users:   users,
		tokens:  tokens,
		revoked: revoked,
		logger:  logger,
	}
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*models.User, *IssuedPair, error) {
	user, err := s.users.Authenticate(email, password)
	if err != nil {
		return nil, nil, err
	}

	pair, err := s.issue(ctx, user, "")
	if err != nil {
		return nil, nil, err
	}

	s.logger.WithField("user_id", user.ID).Info("User logged in")
	return user, pair, nil
}

// Refresh rotates refreshToken. Presenting an already rotated token revokes
// its whole family.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*IssuedPair, error) {
	claims, err := s.tokens.Verify(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRefreshToken, err)
	}

	record, err := s.revoked.Get(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}

	if record.Revoked {
		s.logger.WithFields(logrus.Fields{
			"user_id":   record.UserID,
			"family_id": record.FamilyID,
		}).Warn("Revoked refresh token presented, revoking family")
		if err := s.revoked.RevokeFamily(ctx, record.FamilyID); err != nil {
			s.logger.WithError(err).Error("Failed to revoke token family")
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, ErrRefreshTokenReused)
	}

	user, err := s.users.Get(claims.UserID)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}

	if err := s.revoked.Revoke(ctx, claims.ID); err != nil {
		return nil, fmt.Errorf("failed to revoke rotated token: %w", err)
	}

	return s.issue(ctx, user, record.FamilyID)
}

// Logout revokes refreshToken. Unknown or invalid tokens are ignored.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	claims, err := s.tokens.Verify(refreshToken, TokenTypeRefresh)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRefreshToken, err)
	}
	if err := s.revoked.Revoke(ctx, claims.ID); err != nil && !errors.Is(err, ErrTokenNotFound) {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// Authenticate resolves an access token to its user.
func (s *AuthService) Authenticate(accessToken string) (*models.User, error) {
	claims, err := s.tokens.Verify(accessToken, TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	return s.users.Get(claims.UserID)
}

func (s *AuthService) Users() *UserDirectory {
	return s.users
}

func (s *AuthService) Now() time.Time {
	return s.tokens.now()
}

func (s *AuthService) issue(ctx context.Context, user *models.User, familyID string) (*IssuedPair, error) {
	pair, err := s.tokens.Issue(user, familyID)
	if err != nil {
		return nil, err
	}

	if err := s.revoked.Store(ctx, models.RefreshTokenData{
		JTI:       pair.RefreshJTI,
		UserID:    user.ID,
		Email:     user.Email,
		FamilyID:  pair.FamilyID,
		CreatedAt: s.tokens.now(),
		ExpiresAt: pair.RefreshExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	return pair, nil
}
