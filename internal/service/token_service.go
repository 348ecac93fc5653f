package service

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/qcom/gateconsole/internal/config"
	"github.com/qcom/gateconsole/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var ErrWrongTokenType = errors.New("wrong token type")

type TokenService struct {
	secretKey     []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	now           func() time.Time
	logger        *logrus.Logger
}

func NewTokenService(cfg *config.JWTConfig, logger *logrus.Logger) (*TokenService, error) {
	secretKey := []byte(cfg.SecretKey)
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key must be at least 32 bytes")
	}

	return &TokenService{
		secretKey:     secretKey,
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		now:           time.Now,
		logger:        logger,
	}, nil
}

func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

type Claims struct {
	UserID   int64  `json:"user_id"`
	Email    string `json:"email"`
	Type     string `json:"type"`
	FamilyID string `json:"family_id,omitempty"`
	jwt.RegisteredClaims
}

// IssuedPair is a freshly signed access/refresh pair plus what the server
// needs to track the refresh token.
type IssuedPair struct {
	Access           string
	Refresh          string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	RefreshJTI       string
	FamilyID         string
}

// Response renders the pair in the wire shape of the login and refresh
// endpoints.
func (p *IssuedPair) Response(now time.Time) models.TokenResponse {
	return models.TokenResponse{
		Access:  p.Access,
		Refresh: p.Refresh,
		Token: &models.TokenLifetimes{
			AccessExpiresIn:  int64(p.AccessExpiresAt.Sub(now).Round(time.Second) / time.Second),
			RefreshExpiresIn: int64(p.RefreshExpiresAt.Sub(now).Round(time.Second) / time.Second),
		},
	}
}

// Issue signs a new pair for user. An empty familyID starts a new rotation
// family.
func (s *TokenService) Issue(user *models.User, familyID string) (*IssuedPair, error) {
	now := s.now()
	if familyID == "" {
		familyID = uuid.New().String()
	}

	pair := &IssuedPair{
		AccessExpiresAt:  now.Add(s.accessExpiry),
		RefreshExpiresAt: now.Add(s.refreshExpiry),
		RefreshJTI:       uuid.New().String(),
		FamilyID:         familyID,
	}

	var err error
	pair.Access, err = s.sign(user, TokenTypeAccess, uuid.New().String(), "", now, pair.AccessExpiresAt)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign access token")
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	pair.Refresh, err = s.sign(user, TokenTypeRefresh, pair.RefreshJTI, familyID, now, pair.RefreshExpiresAt)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign refresh token")
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return pair, nil
}

func (s *TokenService) sign(user *models.User, tokenType, jti, familyID string, now, expiresAt time.Time) (string, error) {
	claims := &Claims{
		UserID:   user.ID,
		Email:    user.Email,
		Type:     tokenType,
		FamilyID: familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprint(user.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
}

// Verify parses tokenString and checks it is of the wanted type.
func (s *TokenService) Verify(tokenString, wantType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Type != wantType {
		return nil, fmt.Errorf("%w: got %q", ErrWrongTokenType, claims.Type)
	}

	return claims, nil
}

func GenerateSecretKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(key), nil
}
