// Package credentials is the only place that knows how session state is laid
// out in the backend. Other packages go through the typed accessors.
//
// Reads are best effort: an unreachable or corrupt backend reads as "no
// session" and is logged, never returned to the caller.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qcom/gateconsole/internal/models"
	"github.com/qcom/gateconsole/internal/repository"
	"github.com/qcom/gateconsole/internal/tokenpolicy"
	"github.com/sirupsen/logrus"
)

const (
	sessionKey = "session"
	userKey    = "user"
)

type Store struct {
	backend repository.Backend
	now     func() time.Time
	logger  *logrus.Logger

	// mu serializes read-modify-write updates of the session document.
	mu sync.Mutex
}

func NewStore(backend repository.Backend, logger *logrus.Logger) *Store {
	return &Store{
		backend: backend,
		now:     time.Now,
		logger:  logger,
	}
}

// WithClock replaces the clock used by the expiry checks.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Session returns a snapshot of the stored session, or nil when there is none.
func (s *Store) Session(ctx context.Context) *models.Session {
	sess, err := s.loadSession(ctx)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.WithError(err).Warn("Stored session unreadable, treating as signed out")
		}
		return nil
	}
	return sess
}

func (s *Store) AccessToken(ctx context.Context) string {
	if sess := s.Session(ctx); sess != nil {
		return sess.AccessToken
	}
	return ""
}

func (s *Store) RefreshToken(ctx context.Context) string {
	if sess := s.Session(ctx); sess != nil {
		return sess.RefreshToken
	}
	return ""
}

func (s *Store) CurrentCompany(ctx context.Context) *models.CompanyRef {
	if sess := s.Session(ctx); sess != nil {
		return sess.CurrentCompany
	}
	return nil
}

func (s *Store) IsAuthenticated(ctx context.Context) bool {
	sess := s.Session(ctx)
	return sess != nil && sess.Authenticated
}

// User returns the cached profile, or nil.
func (s *Store) User(ctx context.Context) *models.User {
	data, err := s.backend.Load(ctx, userKey)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.WithError(err).Warn("Cached user unreadable")
		}
		return nil
	}

	var user models.User
	if err := json.Unmarshal(data, &user); err != nil {
		s.logger.WithError(err).Warn("Cached user corrupt")
		return nil
	}
	return &user
}

// SaveLogin replaces the whole session and cached profile.
func (s *Store) SaveLogin(ctx context.Context, sess models.Session, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.saveSession(ctx, &sess); err != nil {
		return err
	}
	if user == nil {
		return s.backend.Delete(ctx, userKey)
	}
	return s.saveUser(ctx, user)
}

// UpdateTokens overwrites the token fields after a refresh. An empty refresh
// token keeps the stored one, as does a zero refresh expiry.
func (s *Store) UpdateTokens(ctx context.Context, access, refresh string, accessExpiresAt, refreshExpiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.loadSession(ctx)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.WithError(err).Warn("Replacing unreadable session during token update")
		}
		sess = &models.Session{}
	}

	sess.AccessToken = access
	sess.AccessExpiresAt = accessExpiresAt
	if refresh != "" {
		sess.RefreshToken = refresh
	}
	if !refreshExpiresAt.IsZero() {
		sess.RefreshExpiresAt = refreshExpiresAt
	}
	return s.saveSession(ctx, sess)
}

// UpdateCurrentCompany selects the tenant sent with later requests; nil clears it.
func (s *Store) UpdateCurrentCompany(ctx context.Context, company *models.CompanyRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.loadSession(ctx)
	if err != nil {
		return fmt.Errorf("no session to update: %w", err)
	}
	sess.CurrentCompany = company
	return s.saveSession(ctx, sess)
}

// UpdateUser refreshes the cached profile without touching tokens.
func (s *Store) UpdateUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return errors.New("user is required")
	}
	return s.saveUser(ctx, user)
}

// Clear removes every session field.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(ctx, sessionKey, userKey); err != nil {
		s.logger.WithError(err).Error("Failed to clear stored session")
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (s *Store) IsAccessExpired(ctx context.Context) bool {
	sess := s.Session(ctx)
	if sess == nil {
		return true
	}
	return tokenpolicy.IsExpired(sess.AccessExpiresAt, s.now())
}

func (s *Store) IsAccessExpiredCompletely(ctx context.Context) bool {
	sess := s.Session(ctx)
	if sess == nil {
		return true
	}
	return tokenpolicy.IsExpiredCompletely(sess.AccessExpiresAt, sess.RefreshExpiresAt, s.now())
}

func (s *Store) loadSession(ctx context.Context) (*models.Session, error) {
	data, err := s.backend.Load(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	sess.Normalize()
	return &sess, nil
}

func (s *Store) saveSession(ctx context.Context, sess *models.Session) error {
	sess.Normalize()
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.backend.Save(ctx, sessionKey, data); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *Store) saveUser(ctx context.Context, user *models.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}
	if err := s.backend.Save(ctx, userKey, data); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}
