// Package session holds the user-facing session operations: sign in, sign
// out, company switching, profile and password changes.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/qcom/gateconsole/internal/apiclient"
	"github.com/qcom/gateconsole/internal/credentials"
	"github.com/qcom/gateconsole/internal/models"
	"github.com/qcom/gateconsole/internal/permissions"
	"github.com/qcom/gateconsole/internal/refresh"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const LoginRoute = "/login"

var (
	ErrNotSignedIn    = errors.New("not signed in")
	ErrUnknownCompany = errors.New("company not available to this user")
)

// Navigator moves the UI to another route.
type Navigator interface {
	Navigate(route string)
}

type NavigatorFunc func(route string)

func (f NavigatorFunc) Navigate(route string) { f(route) }

// Accounts is the subset of the accounts API the manager needs.
type Accounts interface {
	Login(ctx context.Context, email, password string) (*models.LoginResult, error)
	Me(ctx context.Context) (*models.User, error)
	ChangePassword(ctx context.Context, oldPassword, newPassword string) error
	Logout(ctx context.Context, refreshToken string) error
}

type Manager struct {
	store    *credentials.Store
	accounts Accounts
	nav      Navigator
	logger   *logrus.Logger

	profiles singleflight.Group
}

// NewManager wires session termination to a navigation to the login route.
func NewManager(store *credentials.Store, accounts Accounts, coord *refresh.Coordinator, nav Navigator, logger *logrus.Logger) *Manager {
	m := &Manager{
		store:    store,
		accounts: accounts,
		nav:      nav,
		logger:   logger,
	}
	coord.OnTerminated(func(reason error) {
		m.logger.WithError(reason).Warn("Session ended, returning to login")
		m.nav.Navigate(LoginRoute)
	})
	return m
}

// Login signs in and persists the new session. A previously selected company
// is kept when the user still belongs to it.
func (m *Manager) Login(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.TrimSpace(email)
	fields := map[string][]string{}
	if email == "" {
		fields["email"] = []string{"This field is required."}
	}
	if password == "" {
		fields["password"] = []string{"This field is required."}
	}
	if len(fields) > 0 {
		return nil, validationError(fields)
	}

	previous := m.store.CurrentCompany(ctx)

	result, err := m.accounts.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}

	user := result.User
	sess := models.Session{
		AccessToken:      result.Grant.Access,
		RefreshToken:     result.Grant.Refresh,
		AccessExpiresAt:  result.Grant.AccessExpiresAt,
		RefreshExpiresAt: result.Grant.RefreshExpiresAt,
		CurrentCompany:   pickCompany(user, previous),
	}
	if err := m.store.SaveLogin(ctx, sess, user); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"user_id": user.ID,
		"company": companyCode(sess.CurrentCompany),
	}).Info("User signed in")
	return user, nil
}

// Logout revokes the refresh token when possible, clears local state and
// then navigates to the login route.
func (m *Manager) Logout(ctx context.Context) error {
	if refreshToken := m.store.RefreshToken(ctx); refreshToken != "" {
		if err := m.accounts.Logout(ctx, refreshToken); err != nil {
			m.logger.WithError(err).Warn("Backend logout failed, clearing local session anyway")
		}
	}

	err := m.store.Clear(ctx)
	m.nav.Navigate(LoginRoute)
	if err != nil {
		return err
	}

	m.logger.Info("User signed out")
	return nil
}

// SwitchCompany selects the tenant sent with subsequent requests.
func (m *Manager) SwitchCompany(ctx context.Context, code string) (*models.CompanyRef, error) {
	user := m.store.User(ctx)
	if user == nil || !m.store.IsAuthenticated(ctx) {
		return nil, ErrNotSignedIn
	}

	company, ok := user.Company(code)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCompany, code)
	}

	ref := company.Ref()
	if err := m.store.UpdateCurrentCompany(ctx, ref); err != nil {
		return nil, err
	}
	m.logger.WithField("company", code).Info("Switched company")
	return ref, nil
}

// RefreshProfile reloads the profile and permissions. Concurrent calls share
// one request, which outlives any single caller's cancellation.
func (m *Manager) RefreshProfile(ctx context.Context) (*models.User, error) {
	shared := context.WithoutCancel(ctx)
	ch := m.profiles.DoChan("me", func() (interface{}, error) {
		user, err := m.accounts.Me(shared)
		if err != nil {
			return nil, err
		}
		if err := m.store.UpdateUser(shared, user); err != nil {
			m.logger.WithError(err).Error("Failed to cache user profile")
		}
		return user, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.User), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	fields := map[string][]string{}
	if oldPassword == "" {
		fields["old_password"] = []string{"This field is required."}
	}
	if newPassword == "" {
		fields["new_password"] = []string{"This field is required."}
	} else if newPassword == oldPassword {
		fields["new_password"] = []string{"New password must differ from the current one."}
	}
	if len(fields) > 0 {
		return validationError(fields)
	}

	if err := m.accounts.ChangePassword(ctx, oldPassword, newPassword); err != nil {
		return err
	}
	m.logger.Info("Password changed")
	return nil
}

// User returns the cached profile, nil when signed out.
func (m *Manager) User(ctx context.Context) *models.User {
	if !m.store.IsAuthenticated(ctx) {
		return nil
	}
	return m.store.User(ctx)
}

// Permissions returns a checker scoped to the current company.
func (m *Manager) Permissions(ctx context.Context) *permissions.Checker {
	c := permissions.New(m.User(ctx))
	if company := m.store.CurrentCompany(ctx); company != nil {
		return c.ForCompany(company.Code)
	}
	return c
}

func pickCompany(user *models.User, previous *models.CompanyRef) *models.CompanyRef {
	if previous != nil {
		if c, ok := user.Company(previous.Code); ok {
			return c.Ref()
		}
	}
	if c, ok := user.DefaultCompany(); ok {
		return c.Ref()
	}
	return nil
}

func companyCode(c *models.CompanyRef) string {
	if c == nil {
		return ""
	}
	return c.Code
}

func validationError(fields map[string][]string) *apiclient.APIError {
	return &apiclient.APIError{
		Kind:        apiclient.KindValidation,
		Message:     "Please correct the highlighted fields.",
		FieldErrors: fields,
	}
}
