package boot

import (
	"context"
	"fmt"
	"sync"

	"github.com/qcom/gateconsole/internal/apiclient"
	"github.com/qcom/gateconsole/internal/credentials"
	"github.com/qcom/gateconsole/internal/models"
	"github.com/qcom/gateconsole/internal/refresh"
	"github.com/qcom/gateconsole/internal/tokenpolicy"
	"github.com/sirupsen/logrus"
)

// ProfileFetcher loads the signed-in user's profile.
type ProfileFetcher interface {
	Me(ctx context.Context) (*models.User, error)
}

type Initializer struct {
	store   *credentials.Store
	coord   *refresh.Coordinator
	profile ProfileFetcher
	policy  tokenpolicy.Policy
	ready   *Readiness
	logger  *logrus.Logger

	once  sync.Once
	state State
	err   error
}

func NewInitializer(store *credentials.Store, coord *refresh.Coordinator, profile ProfileFetcher, policy tokenpolicy.Policy, ready *Readiness, logger *logrus.Logger) *Initializer {
	return &Initializer{
		store:   store,
		coord:   coord,
		profile: profile,
		policy:  policy,
		ready:   ready,
		logger:  logger,
	}
}

// Run reconciles the stored session and resolves readiness. Only the first
// call does any work; later calls return the same outcome.
func (i *Initializer) Run(ctx context.Context) (State, error) {
	i.once.Do(func() {
		i.state = StateUnauthenticated
		defer func() { i.ready.Resolve(i.state) }()

		i.state, i.err = i.run(apiclient.BootstrapContext(ctx))
		i.logger.WithField("state", i.state).Info("Session boot complete")
	})
	return i.state, i.err
}

func (i *Initializer) run(ctx context.Context) (State, error) {
	sess := i.store.Session(ctx)
	if !sess.HasTokens() {
		return StateUnauthenticated, nil
	}

	if i.policy.IsHardExpired(sess.RefreshExpiresAt) {
		err := i.coord.Terminate(ctx, refresh.ErrRefreshTokenExpired)
		i.logger.WithError(err).Info("Stored session has expired, signed out")
		return StateUnauthenticated, nil
	}

	if sess.AccessToken == "" || i.policy.ShouldProactivelyRefresh(sess.AccessExpiresAt) {
		if _, err := i.coord.EnsureFreshToken(ctx); err != nil {
			return StateUnauthenticated, fmt.Errorf("restore session: %w", err)
		}
	}

	user, err := i.profile.Me(ctx)
	if err != nil {
		if apiclient.IsAuthentication(err) {
			return StateUnauthenticated, fmt.Errorf("load profile: %w", err)
		}
		// Keep the session; the cached profile stands in until the next fetch.
		i.logger.WithError(err).Warn("Failed to load profile during boot")
		return StateAuthenticated, nil
	}

	if err := i.store.UpdateUser(ctx, user); err != nil {
		i.logger.WithError(err).Error("Failed to cache user profile")
	}
	i.reconcileCompany(ctx, sess.CurrentCompany, user)

	return StateAuthenticated, nil
}

// reconcileCompany drops a stored company the user no longer belongs to and
// falls back to the default membership.
func (i *Initializer) reconcileCompany(ctx context.Context, current *models.CompanyRef, user *models.User) {
	if current != nil {
		if _, ok := user.Company(current.Code); ok {
			return
		}
	}

	var next *models.CompanyRef
	if c, ok := user.DefaultCompany(); ok {
		next = c.Ref()
	}
	if current == nil && next == nil {
		return
	}
	if err := i.store.UpdateCurrentCompany(ctx, next); err != nil {
		i.logger.WithError(err).Warn("Failed to reconcile current company")
	}
}
