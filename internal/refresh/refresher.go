package refresh

import (
	"context"
	"time"

	"github.com/qcom/gateconsole/internal/credentials"
	"github.com/qcom/gateconsole/internal/tokenpolicy"
	"github.com/sirupsen/logrus"
)

// Refresher polls the stored expiry and refreshes ahead of it, outside of any
// request. It goes through the Coordinator like everyone else.
type Refresher struct {
	store    *credentials.Store
	coord    *Coordinator
	policy   tokenpolicy.Policy
	interval time.Duration
	logger   *logrus.Logger
}

func NewRefresher(store *credentials.Store, coord *Coordinator, policy tokenpolicy.Policy, interval time.Duration, logger *logrus.Logger) *Refresher {
	return &Refresher{
		store:    store,
		coord:    coord,
		policy:   policy,
		interval: interval,
		logger:   logger,
	}
}

// Run ticks until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.WithField("interval", r.interval).Info("Background token refresher started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Background token refresher stopped")
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one freshness check.
func (r *Refresher) Tick(ctx context.Context) {
	sess := r.store.Session(ctx)
	if sess == nil || sess.AccessToken == "" {
		return
	}

	if r.policy.IsHardExpired(sess.RefreshExpiresAt) {
		r.logger.Warn("Refresh token expired, ending session")
		r.coord.Terminate(ctx, ErrRefreshTokenExpired)
		return
	}

	if !r.policy.ShouldProactivelyRefresh(sess.AccessExpiresAt) {
		return
	}

	if _, err := r.coord.EnsureFreshToken(ctx); err != nil {
		r.logger.WithError(err).Warn("Background token refresh failed")
	}
}
