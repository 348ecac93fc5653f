// Package refresh owns the single network refresh of the access token.
//
// Any number of goroutines may ask for a fresh token at once (request
// interceptors hitting 401s, the background refresher, boot). The first one
// starts the refresh; the rest queue behind it and all of them receive the
// same outcome once the new tokens are in the credential store.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qcom/gateconsole/internal/credentials"
	"github.com/qcom/gateconsole/internal/models"
	"github.com/qcom/gateconsole/internal/tokenpolicy"
	"github.com/sirupsen/logrus"
)

var (
	// ErrSessionTerminated wraps every terminal refresh failure. The store has
	// been cleared by the time a caller sees it.
	ErrSessionTerminated = errors.New("session terminated")

	ErrNoRefreshToken      = errors.New("no refresh token stored")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
)

// TokenRefresher calls the backend refresh endpoint.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*models.TokenGrant, error)
}

type result struct {
	token string
	err   error
}

type Coordinator struct {
	store     *credentials.Store
	refresher TokenRefresher
	timeout   time.Duration
	now       func() time.Time
	logger    *logrus.Logger

	mu       sync.Mutex
	inFlight bool
	// waiters is FIFO; each channel is buffered so settling never blocks on a
	// caller that stopped listening.
	waiters []chan result

	calls atomic.Int64

	hooksMu sync.Mutex
	hooks   []func(error)
}

// NewCoordinator builds a coordinator. timeout bounds each refresh call
// independently of the contexts of the callers waiting on it.
func NewCoordinator(store *credentials.Store, refresher TokenRefresher, timeout time.Duration, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		refresher: refresher,
		timeout:   timeout,
		now:       time.Now,
		logger:    logger,
	}
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// OnTerminated registers a hook run after a terminal failure has cleared the
// store and before the waiting callers are released. Hooks must not block on
// EnsureFreshToken.
func (c *Coordinator) OnTerminated(hook func(reason error)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// EnsureFreshToken performs a refresh, or joins the one already running, and
// returns the resulting access token. It does not check freshness first.
//
// If ctx ends while waiting, the caller gets ctx.Err() and the shared refresh
// carries on for everyone else.
func (c *Coordinator) EnsureFreshToken(ctx context.Context) (string, error) {
	w := make(chan result, 1)

	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	if !c.inFlight {
		c.inFlight = true
		go c.run()
	}
	c.mu.Unlock()

	select {
	case r := <-w:
		return r.token, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// InFlight reports whether a refresh call is outstanding.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Waiters reports how many callers are queued on the outstanding refresh.
func (c *Coordinator) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Calls reports how many refresh requests have reached the backend.
func (c *Coordinator) Calls() int64 {
	return c.calls.Load()
}

// Terminate ends the session without a refresh attempt: the store is cleared
// and the termination hooks run. The returned error wraps ErrSessionTerminated.
func (c *Coordinator) Terminate(ctx context.Context, reason error) error {
	err := c.terminate(ctx, reason)
	c.notify(err)
	return err
}

func (c *Coordinator) run() {
	token, err := c.refresh()

	// Hooks run while the refresh still counts as in flight, so a caller
	// arriving meanwhile queues for this outcome instead of starting another.
	if err != nil {
		c.notify(err)
	}

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.inFlight = false
	c.mu.Unlock()

	for _, w := range waiters {
		w <- result{token: token, err: err}
	}

	c.logger.WithFields(logrus.Fields{
		"waiters": len(waiters),
		"ok":      err == nil,
	}).Debug("Token refresh settled")
}

func (c *Coordinator) refresh() (string, error) {
	readCtx, cancelRead := c.storeContext(context.Background())
	sess := c.store.Session(readCtx)
	cancelRead()

	if sess == nil || sess.RefreshToken == "" {
		return "", c.terminate(context.Background(), ErrNoRefreshToken)
	}
	if tokenpolicy.IsHardExpired(sess.RefreshExpiresAt, c.now()) {
		return "", c.terminate(context.Background(), ErrRefreshTokenExpired)
	}

	c.calls.Add(1)
	callCtx, cancelCall := context.WithTimeout(context.Background(), c.timeout)
	grant, err := c.refresher.Refresh(callCtx, sess.RefreshToken)
	cancelCall()
	if err != nil {
		c.logger.WithError(err).Warn("Token refresh rejected")
		return "", c.terminate(context.Background(), err)
	}

	writeCtx, cancelWrite := c.storeContext(context.Background())
	defer cancelWrite()
	if err := c.store.UpdateTokens(writeCtx, grant.Access, grant.Refresh, grant.AccessExpiresAt, grant.RefreshExpiresAt); err != nil {
		// The grant is still good for this process; only persistence failed.
		c.logger.WithError(err).Error("Failed to persist refreshed tokens")
	}

	c.logger.WithField("access_expires_at", grant.AccessExpiresAt).Info("Access token refreshed")
	return grant.Access, nil
}

func (c *Coordinator) terminate(ctx context.Context, reason error) error {
	ctx, cancel := c.storeContext(ctx)
	defer cancel()

	if err := c.store.Clear(ctx); err != nil {
		c.logger.WithError(err).Error("Failed to clear credentials after session end")
	}
	return fmt.Errorf("%w: %w", ErrSessionTerminated, reason)
}

// storeContext bounds credential store I/O on its own deadline. An expired
// refresh call or a cancelled caller must not keep the store from being
// written.
func (c *Coordinator) storeContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), c.timeout)
}

func (c *Coordinator) notify(err error) {
	c.hooksMu.Lock()
	hooks := append([]func(error){}, c.hooks...)
	c.hooksMu.Unlock()

	for _, h := range hooks {
		h(err)
	}
}
