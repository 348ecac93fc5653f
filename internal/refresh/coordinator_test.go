package refresh

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/qcom/gateconsole/internal/credentials"
	"github.com/qcom/gateconsole/internal/models"
	"github.com/qcom/gateconsole/internal/repository"
	"github.com/qcom/gateconsole/internal/tokenpolicy"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var now = time.Date(2026, 6, 10, 7, 30, 0, 0, time.UTC)

type fakeRefresher struct {
	calls   atomic.Int32
	release chan struct{}
	grant   *models.TokenGrant
	err     error

	mu  sync.Mutex
	got []string
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*models.TokenGrant, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.got = append(f.got, refreshToken)
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.grant, f.err
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setup(t *testing.T, f *fakeRefresher, refreshExpiresAt time.Time) (*Coordinator, *credentials.Store) {
	t.Helper()
	store := credentials.NewStore(repository.NewMemoryBackend(), quietLogger()).
		WithClock(func() time.Time { return now })
	require.NoError(t, store.SaveLogin(context.Background(), models.Session{
		AccessToken:      "stale-token",
		RefreshToken:     "refresh-1",
		AccessExpiresAt:  now.Add(-time.Minute),
		RefreshExpiresAt: refreshExpiresAt,
	}, nil))

	c := NewCoordinator(store, f, 5*time.Second, quietLogger()).WithClock(func() time.Time { return now })
	return c, store
}

func newGrant() *models.TokenGrant {
	return &models.TokenGrant{
		Access:           "new-token",
		Refresh:          "refresh-2",
		AccessExpiresAt:  now.Add(15 * time.Minute),
		RefreshExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestEnsureFreshToken_SingleFlight(t *testing.T) {
	const n = 25
	f := &fakeRefresher{release: make(chan struct{}), grant: newGrant()}
	c, store := setup(t, f, now.Add(time.Hour))

	tokens := make([]string, n)
	var settled atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			tok, err := c.EnsureFreshToken(ctx)
			settled.Add(1)
			tokens[i] = tok
			return err
		})
	}

	require.Eventually(t, func() bool { return c.Waiters() == n }, 2*time.Second, time.Millisecond)
	assert.True(t, c.InFlight())
	assert.Zero(t, settled.Load(), "no waiter may settle before the refresh completes")

	close(f.release)
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, int64(1), c.Calls())
	for _, tok := range tokens {
		assert.Equal(t, "new-token", tok)
	}
	assert.False(t, c.InFlight())
	assert.Zero(t, c.Waiters())

	assert.Equal(t, "new-token", store.AccessToken(context.Background()))
	assert.Equal(t, "refresh-2", store.RefreshToken(context.Background()))
	assert.Equal(t, []string{"refresh-1"}, f.got)
}

func TestEnsureFreshToken_StoreWrittenBeforeRelease(t *testing.T) {
	f := &fakeRefresher{grant: newGrant()}
	c, store := setup(t, f, now.Add(time.Hour))

	tok, err := c.EnsureFreshToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok, store.AccessToken(context.Background()))
}

func TestEnsureFreshToken_SequentialCallsRefreshAgain(t *testing.T) {
	f := &fakeRefresher{grant: newGrant()}
	c, _ := setup(t, f, now.Add(time.Hour))

	_, err := c.EnsureFreshToken(context.Background())
	require.NoError(t, err)
	_, err = c.EnsureFreshToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, []string{"refresh-1", "refresh-2"}, f.got)
}

func TestEnsureFreshToken_FailureClearsStoreAndRejectsAll(t *testing.T) {
	const n = 5
	cause := errors.New("connection reset")
	f := &fakeRefresher{release: make(chan struct{}), err: cause}
	c, store := setup(t, f, now.Add(time.Hour))

	var terminated atomic.Int32
	c.OnTerminated(func(reason error) {
		assert.Empty(t, store.AccessToken(context.Background()), "store must be cleared before hooks run")
		assert.ErrorIs(t, reason, ErrSessionTerminated)
		terminated.Add(1)
	})

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.EnsureFreshToken(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return c.Waiters() == n }, 2*time.Second, time.Millisecond)
	close(f.release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrSessionTerminated)
		assert.ErrorIs(t, err, cause)
	}
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, int32(1), terminated.Load())

	ctx := context.Background()
	assert.Empty(t, store.AccessToken(ctx))
	assert.Empty(t, store.RefreshToken(ctx))
	assert.False(t, c.InFlight())
}

func TestEnsureFreshToken_HardExpiredSkipsNetwork(t *testing.T) {
	f := &fakeRefresher{grant: newGrant()}
	c, store := setup(t, f, now.Add(-time.Second))

	_, err := c.EnsureFreshToken(context.Background())
	assert.ErrorIs(t, err, ErrRefreshTokenExpired)
	assert.ErrorIs(t, err, ErrSessionTerminated)
	assert.Zero(t, f.calls.Load())
	assert.Nil(t, store.Session(context.Background()))
}

func TestEnsureFreshToken_NoRefreshToken(t *testing.T) {
	f := &fakeRefresher{grant: newGrant()}
	store := credentials.NewStore(repository.NewMemoryBackend(), quietLogger())
	c := NewCoordinator(store, f, time.Second, quietLogger())

	_, err := c.EnsureFreshToken(context.Background())
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Zero(t, f.calls.Load())
}

func TestEnsureFreshToken_CallerCancelDoesNotAbortRefresh(t *testing.T) {
	f := &fakeRefresher{release: make(chan struct{}), grant: newGrant()}
	c, _ := setup(t, f, now.Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.EnsureFreshToken(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Waiters() == 1 }, 2*time.Second, time.Millisecond)

	other := make(chan string, 1)
	go func() {
		tok, _ := c.EnsureFreshToken(context.Background())
		other <- tok
	}()
	require.Eventually(t, func() bool { return c.Waiters() == 2 }, 2*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(f.release)
	assert.Equal(t, "new-token", <-other)
	assert.Equal(t, int32(1), f.calls.Load())
}

// A store backed by Redis honours contexts, unlike the memory backend.
func setupRedis(t *testing.T, f *fakeRefresher, timeout time.Duration) (*Coordinator, *credentials.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := credentials.NewStore(repository.NewRedisBackend(client, "test", quietLogger()), quietLogger()).
		WithClock(func() time.Time { return now })
	require.NoError(t, store.SaveLogin(context.Background(), models.Session{
		AccessToken:      "stale-token",
		RefreshToken:     "refresh-1",
		AccessExpiresAt:  now.Add(-time.Minute),
		RefreshExpiresAt: now.Add(time.Hour),
	}, &models.User{ID: 1, Email: "guard@gate.local"}))

	c := NewCoordinator(store, f, timeout, quietLogger()).WithClock(func() time.Time { return now })
	return c, store
}

func TestEnsureFreshToken_TimeoutClearsStore(t *testing.T) {
	// release is never closed, so the refresh call runs into the timeout.
	f := &fakeRefresher{release: make(chan struct{})}
	c, store := setupRedis(t, f, 100*time.Millisecond)

	var terminated atomic.Int32
	c.OnTerminated(func(reason error) {
		assert.ErrorIs(t, reason, context.DeadlineExceeded)
		terminated.Add(1)
	})

	_, err := c.EnsureFreshToken(context.Background())
	assert.ErrorIs(t, err, ErrSessionTerminated)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), terminated.Load())

	ctx := context.Background()
	assert.Nil(t, store.Session(ctx))
	assert.Empty(t, store.AccessToken(ctx))
	assert.Empty(t, store.RefreshToken(ctx))
	assert.Nil(t, store.User(ctx))
}

func TestEnsureFreshToken_SlowRefreshPersists(t *testing.T) {
	f := &fakeRefresher{release: make(chan struct{}), grant: newGrant()}
	c, store := setupRedis(t, f, 200*time.Millisecond)

	go func() {
		time.Sleep(150 * time.Millisecond)
		close(f.release)
	}()

	tok, err := c.EnsureFreshToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-token", tok)
	assert.Equal(t, "new-token", store.AccessToken(context.Background()))
	assert.Equal(t, "refresh-2", store.RefreshToken(context.Background()))
}

func TestTerminate_CancelledCallerStillClears(t *testing.T) {
	c, store := setupRedis(t, &fakeRefresher{}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Terminate(ctx, errors.New("second 401")), ErrSessionTerminated)
	assert.Nil(t, store.Session(context.Background()))
}

func TestEnsureFreshToken_LateCallerJoinsFailedRefresh(t *testing.T) {
	f := &fakeRefresher{err: errors.New("connection reset")}
	c, _ := setup(t, f, now.Add(time.Hour))

	late := make(chan error, 1)
	var terminated atomic.Int32
	c.OnTerminated(func(error) {
		if terminated.Add(1) > 1 {
			return
		}
		// A request that arrives while the session is being torn down.
		go func() {
			_, err := c.EnsureFreshToken(context.Background())
			late <- err
		}()
		assert.Eventually(t, func() bool { return c.Waiters() == 2 }, 2*time.Second, time.Millisecond)
	})

	_, err := c.EnsureFreshToken(context.Background())
	assert.ErrorIs(t, err, ErrSessionTerminated)
	assert.ErrorIs(t, <-late, ErrSessionTerminated)

	assert.Equal(t, int32(1), terminated.Load(), "hooks run once per termination")
	assert.Equal(t, int32(1), f.calls.Load())
	assert.False(t, c.InFlight())
}

func TestTerminate(t *testing.T) {
	f := &fakeRefresher{}
	c, store := setup(t, f, now.Add(time.Hour))

	var reasons []error
	c.OnTerminated(func(reason error) { reasons = append(reasons, reason) })

	err := c.Terminate(context.Background(), errors.New("second 401"))
	assert.ErrorIs(t, err, ErrSessionTerminated)
	require.Len(t, reasons, 1)
	assert.Nil(t, store.Session(context.Background()))
}

func TestRefresher_Tick(t *testing.T) {
	policy := tokenpolicy.Policy{LeadTime: time.Minute, Now: func() time.Time { return now }}

	t.Run("refreshes inside lead window", func(t *testing.T) {
		f := &fakeRefresher{grant: newGrant()}
		c, store := setup(t, f, now.Add(time.Hour))
		r := NewRefresher(store, c, policy, time.Second, quietLogger())

		r.Tick(context.Background())
		assert.Equal(t, int32(1), f.calls.Load())

		r.Tick(context.Background())
		assert.Equal(t, int32(1), f.calls.Load(), "fresh token must not be refreshed again")
	})

	t.Run("terminates hard expired session", func(t *testing.T) {
		f := &fakeRefresher{grant: newGrant()}
		c, store := setup(t, f, now.Add(-time.Minute))
		r := NewRefresher(store, c, policy, time.Second, quietLogger())

		var terminated bool
		c.OnTerminated(func(error) { terminated = true })

		r.Tick(context.Background())
		assert.Zero(t, f.calls.Load())
		assert.True(t, terminated)
		assert.Nil(t, store.Session(context.Background()))
	})

	t.Run("idle without session", func(t *testing.T) {
		f := &fakeRefresher{grant: newGrant()}
		store := credentials.NewStore(repository.NewMemoryBackend(), quietLogger())
		c := NewCoordinator(store, f, time.Second, quietLogger())
		r := NewRefresher(store, c, policy, time.Second, quietLogger())

		r.Tick(context.Background())
		assert.Zero(t, f.calls.Load())
	})
}

func TestRefresher_RunStopsOnCancel(t *testing.T) {
	f := &fakeRefresher{grant: newGrant()}
	c, store := setup(t, f, now.Add(time.Hour))
	policy := tokenpolicy.Policy{LeadTime: time.Minute, Now: func() time.Time { return now }}
	r := NewRefresher(store, c, policy, 5*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return f.calls.Load() >= 1 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
