package apiclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qcom/gateconsole/internal/config"
	"github.com/qcom/gateconsole/internal/credentials"
	"github.com/qcom/gateconsole/internal/models"
	"github.com/qcom/gateconsole/internal/refresh"
	"github.com/qcom/gateconsole/internal/repository"
	"github.com/qcom/gateconsole/internal/tokenpolicy"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeBackend plays the accounts endpoints plus one protected resource.
type fakeBackend struct {
	mu sync.Mutex
	// valid is the access token the protected resource accepts.
	valid        string
	refreshCalls atomic.Int32
	loginCalls   atomic.Int32
	hits         atomic.Int32
	unauthorized atomic.Int32

	// refreshStatus overrides the refresh response when non-zero.
	refreshStatus int
	// beforeRefresh runs inside the refresh handler.
	beforeRefresh func()
	// alwaysReject makes the protected resource refuse every token.
	alwaysReject bool

	lastAuth    atomic.Value
	lastCompany atomic.Value
	lastReqID   atomic.Value
	bodies      chan string
}

func newFakeBackend(valid string) *fakeBackend {
	return &fakeBackend{valid: valid, bodies: make(chan string, 16)}
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api" + RefreshPath:
		f.refreshCalls.Add(1)
		if f.beforeRefresh != nil {
			f.beforeRefresh()
		}
		if f.refreshStatus != 0 {
			w.WriteHeader(f.refreshStatus)
			io.WriteString(w, `{"detail": "Token is invalid or expired"}`)
			return
		}
		f.mu.Lock()
		f.valid = "new-token"
		f.mu.Unlock()
		io.WriteString(w, `{"access": "new-token", "refresh": "refresh-2", "token": {"access_expires_in": 900, "refresh_expires_in": 86400}}`)

	case "/api" + LoginPath:
		f.loginCalls.Add(1)
		f.lastAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error": "['Invalid credentials']"}`)

	default:
		f.hits.Add(1)
		f.lastAuth.Store(r.Header.Get("Authorization"))
		f.lastCompany.Store(r.Header.Get("Company-Code"))
		f.lastReqID.Store(r.Header.Get(RequestIDHeader))
		if r.Body != nil {
			b, _ := io.ReadAll(r.Body)
			if len(b) > 0 {
				f.bodies <- string(b)
			}
		}

		f.mu.Lock()
		ok := !f.alwaysReject && r.Header.Get("Authorization") == "Bearer "+f.valid
		f.mu.Unlock()
		if !ok {
			f.unauthorized.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"detail": "Given token not valid for any token type"}`)
			return
		}
		io.WriteString(w, `{"ok": true}`)
	}
}

type fakeReadiness struct {
	ch    chan struct{}
	waits atomic.Int32
}

func (r *fakeReadiness) Wait(ctx context.Context) error {
	r.waits.Add(1)
	select {
	case <-r.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type harness struct {
	backend  *fakeBackend
	store    *credentials.Store
	coord    *refresh.Coordinator
	client   *Client
	accounts *AccountsAPI

	notified     []*APIError
	notifyMu     sync.Mutex
	terminations atomic.Int32
}

func newHarness(t *testing.T, backend *fakeBackend, ready ReadinessWaiter) *harness {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	logger := quietLogger()
	h := &harness{backend: backend}
	h.store = credentials.NewStore(repository.NewMemoryBackend(), logger)

	plain := NewClient(srv.URL+"/api", http.DefaultTransport, 5*time.Second, nil, logger)
	h.coord = refresh.NewCoordinator(h.store, NewAccountsAPI(plain), 5*time.Second, logger)
	h.coord.OnTerminated(func(error) { h.terminations.Add(1) })

	tr := NewTransport(http.DefaultTransport, h.store, h.coord, TransportOptions{
		CompanyHeader: "Company-Code",
		Policy:        tokenpolicy.New(time.Minute),
		Ready:         ready,
	}, logger)
	notifier := NotifierFunc(func(err *APIError) {
		h.notifyMu.Lock()
		h.notified = append(h.notified, err)
		h.notifyMu.Unlock()
	})
	h.client = NewClient(srv.URL+"/api", tr, 5*time.Second, notifier, logger)
	h.accounts = NewAccountsAPI(h.client)
	return h
}

func (h *harness) signIn(t *testing.T, access string, accessExpiresAt time.Time) {
	t.Helper()
	require.NoError(t, h.store.SaveLogin(context.Background(), models.Session{
		AccessToken:      access,
		RefreshToken:     "refresh-1",
		AccessExpiresAt:  accessExpiresAt,
		RefreshExpiresAt: time.Now().Add(24 * time.Hour),
		CurrentCompany:   &models.CompanyRef{ID: 3, Code: "PUNE"},
	}, nil))
}

func TestTransport_AttachesHeaders(t *testing.T) {
	backend := newFakeBackend("good-token")
	h := newHarness(t, backend, nil)
	h.signIn(t, "good-token", time.Now().Add(time.Hour))

	require.NoError(t, h.client.Get(context.Background(), "/gate/entries/", nil))

	assert.Equal(t, "Bearer good-token", backend.lastAuth.Load())
	assert.Equal(t, "PUNE", backend.lastCompany.Load())
	assert.NotEmpty(t, backend.lastReqID.Load())
	assert.Zero(t, backend.refreshCalls.Load())
}

func TestTransport_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	const n = 8
	backend := newFakeBackend("server-side-token")
	h := newHarness(t, backend, nil)
	// Hold the refresh until every rejected request is queued on it.
	backend.beforeRefresh = func() {
		deadline := time.Now().Add(2 * time.Second)
		for h.coord.Waiters() < n && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	h.signIn(t, "revoked-token", time.Now().Add(time.Hour))

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return h.client.Get(ctx, "/gate/entries/", nil)
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), backend.refreshCalls.Load())
	assert.Equal(t, int32(n), backend.unauthorized.Load())
	assert.Equal(t, int32(2*n), backend.hits.Load())
	assert.Equal(t, "new-token", h.store.AccessToken(context.Background()))
	assert.Equal(t, "refresh-2", h.store.RefreshToken(context.Background()))
}

func TestTransport_SecondUnauthorizedIsFatal(t *testing.T) {
	backend := newFakeBackend("unused")
	backend.alwaysReject = true
	h := newHarness(t, backend, nil)
	h.signIn(t, "stale", time.Now().Add(time.Hour))

	err := h.client.Get(context.Background(), "/gate/entries/", nil)

	require.Error(t, err)
	assert.True(t, IsAuthentication(err))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.ErrorIs(t, err, refresh.ErrSessionTerminated)
	assert.Equal(t, int32(2), backend.hits.Load(), "exactly one retry")
	assert.Equal(t, int32(1), backend.refreshCalls.Load())
	assert.Equal(t, int32(1), h.terminations.Load())
	assert.Nil(t, h.store.Session(context.Background()))
	assert.Empty(t, h.notified, "authentication errors are not toasted")
}

func TestTransport_RefreshFailureEndsSession(t *testing.T) {
	backend := newFakeBackend("other")
	backend.refreshStatus = http.StatusUnauthorized
	h := newHarness(t, backend, nil)
	h.signIn(t, "stale", time.Now().Add(time.Hour))

	err := h.client.Get(context.Background(), "/gate/entries/", nil)

	assert.True(t, IsAuthentication(err))
	assert.ErrorIs(t, err, refresh.ErrSessionTerminated)
	assert.Equal(t, int32(1), backend.hits.Load(), "no retry without a fresh token")
	assert.Equal(t, int32(1), h.terminations.Load())
	assert.Empty(t, h.store.AccessToken(context.Background()))
}

func TestTransport_LoginIsExempt(t *testing.T) {
	backend := newFakeBackend("good-token")
	h := newHarness(t, backend, nil)
	h.signIn(t, "good-token", time.Now().Add(time.Hour))

	_, err := h.accounts.Login(context.Background(), "op@gate.local", "wrong")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindAuthentication, apiErr.Kind)
	assert.Equal(t, "Invalid credentials", apiErr.Message)
	assert.Equal(t, int32(1), backend.loginCalls.Load())
	assert.Zero(t, backend.refreshCalls.Load())
	assert.Empty(t, backend.lastAuth.Load(), "login must not carry a bearer token")
	assert.Equal(t, "good-token", h.store.AccessToken(context.Background()), "a failed login leaves the session alone")
}

func TestTransport_ProactiveRefresh(t *testing.T) {
	backend := newFakeBackend("server-side-token")
	h := newHarness(t, backend, nil)
	h.signIn(t, "expiring", time.Now().Add(10*time.Second))

	require.NoError(t, h.client.Get(context.Background(), "/gate/entries/", nil))

	assert.Equal(t, int32(1), backend.refreshCalls.Load())
	assert.Equal(t, int32(1), backend.hits.Load(), "the request went out once, already fresh")
	assert.Equal(t, "Bearer new-token", backend.lastAuth.Load())
}

func TestTransport_RetryReplaysBody(t *testing.T) {
	backend := newFakeBackend("server-side-token")
	h := newHarness(t, backend, nil)
	h.signIn(t, "revoked", time.Now().Add(time.Hour))

	in := map[string]string{"vehicle_number": "MH12AB1234"}
	require.NoError(t, h.client.Post(context.Background(), "/gate/entries/", in, nil))

	first, second := <-backend.bodies, <-backend.bodies
	assert.JSONEq(t, `{"vehicle_number": "MH12AB1234"}`, first)
	assert.Equal(t, first, second)
}

func TestTransport_WaitsForReadiness(t *testing.T) {
	backend := newFakeBackend("good-token")
	ready := &fakeReadiness{ch: make(chan struct{})}
	h := newHarness(t, backend, ready)
	h.signIn(t, "good-token", time.Now().Add(time.Hour))

	done := make(chan error, 1)
	go func() { done <- h.client.Get(context.Background(), "/gate/entries/", nil) }()

	require.Eventually(t, func() bool { return ready.waits.Load() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, backend.hits.Load(), "request must wait for boot")

	require.NoError(t, h.client.Get(BootstrapContext(context.Background()), "/gate/entries/", nil))
	assert.Equal(t, int32(1), backend.hits.Load(), "bootstrap requests skip the wait")

	close(ready.ch)
	require.NoError(t, <-done)
	assert.Equal(t, int32(2), backend.hits.Load())
}

func TestTransport_NoSessionSendsNoToken(t *testing.T) {
	backend := newFakeBackend("good-token")
	h := newHarness(t, backend, nil)

	err := h.client.Get(context.Background(), "/gate/entries/", nil)

	assert.True(t, IsAuthentication(err))
	assert.Empty(t, backend.lastAuth.Load())
	assert.Zero(t, backend.refreshCalls.Load())
	assert.Equal(t, int32(1), h.terminations.Load())
}

func TestBaseTransport_RetriesIdempotentOnly(t *testing.T) {
	var gets, posts, refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, RefreshPath):
			refreshes.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		case r.Method == http.MethodGet:
			if gets.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			io.WriteString(w, `{"ok": true}`)
		default:
			posts.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	base := NewBaseTransport(config.APIConfig{
		RequestTimeout: 2 * time.Second,
		RetryMax:       2,
		RetryWaitMin:   time.Millisecond,
		RetryWaitMax:   5 * time.Millisecond,
	}, quietLogger())
	c := NewClient(srv.URL, base, 5*time.Second, nil, quietLogger())
	ctx := context.Background()

	var out map[string]bool
	require.NoError(t, c.Get(ctx, "/gate/entries/", &out))
	assert.True(t, out["ok"])
	assert.Equal(t, int32(2), gets.Load())

	err := c.Post(ctx, "/gate/entries/", map[string]string{}, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindTransient, apiErr.Kind)
	assert.Equal(t, int32(1), posts.Load())

	_, err = NewAccountsAPI(c).Refresh(ctx, "refresh-1")
	assert.Error(t, err)
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestClient_NotifiesUserVisibleErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/boom":
			w.WriteHeader(http.StatusInternalServerError)
		case "/form":
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]interface{}{"errors": map[string][]string{"email": {"Required"}}})
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `{"detail": "You do not have permission to perform this action."}`)
		}
	}))
	defer srv.Close()

	var notified []*APIError
	c := NewClient(srv.URL, http.DefaultTransport, time.Second, NotifierFunc(func(e *APIError) {
		notified = append(notified, e)
	}), quietLogger())
	ctx := context.Background()

	assert.Error(t, c.Get(ctx, "/boom", nil))
	assert.Error(t, c.Get(ctx, "/form", nil))
	assert.Error(t, c.Get(ctx, "/forbidden", nil))

	require.Len(t, notified, 2)
	assert.Equal(t, DefaultMessage, notified[0].Message)
	assert.Equal(t, KindAuthorization, notified[1].Kind)
}
