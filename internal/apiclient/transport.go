// Package apiclient is the HTTP side of the console: an authenticating
// RoundTripper, a JSON client that normalizes every failure into an APIError,
// and typed calls for the accounts endpoints.
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/qcom/gateconsole/internal/credentials"
	"github.com/qcom/gateconsole/internal/refresh"
	"github.com/qcom/gateconsole/internal/tokenpolicy"
	"github.com/sirupsen/logrus"
)

const (
	LoginPath          = "/accounts/login/"
	RefreshPath        = "/accounts/token/refresh/"
	MePath             = "/accounts/me/"
	ChangePasswordPath = "/accounts/change-password/"
	LogoutPath         = "/accounts/logout/"

	RequestIDHeader = "X-Request-ID"
)

// ErrRetryRejected is the termination reason when a request is still refused
// after the token was refreshed.
var ErrRetryRejected = errors.New("request rejected after token refresh")

// IsAuthEndpoint reports whether path is login or refresh. Those requests
// never carry a bearer token and are never retried on 401.
func IsAuthEndpoint(path string) bool {
	return strings.HasSuffix(path, LoginPath) || strings.HasSuffix(path, RefreshPath)
}

// ReadinessWaiter blocks until boot has settled.
type ReadinessWaiter interface {
	Wait(ctx context.Context) error
}

type bootstrapKey struct{}

// BootstrapContext marks requests issued by boot itself, which must not wait
// on the readiness they are about to resolve.
func BootstrapContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, bootstrapKey{}, true)
}

// IsBootstrap reports whether ctx was marked by BootstrapContext.
func IsBootstrap(ctx context.Context) bool {
	v, _ := ctx.Value(bootstrapKey{}).(bool)
	return v
}

// attempt tracks one request through the 401 handling.
type attempt int

const (
	attemptPending attempt = iota
	attemptRefreshing
	attemptRetried
)

func (a attempt) String() string {
	switch a {
	case attemptRefreshing:
		return "refreshing"
	case attemptRetried:
		return "retried"
	default:
		return "pending"
	}
}

type TransportOptions struct {
	AuthScheme    string
	CompanyHeader string
	Policy        tokenpolicy.Policy
	Ready         ReadinessWaiter
}

// Transport injects credentials into outgoing requests and recovers from a
// 401 with exactly one refresh-and-retry.
type Transport struct {
	base          http.RoundTripper
	store         *credentials.Store
	coord         *refresh.Coordinator
	policy        tokenpolicy.Policy
	ready         ReadinessWaiter
	scheme        string
	companyHeader string
	logger        *logrus.Logger
}

func NewTransport(base http.RoundTripper, store *credentials.Store, coord *refresh.Coordinator, opts TransportOptions, logger *logrus.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.AuthScheme == "" {
		opts.AuthScheme = "Bearer"
	}
	if opts.Policy.Now == nil {
		opts.Policy = tokenpolicy.New(opts.Policy.LeadTime)
	}
	return &Transport{
		base:          base,
		store:         store,
		coord:         coord,
		policy:        opts.Policy,
		ready:         opts.Ready,
		scheme:        opts.AuthScheme,
		companyHeader: opts.CompanyHeader,
		logger:        logger,
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if IsAuthEndpoint(req.URL.Path) {
		out := req.Clone(ctx)
		out.Header.Del("Authorization")
		stampRequestID(out)
		return t.base.RoundTrip(out)
	}

	if t.ready != nil && !IsBootstrap(ctx) {
		if err := t.ready.Wait(ctx); err != nil {
			closeBody(req)
			return nil, err
		}
	}

	if err := makeRewindable(req); err != nil {
		return nil, err
	}

	state := attemptPending
	resp, err := t.send(req, t.currentToken(ctx))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	state = attemptRefreshing
	drain(resp)
	log := t.logger.WithFields(logrus.Fields{
		"method": req.Method,
		"path":   req.URL.Path,
	})
	log.WithField("state", state).Debug("Request unauthorized, refreshing token")

	token, err := t.coord.EnsureFreshToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	retry, err := rewind(req)
	if err != nil {
		return nil, err
	}
	state = attemptRetried
	resp, err = t.send(retry, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		log.WithField("state", state).Warn("Request rejected after token refresh, ending session")
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, t.coord.Terminate(ctx, ErrRetryRejected))
	}
	return resp, nil
}

// currentToken returns the stored access token, refreshing it first when it
// is inside the lead window. A failed proactive refresh falls back to the
// stale token and lets the 401 path decide.
func (t *Transport) currentToken(ctx context.Context) string {
	sess := t.store.Session(ctx)
	if sess == nil || sess.AccessToken == "" {
		return ""
	}
	if !t.policy.ShouldProactivelyRefresh(sess.AccessExpiresAt) {
		return sess.AccessToken
	}

	token, err := t.coord.EnsureFreshToken(ctx)
	if err != nil {
		t.logger.WithError(err).Warn("Proactive token refresh failed, sending current token")
		return sess.AccessToken
	}
	return token
}

func (t *Transport) send(req *http.Request, token string) (*http.Response, error) {
	ctx := req.Context()
	out := req.Clone(ctx)

	if token != "" {
		out.Header.Set("Authorization", t.scheme+" "+token)
	} else {
		out.Header.Del("Authorization")
	}
	if t.companyHeader != "" {
		if company := t.store.CurrentCompany(ctx); company != nil && company.Code != "" {
			out.Header.Set(t.companyHeader, company.Code)
		}
	}
	stampRequestID(out)

	return t.base.RoundTrip(out)
}

func stampRequestID(req *http.Request) {
	if req.Header.Get(RequestIDHeader) == "" {
		req.Header.Set(RequestIDHeader, uuid.NewString())
	}
}

// makeRewindable buffers a body that cannot be replayed so the retry can
// send it again.
func makeRewindable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffer request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

func rewind(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.GetBody == nil {
		return out, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	out.Body = body
	return out, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}
