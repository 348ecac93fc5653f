package apiclient

import (
	"context"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/qcom/gateconsole/internal/config"
	"github.com/sirupsen/logrus"
)

type retryKey struct{}

// withRetry marks whether the base transport may replay a request.
func withRetry(ctx context.Context, ok bool) context.Context {
	return context.WithValue(ctx, retryKey{}, ok)
}

func retryAllowed(ctx context.Context) bool {
	ok, _ := ctx.Value(retryKey{}).(bool)
	return ok
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// NewBaseTransport returns the transport underneath the auth layer. It
// retries idempotent requests on network errors and 5xx; everything else goes
// out exactly once.
func NewBaseTransport(cfg config.APIConfig, logger *logrus.Logger) http.RoundTripper {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.Logger = leveledLogger{logger}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &retryPolicyTransport{rt: &retryablehttp.RoundTripper{Client: rc}}
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if !retryAllowed(ctx) {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// retryPolicyTransport decides per request whether retries are allowed, since
// CheckRetry only sees the context.
type retryPolicyTransport struct {
	rt http.RoundTripper
}

func (t *retryPolicyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ok := idempotent(req.Method) && !IsAuthEndpoint(req.URL.Path)
	return t.rt.RoundTrip(req.WithContext(withRetry(req.Context(), ok)))
}

// leveledLogger routes retryablehttp output through logrus.
type leveledLogger struct {
	l *logrus.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.entry(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.entry(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.entry(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.entry(kv).Warn(msg) }

func (l leveledLogger) entry(kv []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			fields[key] = kv[i+1]
		}
	}
	return l.l.WithFields(fields)
}
