package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const maxBodySize = 1 << 20

// Client sends JSON requests relative to a base URL. Every failure it returns
// is an *APIError, and those worth a global message go to the Notifier.
type Client struct {
	baseURL  string
	http     *http.Client
	notifier Notifier
	logger   *logrus.Logger
}

func NewClient(baseURL string, rt http.RoundTripper, timeout time.Duration, notifier Notifier, logger *logrus.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Transport: rt, Timeout: timeout},
		notifier: notifier,
		logger:   logger,
	}
}

func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	body, err := c.Do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	return c.decode(body, out)
}

func (c *Client) Post(ctx context.Context, path string, in, out interface{}) error {
	body, err := c.postJSON(ctx, path, in)
	if err != nil {
		return err
	}
	return c.decode(body, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in interface{}) ([]byte, error) {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return nil, c.fail(http.MethodPost, path, &APIError{Kind: KindRequest, Message: DefaultMessage, Err: fmt.Errorf("encode request: %w", err)})
		}
	}
	return c.Do(ctx, http.MethodPost, path, payload, "application/json")
}

// PostForm sends form as application/x-www-form-urlencoded.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	body, err := c.Do(ctx, http.MethodPost, path, []byte(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return err
	}
	return c.decode(body, out)
}

// Do sends one request and returns the raw response body of a 2xx answer.
func (c *Client) Do(ctx context.Context, method, path string, payload []byte, contentType string) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, c.fail(method, path, &APIError{Kind: KindRequest, Message: DefaultMessage, Err: err})
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.fail(method, path, NormalizeTransportError(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, c.fail(method, path, NormalizeTransportError(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.fail(method, path, NormalizeResponse(resp.StatusCode, data))
	}
	return data, nil
}

func (c *Client) decode(body []byte, out interface{}) error {
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{Kind: KindRequest, Message: DefaultMessage, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) fail(method, path string, apiErr *APIError) *APIError {
	entry := c.logger.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"kind":   apiErr.Kind,
		"status": apiErr.StatusCode,
	})
	if apiErr.Err != nil {
		entry = entry.WithError(apiErr.Err)
	}
	entry.Warn(apiErr.Message)

	if c.notifier != nil && apiErr.ShouldNotify() {
		c.notifier.Notify(apiErr)
	}
	return apiErr
}
