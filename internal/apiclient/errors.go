package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/qcom/gateconsole/internal/refresh"
)

// DefaultMessage is shown when the backend gives nothing better.
const DefaultMessage = "Something went wrong. Please try again."

// ErrAuthenticationFailed is returned by the transport when a request could
// not be authenticated even after a token refresh.
var ErrAuthenticationFailed = errors.New("authentication failed")

type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindValidation     Kind = "validation"
	KindTransient      Kind = "transient"
	KindRequest        Kind = "request"
)

// APIError is the single error shape callers of this package ever see.
type APIError struct {
	Kind        Kind
	StatusCode  int
	Message     string
	FieldErrors map[string][]string
	Err         error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func (e *APIError) HasFieldErrors() bool {
	return len(e.FieldErrors) > 0
}

// ShouldNotify reports whether the error deserves a global notification.
// 401s are handled by the refresh flow and field errors belong to the form.
func (e *APIError) ShouldNotify() bool {
	return e.Kind != KindAuthentication && !e.HasFieldErrors()
}

// IsAuthentication reports whether err ended the session.
func IsAuthentication(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindAuthentication
}

// Notifier shows global, toast-style feedback.
type Notifier interface {
	Notify(err *APIError)
}

type NotifierFunc func(err *APIError)

func (f NotifierFunc) Notify(err *APIError) { f(err) }

// payload keys that never name a form field
var reservedKeys = map[string]bool{
	"detail":      true,
	"message":     true,
	"error":       true,
	"errors":      true,
	"status":      true,
	"status_code": true,
	"code":        true,
	"success":     true,
}

// NormalizeResponse turns a non-2xx response into an APIError.
func NormalizeResponse(status int, body []byte) *APIError {
	var payload map[string]interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = nil
		}
	}

	apiErr := &APIError{
		StatusCode:  status,
		Message:     ExtractMessage(payload),
		FieldErrors: ExtractFieldErrors(payload),
	}

	switch {
	case status == http.StatusUnauthorized:
		apiErr.Kind = KindAuthentication
		apiErr.Err = ErrAuthenticationFailed
	case status == http.StatusForbidden:
		apiErr.Kind = KindAuthorization
	case apiErr.HasFieldErrors():
		apiErr.Kind = KindValidation
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		apiErr.Kind = KindTransient
	default:
		apiErr.Kind = KindRequest
	}
	return apiErr
}

// NormalizeTransportError turns a failed round trip into an APIError.
func NormalizeTransportError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, ErrAuthenticationFailed), errors.Is(err, refresh.ErrSessionTerminated):
		return &APIError{
			Kind:       KindAuthentication,
			StatusCode: http.StatusUnauthorized,
			Message:    "Your session has expired. Please sign in again.",
			Err:        err,
		}
	case errors.Is(err, context.Canceled):
		return &APIError{Kind: KindRequest, Message: "The request was cancelled.", Err: err}
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return &APIError{Kind: KindTransient, Message: "The request timed out. Please try again.", Err: err}
	}
	return &APIError{
		Kind:    KindTransient,
		Message: "Unable to reach the server. Check your connection and try again.",
		Err:     err,
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ExtractMessage applies the message precedence: detail, then message, then
// error (a list or a list-shaped string yields its first item).
func ExtractMessage(payload map[string]interface{}) string {
	if payload == nil {
		return DefaultMessage
	}
	for _, key := range []string{"detail", "message"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	if v, ok := payload["error"]; ok {
		if s := errorText(v); s != "" {
			return s
		}
	}
	return DefaultMessage
}

func errorText(v interface{}) string {
	switch e := v.(type) {
	case string:
		return unwrapQuotedList(e)
	case []interface{}:
		for _, item := range e {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	case map[string]interface{}:
		if s, ok := e["message"].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// unwrapQuotedList turns "['Invalid credentials']" into "Invalid credentials".
// Strings that are not list-shaped come back trimmed.
func unwrapQuotedList(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return s
	}

	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return ""
	}
	if q := inner[0]; q == '\'' || q == '"' {
		if end := strings.IndexByte(inner[1:], q); end >= 0 {
			return strings.TrimSpace(inner[1 : end+1])
		}
	}
	first, _, _ := strings.Cut(inner, ",")
	return strings.TrimSpace(first)
}

// ExtractFieldErrors reads either a nested "errors" object or a flat map of
// field to message list. Nested objects flatten to dotted field names.
func ExtractFieldErrors(payload map[string]interface{}) map[string][]string {
	if payload == nil {
		return nil
	}

	fields := map[string][]string{}
	if nested, ok := payload["errors"].(map[string]interface{}); ok {
		collectFieldErrors("", nested, fields)
	} else {
		for key, v := range payload {
			if reservedKeys[key] {
				continue
			}
			if list, ok := v.([]interface{}); ok {
				if msgs := messages(list); len(msgs) > 0 {
					fields[key] = msgs
				}
			}
		}
	}

	if len(fields) == 0 {
		return nil
	}
	return fields
}

func collectFieldErrors(prefix string, m map[string]interface{}, out map[string][]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch v := m[k].(type) {
		case string:
			if v != "" {
				out[name] = []string{v}
			}
		case []interface{}:
			if msgs := messages(v); len(msgs) > 0 {
				out[name] = msgs
			}
		case map[string]interface{}:
			collectFieldErrors(name, v, out)
		}
	}
}

func messages(list []interface{}) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case nil:
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	return out
}
