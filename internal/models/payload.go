package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qcom/gateconsole/internal/tokenpolicy"
)

// ErrInvalidPayload marks a backend response that does not have the expected shape.
var ErrInvalidPayload = errors.New("invalid payload")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// ParseLoginResponse decodes and validates a /accounts/login/ body.
func ParseLoginResponse(body []byte, now time.Time) (*LoginResult, error) {
	var resp LoginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, invalid("login response: %v", err)
	}

	if resp.User == nil {
		return nil, invalid("login response: missing user")
	}
	if err := resp.User.Validate(); err != nil {
		return nil, err
	}
	if resp.Refresh == "" {
		return nil, invalid("login response: missing refresh token")
	}

	grant, err := resp.TokenResponse.grant(now)
	if err != nil {
		return nil, err
	}

	return &LoginResult{User: resp.User, Grant: *grant}, nil
}

// ParseTokenResponse decodes and validates a /accounts/token/refresh/ body.
func ParseTokenResponse(body []byte, now time.Time) (*TokenGrant, error) {
	var resp TokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, invalid("token response: %v", err)
	}
	return resp.grant(now)
}

// ParseUser decodes and validates a user profile body.
func ParseUser(body []byte) (*User, error) {
	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, invalid("user: %v", err)
	}
	if err := user.Validate(); err != nil {
		return nil, err
	}
	return &user, nil
}

func (u *User) Validate() error {
	if u.ID <= 0 {
		return invalid("user: missing id")
	}
	if strings.TrimSpace(u.Email) == "" {
		return invalid("user: missing email")
	}
	seen := make(map[string]bool, len(u.Companies))
	for i, c := range u.Companies {
		if c.Code == "" {
			return invalid("user: company %d has no code", i)
		}
		if seen[c.Code] {
			return invalid("user: duplicate company %q", c.Code)
		}
		seen[c.Code] = true
	}
	return nil
}

func (r TokenResponse) grant(now time.Time) (*TokenGrant, error) {
	if r.Access == "" {
		return nil, invalid("token response: missing access token")
	}

	g := &TokenGrant{
		Access:  r.Access,
		Refresh: r.Refresh,
	}

	if r.Token != nil {
		if r.Token.AccessExpiresIn < 0 || r.Token.RefreshExpiresIn < 0 {
			return nil, invalid("token response: negative lifetime")
		}
		if r.Token.AccessExpiresIn > 0 {
			g.AccessExpiresAt = now.Add(time.Duration(r.Token.AccessExpiresIn) * time.Second)
		}
		if r.Token.RefreshExpiresIn > 0 {
			g.RefreshExpiresAt = now.Add(time.Duration(r.Token.RefreshExpiresIn) * time.Second)
		}
	}

	if g.AccessExpiresAt.IsZero() {
		g.AccessExpiresAt = tokenpolicy.ExpiryFromJWT(g.Access)
	}
	if g.RefreshExpiresAt.IsZero() && g.Refresh != "" {
		g.RefreshExpiresAt = tokenpolicy.ExpiryFromJWT(g.Refresh)
	}

	return g, nil
}
