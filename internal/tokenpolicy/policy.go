// Package tokenpolicy decides when stored credentials need refreshing and when
// they are beyond saving. Everything here is pure: callers pass the clock in.
package tokenpolicy

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ShouldProactivelyRefresh reports whether the access token is inside the lead
// window before its expiry (or already past it). An unknown expiry never
// triggers a proactive refresh; the 401 path covers that case.
func ShouldProactivelyRefresh(accessExpiresAt, now time.Time, leadTime time.Duration) bool {
	if accessExpiresAt.IsZero() {
		return false
	}
	return !now.Before(accessExpiresAt.Add(-leadTime))
}

// IsHardExpired reports whether the refresh token itself has expired. A hard
// expired session can only be recovered by logging in again.
func IsHardExpired(refreshExpiresAt, now time.Time) bool {
	if refreshExpiresAt.IsZero() {
		return false
	}
	return !now.Before(refreshExpiresAt)
}

// IsExpired reports whether the access token has expired.
func IsExpired(accessExpiresAt, now time.Time) bool {
	if accessExpiresAt.IsZero() {
		return false
	}
	return !now.Before(accessExpiresAt)
}

// IsExpiredCompletely reports whether both tokens have expired.
func IsExpiredCompletely(accessExpiresAt, refreshExpiresAt, now time.Time) bool {
	return IsExpired(accessExpiresAt, now) && IsHardExpired(refreshExpiresAt, now)
}

// ExpiryFromJWT reads the exp claim without verifying the signature. The
// client never holds the signing key; the value is only a scheduling hint.
// Returns the zero time when the token is not a JWT or carries no exp.
func ExpiryFromJWT(token string) time.Time {
	if token == "" {
		return time.Time{}
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Policy binds a lead time and a clock so call sites don't thread them around.
type Policy struct {
	LeadTime time.Duration
	Now      func() time.Time
}

func New(leadTime time.Duration) Policy {
	return Policy{LeadTime: leadTime, Now: time.Now}
}

func (p Policy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p Policy) ShouldProactivelyRefresh(accessExpiresAt time.Time) bool {
	return ShouldProactivelyRefresh(accessExpiresAt, p.now(), p.LeadTime)
}

func (p Policy) IsHardExpired(refreshExpiresAt time.Time) bool {
	return IsHardExpired(refreshExpiresAt, p.now())
}

func (p Policy) IsExpired(accessExpiresAt time.Time) bool {
	return IsExpired(accessExpiresAt, p.now())
}

func (p Policy) IsExpiredCompletely(accessExpiresAt, refreshExpiresAt time.Time) bool {
	return IsExpiredCompletely(accessExpiresAt, refreshExpiresAt, p.now())
}
