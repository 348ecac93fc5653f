package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func TestParseLoginResponse(t *testing.T) {
	body := []byte(`{
		"user": {"id": 7, "email": "op@gate.local", "permissions": ["gate.view_gateentry"],
			"companies": [{"id": 1, "code": "MAIN", "name": "Main Plant", "is_default": true}]},
		"access": "a1", "refresh": "r1",
		"token": {"access_expires_in": 900, "refresh_expires_in": 86400}
	}`)

	res, err := ParseLoginResponse(body, now)
	require.NoError(t, err)

	assert.Equal(t, int64(7), res.User.ID)
	assert.Equal(t, "a1", res.Grant.Access)
	assert.Equal(t, "r1", res.Grant.Refresh)
	assert.Equal(t, now.Add(15*time.Minute), res.Grant.AccessExpiresAt)
	assert.Equal(t, now.Add(24*time.Hour), res.Grant.RefreshExpiresAt)

	company, ok := res.User.DefaultCompany()
	require.True(t, ok)
	assert.Equal(t, "MAIN", company.Code)
}

func TestParseLoginResponse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>`},
		{"missing user", `{"access": "a", "refresh": "r"}`},
		{"user without email", `{"user": {"id": 1}, "access": "a", "refresh": "r"}`},
		{"missing access", `{"user": {"id": 1, "email": "x@y"}, "refresh": "r"}`},
		{"missing refresh", `{"user": {"id": 1, "email": "x@y"}, "access": "a"}`},
		{"token wrong type", `{"user": {"id": 1, "email": "x@y"}, "access": "a", "refresh": "r", "token": "soon"}`},
		{"negative lifetime", `{"user": {"id": 1, "email": "x@y"}, "access": "a", "refresh": "r", "token": {"access_expires_in": -5}}`},
		{"duplicate company", `{"user": {"id": 1, "email": "x@y", "companies": [{"code": "A"}, {"code": "A"}]}, "access": "a", "refresh": "r"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLoginResponse([]byte(tt.body), now)
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestParseTokenResponse_WithoutRotation(t *testing.T) {
	grant, err := ParseTokenResponse([]byte(`{"access": "a2", "token": {"access_expires_in": 60}}`), now)
	require.NoError(t, err)

	assert.Equal(t, "a2", grant.Access)
	assert.Empty(t, grant.Refresh)
	assert.Equal(t, now.Add(time.Minute), grant.AccessExpiresAt)
	assert.True(t, grant.RefreshExpiresAt.IsZero())
}

func TestParseUser(t *testing.T) {
	user, err := ParseUser([]byte(`{"id": 3, "email": "qc@gate.local", "is_superuser": true}`))
	require.NoError(t, err)
	assert.True(t, user.IsSuperuser)

	_, err = ParseUser([]byte(`{"email": "qc@gate.local"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSession_Normalize(t *testing.T) {
	s := Session{Authenticated: true}
	s.Normalize()
	assert.False(t, s.Authenticated)

	s.AccessToken = "a"
	s.Normalize()
	assert.True(t, s.Authenticated)
}
