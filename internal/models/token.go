package models

import "time"

// TokenGrant is a validated access/refresh pair with absolute expiries.
// Refresh is empty when the backend did not rotate the refresh token.
type TokenGrant struct {
	Access           string
	Refresh          string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// LoginResult is a validated login response.
type LoginResult struct {
	User  *User
	Grant TokenGrant
}

// TokenLifetimes is the wire form of the token block, in seconds.
type TokenLifetimes struct {
	AccessExpiresIn  int64 `json:"access_expires_in"`
	RefreshExpiresIn int64 `json:"refresh_expires_in"`
}

// TokenResponse is the wire form of the login and refresh responses.
type TokenResponse struct {
	Access  string          `json:"access"`
	Refresh string          `json:"refresh,omitempty"`
	Token   *TokenLifetimes `json:"token,omitempty"`
}

type LoginResponse struct {
	User *User `json:"user"`
	TokenResponse
}

// RefreshTokenData is the server-side record of an issued refresh token.
type RefreshTokenData struct {
	JTI       string    `json:"jti"`
	UserID    int64     `json:"user_id"`
	Email     string    `json:"email"`
	FamilyID  string    `json:"family_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}
