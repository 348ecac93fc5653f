package models

import "time"

// CompanyRef selects the tenant that outgoing requests act on.
type CompanyRef struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

// Session is the persisted credential state of the signed-in operator.
type Session struct {
	AccessToken      string      `json:"access_token"`
	RefreshToken     string      `json:"refresh_token"`
	AccessExpiresAt  time.Time   `json:"access_expires_at"`
	RefreshExpiresAt time.Time   `json:"refresh_expires_at"`
	CurrentCompany   *CompanyRef `json:"current_company,omitempty"`
	Authenticated    bool        `json:"is_authenticated"`
}

// Normalize enforces that an authenticated session always holds an access token.
func (s *Session) Normalize() {
	s.Authenticated = s.AccessToken != ""
}

func (s *Session) HasTokens() bool {
	return s != nil && (s.AccessToken != "" || s.RefreshToken != "")
}
