package apiclient

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/qcom/gateconsole/internal/models"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// AccountsAPI wraps the /accounts endpoints of the backend.
type AccountsAPI struct {
	client *Client
	now    func() time.Time
}

func NewAccountsAPI(client *Client) *AccountsAPI {
	return &AccountsAPI{client: client, now: time.Now}
}

func (a *AccountsAPI) WithClock(now func() time.Time) *AccountsAPI {
	a.now = now
	return a
}

func (a *AccountsAPI) Login(ctx context.Context, email, password string) (*models.LoginResult, error) {
	body, err := a.client.postJSON(ctx, LoginPath, loginRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	result, err := models.ParseLoginResponse(body, a.now())
	if err != nil {
		return nil, a.client.fail(http.MethodPost, LoginPath, invalidPayload(err))
	}
	return result, nil
}

// Refresh exchanges a refresh token for a new grant. It satisfies
// refresh.TokenRefresher.
func (a *AccountsAPI) Refresh(ctx context.Context, refreshToken string) (*models.TokenGrant, error) {
	body, err := a.client.postJSON(ctx, RefreshPath, refreshRequest{Refresh: refreshToken})
	if err != nil {
		return nil, err
	}
	grant, err := models.ParseTokenResponse(body, a.now())
	if err != nil {
		return nil, a.client.fail(http.MethodPost, RefreshPath, invalidPayload(err))
	}
	return grant, nil
}

// Me fetches the profile of the signed-in user.
func (a *AccountsAPI) Me(ctx context.Context) (*models.User, error) {
	body, err := a.client.Do(ctx, http.MethodGet, MePath, nil, "")
	if err != nil {
		return nil, err
	}
	user, err := models.ParseUser(body)
	if err != nil {
		return nil, a.client.fail(http.MethodGet, MePath, invalidPayload(err))
	}
	return user, nil
}

// ChangePassword posts the form-encoded password change. The backend only
// accepts application/x-www-form-urlencoded here.
func (a *AccountsAPI) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	form := url.Values{}
	form.Set("old_password", oldPassword)
	form.Set("new_password", newPassword)
	form.Set("confirm_password", newPassword)
	return a.client.PostForm(ctx, ChangePasswordPath, form, nil)
}

// Logout revokes refreshToken on the backend.
func (a *AccountsAPI) Logout(ctx context.Context, refreshToken string) error {
	return a.client.Post(ctx, LogoutPath, refreshRequest{Refresh: refreshToken}, nil)
}

func invalidPayload(err error) *APIError {
	return &APIError{Kind: KindRequest, Message: DefaultMessage, Err: err}
}
