package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/qcom/gateconsole/internal/middleware"
	"github.com/qcom/gateconsole/internal/models"
	"github.com/qcom/gateconsole/internal/service"
	"github.com/sirupsen/logrus"
)

const minPasswordLength = 8

type AccountsHandlers struct {
	auth   *service.AuthService
	logger *logrus.Logger
}

func NewAccountsHandlers(auth *service.AuthService, logger *logrus.Logger) *AccountsHandlers {
	return &AccountsHandlers{
		auth:   auth,
		logger: logger,
	}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

func (h *AccountsHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithDetail(w, http.StatusBadRequest, "Invalid request body.")
		return
	}

	fields := map[string][]string{}
	if strings.TrimSpace(req.Email) == "" {
		fields["email"] = []string{"This field is required."}
	}
	if req.Password == "" {
		fields["password"] = []string{"This field is required."}
	}
	if len(fields) > 0 {
		h.respondWithFieldErrors(w, fields)
		return
	}

	user, pair, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			// The upstream backend stringifies its error list here.
			h.respondWithJSON(w, http.StatusUnauthorized, map[string]string{"error": "['Invalid credentials']"})
			return
		}
		h.logger.WithError(err).Error("Failed to log in")
		h.respondWithDetail(w, http.StatusInternalServerError, "Failed to generate tokens.")
		return
	}

	h.respondWithJSON(w, http.StatusOK, models.LoginResponse{
		User:          user,
		TokenResponse: pair.Response(h.auth.Now()),
	})
}

func (h *AccountsHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithDetail(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	if req.Refresh == "" {
		h.respondWithFieldErrors(w, map[string][]string{"refresh": {"This field is required."}})
		return
	}

	pair, err := h.auth.Refresh(r.Context(), req.Refresh)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRefreshToken) {
			h.respondWithDetail(w, http.StatusUnauthorized, "Token is invalid or expired")
			return
		}
		h.logger.WithError(err).Error("Failed to refresh tokens")
		h.respondWithDetail(w, http.StatusInternalServerError, "Failed to generate tokens.")
		return
	}

	h.respondWithJSON(w, http.StatusOK, pair.Response(h.auth.Now()))
}

func (h *AccountsHandlers) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		h.respondWithDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
		return
	}
	h.respondWithJSON(w, http.StatusOK, user)
}

// ChangePassword only accepts a urlencoded form.
func (h *AccountsHandlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		h.respondWithDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/x-www-form-urlencoded" {
		h.respondWithDetail(w, http.StatusUnsupportedMediaType, `Unsupported media type "`+mediaType+`" in request.`)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.respondWithDetail(w, http.StatusBadRequest, "Invalid form body.")
		return
	}

	oldPassword := r.PostForm.Get("old_password")
	newPassword := r.PostForm.Get("new_password")
	confirm := r.PostForm.Get("confirm_password")

	fields := map[string][]string{}
	if oldPassword == "" {
		fields["old_password"] = []string{"This field is required."}
	}
	switch {
	case newPassword == "":
		fields["new_password"] = []string{"This field is required."}
	case len(newPassword) < minPasswordLength:
		fields["new_password"] = []string{"This password is too short. It must contain at least 8 characters."}
	case confirm != newPassword:
		fields["confirm_password"] = []string{"The two password fields didn't match."}
	}
	if len(fields) > 0 {
		h.respondWithFieldErrors(w, fields)
		return
	}

	if err := h.auth.Users().ChangePassword(user.ID, oldPassword, newPassword); err != nil {
		if errors.Is(err, service.ErrIncorrectPassword) {
			h.respondWithFieldErrors(w, map[string][]string{"old_password": {"Your old password was entered incorrectly."}})
			return
		}
		h.logger.WithError(err).Error("Failed to change password")
		h.respondWithDetail(w, http.StatusInternalServerError, "Failed to change password.")
		return
	}

	h.respondWithDetail(w, http.StatusOK, "Password updated successfully.")
}

func (h *AccountsHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	// The body is optional.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.WithError(err).Warn("Ignoring unreadable logout body")
	}

	if err := h.auth.Logout(r.Context(), req.Refresh); err != nil {
		h.logger.WithError(err).Warn("Failed to revoke refresh token on logout")
	}
	h.respondWithDetail(w, http.StatusOK, "Logged out successfully.")
}

func (h *AccountsHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *AccountsHandlers) respondWithDetail(w http.ResponseWriter, status int, detail string) {
	h.respondWithJSON(w, status, map[string]string{"detail": detail})
}

func (h *AccountsHandlers) respondWithFieldErrors(w http.ResponseWriter, fields map[string][]string) {
	h.respondWithJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": fields})
}
