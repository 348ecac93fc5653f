package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/qcom/gateconsole/internal/models"
	"github.com/qcom/gateconsole/internal/service"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	userKey    contextKey = "user"
	companyKey contextKey = "company"
)

// UserFromContext returns the user set by RequireAuth.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userKey).(*models.User)
	return user, ok
}

// CompanyFromContext returns the membership selected by the company header.
func CompanyFromContext(ctx context.Context) (models.Company, bool) {
	company, ok := ctx.Value(companyKey).(models.Company)
	return company, ok
}

type AuthMiddleware struct {
	auth          *service.AuthService
	scheme        string
	companyHeader string
	logger        *logrus.Logger
}

func NewAuthMiddleware(auth *service.AuthService, scheme, companyHeader string, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		auth:          auth,
		scheme:        scheme,
		companyHeader: companyHeader,
		logger:        logger,
	}
}

func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
			return
		}

		scheme, tokenString, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != m.scheme || tokenString == "" {
			respondDetail(w, http.StatusUnauthorized, "Invalid authorization header format.")
			return
		}

		user, err := m.auth.Authenticate(tokenString)
		if err != nil {
			m.logger.WithError(err).Debug("Token verification failed")
			respondDetail(w, http.StatusUnauthorized, "Given token not valid for any token type")
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)

		if code := r.Header.Get(m.companyHeader); code != "" {
			company, ok := user.Company(code)
			if !ok && !user.IsSuperuser {
				respondDetail(w, http.StatusForbidden, "You do not have access to company "+code+".")
				return
			}
			ctx = context.WithValue(ctx, companyKey, company)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func respondDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
