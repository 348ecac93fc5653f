package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/qcom/gateconsole/internal/middleware"
	"github.com/sirupsen/logrus"
)

// NewRouter mounts the accounts endpoints under /api.
func NewRouter(accounts *AccountsHandlers, auth *middleware.AuthMiddleware, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.CORSMiddleware)
	router.Use(middleware.LoggingMiddleware(logger))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")

	api := router.PathPrefix("/api/accounts").Subrouter()
	api.HandleFunc("/login/", accounts.Login).Methods("POST", "OPTIONS")
	api.HandleFunc("/token/refresh/", accounts.RefreshToken).Methods("POST", "OPTIONS")

	protected := api.NewRoute().Subrouter()
	protected.Use(auth.RequireAuth)
	protected.HandleFunc("/me/", accounts.Me).Methods("GET")
	protected.HandleFunc("/change-password/", accounts.ChangePassword).Methods("POST")
	protected.HandleFunc("/logout/", accounts.Logout).Methods("POST")

	return router
}
