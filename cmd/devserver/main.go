package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qcom/gateconsole/internal/config"
	"github.com/qcom/gateconsole/internal/handlers"
	"github.com/qcom/gateconsole/internal/middleware"
	"github.com/qcom/gateconsole/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	bootLogger := logrus.New()
	bootLogger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadServer()
	if err != nil {
		bootLogger.WithError(err).Fatal("Failed to load configuration")
	}
	logger := config.NewLogger(cfg.Log)

	revoked, closeStore, err := initRevocationStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize revocation store")
	}
	defer closeStore()

	users, err := service.NewUserDirectory(cfg.Users, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load development users")
	}

	tokens, err := service.NewTokenService(&cfg.JWT, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize token service")
	}

	auth := service.NewAuthService(users, tokens, revoked, logger)
	router := handlers.NewRouter(
		handlers.NewAccountsHandlers(auth, logger),
		middleware.NewAuthMiddleware(auth, "Bearer", "Company-Code", logger),
		logger,
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":       cfg.Server.Port,
			"revocation": cfg.Revocation,
			"users":      users.Emails(),
		}).Info("Starting development backend")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		return
	}

	logger.Info("Server exited")
}

func initRevocationStore(cfg *config.ServerConfig, logger *logrus.Logger) (service.RevocationStore, func() error, error) {
	if cfg.Revocation != config.BackendRedis {
		return service.NewMemoryRevocationStore(), func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis revocation store connected")
	return service.NewRedisRevocationStore(client, logger), client.Close, nil
}
