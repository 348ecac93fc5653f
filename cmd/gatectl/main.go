package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/qcom/gateconsole/internal/config"
	"github.com/qcom/gateconsole/internal/repository"
	"github.com/sirupsen/logrus"
)

func main() {
	bootLogger := logrus.New()
	bootLogger.SetFormatter(&logrus.TextFormatter{})

	cfg, err := config.LoadClient()
	if err != nil {
		bootLogger.WithError(err).Fatal("Failed to load configuration")
	}
	logger := config.NewLogger(cfg.Log)
	logger.SetOutput(os.Stderr)

	ctx := context.Background()
	backend, closeBackend, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open credential store")
	}
	defer closeBackend()

	a := newApp(cfg, backend, os.Stdout, logger)
	if err := a.run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, usage)
		} else {
			fmt.Fprintln(os.Stderr, "error:", describe(err))
		}
		closeBackend()
		os.Exit(1)
	}
}
