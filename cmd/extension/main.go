package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/mumzworld-tech/lambda-log-shipper/internal/config"
	"github.com/mumzworld-tech/lambda-log-shipper/internal/extension"
	"github.com/mumzworld-tech/lambda-log-shipper/internal/logger"
)

func main() {
	cfg, err := config.Load(os.Args)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}

	if err := logger.Init(cfg.LogLevel, cfg.AppName, cfg.Environment); err != nil {
		log.WithError(err).Fatal("Invalid log level")
	}

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := extension.NewManager(cfg).Run(ctx); err != nil {
		log.WithError(err).Fatal("Extension error")
	}
}
