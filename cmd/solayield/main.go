package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/coldbell/solayield/backend/internal/config"
	"github.com/coldbell/solayield/backend/internal/logging"
)

func main() {
	bootstrapLogger := logging.Bootstrap(os.Stderr)

	cfg, err := config.LoadCLIConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("solayield", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	a := newApp(cfg, logger, os.Stdout, os.Stderr)
	err = a.run(ctx, os.Args[1:])
	stop()
	if closeErr := closeLogger(); closeErr != nil {
		bootstrapLogger.Error("failed to close logger", "err", closeErr)
	}

	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errUsage):
		os.Exit(2)
	default:
		bootstrapLogger.Error("command failed", "err", err)
		os.Exit(1)
	}
}
