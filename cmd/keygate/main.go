package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"keygate/internal/app"
	"keygate/internal/config"
	"keygate/internal/infrastructure"
	"keygate/internal/middleware"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file (default: search config.yaml, configs/config.yaml)")
	hashToken := flag.String("hash-admin-token", "", "print the bcrypt hash for an admin token and exit")
	flag.Parse()

	if *hashToken != "" {
		hash, err := middleware.HashAdminToken(*hashToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to hash token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadFrom(*configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to initialize logger", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer infrastructure.CloseLogFile()

	ctx := context.Background()

	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize application", slog.String("error", err.Error()))
		infrastructure.CloseLogFile()
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		infrastructure.CloseLogFile()
		os.Exit(1)
	}
}
