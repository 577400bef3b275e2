// Package main wires together the audit crawler service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-crawler/internal/config"
	"github.com/JakeFAU/site-audit-crawler/internal/logging"
	"github.com/JakeFAU/site-audit-crawler/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	mode := flag.String("mode", "", "Process mode: all, api or worker (overrides server.mode)")
	flag.Parse()

	if err := run(*cfgPath, *mode); err != nil {
		fmt.Fprintf(os.Stderr, "auditcrawler: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, mode string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if mode != "" {
		cfg.Server.Mode = mode
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid mode: %w", err)
		}
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build failed", zap.Error(err))
		return err
	}
	return app.Run(ctx)
}
