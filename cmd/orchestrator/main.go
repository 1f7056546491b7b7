// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the Choir orchestrator HTTP server.
//
// This is the container entry point. It takes no flags: the config file
// path comes from CHOIR_CONFIG and every other setting from the file or
// CHOIR_* variables. Interactive use goes through cmd/choir.
//
// # Usage
//
//	CHOIR_CONFIG=/etc/choir/choir.yaml ./orchestrator
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/yusefmosiah/Choir.chat-sub000/pkg/logging"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/config"
)

func main() {
	configPath := os.Getenv("CHOIR_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
		JSON:    cfg.Logging.JSON,
	})
	if err != nil {
		log.Fatalf("Failed to init logging: %v", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := orchestrator.New(ctx, cfg,
		orchestrator.WithConfigPath(configPath),
		orchestrator.WithLogger(logger.Slog()),
		orchestrator.WithTelemetry(true),
	)
	if err != nil {
		logger.Error("failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	runErr := svc.Run(ctx)
	if err := svc.Close(); err != nil {
		logger.Warn("orchestrator close", "error", err)
	}
	if runErr != nil {
		logger.Error("orchestrator stopped", "error", runErr)
		os.Exit(1)
	}
}
