/*
 * This file is part of Kasa (https://github.com/kasalabs/kasa).
 * Copyright (C) 2026 Kasa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kasalabs/kasa-hub/internal/config"
	"github.com/kasalabs/kasa-hub/internal/logging"
	"github.com/kasalabs/kasa-hub/internal/observe"
	"github.com/kasalabs/kasa-hub/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logging.InitializeWithConfig(logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Close()

	shutdownMetrics, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "kasa-hub",
	})
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logging.LogError(err, "Failed to shut down metrics provider")
		}
	}()

	srv, err := server.New(cfg)
	if err != nil {
		logging.LogError(err, "Failed to initialize server")
		log.Fatalf("Failed to initialize server: %v", err)
	}

	logging.Sugar.Infow("🚀 kasa-hub starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"asr_url", cfg.ASR.URL,
		"db_path", cfg.Database.Path,
	)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Sugar.Infow("Shutting down", "signal", sig.String())
		if err := srv.Stop(); err != nil {
			logging.LogError(err, "Shutdown error")
		}
	}()

	if err := srv.Start(); err != nil {
		logging.LogError(err, "Failed to start server")
		log.Fatalf("Failed to start server: %v", err)
	}
}
