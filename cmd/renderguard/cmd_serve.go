// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/renderguard/breaker"
	"github.com/AleutianAI/renderguard/diagnostics"
	"github.com/AleutianAI/renderguard/pkg/logging"
	"github.com/AleutianAI/renderguard/registry"
	"github.com/AleutianAI/renderguard/server"
	"github.com/AleutianAI/renderguard/telemetry"
)

var (
	serveAddr   string
	serveLogDir string
	serveJSON   bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the dev observability surface",
		Long: `Starts the HTTP surface exposing reports, flags, diagnostics
events, breaker state, manual recovery actions, and the live
diagnostics websocket stream. Intended for development only.`,
		RunE: runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", server.DefaultConfig().Addr, "listen address")
	serveCmd.Flags().StringVar(&serveLogDir, "log-dir", "", "directory for JSON log files")
	serveCmd.Flags().BoolVar(&serveJSON, "json-logs", false, "JSON console logs")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{
		Service: "renderguard",
		LogDir:  serveLogDir,
		JSON:    serveJSON,
	})
	defer logger.Close()
	log := logger.Slog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	loops := registry.New()
	store := breaker.New(breaker.DefaultConfig())
	recorder := diagnostics.NewRecorder(diagnostics.WithLogger(log))

	handlers := server.NewHandlers(loops, store, recorder, log)
	srv := server.New(server.Config{Addr: serveAddr}, handlers, log)

	return srv.Run(ctx)
}
