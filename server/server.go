// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/renderguard/telemetry"
)

// Config configures the dev surface listener.
type Config struct {
	// Addr is the listen address (default: "127.0.0.1:8799").
	Addr string `json:"addr"`
}

// DefaultConfig returns the loopback-only default.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:8799"}
}

// Server runs the observability surface.
type Server struct {
	config Config
	logger *slog.Logger
	engine *gin.Engine
}

// New builds the gin engine with all routes mounted. The /metrics endpoint
// appears only when the Prometheus exporter is active.
func New(config Config, h *Handlers, logger *slog.Logger) *Server {
	if config.Addr == "" {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", h.HandleHealth)
	if mh := telemetry.MetricsHandler(); mh != nil {
		engine.GET("/metrics", gin.WrapH(mh))
	}

	v1 := engine.Group("/v1")
	RegisterRoutes(v1, h)

	return &Server{
		config: config,
		logger: logger,
		engine: engine,
	}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("renderguard dev surface listening", "addr", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case err := <-errCh:
		return err
	}
}
