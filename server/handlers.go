// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes renderguard's dev-only observability surface over
// HTTP: latest reports, flags, diagnostics events, breaker state, manual
// recovery actions, and a live websocket event stream. It never mediates
// the guarded behavior itself.
package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/renderguard/breaker"
	"github.com/AleutianAI/renderguard/diagnostics"
	"github.com/AleutianAI/renderguard/recovery"
	"github.com/AleutianAI/renderguard/registry"
)

// Handlers serves the observability endpoints.
type Handlers struct {
	logger   *slog.Logger
	loops    *registry.LoopRegistry
	store    *breaker.MutationBreaker
	recorder *diagnostics.Recorder

	mu           sync.RWMutex
	coordinators map[string]*recovery.Coordinator
}

// NewHandlers wires the read surfaces. Any dependency may be nil; its
// endpoints then answer 503.
func NewHandlers(loops *registry.LoopRegistry, store *breaker.MutationBreaker,
	recorder *diagnostics.Recorder, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		logger:       logger,
		loops:        loops,
		store:        store,
		recorder:     recorder,
		coordinators: make(map[string]*recovery.Coordinator),
	}
}

// RegisterCoordinator exposes a boundary's manual retry/resume actions.
func (h *Handlers) RegisterCoordinator(name string, c *recovery.Coordinator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.coordinators[name] = c
}

func (h *Handlers) coordinator(name string) (*recovery.Coordinator, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.coordinators[name]
	return c, ok
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReport returns the latest report for one entity.
func (h *Handlers) HandleReport(c *gin.Context) {
	if h.loops == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registry not configured"})
		return
	}
	name := c.Param("name")
	report, ok := h.loops.LatestReport(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no report for entity", "entity": name})
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleFlag returns the flagged state for one entity.
func (h *Handlers) HandleFlag(c *gin.Context) {
	if h.loops == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registry not configured"})
		return
	}
	name := c.Param("name")
	c.JSON(http.StatusOK, gin.H{
		"entity":  name,
		"flagged": h.loops.IsFlagged(name),
	})
}

// HandleFlags lists all currently flagged entities.
func (h *Handlers) HandleFlags(c *gin.Context) {
	if h.loops == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registry not configured"})
		return
	}
	flagged := h.loops.Flagged()
	if flagged == nil {
		flagged = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"flagged": flagged})
}

// HandleEvents returns recorded diagnostics events, newest last.
//
// Query parameters:
//   - entity: only events for this entity
//   - kind: only events of this kind
//   - limit: at most this many, from the newest end
func (h *Handlers) HandleEvents(c *gin.Context) {
	if h.recorder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "recorder not configured"})
		return
	}

	var events []diagnostics.Event
	switch {
	case c.Query("entity") != "":
		events = h.recorder.EventsFor(c.Query("entity"))
	case c.Query("kind") != "":
		events = h.recorder.EventsByKind(diagnostics.Kind(c.Query("kind")))
	default:
		events = h.recorder.Events()
	}
	if c.Query("entity") != "" && c.Query("kind") != "" {
		kind := diagnostics.Kind(c.Query("kind"))
		filtered := events[:0]
		for _, e := range events {
			if e.Kind == kind {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	if raw := c.Query("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit >= 0 && limit < len(events) {
			events = events[len(events)-limit:]
		}
	}
	if events == nil {
		events = []diagnostics.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// HandleBreaker returns the shared mutation-rate breaker snapshot.
func (h *Handlers) HandleBreaker(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "breaker not configured"})
		return
	}
	c.JSON(http.StatusOK, h.store.Snapshot())
}

// HandleRetry restarts an exhausted recovery run from stage 0.
func (h *Handlers) HandleRetry(c *gin.Context) {
	name := c.Param("name")
	coord, ok := h.coordinator(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown entity", "entity": name})
		return
	}
	if coord.State() != recovery.StateExhausted {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "recovery is not exhausted",
			"entity": name,
			"state":  coord.State(),
		})
		return
	}
	h.logger.Info("manual retry requested", "entity", name)
	coord.Retry()
	c.JSON(http.StatusOK, gin.H{"entity": name, "state": coord.State()})
}

// HandleResume force-clears an exhausted recovery run.
func (h *Handlers) HandleResume(c *gin.Context) {
	name := c.Param("name")
	coord, ok := h.coordinator(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown entity", "entity": name})
		return
	}
	if coord.State() != recovery.StateExhausted {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "recovery is not exhausted",
			"entity": name,
			"state":  coord.State(),
		})
		return
	}
	h.logger.Warn("manual resume requested", "entity", name)
	coord.Resume()
	c.JSON(http.StatusOK, gin.H{"entity": name, "state": coord.State()})
}
