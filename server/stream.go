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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/renderguard/diagnostics"
)

var upgrader = websocket.Upgrader{
	// Dev-only surface on localhost; origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

// HandleStream upgrades to a websocket and pushes diagnostics events as
// JSON until the client disconnects.
//
// Query parameters:
//   - kind: restrict the stream to one event kind (repeatable).
//
// Recording must never block on a slow client, so events are forwarded
// through a bounded channel and dropped when the client falls behind.
func (h *Handlers) HandleStream(c *gin.Context) {
	if h.recorder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "recorder not configured"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	var kinds []diagnostics.Kind
	for _, k := range c.QueryArray("kind") {
		kinds = append(kinds, diagnostics.Kind(k))
	}

	events := make(chan diagnostics.Event, 64)
	id := h.recorder.Subscribe(func(e diagnostics.Event) {
		select {
		case events <- e:
		default:
		}
	}, kinds...)
	defer h.recorder.Unsubscribe(id)

	h.logger.Info("diagnostics stream connected", "subscription", id)

	// Drain client frames so closes are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-events:
			if err := ws.WriteJSON(e); err != nil {
				h.logger.Info("diagnostics stream disconnected", "subscription", id)
				return
			}
		case <-done:
			h.logger.Info("diagnostics stream closed by client", "subscription", id)
			return
		}
	}
}
