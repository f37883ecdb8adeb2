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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all renderguard routes with the router group.
//
// Endpoints:
//
//	GET  /v1/renderguard/reports/:name - Latest report for an entity
//	GET  /v1/renderguard/flags - All flagged entities
//	GET  /v1/renderguard/flags/:name - Flagged state for an entity
//	GET  /v1/renderguard/events - Recorded diagnostics events
//	GET  /v1/renderguard/breaker - Mutation-rate breaker snapshot
//	GET  /v1/renderguard/stream - Live diagnostics websocket
//	POST /v1/renderguard/recovery/:name/retry - Restart exhausted recovery
//	POST /v1/renderguard/recovery/:name/resume - Force-clear exhausted recovery
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	guard := rg.Group("/renderguard")
	{
		guard.GET("/reports/:name", h.HandleReport)
		guard.GET("/flags", h.HandleFlags)
		guard.GET("/flags/:name", h.HandleFlag)
		guard.GET("/events", h.HandleEvents)
		guard.GET("/breaker", h.HandleBreaker)
		guard.GET("/stream", h.HandleStream)

		recovery := guard.Group("/recovery")
		{
			recovery.POST("/:name/retry", h.HandleRetry)
			recovery.POST("/:name/resume", h.HandleResume)
		}
	}
}
