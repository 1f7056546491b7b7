// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/handlers"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/middleware"
)

// Options configures SetupRoutes.
type Options struct {
	// ServiceName names the server spans.
	ServiceName string

	// AuthToken guards the /v1 group. Nil leaves it open.
	AuthToken *llm.APIKey

	// Metrics serves /metrics. Nil uses the default Prometheus registry.
	Metrics http.Handler
}

// SetupRoutes registers the orchestrator API on router.
//
//	GET  /health
//	GET  /metrics
//	POST /v1/chat
//	POST /v1/chat/stream
//	GET  /v1/chat/ws
//	GET  /v1/threads/:threadId/turns
func SetupRoutes(router *gin.Engine, chat *handlers.ChatHandler, opts Options) {
	if opts.ServiceName == "" {
		opts.ServiceName = "choir-orchestrator"
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}

	router.Use(otelgin.Middleware(opts.ServiceName))

	router.GET("/health", chat.HandleHealth)
	router.GET("/metrics", gin.WrapH(opts.Metrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.TokenAuth(opts.AuthToken))
	{
		v1.POST("/chat", chat.HandleChat)
		v1.POST("/chat/stream", chat.HandleChatStream)
		v1.GET("/chat/ws", chat.HandleChatWebSocket)
		v1.GET("/threads/:threadId/turns", chat.HandleThreadTurns)
	}
}
