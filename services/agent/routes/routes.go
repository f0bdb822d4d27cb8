// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kinic-labs/memory-agent/services/agent/handlers"
	"github.com/kinic-labs/memory-agent/services/agent/middleware"
	"github.com/kinic-labs/memory-agent/services/agent/pipeline"
	"github.com/kinic-labs/memory-agent/services/chainlog"
	"github.com/kinic-labs/memory-agent/services/vector"
)

// RateLimits carries per-endpoint budgets in requests per minute. Zero
// means unlimited.
type RateLimits struct {
	Insert  int
	Search  int
	Chat    int
	Refresh int
}

// Deps bundles everything the route table needs.
type Deps struct {
	Pipeline        *pipeline.Pipeline
	Vector          vector.Client
	Chain           chainlog.Client
	Cache           *chainlog.Cache
	APIKey          string
	AllowedOrigins  []string
	Limits          RateLimits
	ContractAddress string
	Version         string
}

// Setup installs the full route table on the router.
func Setup(router *gin.Engine, deps Deps) {
	router.Use(middleware.CORS(deps.AllowedOrigins))
	router.Use(middleware.BodyLimit())

	auth := middleware.RequireAPIKey(deps.APIKey)

	router.GET("/", handlers.HandleRoot(deps.Version))
	router.GET("/health", handlers.HandleHealth(deps.Vector, deps.Chain))
	router.GET("/stats", handlers.HandleStats(deps.Chain, deps.ContractAddress))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/insert", auth,
		middleware.NewRateLimiter(deps.Limits.Insert).Middleware(),
		handlers.HandleInsert(deps.Pipeline))
	router.POST("/search", auth,
		middleware.NewRateLimiter(deps.Limits.Search).Middleware(),
		handlers.HandleSearch(deps.Pipeline))
	router.POST("/chat", auth,
		middleware.NewRateLimiter(deps.Limits.Chat).Middleware(),
		handlers.HandleChat(deps.Pipeline))

	monad := router.Group("/monad")
	{
		monad.GET("/stats", handlers.HandleCacheStats(deps.Cache))
		monad.GET("/trending", handlers.HandleTrending(deps.Cache))
		monad.GET("/recent", handlers.HandleRecent(deps.Cache))
		monad.POST("/search", handlers.HandleCacheSearch(deps.Cache))
		monad.POST("/refresh", auth,
			middleware.NewRateLimiter(deps.Limits.Refresh).Middleware(),
			handlers.HandleRefresh(deps.Cache))
	}
}
