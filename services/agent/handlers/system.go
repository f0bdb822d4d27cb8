// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/kinic-labs/memory-agent/services/agent/datatypes"
	"github.com/kinic-labs/memory-agent/services/chainlog"
	"github.com/kinic-labs/memory-agent/services/vector"
)

const healthProbeTimeout = 5 * time.Second

// HandleRoot identifies the service.
func HandleRoot(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":   "kinic-memory-agent",
			"version":   version,
			"endpoints": []string{"/insert", "/search", "/chat", "/health", "/stats", "/monad/stats"},
		})
	}
}

// HandleHealth probes both backends concurrently. Uninitialized clients
// yield 503.
func HandleHealth(vectorClient vector.Client, chainClient chainlog.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if vectorClient == nil || chainClient == nil {
			c.JSON(http.StatusServiceUnavailable, datatypes.HealthResponse{
				Status:   "uninitialized",
				Vector:   statusOf(vectorClient != nil),
				Chain:    statusOf(chainClient != nil),
				Canister: statusOf(vectorClient != nil),
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
		defer cancel()

		vectorStatus, chainStatus := "ok", "ok"
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := vectorClient.Healthy(gctx); err != nil {
				vectorStatus = "degraded: " + err.Error()
			}
			return nil
		})
		g.Go(func() error {
			if err := chainClient.Healthy(gctx); err != nil {
				chainStatus = "degraded: " + err.Error()
			}
			return nil
		})
		_ = g.Wait()

		status := "ok"
		code := http.StatusOK
		if vectorStatus != "ok" || chainStatus != "ok" {
			status = "degraded"
		}
		c.JSON(code, datatypes.HealthResponse{
			Status:   status,
			Vector:   vectorStatus,
			Chain:    chainStatus,
			Canister: vectorStatus,
		})
	}
}

func statusOf(initialized bool) string {
	if initialized {
		return "ok"
	}
	return "uninitialized"
}

// HandleStats serves live on-chain totals.
func HandleStats(chainClient chainlog.Client, contractAddress string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if chainClient == nil {
			c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{
				Detail: "chain client is not initialized",
				Kind:   "KindRemoteUnavailable",
			})
			return
		}

		ctx := c.Request.Context()
		total, err := chainClient.GetTotal(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		signerCount, err := chainClient.UserMemoryCount(ctx, chainClient.Address())
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, datatypes.StatsResponse{
			TotalMemories:   total,
			SignerMemories:  signerCount,
			SignerAddress:   chainClient.Address(),
			ContractAddress: contractAddress,
		})
	}
}
