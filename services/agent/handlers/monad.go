// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
	"github.com/kinic-labs/memory-agent/services/agent/datatypes"
	"github.com/kinic-labs/memory-agent/services/chainlog"
)

const (
	defaultCacheLimit    = 50
	defaultTrendingLimit = 10
	defaultRecentLimit   = 20
)

// HandleCacheStats serves the audit-cache summary. Cheap and gas-free.
func HandleCacheStats(cache *chainlog.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, cache.Stats())
	}
}

// HandleTrending serves frequency-ranked tags.
func HandleTrending(cache *chainlog.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := cache.RequireSynced(); err != nil {
			respondError(c, err)
			return
		}
		limit := queryInt(c, "limit", defaultTrendingLimit)
		if limit < 1 {
			respondError(c, apperr.New(apperr.KindBadRequest, "limit must be positive"))
			return
		}
		trending := cache.TrendingTags(limit)
		if trending == nil {
			trending = []chainlog.TagCount{}
		}
		c.JSON(http.StatusOK, gin.H{"trending": trending, "count": len(trending)})
	}
}

// HandleCacheSearch queries the projection by exactly one criterion.
func HandleCacheSearch(cache *chainlog.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := cache.RequireSynced(); err != nil {
			respondError(c, err)
			return
		}

		var req datatypes.CacheSearchRequest
		if !bindJSON(c, &req) {
			return
		}

		limit := req.Limit
		if limit == 0 {
			limit = defaultCacheLimit
		}

		var results []chainlog.Record
		switch {
		case req.Tags != "":
			results = cache.SearchByTags(req.Tags, limit, req.OpType)
		case req.Title != "":
			results = cache.SearchByTitle(req.Title, limit, req.OpType)
		case req.Summary != "":
			results = cache.SearchBySummary(req.Summary, limit, req.OpType)
		case req.User != "":
			results = cache.ByUser(req.User, limit)
		default:
			respondError(c, apperr.New(apperr.KindBadRequest,
				"one of tags, title, summary, or user is required"))
			return
		}

		if results == nil {
			results = []chainlog.Record{}
		}
		c.JSON(http.StatusOK, datatypes.CacheSearchResponse{
			Results:    results,
			NumResults: len(results),
			Source:     "cache",
		})
	}
}

// HandleRecent serves the newest records, optionally filtered by op_type.
func HandleRecent(cache *chainlog.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := cache.RequireSynced(); err != nil {
			respondError(c, err)
			return
		}
		limit := queryInt(c, "limit", defaultRecentLimit)
		if limit < 1 {
			respondError(c, apperr.New(apperr.KindBadRequest, "limit must be positive"))
			return
		}

		var opType *uint8
		if raw := c.Query("op_type"); raw != "" {
			parsed, err := strconv.ParseUint(raw, 10, 8)
			if err != nil || parsed > 1 {
				respondError(c, apperr.New(apperr.KindBadRequest, "op_type must be 0 or 1"))
				return
			}
			v := uint8(parsed)
			opType = &v
		}

		results := cache.Recent(limit, opType)
		if results == nil {
			results = []chainlog.Record{}
		}
		c.JSON(http.StatusOK, gin.H{"results": results, "num_results": len(results)})
	}
}

// HandleRefresh forces a cache sync.
func HandleRefresh(cache *chainlog.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		added, err := cache.Refresh(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.RefreshResponse{Synced: true, Added: added})
	}
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return v
}
