// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kinic-labs/memory-agent/services/agent/datatypes"
	"github.com/kinic-labs/memory-agent/services/agent/pipeline"
)

// HandleInsert runs the dual-write. A failed audit write still returns 200 with
// monad_tx null and chain_status "chain_failed": the vector write is
// durable and a client retry would duplicate it.
func HandleInsert(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "handler.insert")
		defer span.End()

		var req datatypes.InsertRequest
		if !bindJSON(c, &req) {
			return
		}

		res, err := p.Insert(ctx, req.Content, req.UserTags, req.Principal)
		if err != nil {
			respondError(c, err)
			return
		}

		status := datatypes.ChainStatusLogged
		if !res.ChainOK {
			status = datatypes.ChainStatusFailed
		}
		c.JSON(http.StatusOK, datatypes.InsertResponse{
			KinicResult: res.Vector,
			MonadTx:     res.TxHash,
			Metadata:    res.Metadata,
			ChainStatus: status,
		})
	}
}

// HandleSearch runs scoped semantic search with its audit record.
func HandleSearch(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "handler.search")
		defer span.End()

		var req datatypes.SearchRequest
		if !bindJSON(c, &req) {
			return
		}
		k := pipeline.DefaultTopK
		if req.TopK != nil {
			k = *req.TopK
		}

		res, err := p.Search(ctx, req.Query, k, req.Principal)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.SearchResponse{
			Results:    res.Hits,
			MonadTx:    res.TxHash,
			NumResults: len(res.Hits),
		})
	}
}

// HandleChat runs memory-grounded chat.
func HandleChat(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "handler.chat")
		defer span.End()

		var req datatypes.ChatRequest
		if !bindJSON(c, &req) {
			return
		}
		k := pipeline.DefaultTopK
		if req.TopK != nil {
			k = *req.TopK
		}

		res, err := p.Chat(ctx, req.Message, k, req.Principal)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.ChatResponse{
			Response:     res.Answer,
			MemoriesUsed: res.Hits,
			NumMemories:  len(res.Hits),
			MonadTx:      res.TxHash,
		})
	}
}
