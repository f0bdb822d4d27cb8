// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
)

// MaxBodyBytes bounds request bodies before deserialization.
const MaxBodyBytes = 128 * 1024

// BodyLimit rejects oversized bodies with 413. Declared lengths fail fast;
// chunked bodies are capped by MaxBytesReader so a lying client cannot
// stream past the bound.
func BodyLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > MaxBodyBytes {
			AbortWithError(c, apperr.Newf(apperr.KindPayloadTooLarge,
				"request body is %d bytes, limit %d", c.Request.ContentLength, MaxBodyBytes))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)
		c.Next()
	}
}
