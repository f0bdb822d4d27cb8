// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware implements the admission layer: authentication, CORS,
// rate limiting, and body bounds. Everything here runs before a request
// reaches the pipeline; admission failures never touch a backend.
package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
	"github.com/kinic-labs/memory-agent/services/agent/datatypes"
)

// APIKeyHeader is the authentication header clients send.
const APIKeyHeader = "X-API-Key"

// RequireAPIKey gates requests on the configured key. An empty key means
// open mode: every request passes. Comparison is constant-time.
func RequireAPIKey(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}

		provided := c.GetHeader(APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			AbortWithError(c, apperr.New(apperr.KindUnauthorized, "missing or invalid API key"))
			return
		}
		c.Next()
	}
}

// AbortWithError renders the uniform error body and stops the chain.
func AbortWithError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), datatypes.ErrorResponse{
		Detail:  apperr.Detail(err),
		Kind:    string(kind),
		Backend: apperr.BackendOf(err),
	})
}
