// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP surface of the memory agent.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
	"github.com/kinic-labs/memory-agent/services/agent/datatypes"
	"github.com/kinic-labs/memory-agent/services/agent/observability"
)

var tracer = otel.Tracer("services/agent/handlers")

// respondError renders the uniform error body for a classified failure.
func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		slog.Error("internal failure", "path", c.FullPath(), "error", err)
	}
	if backend := apperr.BackendOf(err); backend != "" {
		c.Set(observability.ContextKeyBackendError, backend+"/"+string(kind))
	}
	c.JSON(apperr.HTTPStatus(kind), datatypes.ErrorResponse{
		Detail:  apperr.Detail(err),
		Kind:    string(kind),
		Backend: apperr.BackendOf(err),
	})
}

// bindJSON decodes and validates the body, normalizing gin's binding
// failures into the taxonomy. Oversized bodies cut off by MaxBytesReader
// surface as 413, everything else as 400.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(c, apperr.New(apperr.KindPayloadTooLarge, "request body exceeds limit"))
			return false
		}
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) && len(vErrs) > 0 {
			respondError(c, apperr.Newf(apperr.KindBadRequest,
				"field %q failed validation %q", vErrs[0].Field(), vErrs[0].Tag()))
			return false
		}
		respondError(c, apperr.Wrap(apperr.KindBadRequest, "", err, "malformed request body"))
		return false
	}
	return true
}
