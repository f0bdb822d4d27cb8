// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_ClassifiedError(t *testing.T) {
	err := New(KindBadRequest, "query must not be empty")
	assert.Equal(t, KindBadRequest, KindOf(err))
}

func TestKindOf_WrappedDeep(t *testing.T) {
	inner := Wrap(KindReverted, "monad", errors.New("execution reverted"), "logMemory reverted")
	outer := fmt.Errorf("pipeline: %w", inner)

	assert.Equal(t, KindReverted, KindOf(outer))
	assert.Equal(t, "monad", BackendOf(outer))
	assert.Equal(t, "logMemory reverted", Detail(outer))
}

func TestKindOf_UnclassifiedDefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestKindOf_DeadlineExceeded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	assert.Equal(t, KindTimeout, KindOf(ctx.Err()))
}

func TestFromContext(t *testing.T) {
	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-ctx.Done()

		err := FromContext(ctx, "kinic")
		assert.Equal(t, KindTimeout, err.Kind)
		assert.Equal(t, "kinic", err.Backend)
	})

	t.Run("cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := FromContext(ctx, "monad")
		assert.Equal(t, KindInternal, err.Kind)
	})
}

func TestUnwrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindRemoteUnavailable, "kinic", cause, "canister unreachable")

	require.ErrorIs(t, err, cause)

	var ae *Error
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", err), &ae)
	assert.Equal(t, KindRemoteUnavailable, ae.Kind)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindBadRequest, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindRemoteUnavailable, http.StatusBadGateway},
		{KindRemoteRejected, http.StatusBadGateway},
		{KindInsufficientFunds, http.StatusBadGateway},
		{KindReverted, http.StatusBadGateway},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(KindRemoteRejected, "kinic", errors.New("code 400"), "embedding refused")
	assert.Contains(t, err.Error(), "KindRemoteRejected")
	assert.Contains(t, err.Error(), "kinic")
	assert.Contains(t, err.Error(), "embedding refused")
}
