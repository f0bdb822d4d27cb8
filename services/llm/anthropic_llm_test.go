// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
)

func anthropicReply(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
}

func newAnthropicTest(t *testing.T, handler http.HandlerFunc) *AnthropicClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewAnthropic(AnthropicConfig{
		APIKey:  "test-key",
		Model:   "claude-3-5-haiku-20241022",
		BaseURL: server.URL,
	})
	require.NoError(t, err)
	return client
}

func TestAnthropicChat_Success(t *testing.T) {
	client := newAnthropicTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, SystemPrompt, req.System)
		require.Len(t, req.Messages, 1)
		assert.Contains(t, req.Messages[0].Content, "[Memory 1]")
		assert.Contains(t, req.Messages[0].Content, "User question: tell me about cats")

		json.NewEncoder(w).Encode(anthropicReply("Cats are lovely."))
	})

	blocks := []ContextBlock{{Relevance: 0.9, Tag: "pets", Text: "cats are lovely"}}
	answer, err := client.Chat(context.Background(), SystemPrompt, "tell me about cats", blocks)
	require.NoError(t, err)
	assert.Equal(t, "Cats are lovely.", answer)
}

func TestAnthropicChat_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	client := newAnthropicTest(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(anthropicReply("recovered"))
	})

	answer, err := client.Chat(context.Background(), SystemPrompt, "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", answer)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAnthropicChat_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	client := newAnthropicTest(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.Chat(context.Background(), SystemPrompt, "q", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindRemoteRejected, apperr.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestAnthropicChat_GivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	client := newAnthropicTest(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.Chat(context.Background(), SystemPrompt, "q", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindRemoteUnavailable, apperr.KindOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestAnthropicChat_APIErrorBody(t *testing.T) {
	client := newAnthropicTest(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "overloaded_error", "message": "try later"},
		})
	})

	_, err := client.Chat(context.Background(), SystemPrompt, "q", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindRemoteRejected, apperr.KindOf(err))
	assert.Contains(t, apperr.Detail(err), "overloaded_error")
}

func TestNewAnthropic_RequiresKey(t *testing.T) {
	_, err := NewAnthropic(AnthropicConfig{})
	require.Error(t, err)
}
