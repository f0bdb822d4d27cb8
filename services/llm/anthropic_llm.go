// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
)

const (
	anthropicAPIVersion = "2023-06-01"
	anthropicBaseURL    = "https://api.anthropic.com/v1/messages"
	anthropicMaxTokens  = 1024

	defaultAnthropicModel = "claude-3-5-haiku-20241022"
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// AnthropicClient talks to the Anthropic messages API.
type AnthropicClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	model        string
	promptBudget int
	logger       *slog.Logger
}

var _ Client = (*AnthropicClient)(nil)

// AnthropicConfig for NewAnthropic. APIKey is required.
type AnthropicConfig struct {
	APIKey string
	Model  string

	// BaseURL overrides the API endpoint, for tests.
	BaseURL string

	// Timeout bounds one API call. Default 20s.
	Timeout time.Duration

	// PromptBudget caps the rendered user message in characters.
	PromptBudget int

	Logger *slog.Logger
}

func NewAnthropic(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, apperr.New(apperr.KindInternal, "anthropic api key is missing")
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &AnthropicClient{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		model:        model,
		promptBudget: cfg.PromptBudget,
		logger:       logger,
	}, nil
}

// Chat renders the memories into the prompt and calls the messages API
// with retry on transport failures and 5xx.
func (a *AnthropicClient) Chat(ctx context.Context, system, userMessage string, blocks []ContextBlock) (string, error) {
	payload := anthropicRequest{
		Model: a.model,
		Messages: []anthropicMessage{
			{Role: "user", Content: BuildUserMessage(userMessage, blocks, a.promptBudget)},
		},
		System:    system,
		MaxTokens: anthropicMaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, backendName, err, "encode anthropic request")
	}

	return withRetry(ctx, func() (string, error) {
		return a.call(ctx, body)
	})
}

func (a *AnthropicClient) call(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, backendName, err, "build anthropic request")
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperr.FromContext(ctx, backendName)
		}
		return "", apperr.Wrap(apperr.KindRemoteUnavailable, backendName, err, "anthropic unreachable")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return "", apperr.Newf(apperr.KindRemoteUnavailable,
			"anthropic returned status %d", resp.StatusCode).WithBackend(backendName)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperr.Newf(apperr.KindRemoteRejected,
			"anthropic returned status %d: %s", resp.StatusCode, snippet(raw)).WithBackend(backendName)
	}

	var decoded anthropicResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", apperr.Wrap(apperr.KindRemoteRejected, backendName, err, "decode anthropic response")
	}
	if decoded.Error != nil {
		return "", apperr.Newf(apperr.KindRemoteRejected,
			"anthropic error: %s: %s", decoded.Error.Type, decoded.Error.Message).WithBackend(backendName)
	}

	var text string
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", apperr.New(apperr.KindRemoteRejected,
			"anthropic response contains no text block").WithBackend(backendName)
	}
	return text, nil
}

func snippet(raw []byte) string {
	if len(raw) > 256 {
		raw = raw[:256]
	}
	return string(raw)
}
