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
	"strings"
	"time"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
)

const defaultOllamaModel = "llama3.1"

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// OllamaClient serves chat from a local Ollama instance. No API key, no
// egress; useful for development and air-gapped deployments.
type OllamaClient struct {
	httpClient   *http.Client
	baseURL      string
	model        string
	promptBudget int
	logger       *slog.Logger
}

var _ Client = (*OllamaClient)(nil)

// OllamaConfig for NewOllama. BaseURL is required.
type OllamaConfig struct {
	BaseURL      string
	Model        string
	Timeout      time.Duration
	PromptBudget int
	Logger       *slog.Logger
}

func NewOllama(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, apperr.New(apperr.KindInternal, "ollama base url is missing")
	}

	model := cfg.Model
	if model == "" {
		model = defaultOllamaModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		// Local models generate slowly on CPU.
		timeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		model:        model,
		promptBudget: cfg.PromptBudget,
		logger:       logger,
	}, nil
}

// Chat renders the memories into the prompt and calls /api/chat with retry
// on transport failures and 5xx.
func (o *OllamaClient) Chat(ctx context.Context, system, userMessage string, blocks []ContextBlock) (string, error) {
	if system == "" {
		system = SystemPrompt
	}
	body, err := json.Marshal(ollamaChatRequest{
		Model: o.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: BuildUserMessage(userMessage, blocks, o.promptBudget)},
		},
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, backendName, err, "encode ollama request")
	}

	return withRetry(ctx, func() (string, error) {
		return o.call(ctx, body)
	})
}

func (o *OllamaClient) call(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, backendName, err, "build ollama request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperr.FromContext(ctx, backendName)
		}
		return "", apperr.Wrap(apperr.KindRemoteUnavailable, backendName, err, "ollama unreachable")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return "", apperr.Newf(apperr.KindRemoteUnavailable,
			"ollama returned status %d", resp.StatusCode).WithBackend(backendName)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperr.Newf(apperr.KindRemoteRejected,
			"ollama returned status %d: %s", resp.StatusCode, snippet(raw)).WithBackend(backendName)
	}

	var decoded ollamaChatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", apperr.Wrap(apperr.KindRemoteRejected, backendName, err, "decode ollama response")
	}
	if decoded.Message.Content == "" {
		return "", apperr.New(apperr.KindRemoteRejected,
			"ollama response contains no content").WithBackend(backendName)
	}
	return decoded.Message.Content, nil
}
