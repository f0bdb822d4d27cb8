// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAIClient serves chat through any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client       *openai.Client
	model        string
	promptBudget int
	logger       *slog.Logger
}

var _ Client = (*OpenAIClient)(nil)

// OpenAIConfig for NewOpenAI. APIKey is required; BaseURL selects a
// compatible self-hosted endpoint when set.
type OpenAIConfig struct {
	APIKey       string
	Model        string
	BaseURL      string
	Timeout      time.Duration
	PromptBudget int
	Logger       *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, apperr.New(apperr.KindInternal, "openai api key is missing")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		promptBudget: cfg.PromptBudget,
		logger:       logger,
	}, nil
}

// Chat renders the memories into the prompt and calls the completions API
// with retry on transport failures and 5xx.
func (o *OpenAIClient) Chat(ctx context.Context, system, userMessage string, blocks []ContextBlock) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: BuildUserMessage(userMessage, blocks, o.promptBudget)},
		},
	}

	return withRetry(ctx, func() (string, error) {
		resp, err := o.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", o.classify(ctx, err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			return "", apperr.New(apperr.KindRemoteRejected,
				"completion contains no choices").WithBackend(backendName)
		}
		return resp.Choices[0].Message.Content, nil
	})
}

func (o *OpenAIClient) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return apperr.FromContext(ctx, backendName)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 500 {
			return apperr.Wrap(apperr.KindRemoteUnavailable, backendName, err, "llm endpoint failing")
		}
		return apperr.Wrap(apperr.KindRemoteRejected, backendName, err, "llm rejected the request")
	}
	return apperr.Wrap(apperr.KindRemoteUnavailable, backendName, err, "llm endpoint unreachable")
}
