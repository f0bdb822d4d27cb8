// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm generates memory-conditioned chat replies. Two backends are
// supported: Anthropic (default) and OpenAI-compatible endpoints.
package llm

import (
	"context"
)

const backendName = "llm"

// ContextBlock is one retrieved memory handed to the model. Relevance is
// the vector-store similarity score in [0,1].
type ContextBlock struct {
	Index     int
	Relevance float64
	Tag       string
	Text      string
}

// Client is the chat surface the pipeline depends on.
type Client interface {
	// Chat renders the context blocks into the prompt and returns the
	// model's reply. The system prompt defines the assistant persona.
	Chat(ctx context.Context, system, userMessage string, blocks []ContextBlock) (string, error)
}
