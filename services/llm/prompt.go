// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"fmt"
	"sort"
	"strings"
)

// SystemPrompt defines the memory-agent persona.
const SystemPrompt = `You are a helpful AI memory agent built on Monad blockchain with Kinic storage.

Your capabilities:
- You can store and retrieve information using semantic search
- All your interactions are logged on Monad blockchain for transparency
- You help users remember, organize, and retrieve information

When users ask questions:
1. Search your memory for relevant context
2. Provide accurate, helpful answers based on stored information
3. If you don't have relevant information, say so clearly
4. Suggest storing new information when appropriate

Be concise, helpful, and transparent about your capabilities.`

const (
	// maxContextBlocks caps how many memories enter the prompt.
	maxContextBlocks = 5

	// defaultPromptBudget bounds the rendered user message in characters.
	defaultPromptBudget = 12000
)

// BuildUserMessage renders the retrieved memories ahead of the question:
//
//	Context from memory:
//	[Memory 1] (relevance: 0.92, tags: pets)
//	cats are lovely
//
//	User question: <message>
//
// At most five blocks are rendered. When the result would exceed budget,
// the lowest-relevance blocks are dropped first. budget <= 0 uses the
// default.
func BuildUserMessage(message string, blocks []ContextBlock, budget int) string {
	if budget <= 0 {
		budget = defaultPromptBudget
	}

	kept := append([]ContextBlock(nil), blocks...)
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Relevance > kept[j].Relevance
	})
	if len(kept) > maxContextBlocks {
		kept = kept[:maxContextBlocks]
	}

	for len(kept) > 0 {
		rendered := renderMessage(message, kept)
		if len(rendered) <= budget {
			return rendered
		}
		kept = kept[:len(kept)-1]
	}
	return message
}

func renderMessage(message string, blocks []ContextBlock) string {
	parts := make([]string, 0, len(blocks))
	for i, b := range blocks {
		parts = append(parts, fmt.Sprintf("[Memory %d] (relevance: %.2f, tags: %s)\n%s",
			i+1, b.Relevance, b.Tag, b.Text))
	}
	return fmt.Sprintf("Context from memory:\n%s\n\nUser question: %s",
		strings.Join(parts, "\n\n"), message)
}
