// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildUserMessage_NoContext(t *testing.T) {
	assert.Equal(t, "what do I know about cats?",
		BuildUserMessage("what do I know about cats?", nil, 0))
}

func TestBuildUserMessage_RendersBlocks(t *testing.T) {
	blocks := []ContextBlock{
		{Index: 0, Relevance: 0.92, Tag: "pets,cats", Text: "cats are lovely"},
		{Index: 1, Relevance: 0.40, Tag: "food", Text: "pasta recipe"},
	}

	got := BuildUserMessage("tell me about cats", blocks, 0)

	assert.Contains(t, got, "Context from memory:")
	assert.Contains(t, got, "[Memory 1] (relevance: 0.92, tags: pets,cats)\ncats are lovely")
	assert.Contains(t, got, "[Memory 2] (relevance: 0.40, tags: food)\npasta recipe")
	assert.True(t, strings.HasSuffix(got, "User question: tell me about cats"))
}

func TestBuildUserMessage_CapsAtFiveBlocks(t *testing.T) {
	blocks := make([]ContextBlock, 8)
	for i := range blocks {
		blocks[i] = ContextBlock{Relevance: float64(8-i) / 10, Tag: "t", Text: "x"}
	}

	got := BuildUserMessage("q", blocks, 0)

	assert.Contains(t, got, "[Memory 5]")
	assert.NotContains(t, got, "[Memory 6]")
}

func TestBuildUserMessage_DropsLowestRelevanceFirst(t *testing.T) {
	blocks := []ContextBlock{
		{Relevance: 0.9, Tag: "keep", Text: strings.Repeat("a", 120)},
		{Relevance: 0.2, Tag: "drop", Text: strings.Repeat("b", 120)},
	}

	got := BuildUserMessage("q", blocks, 250)

	assert.Contains(t, got, "keep")
	assert.NotContains(t, got, "drop")
}

func TestBuildUserMessage_FallsBackToBareMessage(t *testing.T) {
	blocks := []ContextBlock{{Relevance: 0.9, Tag: "t", Text: strings.Repeat("a", 500)}}
	assert.Equal(t, "q", BuildUserMessage("q", blocks, 50))
}

func TestBuildUserMessage_OrdersByRelevance(t *testing.T) {
	blocks := []ContextBlock{
		{Relevance: 0.3, Tag: "low", Text: "low text"},
		{Relevance: 0.8, Tag: "high", Text: "high text"},
	}

	got := BuildUserMessage("q", blocks, 0)

	assert.Less(t, strings.Index(got, "high text"), strings.Index(got, "low text"))
}
