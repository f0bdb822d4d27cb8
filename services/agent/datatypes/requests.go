// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the wire types of the memory-agent HTTP surface.
package datatypes

// InsertRequest stores new content. Principal scopes the write to one user.
type InsertRequest struct {
	Content   string `json:"content" binding:"required"`
	UserTags  string `json:"user_tags"`
	Principal string `json:"principal" binding:"omitempty,principal"`
}

// SearchRequest queries the vector store. TopK is a pointer so an explicit
// zero (invalid) is distinguishable from absent (default 5).
type SearchRequest struct {
	Query     string `json:"query" binding:"required"`
	TopK      *int   `json:"top_k" binding:"omitempty,min=1,max=50"`
	Principal string `json:"principal" binding:"omitempty,principal"`
}

// ChatRequest asks the LLM with memory context.
type ChatRequest struct {
	Message   string `json:"message" binding:"required"`
	TopK      *int   `json:"top_k" binding:"omitempty,min=1,max=20"`
	Principal string `json:"principal" binding:"omitempty,principal"`
}

// CacheSearchRequest queries the audit-log cache. Exactly one of Tags,
// Title, Summary, or User must be set.
type CacheSearchRequest struct {
	Tags    string `json:"tags"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	User    string `json:"user"`
	OpType  *uint8 `json:"op_type" binding:"omitempty,max=1"`
	Limit   int    `json:"limit" binding:"omitempty,min=1,max=200"`
}
