// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline coordinates the dual-write flows: vector store first,
// audit log second.
//
// The ordering is load-bearing. A vector write that lands without its audit
// record is tolerated and flagged (the write is durable; re-running would
// duplicate it). An audit record without its vector write would be a lie in
// the log, so a failed vector write always aborts before the chain is
// touched.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
	"github.com/kinic-labs/memory-agent/pkg/metadata"
	"github.com/kinic-labs/memory-agent/pkg/scope"
	"github.com/kinic-labs/memory-agent/services/chainlog"
	"github.com/kinic-labs/memory-agent/services/llm"
	"github.com/kinic-labs/memory-agent/services/vector"
)

var tracer = otel.Tracer("services/agent/pipeline")

const (
	// DefaultTopK applies when a search or chat request omits top_k.
	DefaultTopK = 5

	// minRawHits floors the raw fetch so post-filtering with few stored
	// entries still fills small k.
	minRawHits = 10

	// minChatContext floors retrieval for chat so the model sees some
	// context even for k=1.
	minChatContext = 3

	searchTitlePrefix = "SEARCH: "
	maxQueryInTitle   = 90

	// InsertDeadline et al bound whole flows end to end.
	InsertDeadline = 30 * time.Second
	SearchDeadline = 30 * time.Second
	ChatDeadline   = 40 * time.Second
)

// Pipeline owns the three request flows. Construct with New.
type Pipeline struct {
	vector vector.Client
	chain  chainlog.Client
	llm    llm.Client
	logger *slog.Logger

	// onChainFailure is called when a tolerated audit write fails, for
	// metrics. Optional.
	onChainFailure func(flow string)
}

// New wires the three backends. llmClient may be nil when chat is not
// configured; Chat then fails with KindInternal.
func New(vectorClient vector.Client, chainClient chainlog.Client, llmClient llm.Client, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		vector: vectorClient,
		chain:  chainClient,
		llm:    llmClient,
		logger: logger,
	}
}

// OnChainFailure registers a callback fired whenever an audit write fails
// but the request still succeeds.
func (p *Pipeline) OnChainFailure(fn func(flow string)) {
	p.onChainFailure = fn
}

// InsertResult is the dual-write outcome.
type InsertResult struct {
	Vector   vector.InsertOutcome
	TxHash   *string
	Metadata metadata.Metadata
	// ChainOK is false when the audit write failed after a durable
	// vector write.
	ChainOK bool
}

// Insert runs the insert flow: extract metadata, write the vector store, then
// mirror the audit record. A chain failure after a successful vector write
// does not fail the call.
func (p *Pipeline) Insert(ctx context.Context, content, userTags, principal string) (InsertResult, error) {
	ctx, cancel := context.WithTimeout(ctx, InsertDeadline)
	defer cancel()
	ctx, span := tracer.Start(ctx, "pipeline.insert")
	defer span.End()

	reqID := uuid.NewString()
	logger := p.logger.With("request_id", reqID, "flow", "insert")

	if principal != "" && !scope.ValidPrincipal(principal) {
		return InsertResult{}, apperr.New(apperr.KindBadRequest,
			"principal must not contain '|', ',' or whitespace")
	}
	if len(content) > vector.MaxInsertBytes {
		return InsertResult{}, apperr.Newf(apperr.KindPayloadTooLarge,
			"content is %d bytes, limit %d", len(content), vector.MaxInsertBytes)
	}

	meta, err := metadata.Extract(content, userTags)
	if err != nil {
		return InsertResult{}, err
	}

	vres, err := p.vector.Insert(ctx, scope.VectorTag(principal, meta.Tags), content)
	if err != nil {
		logger.Error("vector insert failed", "error", err)
		return InsertResult{}, err
	}

	result := InsertResult{Vector: vres, Metadata: meta, ChainOK: true}

	tx, err := p.chain.WriteLog(ctx, chainlog.OpInsert,
		meta.Title, meta.Summary, scope.ChainTags(principal, meta.Tags), meta.Fingerprint)
	if err != nil {
		// The vector write is durable; surface success with the flag.
		logger.Warn("audit write failed after durable vector insert",
			"error", err, "fingerprint", meta.Fingerprint)
		result.ChainOK = false
		p.reportChainFailure("insert")
		return result, nil
	}

	result.TxHash = &tx
	logger.Info("insert complete", "tx", tx, "memory_id", vres.ID)
	return result, nil
}

// SearchResult is the search flow outcome.
type SearchResult struct {
	Hits   []vector.SearchHit
	TxHash *string
}

// Search runs the search flow: over-fetch, post-filter by principal, audit the
// query. The audit failure is logged, never surfaced.
func (p *Pipeline) Search(ctx context.Context, query string, k int, principal string) (SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, SearchDeadline)
	defer cancel()
	ctx, span := tracer.Start(ctx, "pipeline.search")
	defer span.End()

	logger := p.logger.With("request_id", uuid.NewString(), "flow", "search")

	if err := validateSearch(query, k, principal, 50); err != nil {
		return SearchResult{}, err
	}

	hits, err := p.searchFiltered(ctx, query, k, principal)
	if err != nil {
		return SearchResult{}, err
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))

	result := SearchResult{Hits: hits}

	title := searchTitlePrefix + metadata.Truncate(query, maxQueryInTitle)
	summary := fmt.Sprintf("k=%d; returned=%d", k, len(hits))
	tags := scope.ChainTags(principal, metadata.MergeTags("search", metadata.AutoTags(query)))

	tx, err := p.chain.WriteLog(ctx, chainlog.OpSearch,
		title, summary, tags, metadata.Fingerprint(query))
	if err != nil {
		logger.Warn("search audit write failed", "error", err)
		p.reportChainFailure("search")
		return result, nil
	}
	result.TxHash = &tx
	return result, nil
}

// ChatResult is the chat flow outcome.
type ChatResult struct {
	Answer string
	Hits   []vector.SearchHit
	TxHash *string
}

// Chat runs the chat flow: retrieve context (no per-search audit; the chat's
// own record subsumes it), generate, audit the turn as a knowledge event.
func (p *Pipeline) Chat(ctx context.Context, message string, k int, principal string) (ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, ChatDeadline)
	defer cancel()
	ctx, span := tracer.Start(ctx, "pipeline.chat")
	defer span.End()

	logger := p.logger.With("request_id", uuid.NewString(), "flow", "chat")

	if p.llm == nil {
		return ChatResult{}, apperr.New(apperr.KindInternal, "llm backend is not configured")
	}
	if err := validateSearch(message, k, principal, 20); err != nil {
		return ChatResult{}, err
	}

	retrieveK := k
	if retrieveK < minChatContext {
		retrieveK = minChatContext
	}
	hits, err := p.searchFiltered(ctx, message, retrieveK, principal)
	if err != nil {
		return ChatResult{}, err
	}

	blocks := make([]llm.ContextBlock, len(hits))
	for i, hit := range hits {
		blocks[i] = llm.ContextBlock{
			Index:     i,
			Relevance: hit.Score,
			Tag:       hit.Tag,
			Text:      hit.Text,
		}
	}

	answer, err := p.llm.Chat(ctx, llm.SystemPrompt, message, blocks)
	if err != nil {
		logger.Error("llm chat failed", "error", err)
		return ChatResult{}, err
	}

	result := ChatResult{Answer: answer, Hits: hits}

	fingerprint := chatFingerprint(message, answer)
	tags := scope.ChainTags(principal, metadata.MergeTags(metadata.AutoTags(message), "chat"))
	tx, err := p.chain.WriteLog(ctx, chainlog.OpInsert,
		metadata.Truncate(message, metadata.MaxTitleRunes),
		metadata.Truncate(answer, metadata.MaxSummaryRunes),
		tags, fingerprint)
	if err != nil {
		logger.Warn("chat audit write failed", "error", err)
		p.reportChainFailure("chat")
		return result, nil
	}
	result.TxHash = &tx
	return result, nil
}

// searchFiltered over-fetches raw hits, retries once on a transport
// failure, and applies the principal ownership filter in order.
func (p *Pipeline) searchFiltered(ctx context.Context, query string, k int, principal string) ([]vector.SearchHit, error) {
	kRaw := k * 3
	if kRaw < minRawHits {
		kRaw = minRawHits
	}

	raw, err := p.vector.Search(ctx, query, kRaw)
	if err != nil && apperr.KindOf(err) == apperr.KindRemoteUnavailable && ctx.Err() == nil {
		p.logger.Warn("vector search retry after transport failure", "error", err)
		raw, err = p.vector.Search(ctx, query, kRaw)
	}
	if err != nil {
		return nil, err
	}

	filtered := make([]vector.SearchHit, 0, k)
	for _, hit := range raw {
		if !scope.IsOwnedBy(hit.Tag, principal) {
			continue
		}
		filtered = append(filtered, hit)
		if len(filtered) >= k {
			break
		}
	}
	return filtered, nil
}

func (p *Pipeline) reportChainFailure(flow string) {
	if p.onChainFailure != nil {
		p.onChainFailure(flow)
	}
}

func validateSearch(query string, k int, principal string, maxK int) error {
	if query == "" {
		return apperr.New(apperr.KindBadRequest, "query must not be empty")
	}
	if k < 1 || k > maxK {
		return apperr.Newf(apperr.KindBadRequest, "top_k must be between 1 and %d", maxK)
	}
	if principal != "" && !scope.ValidPrincipal(principal) {
		return apperr.New(apperr.KindBadRequest,
			"principal must not contain '|', ',' or whitespace")
	}
	return nil
}

// chatFingerprint binds question and answer into one audit hash.
func chatFingerprint(message, answer string) string {
	sum := sha256.Sum256([]byte(message + "\n---\n" + answer))
	return "0x" + hex.EncodeToString(sum[:])
}
