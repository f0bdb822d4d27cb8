// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"github.com/kinic-labs/memory-agent/pkg/metadata"
	"github.com/kinic-labs/memory-agent/services/chainlog"
	"github.com/kinic-labs/memory-agent/services/vector"
)

// ChainStatus values for dual-write outcomes.
const (
	ChainStatusLogged = "logged"
	ChainStatusFailed = "chain_failed"
)

// InsertResponse reports the dual-write outcome. MonadTx is null and
// ChainStatus is "chain_failed" when the vector write landed but the audit
// write did not; the insert is still durable and must not be retried.
type InsertResponse struct {
	KinicResult vector.InsertOutcome `json:"kinic_result"`
	MonadTx     *string              `json:"monad_tx"`
	Metadata    metadata.Metadata    `json:"metadata"`
	ChainStatus string               `json:"chain_status"`
}

// SearchResponse carries principal-filtered hits.
type SearchResponse struct {
	Results    []vector.SearchHit `json:"results"`
	MonadTx    *string            `json:"monad_tx"`
	NumResults int                `json:"num_results"`
}

// ChatResponse carries the reply plus the memories that conditioned it.
type ChatResponse struct {
	Response     string             `json:"response"`
	MemoriesUsed []vector.SearchHit `json:"memories_used"`
	NumMemories  int                `json:"num_memories"`
	MonadTx      *string            `json:"monad_tx"`
}

// HealthResponse reports per-backend status: "ok", "degraded: <reason>",
// or "uninitialized".
type HealthResponse struct {
	Status   string `json:"status"`
	Vector   string `json:"vector"`
	Chain    string `json:"chain"`
	Canister string `json:"canister"`
}

// StatsResponse exposes on-chain totals.
type StatsResponse struct {
	TotalMemories   uint64 `json:"total_memories"`
	SignerMemories  uint64 `json:"signer_memories"`
	SignerAddress   string `json:"signer_address"`
	ContractAddress string `json:"contract_address"`
}

// CacheSearchResponse wraps cache query results.
type CacheSearchResponse struct {
	Results    []chainlog.Record `json:"results"`
	NumResults int               `json:"num_results"`
	Source     string            `json:"source"`
}

// RefreshResponse reports a forced cache sync.
type RefreshResponse struct {
	Synced bool `json:"synced"`
	Added  int  `json:"added"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Detail  string `json:"detail"`
	Kind    string `json:"kind"`
	Backend string `json:"backend,omitempty"`
}
