// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
	"github.com/kinic-labs/memory-agent/services/agent/datatypes"
	"github.com/kinic-labs/memory-agent/services/agent/pipeline"
	"github.com/kinic-labs/memory-agent/services/agent/routes"
	"github.com/kinic-labs/memory-agent/services/chainlog"
	"github.com/kinic-labs/memory-agent/services/llm"
	"github.com/kinic-labs/memory-agent/services/vector"
)

func init() {
	gin.SetMode(gin.TestMode)
	if err := datatypes.RegisterValidators(); err != nil {
		panic(err)
	}
}

// --- Fakes ---

type fakeVector struct {
	hits      []vector.SearchHit
	insertErr error
	searchErr error
	healthErr error
}

func (f *fakeVector) Insert(ctx context.Context, tag, content string) (vector.InsertOutcome, error) {
	if f.insertErr != nil {
		return vector.InsertOutcome{}, f.insertErr
	}
	return vector.InsertOutcome{Stored: true, ID: "mem-1"}, nil
}

func (f *fakeVector) Search(ctx context.Context, query string, limit int) ([]vector.SearchHit, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if len(f.hits) > limit {
		return f.hits[:limit], nil
	}
	return f.hits, nil
}

func (f *fakeVector) Healthy(ctx context.Context) error { return f.healthErr }

type fakeChain struct {
	mu       sync.Mutex
	records  []chainlog.Record
	writeErr error
	readErr  error
}

func (f *fakeChain) WriteLog(ctx context.Context, opType uint8, title, summary, tags, fingerprint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return "", f.writeErr
	}
	f.records = append(f.records, chainlog.Record{
		ID:          uint64(len(f.records)),
		User:        f.Address(),
		OpType:      opType,
		Title:       title,
		Summary:     summary,
		Tags:        tags,
		ContentHash: fingerprint,
		Timestamp:   uint64(time.Now().Unix()),
	})
	return "0xdeadbeef", nil
}

func (f *fakeChain) GetTotal(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	return uint64(len(f.records)), nil
}

func (f *fakeChain) GetByID(ctx context.Context, id uint64) (chainlog.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return chainlog.Record{}, f.readErr
	}
	if id >= uint64(len(f.records)) {
		return chainlog.Record{}, apperr.New(apperr.KindBadRequest, "no such record")
	}
	return f.records[id], nil
}

func (f *fakeChain) ListEvents(ctx context.Context, fromBlock, toBlock uint64) ([]chainlog.Event, error) {
	return nil, nil
}

func (f *fakeChain) UserMemoryCount(ctx context.Context, user string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n uint64
	for _, rec := range f.records {
		if strings.EqualFold(rec.User, user) {
			n++
		}
	}
	return n, nil
}

func (f *fakeChain) Address() string { return "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" }

func (f *fakeChain) Healthy(ctx context.Context) error { return nil }

type fakeLLM struct {
	answer string
	err    error
}

func (f *fakeLLM) Chat(ctx context.Context, system, userMessage string, blocks []llm.ContextBlock) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

// --- Harness ---

type harness struct {
	router *gin.Engine
	vec    *fakeVector
	chain  *fakeChain
	cache  *chainlog.Cache
}

func newHarness(t *testing.T, apiKey string) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	vec := &fakeVector{hits: []vector.SearchHit{
		{Text: "cats are lovely", Score: 0.91, Tag: "userA|pets,cats"},
		{Text: "dogs are loyal", Score: 0.84, Tag: "userA|pets,dogs"},
	}}
	chain := &fakeChain{}
	p := pipeline.New(vec, chain, &fakeLLM{answer: "from memory: cats"}, logger)
	cache := chainlog.NewCache(chain, time.Hour, logger)

	router := gin.New()
	routes.Setup(router, routes.Deps{
		Pipeline:        p,
		Vector:          vec,
		Chain:           chain,
		Cache:           cache,
		APIKey:          apiKey,
		ContractAddress: "0xcccccccccccccccccccccccccccccccccccccccc",
		Version:         "test",
	})
	return &harness{router: router, vec: vec, chain: chain, cache: cache}
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// --- Insert ---

func TestInsertLogsToChain(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodPost, "/insert",
		`{"content":"cats are lovely","user_tags":"pets,cats","principal":"userA"}`)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[datatypes.InsertResponse](t, w)
	assert.True(t, resp.KinicResult.Stored)
	require.NotNil(t, resp.MonadTx)
	assert.Equal(t, "0xdeadbeef", *resp.MonadTx)
	assert.Equal(t, datatypes.ChainStatusLogged, resp.ChainStatus)

	require.Len(t, h.chain.records, 1)
	assert.Contains(t, h.chain.records[0].Tags, "principal:userA")
}

func TestInsertToleratesChainFailure(t *testing.T) {
	h := newHarness(t, "")
	h.chain.writeErr = apperr.New(apperr.KindRemoteUnavailable, "rpc down")

	w := h.do(http.MethodPost, "/insert", `{"content":"still durable"}`)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[datatypes.InsertResponse](t, w)
	assert.True(t, resp.KinicResult.Stored)
	assert.Nil(t, resp.MonadTx)
	assert.Equal(t, datatypes.ChainStatusFailed, resp.ChainStatus)
}

func TestInsertVectorFailureAborts(t *testing.T) {
	h := newHarness(t, "")
	h.vec.insertErr = apperr.New(apperr.KindRemoteUnavailable, "embedding service down").WithBackend("kinic")

	w := h.do(http.MethodPost, "/insert", `{"content":"never stored"}`)

	require.Equal(t, http.StatusBadGateway, w.Code)
	resp := decode[datatypes.ErrorResponse](t, w)
	assert.Equal(t, "KindRemoteUnavailable", resp.Kind)
	assert.Equal(t, "kinic", resp.Backend)
	assert.Empty(t, h.chain.records, "no audit record for a failed insert")
}

func TestInsertRejectsMissingContent(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodPost, "/insert", `{"user_tags":"pets"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInsertRejectsBadPrincipal(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodPost, "/insert", `{"content":"x","principal":"has|separator"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInsertRejectsMalformedJSON(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodPost, "/insert", `{"content":`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[datatypes.ErrorResponse](t, w)
	assert.Equal(t, "KindBadRequest", resp.Kind)
}

// --- Search ---

func TestSearchReturnsScopedHits(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodPost, "/search", `{"query":"pets","principal":"userA"}`)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[datatypes.SearchResponse](t, w)
	assert.Equal(t, 2, resp.NumResults)
	require.NotNil(t, resp.MonadTx)

	require.Len(t, h.chain.records, 1)
	assert.Equal(t, chainlog.OpSearch, h.chain.records[0].OpType)
	assert.Equal(t, "SEARCH: pets", h.chain.records[0].Title)
}

func TestSearchFiltersForeignPrincipal(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodPost, "/search", `{"query":"pets","principal":"userB"}`)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[datatypes.SearchResponse](t, w)
	assert.Zero(t, resp.NumResults)
}

func TestSearchRejectsZeroTopK(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodPost, "/search", `{"query":"pets","top_k":0}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchRejectsOversizedTopK(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodPost, "/search", `{"query":"pets","top_k":51}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Chat ---

func TestChatAnswersWithMemories(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodPost, "/chat", `{"message":"what pets do I like?","principal":"userA"}`)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[datatypes.ChatResponse](t, w)
	assert.Equal(t, "from memory: cats", resp.Response)
	assert.Equal(t, 2, resp.NumMemories)
	require.NotNil(t, resp.MonadTx)

	require.Len(t, h.chain.records, 1)
	assert.Equal(t, chainlog.OpInsert, h.chain.records[0].OpType)
}

func TestChatRejectsMissingMessage(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodPost, "/chat", `{"top_k":3}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Admission ---

func TestAPIKeyGuardsMutatingEndpoints(t *testing.T) {
	h := newHarness(t, "sekrit")

	w := h.do(http.MethodPost, "/insert", `{"content":"x"}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/insert", strings.NewReader(`{"content":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "sekrit")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadEndpointsStayOpen(t *testing.T) {
	h := newHarness(t, "sekrit")
	for _, path := range []string{"/", "/health", "/stats", "/monad/stats"} {
		w := h.do(http.MethodGet, path, "")
		assert.NotEqual(t, http.StatusUnauthorized, w.Code, path)
	}
}

// --- System ---

func TestRootIdentifiesService(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kinic-memory-agent")
}

func TestHealthReportsOK(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[datatypes.HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Vector)
	assert.Equal(t, "ok", resp.Chain)
}

func TestHealthReportsDegradedVector(t *testing.T) {
	h := newHarness(t, "")
	h.vec.healthErr = apperr.New(apperr.KindRemoteUnavailable, "embedding service down")

	w := h.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[datatypes.HealthResponse](t, w)
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Vector, "degraded")
	assert.Equal(t, "ok", resp.Chain)
}

func TestHealthUninitialized(t *testing.T) {
	router := gin.New()
	routes.Setup(router, routes.Deps{Version: "test"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp datatypes.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "uninitialized", resp.Status)
}

func TestStatsCountsSignerRecords(t *testing.T) {
	h := newHarness(t, "")
	h.do(http.MethodPost, "/insert", `{"content":"one"}`)
	h.do(http.MethodPost, "/insert", `{"content":"two"}`)

	w := h.do(http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[datatypes.StatsResponse](t, w)
	assert.Equal(t, uint64(2), resp.TotalMemories)
	assert.Equal(t, uint64(2), resp.SignerMemories)
	assert.Equal(t, h.chain.Address(), resp.SignerAddress)
}

// --- Audit cache ---

func seedCache(t *testing.T, h *harness) {
	t.Helper()
	h.do(http.MethodPost, "/insert", `{"content":"cats are lovely","user_tags":"pets,cats","principal":"userA"}`)
	h.do(http.MethodPost, "/search", `{"query":"pets","principal":"userA"}`)
	_, err := h.cache.Refresh(context.Background())
	require.NoError(t, err)
}

func TestCacheSearchByTags(t *testing.T) {
	h := newHarness(t, "")
	seedCache(t, h)

	w := h.do(http.MethodPost, "/monad/search", `{"tags":"pets"}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[datatypes.CacheSearchResponse](t, w)
	assert.Equal(t, "cache", resp.Source)
	assert.Equal(t, 2, resp.NumResults)
}

func TestCacheSearchRequiresCriterion(t *testing.T) {
	h := newHarness(t, "")
	seedCache(t, h)

	w := h.do(http.MethodPost, "/monad/search", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "one of tags, title, summary, or user")
}

func TestCacheRecentFiltersOpType(t *testing.T) {
	h := newHarness(t, "")
	seedCache(t, h)

	w := h.do(http.MethodGet, "/monad/recent?op_type=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Results    []chainlog.Record `json:"results"`
		NumResults int               `json:"num_results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.NumResults)
	assert.Equal(t, chainlog.OpSearch, resp.Results[0].OpType)
}

func TestCacheRecentRejectsBadOpType(t *testing.T) {
	h := newHarness(t, "")
	seedCache(t, h)

	w := h.do(http.MethodGet, "/monad/recent?op_type=7", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCacheReadsRejectBeforeFirstSync(t *testing.T) {
	h := newHarness(t, "")

	for _, probe := range []struct{ method, path, body string }{
		{http.MethodGet, "/monad/recent", ""},
		{http.MethodGet, "/monad/trending", ""},
		{http.MethodPost, "/monad/search", `{"tags":"pets"}`},
	} {
		w := h.do(probe.method, probe.path, probe.body)
		assert.Equal(t, http.StatusBadGateway, w.Code, probe.path)
	}
}

func TestTrendingSkipsPrincipalMarker(t *testing.T) {
	h := newHarness(t, "")
	seedCache(t, h)

	w := h.do(http.MethodGet, "/monad/trending", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "pets")
	assert.NotContains(t, body, "principal:userA")
}

func TestRefreshReportsAdded(t *testing.T) {
	h := newHarness(t, "")
	h.do(http.MethodPost, "/insert", `{"content":"one"}`)

	w := h.do(http.MethodPost, "/monad/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[datatypes.RefreshResponse](t, w)
	assert.True(t, resp.Synced)
	assert.Equal(t, 1, resp.Added)
}

func TestCacheStatsBeforeSync(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodGet, "/monad/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
}
