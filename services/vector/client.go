// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vector wraps the remote semantic-search canister.
//
// The canister speaks an opaque insert/search RPC through its HTTP gateway.
// Embeddings come from a separate embedding service; the canister only ever
// sees vectors plus the tagged text "scopedTag: content". The client never
// filters hits by principal, that belongs to the scope post-filter.
package vector

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
)

var tracer = otel.Tracer("services/vector")

const (
	// MaxInsertBytes bounds the content accepted by Insert.
	MaxInsertBytes = 100 * 1024

	defaultTimeout = 8 * time.Second

	backendName = "kinic"
)

// Client is the canister surface the pipeline depends on.
type Client interface {
	// Insert embeds content and stores it under the scoped tag.
	Insert(ctx context.Context, tag, content string) (InsertOutcome, error)

	// Search embeds the query and returns up to limit raw hits. Hits carry
	// their full scoped tag; callers apply ownership filtering.
	Search(ctx context.Context, query string, limit int) ([]SearchHit, error)

	// Healthy probes the embedding service.
	Healthy(ctx context.Context) error
}

// InsertOutcome reports canister acceptance. ID is the canister-assigned
// memory identifier, present only when Stored is true.
type InsertOutcome struct {
	Stored bool   `json:"stored"`
	ID     string `json:"id,omitempty"`
}

// SearchHit is one raw canister result. Tag is the scoped tag exactly as
// stored; Score is canister relevance in [0,1].
type SearchHit struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
	Tag   string  `json:"tag"`
}

// Config for the HTTP client. CanisterID, GatewayURL, EmbeddingURL and
// IdentityPEM are required.
type Config struct {
	// CanisterID is the principal of the memory canister.
	CanisterID string

	// GatewayURL is the canister HTTP gateway base URL.
	GatewayURL string

	// EmbeddingURL is the embedding service base URL.
	EmbeddingURL string

	// IdentityPEM holds the caller identity key (EC or PKCS#8 PEM).
	IdentityPEM string

	// Timeout bounds each remote call. Default 8s.
	Timeout time.Duration

	Logger *slog.Logger
}

// HTTPClient talks to the canister gateway and the embedding service. Safe
// for concurrent use.
type HTTPClient struct {
	canisterID   string
	gatewayURL   string
	embeddingURL string
	identity     *ecdsa.PrivateKey
	identityHex  string
	httpClient   *http.Client
	logger       *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTP builds the client. It fails when the identity PEM does not parse:
// a silently regenerated identity would scatter inserts across principals,
// so a bad key is a startup error, never a fallback.
func NewHTTP(cfg Config) (*HTTPClient, error) {
	if cfg.CanisterID == "" || cfg.GatewayURL == "" || cfg.EmbeddingURL == "" {
		return nil, apperr.New(apperr.KindInternal,
			"vector client requires canister id, gateway url, and embedding url")
	}

	key, err := parseIdentityPEM(cfg.IdentityPEM)
	if err != nil {
		return nil, err
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, backendName, err, "encode identity public key")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		canisterID:   cfg.CanisterID,
		gatewayURL:   strings.TrimRight(cfg.GatewayURL, "/"),
		embeddingURL: strings.TrimRight(cfg.EmbeddingURL, "/"),
		identity:     key,
		identityHex:  hex.EncodeToString(pub),
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger,
	}, nil
}

func parseIdentityPEM(pemData string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, apperr.New(apperr.KindInternal, "identity PEM contains no key block")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, backendName, err, "parse identity PEM")
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, apperr.New(apperr.KindInternal, "identity PEM is not an EC key")
	}
	return key, nil
}

type insertRequest struct {
	Embedding  []float32 `json:"embedding"`
	TaggedText string    `json:"tagged_text"`
}

type insertResponse struct {
	MemoryID *uint32 `json:"memory_id"`
	Error    string  `json:"error,omitempty"`
}

type searchRequest struct {
	Embedding []float32 `json:"embedding"`
	Limit     int       `json:"limit"`
}

type searchResponse struct {
	Results []struct {
		Score float32 `json:"score"`
		Text  string  `json:"text"`
	} `json:"results"`
}

// Insert embeds content, prepends the scoped tag, and stores the pair.
func (c *HTTPClient) Insert(ctx context.Context, tag, content string) (InsertOutcome, error) {
	ctx, span := tracer.Start(ctx, "vector.insert")
	defer span.End()

	if tag == "" {
		return InsertOutcome{}, apperr.New(apperr.KindBadRequest, "tag must not be empty")
	}
	if len(content) > MaxInsertBytes {
		return InsertOutcome{}, apperr.Newf(apperr.KindPayloadTooLarge,
			"content is %d bytes, limit %d", len(content), MaxInsertBytes)
	}

	embedding, err := c.embed(ctx, content)
	if err != nil {
		return InsertOutcome{}, err
	}
	span.SetAttributes(attribute.Int("embedding.dim", len(embedding)))

	taggedText := tag + ": " + content
	var out insertResponse
	if err := c.callCanister(ctx, "insert", insertRequest{
		Embedding:  embedding,
		TaggedText: taggedText,
	}, &out); err != nil {
		return InsertOutcome{}, err
	}

	if out.MemoryID == nil {
		reason := out.Error
		if reason == "" {
			reason = "canister did not assign a memory id"
		}
		return InsertOutcome{Stored: false},
			apperr.New(apperr.KindRemoteRejected, reason).WithBackend(backendName)
	}

	c.logger.Info("vector insert stored",
		"memory_id", *out.MemoryID,
		"embedding_dim", len(embedding),
	)
	return InsertOutcome{Stored: true, ID: fmt.Sprintf("%d", *out.MemoryID)}, nil
}

// Search embeds the query and returns up to limit raw hits with their
// scoped tags split off the stored text.
func (c *HTTPClient) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	ctx, span := tracer.Start(ctx, "vector.search")
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, apperr.New(apperr.KindBadRequest, "query must not be empty")
	}

	embedding, err := c.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	var out searchResponse
	if err := c.callCanister(ctx, "search", searchRequest{
		Embedding: embedding,
		Limit:     limit,
	}, &out); err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(out.Results))
	for _, r := range out.Results {
		tag, text := splitTaggedText(r.Text)
		hits = append(hits, SearchHit{Text: text, Score: float64(r.Score), Tag: tag})
		if len(hits) >= limit {
			break
		}
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

// Healthy probes the embedding service root. The canister gateway has no
// cheap probe, so embedding reachability stands in for the whole path.
func (c *HTTPClient) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.embeddingURL+"/health", nil)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, backendName, err, "build health request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(ctx, err, "embedding service unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return apperr.Newf(apperr.KindRemoteUnavailable,
			"embedding service unhealthy: status %d", resp.StatusCode).WithBackend(backendName)
	}
	return nil
}

// embed fetches the late-chunking embedding and returns the first chunk
// vector. The service returns one vector per input at our content sizes.
func (c *HTTPClient) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "vector.embed")
	defer span.End()

	body, err := json.Marshal(map[string]string{"markdown": text})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, backendName, err, "encode embedding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.embeddingURL+"/late-chunking", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, backendName, err, "build embedding request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err, "embedding service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, "embedding service")
	}

	var decoded struct {
		Chunks []struct {
			Sentence  string    `json:"sentence"`
			Embedding []float32 `json:"embedding"`
		} `json:"chunks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, apperr.Wrap(apperr.KindRemoteRejected, backendName, err, "decode embedding response")
	}

	for _, chunk := range decoded.Chunks {
		if len(chunk.Embedding) > 0 {
			return chunk.Embedding, nil
		}
	}
	return nil, apperr.New(apperr.KindRemoteRejected,
		"embedding service returned no vectors").WithBackend(backendName)
}

// callCanister posts a signed JSON request to the gateway. Every call
// carries the long-lived identity; the gateway verifies the signature over
// the body digest.
func (c *HTTPClient) callCanister(ctx context.Context, method string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, backendName, err, "encode canister request")
	}

	url := fmt.Sprintf("%s/canister/%s/%s", c.gatewayURL, c.canisterID, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, backendName, err, "build canister request")
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.signRequest(req, body); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(ctx, err, "canister gateway unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.New(apperr.KindRemoteRejected, "canister rejected caller identity").
			WithBackend(backendName)
	case resp.StatusCode != http.StatusOK:
		return c.statusError(resp, "canister")
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.KindRemoteRejected, backendName, err, "decode canister response")
	}
	return nil
}

func (c *HTTPClient) signRequest(req *http.Request, body []byte) error {
	digest := sha256.Sum256(body)
	sig, err := ecdsa.SignASN1(rand.Reader, c.identity, digest[:])
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, backendName, err, "sign canister request")
	}
	req.Header.Set("X-Identity-Key", c.identityHex)
	req.Header.Set("X-Identity-Signature", hex.EncodeToString(sig))
	return nil
}

func (c *HTTPClient) transportError(ctx context.Context, err error, reason string) error {
	if ctx.Err() != nil {
		return apperr.FromContext(ctx, backendName)
	}
	return apperr.Wrap(apperr.KindRemoteUnavailable, backendName, err, reason)
}

func (c *HTTPClient) statusError(resp *http.Response, what string) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	kind := apperr.KindRemoteRejected
	if resp.StatusCode >= 500 {
		kind = apperr.KindRemoteUnavailable
	}
	return apperr.Newf(kind, "%s returned status %d: %s",
		what, resp.StatusCode, strings.TrimSpace(string(snippet))).WithBackend(backendName)
}

// splitTaggedText undoes the "tag: content" storage encoding. Text without
// a colon is untagged legacy data.
func splitTaggedText(stored string) (tag, text string) {
	if before, after, found := strings.Cut(stored, ":"); found {
		return strings.TrimSpace(before), strings.TrimSpace(after)
	}
	return "", stored
}
