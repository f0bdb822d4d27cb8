// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agent assembles the memory-agent gateway: the semantic store
// client, the audit-chain client, the LLM client, the read cache, and the
// HTTP surface that ties them together.
//
// # Usage
//
//	cfg := agent.Config{
//	    RPCURL:          "https://testnet-rpc.monad.xyz",
//	    SignerKey:       signerKey,
//	    ContractAddress: "0x...",
//	    CanisterID:      "aaaaa-aa",
//	    GatewayURL:      "https://gateway.kinic.io",
//	    EmbeddingURL:    "http://localhost:9100",
//	    IdentityPEM:     identityPEM,
//	    LLMAPIKey:       llmKey,
//	}
//	svc, err := agent.New(context.Background(), cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
	"github.com/kinic-labs/memory-agent/services/agent/datatypes"
	"github.com/kinic-labs/memory-agent/services/agent/middleware"
	"github.com/kinic-labs/memory-agent/services/agent/observability"
	"github.com/kinic-labs/memory-agent/services/agent/pipeline"
	"github.com/kinic-labs/memory-agent/services/agent/routes"
	"github.com/kinic-labs/memory-agent/services/chainlog"
	"github.com/kinic-labs/memory-agent/services/llm"
	"github.com/kinic-labs/memory-agent/services/vector"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the gateway lifecycle contract. Run blocks; Router exposes the
// configured engine for integration tests.
type Service interface {
	Run() error
	Router() *gin.Engine
	Close()
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds everything the gateway needs. Fields without a listed
// default are required.
type Config struct {
	// Port is the HTTP listen port. Default: 12400.
	Port int

	// APIKey guards the mutating endpoints. Empty disables admission
	// checks; intended for local development only.
	APIKey string

	// AllowedOrigins is the exact-match CORS allowlist. "*" is rejected
	// when APIKey is set.
	AllowedOrigins []string

	// RPCURL, SignerKey and ContractAddress configure the audit chain.
	RPCURL          string
	SignerKey       string
	ContractAddress string

	// CanisterID, GatewayURL, EmbeddingURL and IdentityPEM configure the
	// semantic store.
	CanisterID   string
	GatewayURL   string
	EmbeddingURL string
	IdentityPEM  string

	// LLMBackend selects the chat provider: "anthropic" (default) or
	// "openai".
	LLMBackend string
	LLMAPIKey  string
	LLMModel   string

	// LLMBaseURL overrides the provider endpoint, for tests and
	// compatible self-hosted gateways.
	LLMBaseURL string

	// RateLimits overrides the per-endpoint budgets. Zero fields take
	// the defaults; a negative field disables that limit.
	RateLimits routes.RateLimits

	// CacheRefreshInterval is the audit-cache sync period. Default: 30s.
	CacheRefreshInterval time.Duration

	// OTelEndpoint is the OTLP gRPC collector. Empty disables tracing
	// export.
	OTelEndpoint string

	// GinMode sets the framework mode. Default: release.
	GinMode string

	Version string
	Logger  *slog.Logger
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config Config
	logger *slog.Logger

	router   *gin.Engine
	vector   vector.Client
	chain    chainlog.Client
	llm      llm.Client
	cache    *chainlog.Cache
	pipeline *pipeline.Pipeline
	metrics  *observability.AgentMetrics

	tracerCleanup func(context.Context)
	cacheCancel   context.CancelFunc
}

var _ Service = (*service)(nil)

// New builds a ready-to-run service. It dials the audit chain eagerly so a
// bad RPC endpoint or signer key fails at startup, not on the first insert.
func New(ctx context.Context, cfg Config) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	s := &service{config: cfg, logger: cfg.Logger}

	cleanup, err := s.initTracer(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.metrics = observability.NewAgentMetrics()

	if err := s.initClients(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.pipeline = pipeline.New(s.vector, s.chain, s.llm, s.logger)
	s.pipeline.OnChainFailure(s.metrics.RecordChainFailure)

	s.cache = chainlog.NewCache(s.chain, cfg.CacheRefreshInterval, s.logger)
	s.cache.OnRefresh(func(total int) {
		s.metrics.CacheRecords.Set(float64(total))
	})
	cacheCtx, cancel := context.WithCancel(context.Background())
	s.cacheCancel = cancel
	go s.cache.Start(cacheCtx)

	s.initRouter()
	return s, nil
}

// Run starts the HTTP server and blocks until it stops.
func (s *service) Run() error {
	defer s.Close()

	s.logger.Info("starting memory agent",
		"port", s.config.Port,
		"llm_backend", s.config.LLMBackend,
		"contract", s.config.ContractAddress,
		"canister", s.config.CanisterID,
		"admission", s.config.APIKey != "")
	return s.router.Run(fmt.Sprintf(":%d", s.config.Port))
}

// Router returns the configured engine for integration tests.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close stops the cache loop and flushes the tracer. Safe to call more than
// once.
func (s *service) Close() {
	if s.cacheCancel != nil {
		s.cacheCancel()
		s.cacheCancel = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}

// =============================================================================
// Private Initialization
// =============================================================================

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12400
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "anthropic"
	}
	if cfg.CacheRefreshInterval == 0 {
		cfg.CacheRefreshInterval = 30 * time.Second
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	lim := &cfg.RateLimits
	if lim.Insert == 0 {
		lim.Insert = middleware.DefaultInsertPerMinute
	}
	if lim.Search == 0 {
		lim.Search = middleware.DefaultSearchPerMinute
	}
	if lim.Chat == 0 {
		lim.Chat = middleware.DefaultChatPerMinute
	}
	if lim.Refresh == 0 {
		lim.Refresh = middleware.DefaultRefreshPerMinute
	}
	return cfg
}

func validateConfig(cfg Config) error {
	if cfg.APIKey != "" {
		for _, origin := range cfg.AllowedOrigins {
			if origin == "*" {
				return apperr.New(apperr.KindInternal,
					"wildcard origin is not allowed when an api key is set")
			}
		}
	} else {
		cfg.Logger.Warn("no api key configured, admission checks are disabled")
	}
	return nil
}

func (s *service) initClients(ctx context.Context) error {
	var err error

	s.vector, err = vector.NewHTTP(vector.Config{
		CanisterID:   s.config.CanisterID,
		GatewayURL:   s.config.GatewayURL,
		EmbeddingURL: s.config.EmbeddingURL,
		IdentityPEM:  s.config.IdentityPEM,
		Logger:       s.logger,
	})
	if err != nil {
		return fmt.Errorf("initialize vector client: %w", err)
	}

	s.chain, err = chainlog.New(ctx, chainlog.Config{
		RPCURL:          s.config.RPCURL,
		SignerKey:       s.config.SignerKey,
		ContractAddress: s.config.ContractAddress,
		Logger:          s.logger,
	})
	if err != nil {
		return fmt.Errorf("initialize chain client: %w", err)
	}

	switch s.config.LLMBackend {
	case "anthropic", "claude":
		s.llm, err = llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:  s.config.LLMAPIKey,
			Model:   s.config.LLMModel,
			BaseURL: s.config.LLMBaseURL,
			Logger:  s.logger,
		})
	case "openai":
		s.llm, err = llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  s.config.LLMAPIKey,
			Model:   s.config.LLMModel,
			BaseURL: s.config.LLMBaseURL,
			Logger:  s.logger,
		})
	case "ollama":
		s.llm, err = llm.NewOllama(llm.OllamaConfig{
			BaseURL: s.config.LLMBaseURL,
			Model:   s.config.LLMModel,
			Logger:  s.logger,
		})
	default:
		return apperr.Newf(apperr.KindInternal,
			"unknown llm backend %q, want anthropic, openai, or ollama", s.config.LLMBackend)
	}
	if err != nil {
		return fmt.Errorf("initialize llm client: %w", err)
	}
	return nil
}

// initTracer wires the OTLP exporter when a collector endpoint is
// configured. Without one, the global no-op provider stays in place and
// span calls cost nothing.
func (s *service) initTracer(ctx context.Context) (func(context.Context), error) {
	if s.config.OTelEndpoint == "" {
		return nil, nil
	}

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("memory-agent")))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}
	return cleanup, nil
}

func (s *service) initRouter() {
	if err := datatypes.RegisterValidators(); err != nil {
		s.logger.Warn("custom validators unavailable", "error", err)
	}

	gin.SetMode(s.config.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("memory-agent"))
	s.router.Use(s.requestMetrics())

	routes.Setup(s.router, routes.Deps{
		Pipeline:        s.pipeline,
		Vector:          s.vector,
		Chain:           s.chain,
		Cache:           s.cache,
		APIKey:          s.config.APIKey,
		AllowedOrigins:  s.config.AllowedOrigins,
		Limits:          s.config.RateLimits,
		ContractAddress: s.config.ContractAddress,
		Version:         s.config.Version,
	})
}

// requestMetrics observes every finished request, including rate-limit
// rejections which only ever surface here as a 429 status.
func (s *service) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := c.Writer.Status()
		statusClass := strconv.Itoa(status/100) + "xx"
		s.metrics.RecordRequest(endpoint, statusClass, time.Since(start))
		if status == 429 {
			s.metrics.RateLimitRejections.WithLabelValues(endpoint).Inc()
		}
		if v, ok := c.Get(observability.ContextKeyBackendError); ok {
			if tagged, ok := v.(string); ok {
				if backend, kind, found := strings.Cut(tagged, "/"); found {
					s.metrics.RecordBackendError(backend, kind)
				}
			}
		}
	}
}
