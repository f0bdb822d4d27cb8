// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kinic-labs/memory-agent/pkg/credentials"
	"github.com/kinic-labs/memory-agent/pkg/logging"
	"github.com/kinic-labs/memory-agent/services/agent"
	"github.com/kinic-labs/memory-agent/services/agent/routes"
)

// runServe wires config from the environment and runs the gateway until
// the server exits.
//
// # Environment Variables
//
//   - AGENT_PORT: HTTP listen port (default 12400)
//   - AGENT_API_KEY: admission key for mutating endpoints (optional)
//   - AGENT_ALLOWED_ORIGINS: comma-separated exact CORS origins
//   - MONAD_RPC_URL: Monad JSON-RPC endpoint
//   - MONAD_SIGNER_KEY: hex signer key for audit writes (secret)
//   - MEMORY_CONTRACT_ADDRESS: audit contract address
//   - KINIC_CANISTER_ID: memory canister principal
//   - KINIC_GATEWAY_URL: canister HTTP gateway
//   - KINIC_EMBEDDING_URL: embedding service base URL
//   - KINIC_IDENTITY_PEM / KINIC_IDENTITY_PEM_FILE: caller identity key (secret)
//   - LLM_BACKEND_TYPE: anthropic (default), openai, or ollama
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: provider key for the chosen backend (secret)
//   - LLM_MODEL, LLM_BASE_URL: provider overrides (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: trace collector (optional)
//   - CACHE_REFRESH_INTERVAL: audit-cache sync period, e.g. 30s
//
// Secrets resolve through the environment first, then /run/secrets.
func runServe(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	logger, closeLogs := logging.New(logging.Config{
		Level:   parseLogLevel(logLevel),
		Service: "agent",
		JSON:    logJSON,
		LogDir:  logDir,
	})
	defer closeLogs()
	slog.SetDefault(logger)
	defer credentials.Purge()

	signerKey, err := credentials.Load("MONAD_SIGNER_KEY").Reveal()
	if err != nil {
		return fmt.Errorf("signer key: %w", err)
	}
	identityPEM, err := loadIdentityPEM()
	if err != nil {
		return err
	}

	backend := getEnvString("LLM_BACKEND_TYPE", "anthropic")
	var llmKey string
	if keyVar := llmKeyVar(backend); keyVar != "" {
		llmKey, err = credentials.Load(keyVar).Reveal()
		if err != nil {
			return fmt.Errorf("llm api key (%s): %w", keyVar, err)
		}
	}

	cfg := agent.Config{
		Port:                 port,
		APIKey:               credentials.Lookup("AGENT_API_KEY"),
		AllowedOrigins:       splitOrigins(os.Getenv("AGENT_ALLOWED_ORIGINS")),
		RPCURL:               getEnvString("MONAD_RPC_URL", "https://testnet-rpc.monad.xyz"),
		SignerKey:            signerKey,
		ContractAddress:      os.Getenv("MEMORY_CONTRACT_ADDRESS"),
		CanisterID:           os.Getenv("KINIC_CANISTER_ID"),
		GatewayURL:           os.Getenv("KINIC_GATEWAY_URL"),
		EmbeddingURL:         os.Getenv("KINIC_EMBEDDING_URL"),
		IdentityPEM:          identityPEM,
		LLMBackend:           backend,
		LLMAPIKey:            llmKey,
		LLMModel:             os.Getenv("LLM_MODEL"),
		LLMBaseURL:           os.Getenv("LLM_BASE_URL"),
		RateLimits:           rateLimitsFromEnv(),
		CacheRefreshInterval: getEnvDuration("CACHE_REFRESH_INTERVAL", 0),
		OTelEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Version:              version,
		Logger:               logger,
	}
	if cfg.Port == 0 {
		cfg.Port = getEnvInt("AGENT_PORT", 0)
	}

	svc, err := agent.New(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("initialize agent: %w", err)
	}
	return svc.Run()
}

// loadIdentityPEM prefers an inline secret, then a key file. The vector
// client rejects an empty or malformed key at startup.
func loadIdentityPEM() (string, error) {
	if sec := credentials.Load("KINIC_IDENTITY_PEM"); sec.IsSet() {
		return sec.Reveal()
	}
	if path := os.Getenv("KINIC_IDENTITY_PEM_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read identity key file: %w", err)
		}
		return string(data), nil
	}
	return "", nil
}

// llmKeyVar maps a backend to its key variable. Ollama is keyless.
func llmKeyVar(backend string) string {
	switch backend {
	case "openai":
		return "OPENAI_API_KEY"
	case "ollama":
		return ""
	default:
		return "ANTHROPIC_API_KEY"
	}
}

func rateLimitsFromEnv() routes.RateLimits {
	return routes.RateLimits{
		Insert:  getEnvInt("RATE_LIMIT_INSERT", 0),
		Search:  getEnvInt("RATE_LIMIT_SEARCH", 0),
		Chat:    getEnvInt("RATE_LIMIT_CHAT", 0),
		Refresh: getEnvInt("RATE_LIMIT_REFRESH", 0),
	}
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	var origins []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
