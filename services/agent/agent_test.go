// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinic-labs/memory-agent/services/agent/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestApplyConfigDefaults_AllDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{})

	assert.Equal(t, 12400, cfg.Port)
	assert.Equal(t, "anthropic", cfg.LLMBackend)
	assert.Equal(t, 30*time.Second, cfg.CacheRefreshInterval)
	assert.Equal(t, gin.ReleaseMode, cfg.GinMode)
	assert.Equal(t, "dev", cfg.Version)
	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, middleware.DefaultInsertPerMinute, cfg.RateLimits.Insert)
	assert.Equal(t, middleware.DefaultSearchPerMinute, cfg.RateLimits.Search)
	assert.Equal(t, middleware.DefaultChatPerMinute, cfg.RateLimits.Chat)
	assert.Equal(t, middleware.DefaultRefreshPerMinute, cfg.RateLimits.Refresh)
}

func TestApplyConfigDefaults_PreservesCustomValues(t *testing.T) {
	cfg := applyConfigDefaults(Config{
		Port:                 8080,
		LLMBackend:           "openai",
		CacheRefreshInterval: time.Minute,
	})

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "openai", cfg.LLMBackend)
	assert.Equal(t, time.Minute, cfg.CacheRefreshInterval)
}

func TestApplyConfigDefaults_NegativeLimitDisables(t *testing.T) {
	cfg := applyConfigDefaults(Config{})
	cfgOff := Config{}
	cfgOff.RateLimits.Chat = -1
	cfgOff = applyConfigDefaults(cfgOff)

	assert.Positive(t, cfg.RateLimits.Chat)
	assert.Equal(t, -1, cfgOff.RateLimits.Chat, "negative budgets pass through untouched")
}

func TestValidateConfig_RejectsWildcardOriginWithKey(t *testing.T) {
	cfg := applyConfigDefaults(Config{
		APIKey:         "sekrit",
		AllowedOrigins: []string{"https://app.kinic.io", "*"},
	})
	require.Error(t, validateConfig(cfg))
}

func TestValidateConfig_AllowsWildcardWithoutKey(t *testing.T) {
	cfg := applyConfigDefaults(Config{AllowedOrigins: []string{"*"}})
	require.NoError(t, validateConfig(cfg))
}

func TestInitClients_FailsWithoutBackendConfig(t *testing.T) {
	cfg := applyConfigDefaults(Config{})
	s := &service{config: cfg, logger: cfg.Logger}

	err := s.initClients(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector client")
}
