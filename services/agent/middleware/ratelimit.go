// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
)

// Default per-source-address budgets, requests per minute.
const (
	DefaultInsertPerMinute  = 20
	DefaultSearchPerMinute  = 30
	DefaultChatPerMinute    = 10
	DefaultRefreshPerMinute = 5
)

// limiterShards spreads per-IP state so hot paths do not contend on one
// mutex.
const limiterShards = 16

// staleAfter is how long an idle source keeps its bucket.
const staleAfter = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterShard struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// RateLimiter hands out token buckets per source address for one endpoint
// class. Zero perMinute means unlimited.
type RateLimiter struct {
	perMinute int
	shards    [limiterShards]*limiterShard
}

// NewRateLimiter builds a limiter issuing perMinute tokens with a burst of
// the same size.
func NewRateLimiter(perMinute int) *RateLimiter {
	rl := &RateLimiter{perMinute: perMinute}
	for i := range rl.shards {
		rl.shards[i] = &limiterShard{entries: make(map[string]*limiterEntry)}
	}
	return rl
}

// Middleware rejects with 429 once the source's bucket is empty.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.perMinute <= 0 {
			c.Next()
			return
		}
		if !rl.allow(c.ClientIP()) {
			AbortWithError(c, apperr.New(apperr.KindRateLimited, "rate limit exceeded"))
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) allow(source string) bool {
	shard := rl.shards[fnv32(source)%limiterShards]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[source]
	if !ok {
		// lastSeen must be set before the eviction sweep runs, or the
		// zero time marks the fresh entry itself as stale.
		entry = &limiterEntry{
			limiter:  rate.NewLimiter(rate.Limit(rl.perMinute)/60, rl.perMinute),
			lastSeen: time.Now(),
		}
		shard.entries[source] = entry
		shard.evictStaleLocked()
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// evictStaleLocked drops idle sources. Runs opportunistically on inserts so
// no background goroutine is needed.
func (s *limiterShard) evictStaleLocked() {
	cutoff := time.Now().Add(-staleAfter)
	for source, entry := range s.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(s.entries, source)
		}
	}
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
