// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chainlog

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
	"github.com/kinic-labs/memory-agent/pkg/scope"
)

const (
	defaultRefreshInterval = 30 * time.Second

	// hydrateConcurrency bounds parallel getMemory calls during refresh.
	hydrateConcurrency = 8
)

// Stats is the cache summary exposed by /monad/stats.
type Stats struct {
	Synced           bool   `json:"synced"`
	LastSync         string `json:"last_sync,omitempty"`
	TotalMemories    int    `json:"total_memories"`
	InsertOperations int    `json:"insert_operations"`
	SearchOperations int    `json:"search_operations"`
	UniqueTags       int    `json:"unique_tags"`
	UniqueUsers      int    `json:"unique_users"`
	MostActiveUser   string `json:"most_active_user,omitempty"`
}

// TagCount is one trending-tags entry.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Cache is an eventually consistent in-memory projection of the audit log.
// Records are held in ascending id order; readers always see a prefix of
// the chain (never record i+1 without record i). Refresh is the sole
// writer.
type Cache struct {
	client   Client
	interval time.Duration
	logger   *slog.Logger

	// refreshMu serializes whole refresh cycles. The background loop and
	// the manual refresh endpoint both call Refresh; without this, two
	// cycles can read the same projection length and append the same ids
	// twice.
	refreshMu sync.Mutex

	mu        sync.RWMutex
	records   []Record
	tagIndex  map[string][]int
	userIndex map[string][]int
	synced    bool
	lastSync  time.Time
	lastBlock uint64

	onRefresh func(total int)
}

// NewCache builds an unsynced cache. Call Refresh or Start to populate it.
func NewCache(client Client, interval time.Duration, logger *slog.Logger) *Cache {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		client:    client,
		interval:  interval,
		logger:    logger,
		tagIndex:  make(map[string][]int),
		userIndex: make(map[string][]int),
	}
}

// OnRefresh registers a callback fired after every successful refresh with
// the projection size. Register before Start.
func (c *Cache) OnRefresh(fn func(total int)) {
	c.onRefresh = fn
}

// Start runs the background refresh loop until ctx is cancelled. An initial
// refresh happens immediately.
func (c *Cache) Start(ctx context.Context) {
	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial cache sync failed", "error", err)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil {
				c.logger.Warn("cache refresh failed", "error", err)
			}
		}
	}
}

// Refresh pulls records appended since the last sync and merges them into
// the projection. New ids are discovered through MemoryLogged events with a
// getTotalMemories gap check as fallback; full records are hydrated via
// getMemory. Returns the number of records added.
func (c *Cache) Refresh(ctx context.Context) (int, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	total, err := c.client.GetTotal(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.RLock()
	have := uint64(len(c.records))
	fromBlock := c.lastBlock
	c.mu.RUnlock()

	if total <= have {
		c.markSynced()
		return 0, nil
	}

	maxBlock := c.scanEventBlocks(ctx, fromBlock)

	fresh, err := c.hydrate(ctx, have, total)
	if err != nil && len(fresh) == 0 {
		return 0, err
	}

	c.mu.Lock()
	for _, rec := range fresh {
		idx := len(c.records)
		c.records = append(c.records, rec)
		c.indexRecord(rec, idx)
	}
	if maxBlock > c.lastBlock {
		c.lastBlock = maxBlock
	}
	c.synced = true
	c.lastSync = time.Now()
	added := len(fresh)
	projected := len(c.records)
	c.mu.Unlock()

	if c.onRefresh != nil {
		c.onRefresh(projected)
	}
	c.logger.Info("cache refreshed", "added", added, "total", projected)
	return added, err
}

// scanEventBlocks advances the event cursor. Event data is advisory here;
// hydration reads authoritative records, the scan only tracks how far the
// log has been seen.
func (c *Cache) scanEventBlocks(ctx context.Context, fromBlock uint64) uint64 {
	events, err := c.client.ListEvents(ctx, fromBlock, 0)
	if err != nil {
		c.logger.Warn("event scan failed, using id gap only", "error", err)
		return 0
	}
	var maxBlock uint64
	for _, ev := range events {
		if ev.Block > maxBlock {
			maxBlock = ev.Block
		}
	}
	return maxBlock
}

// hydrate fetches records [have, total) concurrently and returns the
// longest contiguous prefix that fetched cleanly, preserving prefix
// consistency when individual reads fail.
func (c *Cache) hydrate(ctx context.Context, have, total uint64) ([]Record, error) {
	count := int(total - have)
	fetched := make([]*Record, count)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hydrateConcurrency)
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			rec, err := c.client.GetByID(gctx, have+uint64(i))
			if err != nil {
				return err
			}
			fetched[i] = &rec
			return nil
		})
	}
	err := g.Wait()

	var fresh []Record
	for _, rec := range fetched {
		if rec == nil {
			break
		}
		fresh = append(fresh, *rec)
	}
	return fresh, err
}

func (c *Cache) markSynced() {
	c.mu.Lock()
	c.synced = true
	c.lastSync = time.Now()
	c.mu.Unlock()
}

func (c *Cache) indexRecord(rec Record, idx int) {
	for _, tag := range strings.Split(strings.ToLower(rec.Tags), ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			c.tagIndex[tag] = append(c.tagIndex[tag], idx)
		}
	}
	user := strings.ToLower(rec.User)
	if user != "" {
		c.userIndex[user] = append(c.userIndex[user], idx)
	}
}

// Stats summarizes the projection.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.synced {
		return Stats{}
	}

	stats := Stats{
		Synced:        true,
		LastSync:      c.lastSync.UTC().Format(time.RFC3339),
		TotalMemories: len(c.records),
		UniqueTags:    len(c.tagIndex),
		UniqueUsers:   len(c.userIndex),
	}
	for _, rec := range c.records {
		if rec.OpType == OpInsert {
			stats.InsertOperations++
		} else {
			stats.SearchOperations++
		}
	}

	best := 0
	for user, ids := range c.userIndex {
		if len(ids) > best {
			best = len(ids)
			stats.MostActiveUser = user
		}
	}
	return stats
}

// SearchByTags matches records holding ANY of the comma-separated query
// tags, newest first. opType of nil means both kinds.
func (c *Cache) SearchByTags(query string, limit int, opType *uint8) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.synced {
		return nil
	}

	seen := make(map[int]struct{})
	var idxs []int
	for _, tag := range strings.Split(strings.ToLower(query), ",") {
		tag = strings.TrimSpace(tag)
		for _, idx := range c.tagIndex[tag] {
			if _, dup := seen[idx]; !dup {
				seen[idx] = struct{}{}
				idxs = append(idxs, idx)
			}
		}
	}

	sort.Sort(sort.Reverse(sort.IntSlice(idxs)))
	return c.collect(idxs, limit, opType)
}

// SearchByTitle is a case-insensitive substring match on titles, newest
// first.
func (c *Cache) SearchByTitle(query string, limit int, opType *uint8) []Record {
	return c.scan(limit, opType, func(rec Record) bool {
		return strings.Contains(strings.ToLower(rec.Title), strings.ToLower(query))
	})
}

// SearchBySummary is a case-insensitive substring match on summaries.
func (c *Cache) SearchBySummary(query string, limit int, opType *uint8) []Record {
	return c.scan(limit, opType, func(rec Record) bool {
		return strings.Contains(strings.ToLower(rec.Summary), strings.ToLower(query))
	})
}

// ByUser returns the signer's records, newest first.
func (c *Cache) ByUser(user string, limit int) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.synced {
		return nil
	}

	idxs := append([]int(nil), c.userIndex[strings.ToLower(user)]...)
	sort.Sort(sort.Reverse(sort.IntSlice(idxs)))
	return c.collect(idxs, limit, nil)
}

// Recent returns records by descending id.
func (c *Cache) Recent(limit int, opType *uint8) []Record {
	return c.scan(limit, opType, func(Record) bool { return true })
}

// TrendingTags ranks tags by frequency. Principal markers never surface;
// they are bookkeeping, not content.
func (c *Cache) TrendingTags(limit int) []TagCount {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.synced || limit <= 0 {
		return nil
	}

	counts := make([]TagCount, 0, len(c.tagIndex))
	for tag, idxs := range c.tagIndex {
		if strings.HasPrefix(tag, scope.ChainMarker) {
			continue
		}
		counts = append(counts, TagCount{Tag: tag, Count: len(idxs)})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Tag < counts[j].Tag
	})

	if len(counts) > limit {
		counts = counts[:limit]
	}
	return counts
}

// scan walks the projection newest-first under the read lock.
func (c *Cache) scan(limit int, opType *uint8, match func(Record) bool) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.synced || limit <= 0 {
		return nil
	}

	var out []Record
	for i := len(c.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := c.records[i]
		if opType != nil && rec.OpType != *opType {
			continue
		}
		if match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// collect resolves indices to records, applying limit and opType. Caller
// holds the read lock.
func (c *Cache) collect(idxs []int, limit int, opType *uint8) []Record {
	var out []Record
	for _, idx := range idxs {
		if limit > 0 && len(out) >= limit {
			break
		}
		rec := c.records[idx]
		if opType != nil && rec.OpType != *opType {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// RequireSynced returns an error suitable for endpoints that cannot serve
// before the first successful sync.
func (c *Cache) RequireSynced() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.synced {
		return apperr.New(apperr.KindRemoteUnavailable, "audit cache has not synced yet").
			WithBackend(backendName)
	}
	return nil
}
