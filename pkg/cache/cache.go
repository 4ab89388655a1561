// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache is the in-memory query cache: a key-addressed store of
// server-fetched results with freshness tracking, deduplicated loads,
// stale-while-revalidate, optimistic group writes, and reactive
// subscriptions.
//
// At most one loader is ever in flight per key; concurrent fetches attach
// to the same operation and observe the same result or the same error.
// Components never mutate a cached payload in place — every write goes
// through a Cache operation.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/entsync/pkg/keys"
	"github.com/AleutianAI/entsync/pkg/record"
)

// FetchError is a loader failure during fetch. The entry keeps its last
// known good value; callers may retry.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// subscription is one observer of a key.
type subscription struct {
	loader Loader
	notify func(Entry)
}

// Cache is the query cache.
//
// Thread Safety: safe for concurrent use. RWMutex guards the entry map;
// singleflight deduplicates loads per key.
type Cache struct {
	router  *keys.Router
	opts    Options
	mu      sync.RWMutex
	entries map[string]*entry
	subs    map[string]map[int]*subscription
	nextSub int
	flight  singleflight.Group

	stopCh   chan struct{}
	doneCh   chan struct{}
	startGC  sync.Once
	stopOnce sync.Once

	// Stats
	hits          int64
	misses        int64
	staleServed   int64
	refetches     int64
	invalidations int64
	optimistic    int64
	rollbacks     int64
	evictions     int64
}

// New creates a Cache. The janitor is not running until Start is called.
func New(router *keys.Router, opts ...Option) *Cache {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Cache{
		router:  router,
		opts:    options,
		entries: make(map[string]*entry),
		subs:    make(map[string]map[int]*subscription),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Router returns the key router the cache stamps deadlines with.
func (c *Cache) Router() *keys.Router {
	return c.router
}

// Get returns the current entry for a key, if any. Never blocks, never
// triggers a load.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Fetch returns the cached value for a key, loading it when needed.
//
// Fresh entries return immediately with no loader call. Entries with a
// value that are stale (or in error) return the old value synchronously
// and trigger exactly one background revalidation. Absent entries (or
// error entries with no value) block on the loader. Concurrent calls for
// one key share a single loader invocation.
func (c *Cache) Fetch(ctx context.Context, key string, loader Loader) (any, error) {
	ctx, span := tracer.Start(ctx, "cache.Fetch",
		trace.WithAttributes(attribute.String("cache.key", key)),
	)
	defer span.End()

	now := time.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	var cur Entry
	if ok {
		cur = e.Entry
	}
	c.mu.RUnlock()

	if ok && cur.HasValue() {
		if cur.Status == StatusFresh && !cur.ExpiredAt(now) {
			atomic.AddInt64(&c.hits, 1)
			fetchTotal.WithLabelValues(outcomeHit).Inc()
			span.SetAttributes(attribute.String("cache.outcome", outcomeHit))
			return cur.Value, nil
		}

		// Pending local writes win until their mutation resolves; do not
		// clobber them with a revalidation.
		atomic.AddInt64(&c.staleServed, 1)
		fetchTotal.WithLabelValues(outcomeStale).Inc()
		span.SetAttributes(attribute.String("cache.outcome", outcomeStale))
		if cur.Status != StatusOptimistic && cur.Status != StatusFetching {
			c.refetchAsync(key, loader)
		}
		return cur.Value, nil
	}

	atomic.AddInt64(&c.misses, 1)
	fetchTotal.WithLabelValues(outcomeMiss).Inc()
	span.SetAttributes(attribute.String("cache.outcome", outcomeMiss))

	v, err := c.load(ctx, key, loader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "loader failed")
		return nil, err
	}
	return v, nil
}

// load runs the loader through singleflight and stores the result.
func (c *Cache) load(ctx context.Context, key string, loader Loader) (any, error) {
	v, err, _ := c.flight.Do(key, func() (any, error) {
		startGen := c.markFetching(key)

		start := time.Now()
		v, err := loader(ctx)
		loaderDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			loaderFailures.Inc()
			c.markError(key, err, startGen)
			return nil, err
		}
		c.storeLoaded(key, v, startGen)
		return v, nil
	})
	if err != nil {
		return nil, &FetchError{Key: key, Err: err}
	}
	return v, nil
}

// refetchAsync revalidates a key in the background. The revalidation is
// detached from the caller's context: an unmounting component must not
// cancel a refresh other observers still want.
func (c *Cache) refetchAsync(key string, loader Loader) {
	atomic.AddInt64(&c.refetches, 1)
	ctx := context.WithoutCancel(context.Background())
	go func() {
		if _, err := c.load(ctx, key, loader); err != nil {
			// Last known good value stays visible; the retained error is
			// observable on the entry.
			c.opts.Logger.Warn("background revalidation failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// markFetching transitions a key to StatusFetching, creating the entry if
// needed, and returns the generation the loader raced from.
func (c *Cache) markFetching(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{Entry: Entry{Key: key}}
		c.entries[key] = e
	}
	if e.Status != StatusOptimistic {
		e.Status = StatusFetching
	}
	return e.gen
}

// storeLoaded applies a loader result unless the entry changed under the
// loader (optimistic write or invalidation bumped the generation), in
// which case the result is discarded.
func (c *Cache) storeLoaded(key string, v any, startGen uint64) {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.gen != startGen {
		c.mu.Unlock()
		return
	}
	e.Value = v
	e.FetchedAt = now
	e.StaleAfter = c.router.StaleAfter(key, now)
	e.Status = StatusFresh
	e.Err = nil
	e.gen++
	snapshot := e.Entry
	c.mu.Unlock()

	c.persist(snapshot)
	c.notify(snapshot)
}

// markError retains a loader failure. A previous value stays visible.
func (c *Cache) markError(key string, err error, startGen uint64) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.gen != startGen {
		c.mu.Unlock()
		return
	}
	e.Status = StatusError
	e.Err = err
	snapshot := e.Entry
	c.mu.Unlock()

	c.notify(snapshot)
}

// Put stores a server-confirmed value, stamping it fresh. Used for
// sub-resources delivered alongside a primary response.
func (c *Cache) Put(key string, v any) {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{Entry: Entry{Key: key}}
		c.entries[key] = e
	}
	e.Value = v
	e.FetchedAt = now
	e.StaleAfter = c.router.StaleAfter(key, now)
	e.Status = StatusFresh
	e.Err = nil
	e.gen++
	snapshot := e.Entry
	c.mu.Unlock()

	c.persist(snapshot)
	c.notify(snapshot)
}

// PutHydrated seeds an entry from durable storage at startup.
//
// Hydrated entries are marked stale unless the store vouched for them
// (syncedAt inside the grace window), so the first access revalidates
// instead of trusting disk indefinitely. Existing in-memory entries are
// never clobbered.
func (c *Cache) PutHydrated(key string, v any, fetchedAt, staleAfter time.Time, fresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return
	}
	status := StatusStale
	if fresh {
		status = StatusFresh
	}
	c.entries[key] = &entry{Entry: Entry{
		Key:        key,
		Value:      v,
		FetchedAt:  fetchedAt,
		StaleAfter: staleAfter,
		Status:     status,
	}}
}

// MergeReference upserts fields into an entity type's reference map.
// Previously cached reference entries absent from src are preserved.
func (c *Cache) MergeReference(entityType string, src record.Record) {
	if len(src) == 0 {
		return
	}
	key := keys.Reference(entityType)
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{Entry: Entry{Key: key}}
		c.entries[key] = e
	}
	cur, _ := record.NormalizeRecord(e.Value)
	e.Value = record.Merge(record.Clone(cur), src)
	e.FetchedAt = now
	e.StaleAfter = c.router.StaleAfter(key, now)
	e.Status = StatusFresh
	e.Err = nil
	e.gen++
	snapshot := e.Entry
	c.mu.Unlock()

	c.persist(snapshot)
	c.notify(snapshot)
}

// DropReference removes one id from an entity type's reference map,
// for server-confirmed deletes.
func (c *Cache) DropReference(entityType, id string) {
	key := keys.Reference(entityType)

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	cur, isMap := record.NormalizeRecord(e.Value)
	if !isMap {
		c.mu.Unlock()
		return
	}
	next := record.Clone(cur)
	delete(next, id)
	e.Value = next
	e.gen++
	snapshot := e.Entry
	c.mu.Unlock()

	c.persist(snapshot)
	c.notify(snapshot)
}

// Invalidate marks one entry stale. If the key has subscribers with a
// loader, a revalidation starts immediately; otherwise the refetch is
// deferred to the next access. Returns whether an entry existed.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	e.Status = StatusStale
	e.gen++
	snapshot := e.Entry
	loader := c.subscribedLoaderLocked(key)
	c.mu.Unlock()

	atomic.AddInt64(&c.invalidations, 1)
	invalidationsTotal.Inc()

	if loader != nil {
		c.refetchAsync(key, loader)
	}
	c.notify(snapshot)
	return true
}

// InvalidateWhere marks every matching entry stale and returns how many
// matched. Subscribed keys revalidate immediately.
func (c *Cache) InvalidateWhere(pred func(key string) bool) int {
	type hit struct {
		snapshot Entry
		loader   Loader
	}

	c.mu.Lock()
	var hits []hit
	for key, e := range c.entries {
		if !pred(key) {
			continue
		}
		e.Status = StatusStale
		e.gen++
		hits = append(hits, hit{snapshot: e.Entry, loader: c.subscribedLoaderLocked(key)})
	}
	c.mu.Unlock()

	for _, h := range hits {
		atomic.AddInt64(&c.invalidations, 1)
		invalidationsTotal.Inc()
		if h.loader != nil {
			c.refetchAsync(h.snapshot.Key, h.loader)
		}
		c.notify(h.snapshot)
	}
	return len(hits)
}

// ApplyOptimistic applies a group of writes atomically under one lock,
// marking every touched entry StatusOptimistic, and returns verbatim
// pre-write snapshots for rollback.
func (c *Cache) ApplyOptimistic(ops []Op) []Snapshot {
	now := time.Now()

	c.mu.Lock()
	snaps := make([]Snapshot, 0, len(ops))
	changed := make([]Entry, 0, len(ops))
	for _, op := range ops {
		e, ok := c.entries[op.Key]
		snap := Snapshot{Key: op.Key, Existed: ok}
		var cur any
		if ok {
			snap.Entry = e.Entry
			cur = e.Value
		}
		snaps = append(snaps, snap)

		next, keep := op.Update(cur, ok)
		if !keep {
			if ok {
				delete(c.entries, op.Key)
				changed = append(changed, Entry{Key: op.Key})
			}
			continue
		}
		if !ok {
			e = &entry{Entry: Entry{Key: op.Key, FetchedAt: now}}
			c.entries[op.Key] = e
		}
		e.Value = next
		e.Status = StatusOptimistic
		e.Err = nil
		e.gen++
		changed = append(changed, e.Entry)
	}
	c.mu.Unlock()

	atomic.AddInt64(&c.optimistic, 1)
	optimisticTotal.Inc()

	for _, snapshot := range changed {
		if snapshot.HasValue() {
			c.persist(snapshot)
		} else if c.opts.RemoveDurable != nil {
			c.opts.RemoveDurable(snapshot.Key)
		}
		c.notify(snapshot)
	}
	return snaps
}

// Commit applies a group of server-confirmed writes atomically, stamping
// every kept entry fresh. Used to reconcile optimistic state on success.
func (c *Cache) Commit(ops []Op) {
	now := time.Now()

	c.mu.Lock()
	changed := make([]Entry, 0, len(ops))
	for _, op := range ops {
		e, ok := c.entries[op.Key]
		var cur any
		if ok {
			cur = e.Value
		}
		next, keep := op.Update(cur, ok)
		if !keep {
			if ok {
				delete(c.entries, op.Key)
				changed = append(changed, Entry{Key: op.Key})
			}
			continue
		}
		if !ok {
			e = &entry{Entry: Entry{Key: op.Key}}
			c.entries[op.Key] = e
		}
		e.Value = next
		e.FetchedAt = now
		e.StaleAfter = c.router.StaleAfter(op.Key, now)
		e.Status = StatusFresh
		e.Err = nil
		e.gen++
		changed = append(changed, e.Entry)
	}
	c.mu.Unlock()

	for _, snapshot := range changed {
		if snapshot.HasValue() {
			c.persist(snapshot)
		} else if c.opts.RemoveDurable != nil {
			c.opts.RemoveDurable(snapshot.Key)
		}
		c.notify(snapshot)
	}
}

// RestoreSnapshots rolls a group of keys back to their exact pre-write
// state under one lock: either every key restores or none does.
func (c *Cache) RestoreSnapshots(snaps []Snapshot) {
	c.mu.Lock()
	changed := make([]Entry, 0, len(snaps))
	for _, snap := range snaps {
		cur, ok := c.entries[snap.Key]
		if !snap.Existed {
			if ok {
				delete(c.entries, snap.Key)
				changed = append(changed, Entry{Key: snap.Key})
			}
			continue
		}
		var gen uint64
		if ok {
			gen = cur.gen
		}
		c.entries[snap.Key] = &entry{Entry: snap.Entry, gen: gen + 1}
		changed = append(changed, snap.Entry)
	}
	c.mu.Unlock()

	atomic.AddInt64(&c.rollbacks, 1)
	rollbackTotal.Inc()

	for _, snapshot := range changed {
		if snapshot.HasValue() {
			c.persist(snapshot)
		} else if c.opts.RemoveDurable != nil {
			c.opts.RemoveDurable(snapshot.Key)
		}
		c.notify(snapshot)
	}
}

// Keys returns every key matching the predicate.
func (c *Cache) Keys(pred func(key string) bool) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for key := range c.entries {
		if pred(key) {
			out = append(out, key)
		}
	}
	return out
}

// Remove drops one entry from memory and from durable storage.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if ok && c.opts.RemoveDurable != nil {
		c.opts.RemoveDurable(key)
	}
}

// Clear drops every entry. Durable records are cleared by the owner of
// the persistent store (logout flow); drafts are never touched.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// Subscribe registers an observer for a key. The loader, if non-nil, is
// used for invalidation-triggered revalidation of the key. The returned
// function unsubscribes.
func (c *Cache) Subscribe(key string, loader Loader, notify func(Entry)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	if c.subs[key] == nil {
		c.subs[key] = make(map[int]*subscription)
	}
	c.subs[key][id] = &subscription{loader: loader, notify: notify}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if subs, ok := c.subs[key]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(c.subs, key)
			}
		}
	}
}

// subscribedLoaderLocked returns any subscriber loader for a key.
// Caller must hold at least the read lock.
func (c *Cache) subscribedLoaderLocked(key string) Loader {
	for _, sub := range c.subs[key] {
		if sub.loader != nil {
			return sub.loader
		}
	}
	return nil
}

// notify delivers an entry change to its subscribers, outside locks.
func (c *Cache) notify(e Entry) {
	c.mu.RLock()
	subs := make([]*subscription, 0, len(c.subs[e.Key]))
	for _, sub := range c.subs[e.Key] {
		subs = append(subs, sub)
	}
	c.mu.RUnlock()

	for _, sub := range subs {
		if sub.notify != nil {
			sub.notify(e)
		}
	}
}

// persist hands an entry to the durable write-through hook, detached and
// best-effort.
func (c *Cache) persist(e Entry) {
	if c.opts.Persist == nil {
		return
	}
	c.opts.Persist(e)
}

// Stats returns point-in-time counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entryCount := len(c.entries)
	c.mu.RUnlock()

	return Stats{
		EntryCount:        entryCount,
		Hits:              atomic.LoadInt64(&c.hits),
		Misses:            atomic.LoadInt64(&c.misses),
		StaleServed:       atomic.LoadInt64(&c.staleServed),
		Refetches:         atomic.LoadInt64(&c.refetches),
		Invalidations:     atomic.LoadInt64(&c.invalidations),
		OptimisticApplies: atomic.LoadInt64(&c.optimistic),
		Rollbacks:         atomic.LoadInt64(&c.rollbacks),
		Evictions:         atomic.LoadInt64(&c.evictions),
	}
}

// Start launches the janitor that garbage-collects entries left
// unobserved past their max-age floor.
func (c *Cache) Start() {
	c.startGC.Do(func() {
		go c.janitor()
	})
}

// Stop halts the janitor. Safe to call without Start.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *Cache) janitor() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.opts.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

// sweep drops entries past StaleAfter plus the max-age floor, unless
// subscribed or carrying an unresolved optimistic write.
func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if e.Status == StatusOptimistic {
			continue
		}
		if len(c.subs[key]) > 0 {
			continue
		}
		if e.StaleAfter.IsZero() {
			continue
		}
		if now.After(e.StaleAfter.Add(c.opts.MaxAgeFloor)) {
			delete(c.entries, key)
			atomic.AddInt64(&c.evictions, 1)
			gcEvictions.Inc()
		}
	}
}
