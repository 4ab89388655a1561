// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client wires the sync SDK together: one Client owns the key
// router, the durable store, the query cache, the draft manager, the
// mutation coordinator, the realtime invalidator, and the HTTP
// transport. Business code reaches server data only through this
// surface; direct network calls around it are the anti-pattern the SDK
// exists to prevent.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/entsync/pkg/cache"
	"github.com/AleutianAI/entsync/pkg/config"
	"github.com/AleutianAI/entsync/pkg/draft"
	"github.com/AleutianAI/entsync/pkg/keys"
	"github.com/AleutianAI/entsync/pkg/mutation"
	"github.com/AleutianAI/entsync/pkg/realtime"
	"github.com/AleutianAI/entsync/pkg/record"
	"github.com/AleutianAI/entsync/pkg/storage"
	"github.com/AleutianAI/entsync/pkg/store"
	"github.com/AleutianAI/entsync/pkg/transport"
)

// Client is the single entrypoint to the cache and sync layer.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	cfg       config.Config
	logger    *slog.Logger
	router    *keys.Router
	db        *storage.DB
	store     *store.Store
	cache     *cache.Cache
	drafts    *draft.Manager
	transport *transport.Client
	mutations *mutation.Coordinator
	realtime  *realtime.Invalidator
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	transport mutation.Transport
}

// WithLogger sets the logger for every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New builds a Client from configuration. Call Start before first use
// and Close on shutdown.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	router := keys.NewRouter(keys.TierDurations{
		Reference: cfg.TTL.Reference,
		Metadata:  cfg.TTL.Metadata,
		List:      cfg.TTL.List,
		Detail:    cfg.TTL.Detail,
	})

	var db *storage.DB
	var err error
	if cfg.Storage.InMemory {
		db, err = storage.OpenInMemory()
	} else {
		sc := storage.DefaultConfig()
		sc.Path = cfg.Storage.Path
		sc.Logger = logger
		db, err = storage.Open(sc)
	}
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	st := store.New(db,
		store.WithLogger(logger),
		store.WithSyncGraceWindow(cfg.Sync.GraceWindow),
		store.WithMaxAgeFloor(cfg.Sync.MaxAgeFloor),
	)

	c := &Client{
		cfg:    cfg,
		logger: logger,
		router: router,
		db:     db,
		store:  st,
	}

	c.cache = cache.New(router,
		cache.WithLogger(logger),
		cache.WithMaxAgeFloor(cfg.Sync.MaxAgeFloor),
		cache.WithPersist(c.persistEntry),
		cache.WithRemoveDurable(c.removeDurable),
	)
	c.drafts = draft.NewManager(st, logger)
	c.transport = transport.NewClient(cfg.Server.BaseURL, c.cache,
		transport.WithLogger(logger),
	)
	c.mutations = mutation.NewCoordinator(c.cache, c.transport, logger)

	if cfg.Server.RealtimeURL != "" {
		c.realtime = realtime.New(cfg.Server.RealtimeURL, c.cache,
			realtime.WithLogger(logger),
			realtime.WithHeartbeat(cfg.Realtime.HeartbeatInterval, cfg.Realtime.PongTimeout),
			realtime.WithMutations(c.mutations),
		)
		c.mutations.OnResolve(c.realtime.ResolveMutation)
	}

	return c, nil
}

// Start hydrates the cache from durable storage, launches cache GC, and
// connects the push channel. Hydration completes before Start returns so
// the first reads see persisted data.
func (c *Client) Start(ctx context.Context) error {
	n, err := c.store.Hydrate(ctx, func(rec store.PersistedRecord, fresh bool) {
		v, err := rec.DecodeValue()
		if err != nil {
			c.logger.Warn("skipping unreadable persisted record",
				slog.String("key", rec.Key),
				slog.String("error", err.Error()),
			)
			return
		}
		c.cache.PutHydrated(rec.Key, v,
			time.UnixMilli(rec.FetchedAt),
			time.UnixMilli(rec.StaleAfter),
			fresh,
		)
	})
	if err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}
	c.logger.Info("cache hydrated", slog.Int("records", n))

	c.cache.Start()
	if c.realtime != nil {
		c.realtime.Start()
	}
	return nil
}

// Close shuts everything down. In-flight draft writes are flushed before
// the store closes.
func (c *Client) Close() error {
	if c.realtime != nil {
		c.realtime.Close()
	}
	c.cache.Stop()
	c.drafts.Flush()
	return c.db.Close()
}

// List fetches a filtered collection, cached under its canonical key.
func (c *Client) List(ctx context.Context, entityType string, params map[string]any) ([]record.Record, error) {
	key := keys.List(entityType, params)
	v, err := c.cache.Fetch(ctx, key, c.transport.ListLoader(entityType, params))
	if err != nil {
		return nil, err
	}
	return record.NormalizeList(v), nil
}

// Detail fetches a single record, cached under its detail key.
func (c *Client) Detail(ctx context.Context, entityType, id string) (record.Record, error) {
	key := keys.Detail(entityType, id)
	v, err := c.cache.Fetch(ctx, key, c.transport.DetailLoader(entityType, id))
	if err != nil {
		return nil, err
	}
	rec, _ := record.NormalizeRecord(v)
	return rec, nil
}

// Reference fetches an entity type's lookup map.
func (c *Client) Reference(ctx context.Context, entityType string) (record.Record, error) {
	key := keys.Reference(entityType)
	v, err := c.cache.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		ref, err := c.transport.FetchReference(ctx, entityType)
		if err != nil {
			return nil, err
		}
		return ref, nil
	})
	if err != nil {
		return nil, err
	}
	rec, _ := record.NormalizeRecord(v)
	return rec, nil
}

// Create optimistically creates an entity.
func (c *Client) Create(ctx context.Context, entityType string, data record.Record) (record.Record, error) {
	return c.mutations.Create(ctx, entityType, data)
}

// Update optimistically patches an entity. changes carries only the
// fields that differ (a draft's Changes payload).
func (c *Client) Update(ctx context.Context, entityType, id string, changes record.Record) (record.Record, error) {
	return c.mutations.Update(ctx, entityType, id, changes)
}

// Delete optimistically deletes an entity.
func (c *Client) Delete(ctx context.Context, entityType, id string) error {
	return c.mutations.Delete(ctx, entityType, id)
}

// SaveDraft sends a draft's changed fields as an update, then discards
// the draft on success.
func (c *Client) SaveDraft(ctx context.Context, d *draft.Draft) (record.Record, error) {
	changes := d.Changes()
	if len(changes) == 0 {
		return d.Current(), c.drafts.Discard(ctx, d.EntityType(), d.EntityID())
	}
	updated, err := c.mutations.Update(ctx, d.EntityType(), d.EntityID(), changes)
	if err != nil {
		return nil, err
	}
	if err := c.drafts.Discard(ctx, d.EntityType(), d.EntityID()); err != nil {
		return updated, err
	}
	return updated, nil
}

// OnFocus marks focus-refresh-eligible tiers (lists and details) stale
// so observed entries revalidate. Reference and metadata tiers are left
// alone.
func (c *Client) OnFocus() int {
	return c.cache.InvalidateWhere(func(key string) bool {
		tier, ok := keys.TierOf(key)
		return ok && keys.RefreshOnFocus(tier)
	})
}

// Logout drops the in-memory cache and every durable record. Drafts are
// deliberately kept: an in-progress edit must survive a re-login.
func (c *Client) Logout(ctx context.Context) error {
	c.cache.Clear()
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Cache exposes the query cache for subscriptions and stats.
func (c *Client) Cache() *cache.Cache { return c.cache }

// Drafts exposes the draft manager.
func (c *Client) Drafts() *draft.Manager { return c.drafts }

// Realtime exposes the push-channel client; nil when no realtime URL is
// configured.
func (c *Client) Realtime() *realtime.Invalidator { return c.realtime }

// Router exposes the key router, for TTL hot reload.
func (c *Client) Router() *keys.Router { return c.router }

// persistEntry mirrors a cache write into durable storage, best-effort
// and off the caller's path. SyncedAt is stamped only for entries the
// server just confirmed; hydrated or optimistic values never earn trust.
func (c *Client) persistEntry(e cache.Entry) {
	if !e.HasValue() || e.Status == cache.StatusOptimistic {
		return
	}
	data, err := json.Marshal(e.Value)
	if err != nil {
		c.logger.Warn("unpersistable cache value",
			slog.String("key", e.Key),
			slog.String("error", err.Error()),
		)
		return
	}
	rec := store.PersistedRecord{
		Key:        e.Key,
		Value:      data,
		FetchedAt:  e.FetchedAt.UnixMilli(),
		StaleAfter: e.StaleAfter.UnixMilli(),
	}
	if e.Status == cache.StatusFresh {
		rec.SyncedAt = time.Now().UnixMilli()
	}

	go func() {
		ctx := context.WithoutCancel(context.Background())
		if err := c.store.Persist(ctx, rec); err != nil {
			c.logger.Warn("persist failed",
				slog.String("key", e.Key),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// removeDurable drops a durable record when its cache entry is removed.
func (c *Client) removeDurable(key string) {
	go func() {
		ctx := context.WithoutCancel(context.Background())
		if err := c.store.Remove(ctx, key); err != nil {
			c.logger.Warn("durable remove failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}()
}
