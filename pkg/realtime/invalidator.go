// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package realtime maintains the push channel that keeps the query cache
// in sync with server-side changes.
//
// A long-lived websocket delivers invalidation events keyed by entity
// type, id, and a monotonic version. Events at or below the last applied
// version for an id are dropped, so duplicate or reordered delivery is a
// no-op. The connection self-heals with capped exponential backoff and an
// application-level heartbeat.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/entsync/pkg/cache"
	"github.com/AleutianAI/entsync/pkg/keys"
)

// Reconnect schedule bounds.
const (
	minReconnectDelay = 1 * time.Second
	maxReconnectDelay = 30 * time.Second

	defaultHeartbeatInterval = 15 * time.Second
	defaultPongTimeout       = 45 * time.Second
)

// Mutations exposes the in-flight optimistic mutation registry. Events
// for entities with an unresolved local write are deferred until the
// mutation resolves, so a push can never clobber pending local state.
type Mutations interface {
	InFlight(entityType, entityID string) bool
}

// Invalidator is the push-channel client driving cache invalidation.
//
// Thread Safety: safe for concurrent use.
type Invalidator struct {
	url    string
	cache  *cache.Cache
	logger *slog.Logger
	dialer *websocket.Dialer
	header http.Header

	heartbeat    time.Duration
	pongTimeout  time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration
	mutations    Mutations

	state atomic.Int32

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	subs      map[string]map[string]struct{}
	versions  map[string]int64
	deferred  map[string][]Change
	listeners []func(Event)
	lastPong  atomic.Int64

	stopCh   chan struct{}
	doneCh   chan struct{}
	started  sync.Once
	stopOnce sync.Once
}

// Option configures an Invalidator.
type Option func(*Invalidator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(inv *Invalidator) {
		if logger != nil {
			inv.logger = logger
		}
	}
}

// WithHeartbeat sets the ping cadence and the pong liveness timeout.
func WithHeartbeat(interval, pongTimeout time.Duration) Option {
	return func(inv *Invalidator) {
		if interval > 0 {
			inv.heartbeat = interval
		}
		if pongTimeout > 0 {
			inv.pongTimeout = pongTimeout
		}
	}
}

// WithHeader sets extra headers sent on the websocket handshake
// (authorization, client version).
func WithHeader(h http.Header) Option {
	return func(inv *Invalidator) { inv.header = h }
}

// WithMutations wires the in-flight mutation registry for event deferral.
func WithMutations(m Mutations) Option {
	return func(inv *Invalidator) { inv.mutations = m }
}

// New creates an Invalidator for the given websocket URL. Call Start to
// connect.
func New(url string, c *cache.Cache, opts ...Option) *Invalidator {
	inv := &Invalidator{
		url:         url,
		cache:       c,
		logger:      slog.Default(),
		dialer:      websocket.DefaultDialer,
		heartbeat:    defaultHeartbeatInterval,
		pongTimeout:  defaultPongTimeout,
		reconnectMin: minReconnectDelay,
		reconnectMax: maxReconnectDelay,
		subs:        make(map[string]map[string]struct{}),
		versions:    make(map[string]int64),
		deferred:    make(map[string][]Change),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// State returns the current connection state.
func (inv *Invalidator) State() ConnState {
	return ConnState(inv.state.Load())
}

func (inv *Invalidator) setState(s ConnState) {
	inv.state.Store(int32(s))
	connState.Set(float64(s))
}

// OnEvent registers an observer of applied invalidation events. Register
// before Start.
func (inv *Invalidator) OnEvent(fn func(Event)) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.listeners = append(inv.listeners, fn)
}

// Start launches the connection loop.
func (inv *Invalidator) Start() {
	inv.started.Do(func() {
		go inv.run()
	})
}

// Close tears the connection down and stops reconnecting.
func (inv *Invalidator) Close() {
	inv.stopOnce.Do(func() {
		inv.setState(StateClosed)
		close(inv.stopCh)
		inv.mu.Lock()
		if inv.conn != nil {
			_ = inv.conn.Close()
		}
		inv.mu.Unlock()
	})
}

// run is the reconnect loop: dial, serve until the connection drops,
// back off, repeat. Backoff resets to the minimum on every successful
// connect.
func (inv *Invalidator) run() {
	defer close(inv.doneCh)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = inv.reconnectMin
	bo.MaxInterval = inv.reconnectMax
	bo.Reset()

	for {
		select {
		case <-inv.stopCh:
			return
		default:
		}

		inv.setState(StateConnecting)
		conn, _, err := inv.dialer.Dial(inv.url, inv.header)
		if err != nil {
			delay := bo.NextBackOff()
			inv.logger.Warn("push channel dial failed",
				slog.String("url", inv.url),
				slog.Duration("retry_in", delay),
				slog.String("error", err.Error()),
			)
			inv.setState(StateReconnecting)
			reconnectsTotal.Inc()
			select {
			case <-inv.stopCh:
				return
			case <-time.After(delay):
			}
			continue
		}

		bo.Reset()
		inv.mu.Lock()
		inv.conn = conn
		inv.mu.Unlock()
		inv.lastPong.Store(time.Now().UnixMilli())
		inv.setState(StateConnected)
		inv.logger.Info("push channel connected", slog.String("url", inv.url))

		inv.resubscribe()
		inv.serve(conn)

		inv.mu.Lock()
		inv.conn = nil
		inv.mu.Unlock()
		_ = conn.Close()

		select {
		case <-inv.stopCh:
			return
		default:
		}

		delay := bo.NextBackOff()
		inv.setState(StateReconnecting)
		reconnectsTotal.Inc()
		inv.logger.Warn("push channel lost",
			slog.Duration("retry_in", delay),
		)
		select {
		case <-inv.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// serve reads messages until the connection fails, with a heartbeat
// goroutine enforcing pong liveness.
func (inv *Invalidator) serve(conn *websocket.Conn) {
	hbStop := make(chan struct{})
	defer close(hbStop)
	go inv.heartbeatLoop(conn, hbStop)

	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			inv.logger.Debug("push channel read ended", slog.String("error", err.Error()))
			return
		}

		switch msg.Type {
		case TypePong:
			inv.lastPong.Store(time.Now().UnixMilli())
		case TypeInvalidate, TypeLinkChange:
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				inv.logger.Warn("undecodable invalidation payload",
					slog.String("type", msg.Type),
					slog.String("error", err.Error()),
				)
				continue
			}
			inv.handleEvent(ev)
		default:
			inv.logger.Debug("ignoring unknown push message", slog.String("type", msg.Type))
		}
	}
}

// heartbeatLoop pings on a cadence and closes the connection when no
// pong arrives within the timeout, forcing a reconnect.
func (inv *Invalidator) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(inv.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-inv.stopCh:
			return
		case <-ticker.C:
			if err := inv.send(conn, wireMessage{Type: TypePing}); err != nil {
				_ = conn.Close()
				return
			}
			last := time.UnixMilli(inv.lastPong.Load())
			if time.Since(last) > inv.pongTimeout {
				inv.logger.Warn("pong timeout, forcing reconnect",
					slog.Time("last_pong", last),
				)
				_ = conn.Close()
				return
			}
		}
	}
}

func (inv *Invalidator) send(conn *websocket.Conn, msg wireMessage) error {
	inv.writeMu.Lock()
	defer inv.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// Subscribe registers interest in entity ids of a type. Sent immediately
// when connected; otherwise queued and flushed on the next connect.
func (inv *Invalidator) Subscribe(entityType string, entityIDs ...string) {
	inv.mu.Lock()
	set, ok := inv.subs[entityType]
	if !ok {
		set = make(map[string]struct{})
		inv.subs[entityType] = set
	}
	for _, id := range entityIDs {
		set[id] = struct{}{}
	}
	conn := inv.conn
	inv.mu.Unlock()

	if conn == nil || inv.State() != StateConnected {
		return
	}
	inv.sendSubscribe(conn, TypeSubscribe, entityType, entityIDs)
}

// Unsubscribe withdraws interest in entity ids of a type.
func (inv *Invalidator) Unsubscribe(entityType string, entityIDs ...string) {
	inv.mu.Lock()
	if set, ok := inv.subs[entityType]; ok {
		for _, id := range entityIDs {
			delete(set, id)
		}
		if len(set) == 0 {
			delete(inv.subs, entityType)
		}
	}
	conn := inv.conn
	inv.mu.Unlock()

	if conn == nil || inv.State() != StateConnected {
		return
	}
	inv.sendSubscribe(conn, TypeUnsubscribe, entityType, entityIDs)
}

// resubscribe replays every tracked subscription after a connect.
func (inv *Invalidator) resubscribe() {
	inv.mu.Lock()
	conn := inv.conn
	pending := make(map[string][]string, len(inv.subs))
	for entityType, set := range inv.subs {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		pending[entityType] = ids
	}
	inv.mu.Unlock()

	if conn == nil {
		return
	}
	for entityType, ids := range pending {
		inv.sendSubscribe(conn, TypeSubscribe, entityType, ids)
	}
}

func (inv *Invalidator) sendSubscribe(conn *websocket.Conn, msgType, entityType string, ids []string) {
	payload, err := json.Marshal(subscribePayload{EntityType: entityType, EntityIDs: ids})
	if err != nil {
		return
	}
	if err := inv.send(conn, wireMessage{Type: msgType, Payload: payload}); err != nil {
		inv.logger.Warn("subscription send failed",
			slog.String("entity_type", entityType),
			slog.String("error", err.Error()),
		)
	}
}

// HandleEvent applies one invalidation event as if it arrived on the
// channel. Exposed for hydration replay and tests.
func (inv *Invalidator) HandleEvent(ev Event) {
	inv.handleEvent(ev)
}

func (inv *Invalidator) handleEvent(ev Event) {
	eventsTotal.Inc()
	for _, change := range ev.Changes {
		if inv.mutations != nil && inv.mutations.InFlight(ev.EntityType, change.EntityID) {
			// A local optimistic write is pending for this entity; replay
			// the change once the mutation resolves.
			inv.deferChange(ev.EntityType, change)
			continue
		}
		inv.applyChange(ev.EntityType, change)
	}

	inv.mu.Lock()
	listeners := make([]func(Event), len(inv.listeners))
	copy(listeners, inv.listeners)
	inv.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func versionKey(entityType, entityID string) string {
	return entityType + "|" + entityID
}

// applyChange runs one change through the version gate and invalidates
// the affected cache tiers.
func (inv *Invalidator) applyChange(entityType string, change Change) {
	key := versionKey(entityType, change.EntityID)

	inv.mu.Lock()
	if change.Version <= inv.versions[key] {
		inv.mu.Unlock()
		staleDropsTotal.Inc()
		return
	}
	inv.versions[key] = change.Version
	inv.mu.Unlock()

	switch change.Action {
	case ActionDelete:
		// The entity is gone: drop it from name lookups entirely, do not
		// merely mark them stale.
		inv.cache.DropReference(entityType, change.EntityID)
		inv.cache.Remove(keys.Detail(entityType, change.EntityID))
	default:
		inv.cache.Invalidate(keys.Detail(entityType, change.EntityID))
	}

	// List membership or ordering may have changed either way; lists are
	// invalidated broadly, never patched in place.
	inv.cache.InvalidateWhere(func(key string) bool {
		return keys.IsListOf(key, entityType)
	})
	appliedTotal.WithLabelValues(string(change.Action)).Inc()
}

// defer_ queues a change behind an unresolved local mutation.
func (inv *Invalidator) deferChange(entityType string, change Change) {
	key := versionKey(entityType, change.EntityID)
	inv.mu.Lock()
	inv.deferred[key] = append(inv.deferred[key], change)
	inv.mu.Unlock()
	deferredTotal.Inc()
}

// ResolveMutation replays any deferred changes for an entity through the
// version gate. Wire it to the mutation coordinator's resolve hook.
func (inv *Invalidator) ResolveMutation(entityType, entityID string) {
	key := versionKey(entityType, entityID)
	inv.mu.Lock()
	queued := inv.deferred[key]
	delete(inv.deferred, key)
	inv.mu.Unlock()

	for _, change := range queued {
		inv.applyChange(entityType, change)
	}
}

// Wait blocks until the connection loop exits, for shutdown sequencing.
func (inv *Invalidator) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-inv.doneCh:
		return nil
	}
}
