// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mutation runs the optimistic-write protocol around entity
// creates, updates, and deletes.
//
// Every mutation walks one state machine: snapshot the affected cache
// entries, apply the change locally, issue the network call, then either
// reconcile with the server's answer or restore every snapshot verbatim.
// The UI never observes a gap between the user's action and the cache,
// and never observes a half-rolled-back cache.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/entsync/pkg/cache"
	"github.com/AleutianAI/entsync/pkg/keys"
	"github.com/AleutianAI/entsync/pkg/record"
)

// TempIDPrefix marks client-generated ids used for optimistic creates
// until the server assigns a real id.
const TempIDPrefix = "tmp-"

// ErrConflict is reported (wrapped in *Error) when the server rejects a
// write because the record changed concurrently. Transports return it on
// a conflict response; the coordinator rolls back and surfaces it — it
// never auto-merges.
var ErrConflict = errors.New("record modified concurrently")

// Kind classifies a mutation failure.
type Kind int

const (
	// KindTransport is a network or server failure.
	KindTransport Kind = iota

	// KindConflict means the server reported a concurrent modification.
	KindConflict
)

// Error is a failed mutation. Optimistic state has already been rolled
// back when callers see one.
type Error struct {
	Op         string
	EntityType string
	EntityID   string
	Kind       Kind
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.EntityType, e.EntityID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConflict reports whether err is a conflict-kind mutation failure.
func IsConflict(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == KindConflict
	}
	return errors.Is(err, ErrConflict)
}

// Transport issues entity writes to the backend.
type Transport interface {
	// CreateRecord creates an entity and returns the server's record,
	// including the server-assigned id.
	CreateRecord(ctx context.Context, entityType string, data record.Record) (record.Record, error)

	// UpdateRecord patches the changed fields of an entity and returns
	// the server's updated record.
	UpdateRecord(ctx context.Context, entityType, id string, changes record.Record) (record.Record, error)

	// DeleteRecord deletes an entity.
	DeleteRecord(ctx context.Context, entityType, id string) error
}

// ResolveFunc is notified when a mutation for an entity id resolves
// (success or rollback). The realtime layer uses it to replay deferred
// invalidation events.
type ResolveFunc func(entityType, entityID string)

// Coordinator drives optimistic mutations against the query cache.
//
// Thread Safety: safe for concurrent use.
type Coordinator struct {
	cache     *cache.Cache
	transport Transport
	logger    *slog.Logger

	mu        sync.Mutex
	inflight  map[string]int
	onResolve ResolveFunc
}

// NewCoordinator creates a Coordinator over the given cache and transport.
func NewCoordinator(c *cache.Cache, t Transport, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cache:     c,
		transport: t,
		logger:    logger,
		inflight:  make(map[string]int),
	}
}

// OnResolve registers the resolution callback. One consumer; set before
// mutations start.
func (co *Coordinator) OnResolve(fn ResolveFunc) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.onResolve = fn
}

// InFlight reports whether an optimistic mutation for this entity id is
// unresolved.
func (co *Coordinator) InFlight(entityType, entityID string) bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.inflight[entityType+"|"+entityID] > 0
}

func (co *Coordinator) begin(entityType, entityID string) {
	co.mu.Lock()
	co.inflight[entityType+"|"+entityID]++
	co.mu.Unlock()
}

func (co *Coordinator) resolve(entityType, entityID string) {
	co.mu.Lock()
	key := entityType + "|" + entityID
	co.inflight[key]--
	if co.inflight[key] <= 0 {
		delete(co.inflight, key)
	}
	fn := co.onResolve
	co.mu.Unlock()

	if fn != nil {
		fn(entityType, entityID)
	}
}

// listKeys returns every cached list key of an entity type.
func (co *Coordinator) listKeys(entityType string) []string {
	return co.cache.Keys(func(key string) bool {
		return keys.IsListOf(key, entityType)
	})
}

// Create optimistically adds an entity and issues the create call.
//
// The optimistic row is keyed by a temporary client id; on success that
// row is removed and replaced by one keyed by the server id, leaving
// exactly one row. On failure every touched entry restores verbatim.
func (co *Coordinator) Create(ctx context.Context, entityType string, data record.Record) (record.Record, error) {
	ctx, span := tracer.Start(ctx, "mutation.Create",
		trace.WithAttributes(attribute.String("entity.type", entityType)),
	)
	defer span.End()

	tempID := TempIDPrefix + uuid.NewString()
	optimistic := record.Clone(data)
	optimistic[record.IDField] = tempID

	ops := []cache.Op{{
		Key: keys.Detail(entityType, tempID),
		Update: func(cur any, exists bool) (any, bool) {
			return optimistic, true
		},
	}}
	for _, listKey := range co.listKeys(entityType) {
		ops = append(ops, cache.Op{
			Key: listKey,
			Update: func(cur any, exists bool) (any, bool) {
				rows := record.CloneList(record.NormalizeList(cur))
				return append(rows, optimistic), true
			},
		})
	}

	snaps := co.cache.ApplyOptimistic(ops)
	co.begin(entityType, tempID)

	created, err := co.transport.CreateRecord(ctx, entityType, data)
	if err != nil {
		co.cache.RestoreSnapshots(snaps)
		co.resolve(entityType, tempID)
		mutationsTotal.WithLabelValues(opCreate, outcomeRolledBack).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return nil, co.wrap("create", entityType, tempID, err)
	}

	serverID := record.ID(created)
	commit := []cache.Op{
		{
			// The temporary row must not survive next to the real one.
			Key: keys.Detail(entityType, tempID),
			Update: func(cur any, exists bool) (any, bool) {
				return nil, false
			},
		},
		{
			Key: keys.Detail(entityType, serverID),
			Update: func(cur any, exists bool) (any, bool) {
				return record.Clone(created), true
			},
		},
	}
	for _, listKey := range co.listKeys(entityType) {
		commit = append(commit, cache.Op{
			Key: listKey,
			Update: func(cur any, exists bool) (any, bool) {
				rows := record.CloneList(record.NormalizeList(cur))
				for i, row := range rows {
					if record.ID(row) == tempID {
						rows[i] = record.Clone(created)
						return rows, true
					}
				}
				return append(rows, record.Clone(created)), true
			},
		})
	}
	co.cache.Commit(commit)
	co.resolve(entityType, tempID)
	co.resolve(entityType, serverID)
	mutationsTotal.WithLabelValues(opCreate, outcomeCommitted).Inc()
	span.SetAttributes(attribute.String("entity.id", serverID))
	return created, nil
}

// Update optimistically patches an entity's changed fields and issues
// the update call. changes carries only the differing fields.
func (co *Coordinator) Update(ctx context.Context, entityType, id string, changes record.Record) (record.Record, error) {
	ctx, span := tracer.Start(ctx, "mutation.Update",
		trace.WithAttributes(
			attribute.String("entity.type", entityType),
			attribute.String("entity.id", id),
		),
	)
	defer span.End()

	patch := func(cur any, exists bool) (any, bool) {
		switch v := cur.(type) {
		case nil:
			return cur, exists
		default:
			if rows := record.NormalizeList(v); rows != nil {
				next := record.CloneList(rows)
				for i, row := range next {
					if record.ID(row) == id {
						next[i] = record.Merge(record.Clone(row), changes)
					}
				}
				return next, true
			}
			if rec, ok := record.NormalizeRecord(v); ok {
				return record.Merge(record.Clone(rec), changes), true
			}
			return cur, exists
		}
	}

	ops := []cache.Op{{Key: keys.Detail(entityType, id), Update: patch}}
	for _, listKey := range co.listKeys(entityType) {
		ops = append(ops, cache.Op{Key: listKey, Update: patch})
	}

	snaps := co.cache.ApplyOptimistic(ops)
	co.begin(entityType, id)

	updated, err := co.transport.UpdateRecord(ctx, entityType, id, changes)
	if err != nil {
		co.cache.RestoreSnapshots(snaps)
		co.resolve(entityType, id)
		mutationsTotal.WithLabelValues(opUpdate, outcomeRolledBack).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return nil, co.wrap("update", entityType, id, err)
	}

	confirm := func(cur any, exists bool) (any, bool) {
		if rows := record.NormalizeList(cur); rows != nil {
			next := record.CloneList(rows)
			for i, row := range next {
				if record.ID(row) == id {
					next[i] = record.Clone(updated)
				}
			}
			return next, true
		}
		return record.Clone(updated), true
	}

	commit := []cache.Op{{Key: keys.Detail(entityType, id), Update: confirm}}
	for _, listKey := range co.listKeys(entityType) {
		commit = append(commit, cache.Op{Key: listKey, Update: confirm})
	}
	co.cache.Commit(commit)
	co.resolve(entityType, id)
	mutationsTotal.WithLabelValues(opUpdate, outcomeCommitted).Inc()
	return updated, nil
}

// Delete optimistically removes an entity and issues the delete call.
func (co *Coordinator) Delete(ctx context.Context, entityType, id string) error {
	ctx, span := tracer.Start(ctx, "mutation.Delete",
		trace.WithAttributes(
			attribute.String("entity.type", entityType),
			attribute.String("entity.id", id),
		),
	)
	defer span.End()

	drop := func(cur any, exists bool) (any, bool) {
		if rows := record.NormalizeList(cur); rows != nil {
			next := make([]record.Record, 0, len(rows))
			for _, row := range rows {
				if record.ID(row) != id {
					next = append(next, record.Clone(row))
				}
			}
			return next, true
		}
		return nil, false
	}

	ops := []cache.Op{{
		Key: keys.Detail(entityType, id),
		Update: func(cur any, exists bool) (any, bool) {
			return nil, false
		},
	}}
	for _, listKey := range co.listKeys(entityType) {
		ops = append(ops, cache.Op{Key: listKey, Update: drop})
	}

	snaps := co.cache.ApplyOptimistic(ops)
	co.begin(entityType, id)

	if err := co.transport.DeleteRecord(ctx, entityType, id); err != nil {
		co.cache.RestoreSnapshots(snaps)
		co.resolve(entityType, id)
		mutationsTotal.WithLabelValues(opDelete, outcomeRolledBack).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return co.wrap("delete", entityType, id, err)
	}

	// Re-running the same ops is idempotent; Commit stamps the lists
	// fresh now that the server confirmed.
	co.cache.Commit(ops)
	co.cache.DropReference(entityType, id)
	co.resolve(entityType, id)
	mutationsTotal.WithLabelValues(opDelete, outcomeCommitted).Inc()
	return nil
}

// wrap builds the surfaced *Error, classifying conflicts.
func (co *Coordinator) wrap(op, entityType, id string, err error) error {
	kind := KindTransport
	if errors.Is(err, ErrConflict) {
		kind = KindConflict
	}
	co.logger.Warn("mutation rolled back",
		slog.String("op", op),
		slog.String("entity_type", entityType),
		slog.String("entity_id", id),
		slog.String("error", err.Error()),
	)
	return &Error{Op: op, EntityType: entityType, EntityID: id, Kind: kind, Err: err}
}
