// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the durable mirror of the in-memory query cache, plus
// the draft namespace.
//
// Two isolated namespaces share one embedded database:
//
//	rec|<cache key>              cached query results
//	draft|<entity type>|<id>     in-progress edit sessions
//
// Clearing the record namespace (logout, invalidate-by-type) never touches
// drafts; drafts die only by explicit discard or successful save.
//
// Durability is best-effort. The in-memory cache is authoritative; a failed
// write here is logged and absorbed, never surfaced to the UI caller. Other
// processes may write the same dataset (multi-tab), so hydrated records are
// distrusted unless their syncedAt falls inside a short grace window.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/entsync/pkg/storage"
)

// Namespace prefixes inside the embedded database.
const (
	recPrefix   = "rec|"
	draftPrefix = "draft|"
)

// DefaultSyncGraceWindow is how recent a persisted record's syncedAt must
// be for hydration to trust it as fresh.
const DefaultSyncGraceWindow = 30 * time.Second

// DefaultMaxAgeFloor is how long past staleAfter a persisted record is
// still worth hydrating as stale-but-present.
const DefaultMaxAgeFloor = 24 * time.Hour

// PersistedRecord is the durable form of one cached query result.
type PersistedRecord struct {
	// Key is the cache key the record mirrors.
	Key string `json:"key"`

	// Value is the JSON-encoded payload.
	Value json.RawMessage `json:"value"`

	// FetchedAt is when the payload was fetched, Unix milliseconds.
	FetchedAt int64 `json:"fetched_at"`

	// StaleAfter is the staleness deadline, Unix milliseconds.
	StaleAfter int64 `json:"stale_after"`

	// SyncedAt is when the payload was last confirmed by the server,
	// Unix milliseconds. Decides hydration trust.
	SyncedAt int64 `json:"synced_at"`
}

// DecodeValue unmarshals the payload into a generic value.
func (r PersistedRecord) DecodeValue() (any, error) {
	var v any
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return nil, fmt.Errorf("decode persisted value for %s: %w", r.Key, err)
	}
	return v, nil
}

// DraftRecord is the durable form of one edit session, opaque to the store.
type DraftRecord struct {
	EntityType string
	EntityID   string
	Data       []byte
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for absorbed persistence errors.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithSyncGraceWindow overrides the hydration trust window.
func WithSyncGraceWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.graceWindow = d
		}
	}
}

// WithMaxAgeFloor overrides how far past staleAfter records hydrate.
func WithMaxAgeFloor(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.maxAgeFloor = d
		}
	}
}

// Store owns all durable reads and writes. The query cache never touches
// the database directly.
//
// Thread Safety: safe for concurrent use (BadgerDB handles locking).
type Store struct {
	db          *storage.DB
	logger      *slog.Logger
	graceWindow time.Duration
	maxAgeFloor time.Duration
}

// New creates a Store over an opened database.
func New(db *storage.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		logger:      slog.Default(),
		graceWindow: DefaultSyncGraceWindow,
		maxAgeFloor: DefaultMaxAgeFloor,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Persist writes through one record, best-effort.
//
// The database entry expires maxAgeFloor past the record's staleAfter so
// abandoned entries garbage-collect on their own. Errors are returned for
// observability but callers are expected to absorb them.
func (s *Store) Persist(ctx context.Context, rec PersistedRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.Key, err)
	}

	var ttl time.Duration
	if rec.StaleAfter > 0 {
		deadline := time.UnixMilli(rec.StaleAfter).Add(s.maxAgeFloor)
		ttl = time.Until(deadline)
		if ttl <= 0 {
			// Already past the floor; nothing durable to keep.
			return nil
		}
	}

	if err := s.db.Set([]byte(recPrefix+rec.Key), data, ttl); err != nil {
		return fmt.Errorf("persist record %s: %w", rec.Key, err)
	}
	return nil
}

// Get reads one persisted record by cache key.
func (s *Store) Get(ctx context.Context, key string) (PersistedRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return PersistedRecord{}, false, err
	}
	data, ok, err := s.db.Get([]byte(recPrefix + key))
	if err != nil || !ok {
		return PersistedRecord{}, false, err
	}
	var rec PersistedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return PersistedRecord{}, false, fmt.Errorf("decode record %s: %w", key, err)
	}
	return rec, true, nil
}

// Remove deletes one persisted record.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Delete([]byte(recPrefix + key))
}

// Clear wipes the record namespace. Drafts are untouched.
func (s *Store) Clear(ctx context.Context) error {
	return s.db.DeletePrefix(ctx, []byte(recPrefix))
}

// TrustFresh reports whether a hydrated record's last server confirmation
// is recent enough to show as fresh without revalidation.
func (s *Store) TrustFresh(rec PersistedRecord, now time.Time) bool {
	if rec.SyncedAt <= 0 {
		return false
	}
	return now.Sub(time.UnixMilli(rec.SyncedAt)) <= s.graceWindow
}

// Hydrate bulk-loads every non-expired persisted record.
//
// The callback receives each record plus whether it may be trusted as
// fresh (syncedAt inside the grace window). Records older than staleAfter
// plus the max-age floor are skipped and deleted. Intended to run once at
// startup, before first render.
func (s *Store) Hydrate(ctx context.Context, fn func(rec PersistedRecord, fresh bool)) (int, error) {
	now := time.Now()
	count := 0
	var expired []string

	err := s.db.ScanPrefix(ctx, []byte(recPrefix), func(key, value []byte) error {
		var rec PersistedRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			// A corrupt row must not block startup; drop it.
			s.logger.Warn("dropping corrupt persisted record",
				slog.String("key", string(key)),
				slog.String("error", err.Error()),
			)
			expired = append(expired, string(key))
			return nil
		}

		if rec.StaleAfter > 0 {
			floor := time.UnixMilli(rec.StaleAfter).Add(s.maxAgeFloor)
			if now.After(floor) {
				expired = append(expired, string(key))
				return nil
			}
		}

		fn(rec, s.TrustFresh(rec, now))
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("hydrate records: %w", err)
	}

	for _, key := range expired {
		if err := s.db.Delete([]byte(key)); err != nil {
			s.logger.Warn("failed to drop expired persisted record",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}

	return count, nil
}

// draftKey builds the database key of one draft.
func draftKey(entityType, entityID string) []byte {
	return []byte(draftPrefix + entityType + "|" + entityID)
}

// PutDraft writes one draft blob. Drafts never expire on their own.
func (s *Store) PutDraft(ctx context.Context, entityType, entityID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Set(draftKey(entityType, entityID), data, 0); err != nil {
		return fmt.Errorf("persist draft %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// GetDraft reads one draft blob.
func (s *Store) GetDraft(ctx context.Context, entityType, entityID string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return s.db.Get(draftKey(entityType, entityID))
}

// DeleteDraft removes one draft.
func (s *Store) DeleteDraft(ctx context.Context, entityType, entityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Delete(draftKey(entityType, entityID))
}

// ListDrafts returns every persisted draft, for crash recovery prompts.
func (s *Store) ListDrafts(ctx context.Context) ([]DraftRecord, error) {
	var drafts []DraftRecord
	err := s.db.ScanPrefix(ctx, []byte(draftPrefix), func(key, value []byte) error {
		rest := strings.TrimPrefix(string(key), draftPrefix)
		entityType, entityID, ok := strings.Cut(rest, "|")
		if !ok {
			return nil
		}
		drafts = append(drafts, DraftRecord{
			EntityType: entityType,
			EntityID:   entityID,
			Data:       value,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	return drafts, nil
}
