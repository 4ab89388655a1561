// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package draft tracks per-entity edit sessions: the original snapshot,
// a working copy, the dirty-field set, and bounded undo/redo history.
// Sessions persist durably so an in-progress edit survives a restart.
package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/entsync/pkg/record"
	"github.com/AleutianAI/entsync/pkg/store"
)

// HistoryCap bounds undo and redo combined. The oldest undo entry is
// dropped on overflow.
const HistoryCap = 50

// Draft is one in-progress edit session. Obtain one from a Manager;
// methods are safe for concurrent use.
type Draft struct {
	mu         sync.Mutex
	entityType string
	entityID   string
	original   record.Record
	current    record.Record
	undo       []record.Record
	redo       []record.Record
	updatedAt  time.Time

	persist func(d *Draft)
}

// persistedDraft is the durable wire form of a Draft.
type persistedDraft struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Original   record.Record   `json:"original"`
	Current    record.Record   `json:"current"`
	Undo       []record.Record `json:"undo,omitempty"`
	Redo       []record.Record `json:"redo,omitempty"`
	UpdatedAt  int64           `json:"updatedAt"`
}

// EntityType returns the entity type under edit.
func (d *Draft) EntityType() string { return d.entityType }

// EntityID returns the entity id under edit.
func (d *Draft) EntityID() string { return d.entityID }

// Original returns a copy of the snapshot taken at edit start.
func (d *Draft) Original() record.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return record.Clone(d.original)
}

// Current returns a copy of the working data.
func (d *Draft) Current() record.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return record.Clone(d.current)
}

// UpdatedAt returns when the draft last changed.
func (d *Draft) UpdatedAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updatedAt
}

// UpdateField records one field edit as one undo step. The redo history
// is cleared; the change persists asynchronously.
func (d *Draft) UpdateField(field string, value any) {
	d.mu.Lock()
	d.pushUndoLocked()
	d.redo = nil
	next := record.Clone(d.current)
	next[field] = value
	d.current = next
	d.updatedAt = time.Now()
	d.mu.Unlock()

	d.persist(d)
}

// Undo reverts the most recent edit. No-op when there is nothing to undo.
func (d *Draft) Undo() {
	d.mu.Lock()
	if len(d.undo) == 0 {
		d.mu.Unlock()
		return
	}
	prev := d.undo[len(d.undo)-1]
	d.undo = d.undo[:len(d.undo)-1]
	d.redo = append(d.redo, d.current)
	d.current = prev
	d.updatedAt = time.Now()
	d.mu.Unlock()

	d.persist(d)
}

// Redo re-applies the most recently undone edit. No-op when there is
// nothing to redo.
func (d *Draft) Redo() {
	d.mu.Lock()
	if len(d.redo) == 0 {
		d.mu.Unlock()
		return
	}
	next := d.redo[len(d.redo)-1]
	d.redo = d.redo[:len(d.redo)-1]
	d.undo = append(d.undo, d.current)
	d.current = next
	d.updatedAt = time.Now()
	d.mu.Unlock()

	d.persist(d)
}

// pushUndoLocked records the working copy as an undo step, dropping the
// oldest step once undo and redo together hit the cap.
func (d *Draft) pushUndoLocked() {
	if len(d.undo)+len(d.redo) >= HistoryCap && len(d.undo) > 0 {
		d.undo = append(d.undo[:0], d.undo[1:]...)
	}
	d.undo = append(d.undo, d.current)
}

// DirtyFields returns the sorted names of every field whose working value
// differs from the original snapshot.
func (d *Draft) DirtyFields() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return record.DirtyFields(d.original, d.current)
}

// Changes returns only the fields that differ from the original snapshot.
// This is the mutation payload; the full record is never sent.
func (d *Draft) Changes() record.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return record.Diff(d.original, d.current)
}

// IsDirty reports whether any field differs from the original.
func (d *Draft) IsDirty() bool {
	return len(d.DirtyFields()) > 0
}

// encode serializes the draft for durable storage.
func (d *Draft) encode() ([]byte, error) {
	d.mu.Lock()
	p := persistedDraft{
		EntityType: d.entityType,
		EntityID:   d.entityID,
		Original:   d.original,
		Current:    d.current,
		Undo:       d.undo,
		Redo:       d.redo,
		UpdatedAt:  d.updatedAt.UnixMilli(),
	}
	d.mu.Unlock()
	return json.Marshal(p)
}

// Manager owns the live edit sessions and their durability.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	store  *store.Store
	logger *slog.Logger
	active map[string]*Draft
	wg     sync.WaitGroup
}

// NewManager creates a Manager backed by the given persistent store.
func NewManager(st *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  st,
		logger: logger,
		active: make(map[string]*Draft),
	}
}

func sessionKey(entityType, entityID string) string {
	return entityType + "|" + entityID
}

// StartEdit opens an edit session for one entity, snapshotting original.
// An existing session for the same entity is replaced. The new draft is
// persisted immediately.
func (m *Manager) StartEdit(entityType, entityID string, original record.Record) *Draft {
	d := &Draft{
		entityType: entityType,
		entityID:   entityID,
		original:   record.Clone(original),
		current:    record.Clone(original),
		updatedAt:  time.Now(),
		persist:    m.persistAsync,
	}

	m.mu.Lock()
	m.active[sessionKey(entityType, entityID)] = d
	m.mu.Unlock()

	m.persistAsync(d)
	return d
}

// Get returns the live session for an entity, if one is open.
func (m *Manager) Get(entityType, entityID string) (*Draft, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.active[sessionKey(entityType, entityID)]
	return d, ok
}

// Discard destroys a session: the durable copy is deleted and the live
// reference dropped. Called after a successful save or an explicit cancel.
func (m *Manager) Discard(ctx context.Context, entityType, entityID string) error {
	m.mu.Lock()
	delete(m.active, sessionKey(entityType, entityID))
	m.mu.Unlock()

	if err := m.store.DeleteDraft(ctx, entityType, entityID); err != nil {
		return fmt.Errorf("discard draft %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// List returns every durably stored draft, including sessions left over
// from a crashed or closed run. Callers surface these for resume/discard.
func (m *Manager) List(ctx context.Context) ([]*Draft, error) {
	rows, err := m.store.ListDrafts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}

	out := make([]*Draft, 0, len(rows))
	for _, row := range rows {
		d, err := m.decode(row.Data)
		if err != nil {
			m.logger.Warn("skipping unreadable draft",
				slog.String("entity_type", row.EntityType),
				slog.String("entity_id", row.EntityID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Resume reopens a durably stored draft as the live session for its
// entity, restoring working data and undo/redo history.
func (m *Manager) Resume(ctx context.Context, entityType, entityID string) (*Draft, error) {
	data, ok, err := m.store.GetDraft(ctx, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("resume draft %s/%s: %w", entityType, entityID, err)
	}
	if !ok {
		return nil, fmt.Errorf("resume draft %s/%s: no stored draft", entityType, entityID)
	}

	d, err := m.decode(data)
	if err != nil {
		return nil, fmt.Errorf("resume draft %s/%s: %w", entityType, entityID, err)
	}

	m.mu.Lock()
	m.active[sessionKey(entityType, entityID)] = d
	m.mu.Unlock()
	return d, nil
}

// Flush waits for in-flight persistence writes. Intended for shutdown
// and tests.
func (m *Manager) Flush() {
	m.wg.Wait()
}

func (m *Manager) decode(data []byte) (*Draft, error) {
	var p persistedDraft
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	return &Draft{
		entityType: p.EntityType,
		entityID:   p.EntityID,
		original:   p.Original,
		current:    p.Current,
		undo:       p.Undo,
		redo:       p.Redo,
		updatedAt:  time.UnixMilli(p.UpdatedAt),
		persist:    m.persistAsync,
	}, nil
}

// persistAsync writes a draft durably off the caller's path. Failures
// are absorbed and logged; in-memory state stays authoritative.
func (m *Manager) persistAsync(d *Draft) {
	data, err := d.encode()
	if err != nil {
		m.logger.Warn("draft encode failed",
			slog.String("entity_type", d.entityType),
			slog.String("entity_id", d.entityID),
			slog.String("error", err.Error()),
		)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx := context.WithoutCancel(context.Background())
		if err := m.store.PutDraft(ctx, d.entityType, d.entityID, data); err != nil {
			m.logger.Warn("draft persist failed",
				slog.String("entity_type", d.entityType),
				slog.String("entity_id", d.entityID),
				slog.String("error", err.Error()),
			)
		}
	}()
}
