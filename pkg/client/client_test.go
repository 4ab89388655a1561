// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/entsync/pkg/cache"
	"github.com/AleutianAI/entsync/pkg/config"
	"github.com/AleutianAI/entsync/pkg/keys"
	"github.com/AleutianAI/entsync/pkg/record"
	"github.com/AleutianAI/entsync/pkg/transport"
)

func testConfig(baseURL string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.BaseURL = baseURL
	cfg.Storage.InMemory = true
	return cfg
}

func newStartedClient(t *testing.T, cfg config.Config) *Client {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestClient_ListIsCached(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(transport.Envelope{
			Records: []record.Record{{"id": "d-1", "stage": "open"}},
		})
	}))
	t.Cleanup(srv.Close)

	c := newStartedClient(t, testConfig(srv.URL))
	ctx := context.Background()

	rows, err := c.List(ctx, "deal", map[string]any{"stage": "open"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = c.List(ctx, "deal", map[string]any{"stage": "open"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load(), "second read served from cache")
}

func TestClient_PersistAndHydrateAcrossRestart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(transport.Envelope{
			Record: record.Record{"id": "d-1", "stage": "open"},
		})
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.Storage.InMemory = false
	cfg.Storage.Path = t.TempDir()

	first, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))

	_, err = first.Detail(context.Background(), "deal", "d-1")
	require.NoError(t, err)

	key := keys.Detail("deal", "d-1")
	waitFor(t, func() bool {
		_, ok, err := first.store.Get(context.Background(), key)
		return err == nil && ok
	}, "write-through persist")
	require.NoError(t, first.Close())

	// A new process over the same storage hydrates before first render.
	second, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, second.Start(context.Background()))
	t.Cleanup(func() { _ = second.Close() })

	e, ok := second.Cache().Get(key)
	require.True(t, ok, "persisted record hydrated")
	rec, _ := record.NormalizeRecord(e.Value)
	assert.Equal(t, "open", rec["stage"])
	assert.Equal(t, cache.StatusFresh, e.Status, "recent syncedAt inside the grace window is trusted")
}

func TestClient_LogoutClearsRecordsButKeepsDrafts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(transport.Envelope{
			Record: record.Record{"id": "d-1"},
		})
	}))
	t.Cleanup(srv.Close)

	c := newStartedClient(t, testConfig(srv.URL))
	ctx := context.Background()

	_, err := c.Detail(ctx, "deal", "d-1")
	require.NoError(t, err)

	d := c.Drafts().StartEdit("deal", "d-1", record.Record{"id": "d-1", "stage": "open"})
	d.UpdateField("stage", "won")
	c.Drafts().Flush()

	require.NoError(t, c.Logout(ctx))

	_, ok := c.Cache().Get(keys.Detail("deal", "d-1"))
	assert.False(t, ok, "cache cleared on logout")

	drafts, err := c.Drafts().List(ctx)
	require.NoError(t, err)
	require.Len(t, drafts, 1, "in-progress edits survive logout")
	assert.Equal(t, "won", drafts[0].Current()["stage"])
}

func TestClient_OnFocusTouchesOnlyListAndDetailTiers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(srv.Close)

	c := newStartedClient(t, testConfig(srv.URL))
	qc := c.Cache()

	qc.Put(keys.Detail("deal", "d-1"), record.Record{"id": "d-1"})
	qc.Put(keys.List("deal", nil), []record.Record{{"id": "d-1"}})
	qc.MergeReference("deal", record.Record{"d-1": "Acme"})
	qc.Put(keys.Metadata("deal"), record.Record{"fields": []any{"id"}})

	n := c.OnFocus()
	assert.Equal(t, 2, n)

	ref, _ := qc.Get(keys.Reference("deal"))
	assert.Equal(t, cache.StatusFresh, ref.Status, "reference tier skipped on focus")
	meta, _ := qc.Get(keys.Metadata("deal"))
	assert.Equal(t, cache.StatusFresh, meta.Status, "metadata tier skipped on focus")
	d, _ := qc.Get(keys.Detail("deal", "d-1"))
	assert.Equal(t, cache.StatusStale, d.Status)
}

func TestClient_SaveDraftSendsOnlyChanges(t *testing.T) {
	var gotBody record.Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(transport.Envelope{
			Record: record.Record{"id": "d-1", "stage": "won", "amount": 100},
		})
	}))
	t.Cleanup(srv.Close)

	c := newStartedClient(t, testConfig(srv.URL))
	ctx := context.Background()

	d := c.Drafts().StartEdit("deal", "d-1", record.Record{"id": "d-1", "stage": "open", "amount": 100})
	d.UpdateField("stage", "won")

	updated, err := c.SaveDraft(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "won", updated["stage"])

	assert.Equal(t, record.Record{"stage": "won"}, gotBody, "only dirty fields hit the wire")

	_, ok := c.Drafts().Get("deal", "d-1")
	assert.False(t, ok, "draft discarded after a successful save")
	drafts, err := c.Drafts().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, drafts)
}
