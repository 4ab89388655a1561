// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/entsync/pkg/keys"
	"github.com/AleutianAI/entsync/pkg/record"
)

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c := New(keys.NewRouter(keys.TierDurations{}), opts...)
	t.Cleanup(c.Stop)
	return c
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestFetch_DeduplicatesConcurrentLoads(t *testing.T) {
	c := newTestCache(t)
	key := keys.Detail("project", "p-1")

	var calls int64
	release := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt64(&calls, 1)
		<-release
		return record.Record{"id": "p-1", "name": "Apollo"}, nil
	}

	const n = 8
	results := make([]any, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Fetch(context.Background(), key, loader)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	waitFor(t, func() bool { return atomic.LoadInt64(&calls) == 1 }, "loader start")
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "one loader for N concurrent callers")
	for _, v := range results {
		rec, ok := record.NormalizeRecord(v)
		require.True(t, ok)
		assert.Equal(t, "Apollo", rec["name"])
	}

	e, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, StatusFresh, e.Status)
}

func TestFetch_FreshHitSkipsLoader(t *testing.T) {
	c := newTestCache(t)
	key := keys.Detail("deal", "d-1")

	var calls int64
	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt64(&calls, 1)
		return record.Record{"id": "d-1"}, nil
	}

	_, err := c.Fetch(context.Background(), key, loader)
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), key, loader)
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestFetch_StaleWhileRevalidate(t *testing.T) {
	c := newTestCache(t)
	key := keys.Detail("contact", "c-1")

	// Seed an entry already past its deadline.
	c.Put(key, record.Record{"id": "c-1", "rev": 1})
	c.mu.Lock()
	c.entries[key].StaleAfter = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	loaded := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		defer close(loaded)
		return record.Record{"id": "c-1", "rev": 2}, nil
	}

	v, err := c.Fetch(context.Background(), key, loader)
	require.NoError(t, err)
	rec, _ := record.NormalizeRecord(v)
	assert.EqualValues(t, 1, rec["rev"], "stale value served immediately")

	<-loaded
	waitFor(t, func() bool {
		e, _ := c.Get(key)
		r, _ := record.NormalizeRecord(e.Value)
		return r != nil && r["rev"] == 2
	}, "background revalidation applied")

	e, _ := c.Get(key)
	assert.Equal(t, StatusFresh, e.Status)
	assert.EqualValues(t, 1, c.Stats().StaleServed)
}

func TestFetch_ErrorRetainsLastGoodValue(t *testing.T) {
	c := newTestCache(t)
	key := keys.Detail("task", "t-1")

	c.Put(key, record.Record{"id": "t-1", "title": "good"})
	c.mu.Lock()
	c.entries[key].StaleAfter = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	boom := errors.New("upstream 502")
	failed := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		defer close(failed)
		return nil, boom
	}

	v, err := c.Fetch(context.Background(), key, loader)
	require.NoError(t, err, "stale value preferred over surfacing the error")
	rec, _ := record.NormalizeRecord(v)
	assert.Equal(t, "good", rec["title"])

	<-failed
	waitFor(t, func() bool {
		e, _ := c.Get(key)
		return e.Status == StatusError
	}, "error status applied")

	e, _ := c.Get(key)
	assert.Equal(t, "good", e.Value.(record.Record)["title"], "value survives the failure")
	assert.ErrorIs(t, e.Err, boom)
}

func TestFetch_ErrorWithNoValueSurfaces(t *testing.T) {
	c := newTestCache(t)
	key := keys.Detail("task", "t-missing")

	boom := errors.New("not found upstream")
	_, err := c.Fetch(context.Background(), key, func(ctx context.Context) (any, error) {
		return nil, boom
	})
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, key, fe.Key)
	assert.ErrorIs(t, err, boom)
}

func TestInvalidate_RefetchesOnlyWhenSubscribed(t *testing.T) {
	c := newTestCache(t)

	t.Run("unsubscribed key stays stale", func(t *testing.T) {
		key := keys.Detail("note", "n-1")
		c.Put(key, record.Record{"id": "n-1"})

		require.True(t, c.Invalidate(key))

		e, _ := c.Get(key)
		assert.Equal(t, StatusStale, e.Status)
	})

	t.Run("subscribed key revalidates immediately", func(t *testing.T) {
		key := keys.Detail("note", "n-2")
		c.Put(key, record.Record{"id": "n-2", "rev": 1})

		var notified atomic.Int64
		unsub := c.Subscribe(key, func(ctx context.Context) (any, error) {
			return record.Record{"id": "n-2", "rev": 2}, nil
		}, func(e Entry) {
			notified.Add(1)
		})
		defer unsub()

		require.True(t, c.Invalidate(key))

		waitFor(t, func() bool {
			e, _ := c.Get(key)
			r, _ := record.NormalizeRecord(e.Value)
			return e.Status == StatusFresh && r["rev"] == 2
		}, "subscriber-driven refetch")
		assert.Greater(t, notified.Load(), int64(0))
	})

	t.Run("missing key reports false", func(t *testing.T) {
		assert.False(t, c.Invalidate(keys.Detail("note", "zzz")))
	})
}

func TestInvalidateWhere_MatchesByPredicate(t *testing.T) {
	c := newTestCache(t)
	c.Put(keys.List("deal", nil), []record.Record{{"id": "d-1"}})
	c.Put(keys.Detail("deal", "d-1"), record.Record{"id": "d-1"})
	c.Put(keys.Detail("contact", "c-1"), record.Record{"id": "c-1"})

	n := c.InvalidateWhere(func(key string) bool {
		return keys.EntityType(key) == "deal"
	})
	assert.Equal(t, 2, n)

	e, _ := c.Get(keys.Detail("contact", "c-1"))
	assert.Equal(t, StatusFresh, e.Status, "non-matching entries untouched")
}

func TestOptimistic_ApplyAndRollbackIsAtomic(t *testing.T) {
	c := newTestCache(t)
	listKey := keys.List("project", nil)
	detailKey := keys.Detail("project", "p-1")

	c.Put(listKey, []record.Record{{"id": "p-1", "budget": 100}})
	c.Put(detailKey, record.Record{"id": "p-1", "budget": 100})

	ops := []Op{
		{Key: listKey, Update: func(cur any, exists bool) (any, bool) {
			rows := record.CloneList(record.NormalizeList(cur))
			rows[0]["budget"] = 200
			return rows, true
		}},
		{Key: detailKey, Update: func(cur any, exists bool) (any, bool) {
			rec, _ := record.NormalizeRecord(cur)
			next := record.Clone(rec)
			next["budget"] = 200
			return next, true
		}},
	}

	snaps := c.ApplyOptimistic(ops)
	require.Len(t, snaps, 2)

	for _, key := range []string{listKey, detailKey} {
		e, ok := c.Get(key)
		require.True(t, ok)
		assert.Equal(t, StatusOptimistic, e.Status, key)
	}
	d, _ := c.Get(detailKey)
	assert.EqualValues(t, 200, d.Value.(record.Record)["budget"])

	// Server rejected: every key reverts to its exact pre-write state.
	c.RestoreSnapshots(snaps)

	d, _ = c.Get(detailKey)
	assert.EqualValues(t, 100, d.Value.(record.Record)["budget"])
	assert.Equal(t, StatusFresh, d.Status)

	l, _ := c.Get(listKey)
	assert.EqualValues(t, 100, record.NormalizeList(l.Value)[0]["budget"])
}

func TestOptimistic_RollbackRemovesCreatedEntries(t *testing.T) {
	c := newTestCache(t)
	key := keys.Detail("project", "tmp-abc")

	snaps := c.ApplyOptimistic([]Op{{
		Key: key,
		Update: func(cur any, exists bool) (any, bool) {
			return record.Record{"id": "tmp-abc"}, true
		},
	}})

	_, ok := c.Get(key)
	require.True(t, ok)

	c.RestoreSnapshots(snaps)
	_, ok = c.Get(key)
	assert.False(t, ok, "entry that did not exist before the write is removed")
}

func TestOptimistic_LoaderResultDoesNotClobberPendingWrite(t *testing.T) {
	c := newTestCache(t)
	key := keys.Detail("deal", "d-1")

	started := make(chan struct{})
	release := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return record.Record{"id": "d-1", "stage": "server"}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Fetch(context.Background(), key, loader)
	}()
	<-started

	// Local write lands while the loader is in flight.
	c.ApplyOptimistic([]Op{{
		Key: key,
		Update: func(cur any, exists bool) (any, bool) {
			return record.Record{"id": "d-1", "stage": "local"}, true
		},
	}})

	close(release)
	<-done

	e, _ := c.Get(key)
	assert.Equal(t, StatusOptimistic, e.Status)
	assert.Equal(t, "local", e.Value.(record.Record)["stage"], "stale loader result discarded")
}

func TestCommit_StampsFreshAndRemoves(t *testing.T) {
	c := newTestCache(t)
	tmpKey := keys.Detail("project", "tmp-1")
	realKey := keys.Detail("project", "p-9")

	c.ApplyOptimistic([]Op{{
		Key: tmpKey,
		Update: func(cur any, exists bool) (any, bool) {
			return record.Record{"id": "tmp-1"}, true
		},
	}})

	c.Commit([]Op{
		{Key: tmpKey, Update: func(cur any, exists bool) (any, bool) { return nil, false }},
		{Key: realKey, Update: func(cur any, exists bool) (any, bool) {
			return record.Record{"id": "p-9"}, true
		}},
	})

	_, ok := c.Get(tmpKey)
	assert.False(t, ok, "temporary entry removed on commit")

	e, ok := c.Get(realKey)
	require.True(t, ok)
	assert.Equal(t, StatusFresh, e.Status)
}

func TestMergeReference_UpsertsWithoutDroppingExisting(t *testing.T) {
	c := newTestCache(t)

	c.MergeReference("user", record.Record{"u-1": "Ada", "u-2": "Grace"})
	c.MergeReference("user", record.Record{"u-2": "Grace H", "u-3": "Edsger"})

	e, ok := c.Get(keys.Reference("user"))
	require.True(t, ok)
	ref, _ := record.NormalizeRecord(e.Value)
	assert.Equal(t, "Ada", ref["u-1"], "entries absent from a later merge survive")
	assert.Equal(t, "Grace H", ref["u-2"])
	assert.Equal(t, "Edsger", ref["u-3"])

	c.DropReference("user", "u-1")
	e, _ = c.Get(keys.Reference("user"))
	ref, _ = record.NormalizeRecord(e.Value)
	assert.NotContains(t, ref, "u-1")
	assert.Contains(t, ref, "u-2")
}

func TestPutHydrated_NeverClobbersLiveEntries(t *testing.T) {
	c := newTestCache(t)
	key := keys.Detail("deal", "d-1")
	now := time.Now()

	c.PutHydrated(key, record.Record{"id": "d-1", "src": "disk"}, now, now.Add(time.Minute), false)
	e, _ := c.Get(key)
	assert.Equal(t, StatusStale, e.Status, "unvouched hydrated rows revalidate on first access")

	c.Put(key, record.Record{"id": "d-1", "src": "live"})
	c.PutHydrated(key, record.Record{"id": "d-1", "src": "disk"}, now, now.Add(time.Minute), true)

	e, _ = c.Get(key)
	assert.Equal(t, "live", e.Value.(record.Record)["src"])
}

func TestPersistHook_ReceivesWrites(t *testing.T) {
	var mu sync.Mutex
	persisted := make(map[string]int)
	removed := make(map[string]int)

	c := newTestCache(t,
		WithPersist(func(e Entry) {
			mu.Lock()
			persisted[e.Key]++
			mu.Unlock()
		}),
		WithRemoveDurable(func(key string) {
			mu.Lock()
			removed[key]++
			mu.Unlock()
		}),
	)

	key := keys.Detail("contact", "c-1")
	c.Put(key, record.Record{"id": "c-1"})
	c.Remove(key)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, persisted[key])
	assert.Equal(t, 1, removed[key])
}

func TestSweep_EvictsOnlyUnobservedExpiredEntries(t *testing.T) {
	c := newTestCache(t, WithMaxAgeFloor(time.Hour))

	old := time.Now().Add(-3 * time.Hour)
	seed := func(key string, status Status) {
		c.mu.Lock()
		c.entries[key] = &entry{Entry: Entry{
			Key: key, Value: record.Record{"id": key},
			FetchedAt: old, StaleAfter: old, Status: status,
		}}
		c.mu.Unlock()
	}

	expired := keys.Detail("task", "t-old")
	pending := keys.Detail("task", "t-pending")
	watched := keys.Detail("task", "t-watched")
	recent := keys.Detail("task", "t-new")

	seed(expired, StatusStale)
	seed(pending, StatusOptimistic)
	seed(watched, StatusStale)
	c.Put(recent, record.Record{"id": "t-new"})

	unsub := c.Subscribe(watched, nil, nil)
	defer unsub()

	c.sweep(time.Now())

	_, ok := c.Get(expired)
	assert.False(t, ok, "expired unobserved entry evicted")
	_, ok = c.Get(pending)
	assert.True(t, ok, "pending local write never evicted")
	_, ok = c.Get(watched)
	assert.True(t, ok, "subscribed entry never evicted")
	_, ok = c.Get(recent)
	assert.True(t, ok)
	assert.EqualValues(t, 1, c.Stats().Evictions)
}

func TestStats_HitRate(t *testing.T) {
	s := Stats{Hits: 3, Misses: 1}
	assert.InDelta(t, 75.0, s.HitRate(), 0.01)
	assert.Zero(t, Stats{}.HitRate())
}
