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
	"log/slog"
	"time"
)

// Status is the freshness state of one cache entry.
type Status int

const (
	// StatusFresh means the value is inside its TTL and trusted.
	StatusFresh Status = iota

	// StatusStale means the value is past its TTL or was invalidated;
	// it stays visible while a revalidation is due.
	StatusStale

	// StatusFetching means a loader is in flight for this key.
	StatusFetching

	// StatusError means the last loader failed; the error is retained and
	// any previous value stays visible.
	StatusError

	// StatusOptimistic means the value carries an unconfirmed local write.
	// Rollback uses this to know what to revert, and loader results never
	// overwrite it.
	StatusOptimistic
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusStale:
		return "stale"
	case StatusFetching:
		return "fetching"
	case StatusError:
		return "error"
	case StatusOptimistic:
		return "optimistic"
	default:
		return "unknown"
	}
}

// Entry is one cached query result as seen by callers.
//
// Entries are returned by value; nobody mutates a cached payload in place.
// All writes go through Cache operations.
type Entry struct {
	// Key is the cache key.
	Key string

	// Value is the opaque payload (a record, a row slice, a lookup map).
	Value any

	// FetchedAt is when the payload was obtained.
	FetchedAt time.Time

	// StaleAfter is the staleness deadline (FetchedAt + tier TTL).
	StaleAfter time.Time

	// Status is the freshness state.
	Status Status

	// Err is the retained loader error when Status is StatusError.
	Err error
}

// HasValue reports whether the entry carries a usable payload.
func (e Entry) HasValue() bool {
	return e.Value != nil
}

// ExpiredAt reports whether the entry is past its staleness deadline.
func (e Entry) ExpiredAt(now time.Time) bool {
	return !e.StaleAfter.IsZero() && now.After(e.StaleAfter)
}

// entry is the internal mutable form. gen increments on every write so a
// slow loader result that lost the race (to an optimistic write or an
// invalidation) is discarded instead of applied.
type entry struct {
	Entry
	gen uint64
}

// Loader fetches the payload for one key. It must honor ctx cancellation.
type Loader func(ctx context.Context) (any, error)

// PersistFunc receives successful in-memory writes for best-effort
// durable write-through. Called outside cache locks; must not block.
type PersistFunc func(e Entry)

// RemoveFunc receives durable-removal requests when an entry is dropped.
type RemoveFunc func(key string)

// Snapshot captures one entry's exact state before an optimistic write,
// for verbatim rollback.
type Snapshot struct {
	Key     string
	Entry   Entry
	Existed bool
}

// Op is one keyed mutation inside an atomic group write.
//
// Update receives the current value (nil if the entry does not exist) and
// returns the replacement. Returning keep=false removes the entry. Update
// must not mutate cur in place; it returns fresh values.
type Op struct {
	Key    string
	Update func(cur any, exists bool) (next any, keep bool)
}

// Stats are point-in-time cache counters.
type Stats struct {
	EntryCount        int
	Hits              int64
	Misses            int64
	StaleServed       int64
	Refetches         int64
	Invalidations     int64
	OptimisticApplies int64
	Rollbacks         int64
	Evictions         int64
}

// HitRate returns the hit percentage across all reads.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses + s.StaleServed
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Default GC cadence and retention floor.
const (
	DefaultMaxAgeFloor = 24 * time.Hour
	DefaultGCInterval  = 5 * time.Minute
)

// Options configures Cache behavior.
type Options struct {
	// Logger receives absorbed persistence failures and refetch errors.
	Logger *slog.Logger

	// MaxAgeFloor is how long past StaleAfter an unobserved entry is kept
	// before garbage collection.
	MaxAgeFloor time.Duration

	// GCInterval is the janitor cadence.
	GCInterval time.Duration

	// Persist is the durable write-through hook (optional).
	Persist PersistFunc

	// RemoveDurable is the durable removal hook (optional).
	RemoveDurable RemoveFunc
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Logger:      slog.Default(),
		MaxAgeFloor: DefaultMaxAgeFloor,
		GCInterval:  DefaultGCInterval,
	}
}

// Option is a functional option for configuring Cache.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithMaxAgeFloor sets the GC retention floor past StaleAfter.
func WithMaxAgeFloor(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.MaxAgeFloor = d
		}
	}
}

// WithGCInterval sets the janitor cadence.
func WithGCInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.GCInterval = d
		}
	}
}

// WithPersist sets the durable write-through hook.
func WithPersist(fn PersistFunc) Option {
	return func(o *Options) { o.Persist = fn }
}

// WithRemoveDurable sets the durable removal hook.
func WithRemoveDurable(fn RemoveFunc) Option {
	return func(o *Options) { o.RemoveDurable = fn }
}
