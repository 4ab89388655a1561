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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

// Tracer for query cache operations.
var tracer = otel.Tracer("entsync.cache")

// Prometheus metrics for cache operations.
var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entsync_cache_fetch_total",
		Help: "Cache reads by outcome",
	}, []string{"outcome"})

	loaderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "entsync_cache_loader_duration_seconds",
		Help:    "Time spent in loaders",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	loaderFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entsync_cache_loader_failures_total",
		Help: "Loader invocations that returned an error",
	})

	invalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entsync_cache_invalidations_total",
		Help: "Entries marked stale by invalidation",
	})

	optimisticTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entsync_cache_optimistic_applies_total",
		Help: "Optimistic group writes applied",
	})

	rollbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entsync_cache_rollbacks_total",
		Help: "Optimistic group writes rolled back",
	})

	gcEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entsync_cache_gc_evictions_total",
		Help: "Entries dropped by the janitor",
	})
)

// Outcome labels for fetchTotal.
const (
	outcomeHit   = "hit"
	outcomeMiss  = "miss"
	outcomeStale = "stale"
)
