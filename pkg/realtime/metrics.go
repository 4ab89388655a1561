// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "entsync_realtime_connection_state",
		Help: "Push channel state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 closed)",
	})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entsync_realtime_reconnects_total",
		Help: "Reconnect attempts after a failed dial or lost connection",
	})

	eventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entsync_realtime_events_total",
		Help: "Invalidation events received",
	})

	appliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entsync_realtime_changes_applied_total",
		Help: "Entity changes applied to the cache, by action",
	}, []string{"action"})

	staleDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entsync_realtime_stale_drops_total",
		Help: "Changes dropped by the per-entity version gate",
	})

	deferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entsync_realtime_deferred_total",
		Help: "Changes deferred behind an unresolved local mutation",
	})
)
