// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package debug serves a local HTTP surface for inspecting the cache and
// the push channel: health, stats, connection state, Prometheus metrics.
package debug

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/entsync/pkg/cache"
	"github.com/AleutianAI/entsync/pkg/realtime"
)

// Server is the local debug HTTP server.
type Server struct {
	addr     string
	logger   *slog.Logger
	cache    *cache.Cache
	realtime *realtime.Invalidator
	srv      *http.Server
}

// NewServer creates a debug server. rt may be nil when no push channel
// is configured.
func NewServer(addr string, qc *cache.Cache, rt *realtime.Invalidator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:     addr,
		logger:   logger,
		cache:    qc,
		realtime: rt,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/stats", s.handleStats)
	engine.GET("/realtime", s.handleRealtime)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.cache.Stats()
	c.JSON(http.StatusOK, gin.H{
		"entries":            stats.EntryCount,
		"hits":               stats.Hits,
		"misses":             stats.Misses,
		"stale_served":       stats.StaleServed,
		"refetches":          stats.Refetches,
		"invalidations":      stats.Invalidations,
		"optimistic_applies": stats.OptimisticApplies,
		"rollbacks":          stats.Rollbacks,
		"evictions":          stats.Evictions,
		"hit_rate":           stats.HitRate(),
	})
}

func (s *Server) handleRealtime(c *gin.Context) {
	if s.realtime == nil {
		c.JSON(http.StatusOK, gin.H{"configured": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"configured": true,
		"state":      s.realtime.State().String(),
	})
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until Shutdown. Run it in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("debug server listening", slog.String("addr", s.addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
