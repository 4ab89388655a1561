// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/entsync/pkg/client"
	"github.com/AleutianAI/entsync/pkg/config"
	"github.com/AleutianAI/entsync/pkg/debug"
	"github.com/AleutianAI/entsync/pkg/keys"
	"github.com/AleutianAI/entsync/pkg/logging"
	"github.com/AleutianAI/entsync/pkg/realtime"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "entsync",
		Short: "Inspect and exercise the entity cache & sync layer",
		Long: `entsync is a CLI for the client-side entity cache: fetch records
through the cache, inspect stats, manage crash-recovered drafts, and
tail realtime invalidation events.`,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics",
		RunE:  runStats,
	}

	getCmd = &cobra.Command{
		Use:   "get <entity-type> [id]",
		Short: "Fetch a list or a single record through the cache",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGet,
	}

	draftsCmd = &cobra.Command{
		Use:   "drafts",
		Short: "Manage persisted edit drafts",
	}

	draftsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List drafts left over from previous sessions",
		RunE:  runDraftsList,
	}

	draftsDiscardCmd = &cobra.Command{
		Use:   "discard <entity-type> <id>",
		Short: "Discard a persisted draft",
		Args:  cobra.ExactArgs(2),
		RunE:  runDraftsDiscard,
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Tail realtime invalidation events until interrupted",
		RunE:  runWatch,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the sync layer with the debug server until interrupted",
		RunE:  runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.entsync/entsync.yaml)")
	draftsCmd.AddCommand(draftsListCmd, draftsDiscardCmd)
	rootCmd.AddCommand(statsCmd, getCmd, draftsCmd, watchCmd, serveCmd)
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return config.Config{}, err
		}
	}
	return config.Load(path)
}

func startClient(ctx context.Context, logger *logging.Logger) (*client.Client, config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	c, err := client.New(cfg, client.WithLogger(logger.Slog()))
	if err != nil {
		return nil, config.Config{}, err
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, config.Config{}, err
	}
	return c, cfg, nil
}

func runStats(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{Level: logging.LevelWarn, Service: "entsync"})
	defer logger.Close()

	c, _, err := startClient(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer c.Close()

	stats := c.Cache().Stats()
	out, err := json.MarshalIndent(map[string]any{
		"entries":            stats.EntryCount,
		"hits":               stats.Hits,
		"misses":             stats.Misses,
		"stale_served":       stats.StaleServed,
		"invalidations":      stats.Invalidations,
		"optimistic_applies": stats.OptimisticApplies,
		"rollbacks":          stats.Rollbacks,
		"hit_rate":           stats.HitRate(),
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{Level: logging.LevelWarn, Service: "entsync"})
	defer logger.Close()

	c, _, err := startClient(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer c.Close()

	var v any
	if len(args) == 2 {
		v, err = c.Detail(cmd.Context(), args[0], args[1])
	} else {
		v, err = c.List(cmd.Context(), args[0], nil)
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runDraftsList(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{Level: logging.LevelWarn, Service: "entsync"})
	defer logger.Close()

	c, _, err := startClient(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer c.Close()

	drafts, err := c.Drafts().List(cmd.Context())
	if err != nil {
		return err
	}
	if len(drafts) == 0 {
		fmt.Println("no drafts")
		return nil
	}
	for _, d := range drafts {
		fmt.Printf("%s/%s\tupdated %s\tdirty: %s\n",
			d.EntityType(), d.EntityID(),
			d.UpdatedAt().Format("2006-01-02 15:04:05"),
			strings.Join(d.DirtyFields(), ","),
		)
	}
	return nil
}

func runDraftsDiscard(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{Level: logging.LevelWarn, Service: "entsync"})
	defer logger.Close()

	c, _, err := startClient(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Drafts().Discard(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("discarded draft %s/%s\n", args[0], args[1])
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := logging.Default()
	defer logger.Close()

	c, cfg, err := startClient(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer c.Close()

	rt := c.Realtime()
	if rt == nil {
		return fmt.Errorf("server.realtime_url is not configured (base_url %s)", cfg.Server.BaseURL)
	}
	rt.OnEvent(func(ev realtime.Event) {
		for _, change := range ev.Changes {
			fmt.Printf("%s\t%s/%s\tv%d\n", change.Action, ev.EntityType, change.EntityID, change.Version)
		}
	})

	fmt.Println("watching invalidation events, Ctrl-C to stop")
	waitForInterrupt(cmd.Context())
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.Default()
	defer logger.Close()

	c, cfg, err := startClient(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// TTL tier durations hot-reload from the config file.
	path := configPath
	if path == "" {
		path, err = config.DefaultPath()
		if err != nil {
			return err
		}
	}
	watcher, err := config.NewWatcher(path, logger.Slog(), func(next config.Config) {
		c.Router().SetDurations(keys.TierDurations{
			Reference: next.TTL.Reference,
			Metadata:  next.TTL.Metadata,
			List:      next.TTL.List,
			Detail:    next.TTL.Detail,
		})
	})
	if err != nil {
		return err
	}
	go watcher.Start(ctx)

	if cfg.Debug.Addr != "" {
		srv := debug.NewServer(cfg.Debug.Addr, c.Cache(), c.Realtime(), logger.Slog())
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("debug server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	waitForInterrupt(ctx)
	return nil
}

func waitForInterrupt(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-sig:
	}
}
