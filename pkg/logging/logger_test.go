// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "entsync-test",
		Quiet:   true,
	})

	logger.Info("cache hydrated", "records", 7)
	logger.Debug("filtered out", "ignored", true)
	require.NoError(t, logger.Close())

	filename := "entsync-test_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &entry))
	assert.Equal(t, "cache hydrated", entry["msg"])
	assert.EqualValues(t, 7, entry["records"])
	assert.Equal(t, "entsync-test", entry["service"])
	assert.NotContains(t, string(data), "filtered out", "debug filtered below Info")
}

func TestNew_CreatesLogDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	logger := New(Config{LogDir: dir, Quiet: true})
	defer logger.Close()

	logger.Info("hello")
	assert.DirExists(t, dir)
}

func TestWith_CarriesAttributes(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "entsync-test", Quiet: true})
	defer logger.Close()

	logger.With("entity_type", "deal").Info("invalidated")

	filename := "entsync-test_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"entity_type":"deal"`)
}

func TestClose_WithoutFileIsSafe(t *testing.T) {
	logger := Default()
	assert.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".entsync"), expandPath("~/.entsync"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.Equal(t, "rel/path", expandPath("rel/path"))
}
