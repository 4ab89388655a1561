// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the YAML configuration, creating a
// default file on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full SDK configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" validate:"required"`
	Storage  StorageConfig  `yaml:"storage"`
	TTL      TTLConfig      `yaml:"ttl"`
	Sync     SyncConfig     `yaml:"sync"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Debug    DebugConfig    `yaml:"debug"`
}

// ServerConfig points at the backend data API and push channel.
type ServerConfig struct {
	BaseURL     string `yaml:"base_url" validate:"required,url"`
	RealtimeURL string `yaml:"realtime_url" validate:"omitempty,uri"`
}

// StorageConfig controls the durable store.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// TTLConfig sets the staleness duration of each cache tier. Hot
// reloadable.
type TTLConfig struct {
	Reference time.Duration `yaml:"reference" validate:"gte=0"`
	Metadata  time.Duration `yaml:"metadata" validate:"gte=0"`
	List      time.Duration `yaml:"list" validate:"gte=0"`
	Detail    time.Duration `yaml:"detail" validate:"gte=0"`
}

// SyncConfig tunes hydration trust and retention.
type SyncConfig struct {
	GraceWindow time.Duration `yaml:"grace_window" validate:"gte=0"`
	MaxAgeFloor time.Duration `yaml:"max_age_floor" validate:"gte=0"`
}

// RealtimeConfig tunes the push channel heartbeat.
type RealtimeConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gte=0"`
	PongTimeout       time.Duration `yaml:"pong_timeout" validate:"gte=0"`
}

// DebugConfig controls the local debug HTTP server.
type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"omitempty,hostname_port"`
}

var validate = validator.New()

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
		},
		Storage: StorageConfig{
			Path: defaultStoragePath(),
		},
		TTL: TTLConfig{
			Reference: 30 * time.Minute,
			Metadata:  10 * time.Minute,
			List:      60 * time.Second,
			Detail:    30 * time.Second,
		},
		Sync: SyncConfig{
			GraceWindow: 30 * time.Second,
			MaxAgeFloor: 24 * time.Hour,
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: 15 * time.Second,
			PongTimeout:       45 * time.Second,
		},
		Debug: DebugConfig{
			Addr: "localhost:7717",
		},
	}
}

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".entsync", "entsync.yaml"), nil
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".entsync-data"
	}
	return filepath.Join(home, ".entsync", "data")
}

// Load reads the config at path, creating a default file on first run.
func Load(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return Config{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
