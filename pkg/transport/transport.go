// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport is the HTTP boundary to the backend data API.
//
// Responses travel in an envelope carrying the requested record(s) plus
// optional reference and metadata sub-resources; the client caches each
// sub-resource under its own key, upsert-merging reference maps so
// previously cached lookups survive partial responses. Read paths run
// behind a circuit breaker; write paths do not, because every write must
// individually resolve so its optimistic state can be rolled back.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/sony/gobreaker"

	"github.com/AleutianAI/entsync/pkg/cache"
	"github.com/AleutianAI/entsync/pkg/keys"
	"github.com/AleutianAI/entsync/pkg/mutation"
	"github.com/AleutianAI/entsync/pkg/record"
)

// Envelope is the backend's response shape. Every field is optional;
// list reads fill Records, detail reads and writes fill Record.
type Envelope struct {
	Records   []record.Record `json:"records,omitempty"`
	Record    record.Record   `json:"record,omitempty"`
	Reference record.Record   `json:"reference,omitempty"`
	Meta      record.Record   `json:"meta,omitempty"`
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
}

// Client talks to the backend data API.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *cache.Cache
	logger  *slog.Logger
	header  http.Header
	breaker *gobreaker.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHeader sets headers added to every request (authorization).
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// NewClient creates a Client. qc receives reference and metadata
// sub-resources delivered alongside primary responses; it may be nil in
// direct-call tools that do not run a cache.
func NewClient(baseURL string, qc *cache.Cache, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		cache:   qc,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "entsync-reads",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("read circuit state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return c
}

// FetchList reads a filtered collection. Reference and metadata
// sub-resources in the response are absorbed into the cache.
func (c *Client) FetchList(ctx context.Context, entityType string, params map[string]any) ([]record.Record, error) {
	u := c.entityURL(entityType, "") + encodeParams(params)
	env, err := c.read(ctx, u)
	if err != nil {
		return nil, err
	}
	c.absorb(entityType, env)
	return env.Records, nil
}

// FetchDetail reads a single record.
func (c *Client) FetchDetail(ctx context.Context, entityType, id string) (record.Record, error) {
	env, err := c.read(ctx, c.entityURL(entityType, id))
	if err != nil {
		return nil, err
	}
	c.absorb(entityType, env)
	return env.Record, nil
}

// FetchReference reads an entity type's full lookup map.
func (c *Client) FetchReference(ctx context.Context, entityType string) (record.Record, error) {
	env, err := c.read(ctx, c.baseURL+"/api/reference/"+url.PathEscape(entityType))
	if err != nil {
		return nil, err
	}
	c.absorb(entityType, env)
	return env.Reference, nil
}

// ListLoader returns a cache loader for a list query.
func (c *Client) ListLoader(entityType string, params map[string]any) cache.Loader {
	return func(ctx context.Context) (any, error) {
		rows, err := c.FetchList(ctx, entityType, params)
		if err != nil {
			return nil, err
		}
		return rows, nil
	}
}

// DetailLoader returns a cache loader for a single record.
func (c *Client) DetailLoader(entityType, id string) cache.Loader {
	return func(ctx context.Context) (any, error) {
		rec, err := c.FetchDetail(ctx, entityType, id)
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
}

// CreateRecord creates an entity.
func (c *Client) CreateRecord(ctx context.Context, entityType string, data record.Record) (record.Record, error) {
	env, err := c.write(ctx, http.MethodPost, c.entityURL(entityType, ""), data)
	if err != nil {
		return nil, err
	}
	c.absorb(entityType, env)
	return env.Record, nil
}

// UpdateRecord patches an entity's changed fields.
func (c *Client) UpdateRecord(ctx context.Context, entityType, id string, changes record.Record) (record.Record, error) {
	env, err := c.write(ctx, http.MethodPatch, c.entityURL(entityType, id), changes)
	if err != nil {
		return nil, err
	}
	c.absorb(entityType, env)
	return env.Record, nil
}

// DeleteRecord deletes an entity.
func (c *Client) DeleteRecord(ctx context.Context, entityType, id string) error {
	_, err := c.write(ctx, http.MethodDelete, c.entityURL(entityType, id), nil)
	return err
}

func (c *Client) entityURL(entityType, id string) string {
	u := c.baseURL + "/api/" + url.PathEscape(entityType)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

// read issues a GET through the circuit breaker.
func (c *Client) read(ctx context.Context, u string) (*Envelope, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.do(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Envelope), nil
}

// write issues a mutating request. 409 maps to the conflict sentinel so
// the mutation coordinator can classify it.
func (c *Client) write(ctx context.Context, method, u string, body record.Record) (*Envelope, error) {
	return c.do(ctx, method, u, body)
}

func (c *Client) do(ctx context.Context, method, u string, body record.Record) (*Envelope, error) {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", method, err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil, fmt.Errorf("%s %s: %w", method, u, mutation.ErrConflict)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Method: method, URL: u, Code: resp.StatusCode, Body: string(snippet)}
	}

	env := &Envelope{}
	if resp.StatusCode == http.StatusNoContent {
		return env, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	return env, nil
}

// absorb caches the sub-resources a response carried alongside its
// primary payload. Reference maps merge, never overwrite.
func (c *Client) absorb(entityType string, env *Envelope) {
	if c.cache == nil {
		return
	}
	if len(env.Reference) > 0 {
		c.cache.MergeReference(entityType, env.Reference)
	}
	if len(env.Meta) > 0 {
		c.cache.Put(keys.Metadata(entityType), env.Meta)
	}
}

// encodeParams serializes query params deterministically (sorted keys).
func encodeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	values := url.Values{}
	for _, k := range names {
		values.Set(k, fmt.Sprint(params[k]))
	}
	return "?" + values.Encode()
}
