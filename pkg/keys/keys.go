// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package keys derives stable cache keys and classifies them into TTL tiers.
//
// A key is a composite string of (tier, entity type, identifier-or-query
// hash). The same logical query always produces the same key: query
// parameters are canonicalized before hashing, so property order is
// irrelevant. Every key belongs to exactly one tier, and the tier decides
// the staleness duration and refresh policy.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/entsync/pkg/record"
)

// Tier is a class of cache keys sharing a staleness duration.
type Tier int

const (
	// TierReference holds long-lived lookup data (name maps, enums).
	TierReference Tier = iota

	// TierMetadata holds medium-lived shape/field definitions.
	TierMetadata

	// TierList holds short-lived paginated or filtered collections.
	TierList

	// TierDetail holds single-instance records subject to concurrent edits.
	// Shortest-lived tier.
	TierDetail
)

// String returns the key prefix of the tier.
func (t Tier) String() string {
	switch t {
	case TierReference:
		return "ref"
	case TierMetadata:
		return "meta"
	case TierList:
		return "list"
	case TierDetail:
		return "detail"
	default:
		return "unknown"
	}
}

// Default staleness durations per tier.
const (
	DefaultReferenceTTL = 30 * time.Minute
	DefaultMetadataTTL  = 10 * time.Minute
	DefaultListTTL      = 60 * time.Second
	DefaultDetailTTL    = 30 * time.Second
)

// TierDurations holds the staleness duration of each tier.
type TierDurations struct {
	Reference time.Duration
	Metadata  time.Duration
	List      time.Duration
	Detail    time.Duration
}

// DefaultTierDurations returns the stock durations.
func DefaultTierDurations() TierDurations {
	return TierDurations{
		Reference: DefaultReferenceTTL,
		Metadata:  DefaultMetadataTTL,
		List:      DefaultListTTL,
		Detail:    DefaultDetailTTL,
	}
}

// Router maps keys to tiers and tiers to staleness durations.
//
// Durations are swappable at runtime (config hot reload); reads take the
// read lock only.
//
// Thread Safety: safe for concurrent use.
type Router struct {
	mu        sync.RWMutex
	durations TierDurations
}

// NewRouter creates a Router. Zero durations fall back to defaults.
func NewRouter(d TierDurations) *Router {
	defaults := DefaultTierDurations()
	if d.Reference <= 0 {
		d.Reference = defaults.Reference
	}
	if d.Metadata <= 0 {
		d.Metadata = defaults.Metadata
	}
	if d.List <= 0 {
		d.List = defaults.List
	}
	if d.Detail <= 0 {
		d.Detail = defaults.Detail
	}
	return &Router{durations: d}
}

// SetDurations replaces the tier durations. Existing entries keep the
// staleness deadline they were stamped with; new fetches use the new values.
func (r *Router) SetDurations(d TierDurations) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.Reference > 0 {
		r.durations.Reference = d.Reference
	}
	if d.Metadata > 0 {
		r.durations.Metadata = d.Metadata
	}
	if d.List > 0 {
		r.durations.List = d.List
	}
	if d.Detail > 0 {
		r.durations.Detail = d.Detail
	}
}

// TTL returns the staleness duration of a tier.
func (r *Router) TTL(t Tier) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch t {
	case TierReference:
		return r.durations.Reference
	case TierMetadata:
		return r.durations.Metadata
	case TierList:
		return r.durations.List
	default:
		return r.durations.Detail
	}
}

// StaleAfter returns the staleness deadline for a key fetched at fetchedAt.
func (r *Router) StaleAfter(key string, fetchedAt time.Time) time.Time {
	tier, _ := TierOf(key)
	return fetchedAt.Add(r.TTL(tier))
}

// RefreshOnFocus reports whether keys of this tier are eligible for the
// refresh-on-focus trigger. Reference and metadata data change too rarely
// to justify a refetch every time the app regains focus.
func RefreshOnFocus(t Tier) bool {
	return t == TierList || t == TierDetail
}

// sep joins the key segments. Entity types never contain it.
const sep = "|"

// Detail returns the key of a single-instance record.
func Detail(entityType, id string) string {
	return TierDetail.String() + sep + entityType + sep + id
}

// List returns the key of a filtered/paginated collection.
//
// Params are canonicalized (JSON with sorted keys) and hashed, so two maps
// with the same pairs in different insertion order share a key. Nil params
// address the unfiltered collection.
func List(entityType string, params map[string]any) string {
	if len(params) == 0 {
		return TierList.String() + sep + entityType + sep + "all"
	}
	return TierList.String() + sep + entityType + sep + hashParams(params)
}

// Reference returns the key of an entity type's lookup map.
func Reference(entityType string) string {
	return TierReference.String() + sep + entityType
}

// Metadata returns the key of an entity type's shape definition.
func Metadata(entityType string) string {
	return TierMetadata.String() + sep + entityType
}

// TierOf parses the tier prefix of a key.
func TierOf(key string) (Tier, bool) {
	prefix, _, ok := strings.Cut(key, sep)
	if !ok {
		return TierDetail, false
	}
	switch prefix {
	case "ref":
		return TierReference, true
	case "meta":
		return TierMetadata, true
	case "list":
		return TierList, true
	case "detail":
		return TierDetail, true
	default:
		return TierDetail, false
	}
}

// EntityType returns the entity-type segment of a key, or "".
func EntityType(key string) string {
	parts := strings.SplitN(key, sep, 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// DetailID returns the id segment of a detail key, or "" for other tiers.
func DetailID(key string) string {
	parts := strings.SplitN(key, sep, 3)
	if len(parts) != 3 || parts[0] != "detail" {
		return ""
	}
	return parts[2]
}

// IsListOf reports whether key addresses a list of the given entity type.
func IsListOf(key, entityType string) bool {
	return strings.HasPrefix(key, "list"+sep+entityType+sep)
}

// hashParams produces a short stable digest of canonicalized params.
func hashParams(params map[string]any) string {
	data, err := record.CanonicalJSON(params)
	if err != nil {
		// Unserializable params cannot address a cache slot; fall back to a
		// formatted dump, still deterministic for the same map.
		data = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
