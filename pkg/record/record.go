// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package record models loosely-typed entity payloads.
//
// Server records are JSON objects whose field set is not known at compile
// time. Operations here are structural: they compare, clone, diff, and
// merge field maps without interpreting field semantics.
package record

import (
	"encoding/json"
	"reflect"
	"sort"
)

// Record is one entity payload: a field-name to field-value map.
type Record = map[string]any

// IDField is the conventional primary-key field of a record.
const IDField = "id"

// ID returns the string id of a record, or "" if absent or non-string.
func ID(r Record) string {
	if r == nil {
		return ""
	}
	if id, ok := r[IDField].(string); ok {
		return id
	}
	return ""
}

// Clone returns a deep copy of a record.
//
// Nested maps and slices are copied recursively; scalar values are shared
// (they are immutable once decoded from JSON).
func Clone(r Record) Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// CloneList deep-copies a slice of records.
func CloneList(rows []Record) []Record {
	if rows == nil {
		return nil
	}
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = Clone(r)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []Record:
		return CloneList(t)
	default:
		return v
	}
}

// Equal reports structural equality of two field values.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Diff returns the fields of current that differ from original.
//
// A field present in original but removed from current appears in the diff
// with a nil value. The returned map is the minimal change payload for a
// network PATCH; it is never the full record.
func Diff(original, current Record) Record {
	changes := make(Record)
	for k, v := range current {
		if ov, ok := original[k]; !ok || !Equal(ov, v) {
			changes[k] = v
		}
	}
	for k := range original {
		if _, ok := current[k]; !ok {
			changes[k] = nil
		}
	}
	return changes
}

// DirtyFields returns the sorted names of fields where current differs
// from original.
func DirtyFields(original, current Record) []string {
	changes := Diff(original, current)
	fields := make([]string, 0, len(changes))
	for k := range changes {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Merge upserts every field of src into dst and returns dst.
//
// Fields of dst absent from src are preserved. This is the merge rule for
// reference-data maps: a response carrying a partial lookup table must not
// wipe previously cached entries.
func Merge(dst, src Record) Record {
	if dst == nil {
		dst = make(Record, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// NormalizeList coerces a cached list value into []Record.
//
// Values arrive either as []Record (set in-process) or as []any of
// map[string]any (decoded from persisted JSON). Anything else yields nil.
func NormalizeList(v any) []Record {
	switch t := v.(type) {
	case []Record:
		return t
	case []any:
		out := make([]Record, 0, len(t))
		for _, e := range t {
			if r, ok := e.(map[string]any); ok {
				out = append(out, r)
			}
		}
		return out
	case nil:
		return nil
	default:
		return nil
	}
}

// NormalizeRecord coerces a cached detail value into a Record.
func NormalizeRecord(v any) (Record, bool) {
	r, ok := v.(map[string]any)
	return r, ok
}

// IndexByID returns the position of the row with the given id, or -1.
func IndexByID(rows []Record, id string) int {
	for i, r := range rows {
		if ID(r) == id {
			return i
		}
	}
	return -1
}

// CanonicalJSON serializes a value with deterministic field order.
//
// encoding/json sorts map keys, so two structurally equal maps always
// produce identical bytes regardless of insertion order.
func CanonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
