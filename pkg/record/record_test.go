// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClone verifies deep copies are independent of the source.
func TestClone(t *testing.T) {
	src := Record{
		"id":   "p-1",
		"name": "Alpha",
		"tags": []any{"a", "b"},
		"owner": map[string]any{
			"id": "u-1",
		},
	}

	dst := Clone(src)
	require.Equal(t, src, dst)

	dst["name"] = "Beta"
	dst["owner"].(map[string]any)["id"] = "u-2"
	dst["tags"].([]any)[0] = "z"

	assert.Equal(t, "Alpha", src["name"])
	assert.Equal(t, "u-1", src["owner"].(map[string]any)["id"])
	assert.Equal(t, "a", src["tags"].([]any)[0])
}

// TestClone_Nil verifies nil in, nil out.
func TestClone_Nil(t *testing.T) {
	assert.Nil(t, Clone(nil))
	assert.Nil(t, CloneList(nil))
}

// TestDiff verifies only changed fields appear in the diff.
func TestDiff(t *testing.T) {
	original := Record{"id": "1", "budget": 100, "name": "Alpha", "note": "x"}
	current := Record{"id": "1", "budget": 200, "name": "Alpha"}

	changes := Diff(original, current)

	assert.Equal(t, Record{"budget": 200, "note": nil}, changes)
}

// TestDiff_NoChanges verifies an identical record diffs to empty.
func TestDiff_NoChanges(t *testing.T) {
	r := Record{"id": "1", "budget": 100}
	assert.Empty(t, Diff(r, Clone(r)))
}

// TestDirtyFields verifies the dirty set is sorted and exact.
func TestDirtyFields(t *testing.T) {
	original := Record{"id": "1", "b": 1, "a": 2}
	current := Record{"id": "1", "b": 9, "a": 3}

	assert.Equal(t, []string{"a", "b"}, DirtyFields(original, current))
}

// TestMerge verifies upsert semantics: existing fields survive.
func TestMerge(t *testing.T) {
	dst := Record{"u-1": "Alice", "u-2": "Bob"}
	src := Record{"u-2": "Bobby", "u-3": "Carol"}

	out := Merge(dst, src)

	assert.Equal(t, Record{"u-1": "Alice", "u-2": "Bobby", "u-3": "Carol"}, out)
}

// TestMerge_NilDst verifies merging into nil allocates.
func TestMerge_NilDst(t *testing.T) {
	out := Merge(nil, Record{"k": "v"})
	assert.Equal(t, Record{"k": "v"}, out)
}

// TestNormalizeList handles both in-process and JSON-decoded shapes.
func TestNormalizeList(t *testing.T) {
	t.Run("record slice passes through", func(t *testing.T) {
		rows := []Record{{"id": "1"}}
		assert.Equal(t, rows, NormalizeList(rows))
	})

	t.Run("any slice is converted", func(t *testing.T) {
		rows := NormalizeList([]any{map[string]any{"id": "1"}, "garbage"})
		require.Len(t, rows, 1)
		assert.Equal(t, "1", ID(rows[0]))
	})

	t.Run("other values yield nil", func(t *testing.T) {
		assert.Nil(t, NormalizeList(42))
		assert.Nil(t, NormalizeList(nil))
	})
}

// TestIndexByID finds rows by their id field.
func TestIndexByID(t *testing.T) {
	rows := []Record{{"id": "a"}, {"id": "b"}}
	assert.Equal(t, 1, IndexByID(rows, "b"))
	assert.Equal(t, -1, IndexByID(rows, "zzz"))
}

// TestCanonicalJSON verifies key order does not affect output.
func TestCanonicalJSON(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
