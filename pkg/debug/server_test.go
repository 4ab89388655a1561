// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/entsync/pkg/cache"
	"github.com/AleutianAI/entsync/pkg/keys"
	"github.com/AleutianAI/entsync/pkg/record"
)

func TestDebugEndpoints(t *testing.T) {
	qc := cache.New(keys.NewRouter(keys.TierDurations{}))
	t.Cleanup(qc.Stop)
	qc.Put(keys.Detail("deal", "d-1"), record.Record{"id": "d-1"})
	// A hit read so the fetch counter has a series to expose.
	_, err := qc.Fetch(context.Background(), keys.Detail("deal", "d-1"), nil)
	require.NoError(t, err)

	s := NewServer("localhost:0", qc, nil, nil)

	get := func(path string) (*httptest.ResponseRecorder, map[string]any) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		s.Handler().ServeHTTP(w, req)
		var body map[string]any
		if w.Header().Get("Content-Type") != "" && json.Unmarshal(w.Body.Bytes(), &body) == nil {
			return w, body
		}
		return w, nil
	}

	t.Run("healthz", func(t *testing.T) {
		w, body := get("/healthz")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("stats", func(t *testing.T) {
		w, body := get("/stats")
		assert.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, body, "entries")
		assert.EqualValues(t, 1, body["entries"])
	})

	t.Run("realtime without channel", func(t *testing.T) {
		w, body := get("/realtime")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, body["configured"])
	})

	t.Run("metrics", func(t *testing.T) {
		w, _ := get("/metrics")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "entsync_cache_fetch_total")
	})
}
