// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package finsight

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestAskRelaysDeltasUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/query", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "Show AAPL dividends", gjson.GetBytes(body, "question").String())
		assert.True(t, gjson.GetBytes(body, "overrides.ensemble").Bool())

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"delta\":\"Hello \"}\n\n")
		io.WriteString(w, "data: {\"delta\":\"world\"}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
		io.WriteString(w, "data: {\"delta\":\"after done, dropped\"}\n\n")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	ch, err := client.Ask(context.Background(), "Show AAPL dividends", Overrides{Ensemble: true})
	require.NoError(t, err)

	var got string
	for fragment := range ch {
		got += fragment
	}
	assert.Equal(t, "Hello world", got)
}

func TestAskSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"question is required"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	_, err := client.Ask(context.Background(), "", Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			io.WriteString(w, `{"status":"ok"}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	assert.NoError(t, client.Healthy(context.Background()))
}

func TestHealthyDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":"degraded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	assert.Error(t, client.Healthy(context.Background()))
}
