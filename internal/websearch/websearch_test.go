// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package websearch

import (
	"bytes"
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

func TestSearchRelaysLineStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/search", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "latest AAPL news", gjson.GetBytes(body, "query").String())
		assert.Equal(t, int64(3), gjson.GetBytes(body, "max_pages").Int())
		assert.False(t, gjson.GetBytes(body, "fast").Bool())

		io.WriteString(w, "Apple announced a dividend increase.\n")
		io.WriteString(w, "The ex-date is next month.\n")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	ch, err := client.Search(context.Background(), "latest AAPL news", 3, false)
	require.NoError(t, err)

	var got string
	for fragment := range ch {
		got += fragment
	}
	assert.Equal(t, "Apple announced a dividend increase.\nThe ex-date is next month.\n", got)
}

func TestSearchSurfacesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "crawler overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	_, err := client.Search(context.Background(), "anything", 1, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "crawler overloaded")
}

func TestSearchStopsOnCancelledContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "first\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(srv.URL, 5*time.Second)
	ch, err := client.Search(ctx, "anything", 1, true)
	require.NoError(t, err)

	assert.Equal(t, "first\n", <-ch)
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open, "stream should close after cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after context cancellation")
	}
}

func TestSearchFlagsMidStreamReadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "partial answer\n")
		// A single line past the scanner's buffer cap aborts the scan.
		w.Write(bytes.Repeat([]byte("x"), 2_097_152))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	ch, err := client.Search(context.Background(), "anything", 1, true)
	require.NoError(t, err)

	var fragments []string
	for fragment := range ch {
		fragments = append(fragments, fragment)
	}
	require.NotEmpty(t, fragments)
	assert.Equal(t, "partial answer\n", fragments[0])
	assert.Contains(t, fragments[len(fragments)-1], "ended before the answer was complete")
}
