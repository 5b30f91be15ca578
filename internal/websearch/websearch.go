// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package websearch streams answer text from the web-search collaborator.
// The service owns crawling and summarization; this client only relays its
// line-delimited text stream.
package websearch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// truncationNotice terminates a stream cut short by a mid-body read failure,
// so the reader is not left with a silently incomplete answer.
const truncationNotice = "\n_The web search stream ended before the answer was complete._\n"

// Searcher is the collaborator contract consumed by the composer.
type Searcher interface {
	// Search streams text fragments answering the query. maxPages bounds
	// crawl breadth; fast trades depth for latency.
	Search(ctx context.Context, query string, maxPages int, fast bool) (<-chan string, error)
}

// Client calls the web-search service over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient builds a web-search client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Search issues the request and relays the response body line by line.
func (c *Client) Search(ctx context.Context, query string, maxPages int, fast bool) (<-chan string, error) {
	payload := `{}`
	var err error
	if payload, err = sjson.Set(payload, "query", query); err != nil {
		return nil, err
	}
	if payload, err = sjson.Set(payload, "max_pages", maxPages); err != nil {
		return nil, err
	}
	if payload, err = sjson.Set(payload, "fast", fast); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/search", strings.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("web search request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("web search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(nil, 1_048_576)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text() + "\n":
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.Warnf("web search stream scan failed: %v", err)
			select {
			case ch <- truncationNotice:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}
