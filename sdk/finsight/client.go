// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package finsight is a small Go client for the query server's streaming
// API. It hides the SSE framing and hands callers plain text fragments.
package finsight

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Overrides mirrors the server's per-request options.
type Overrides struct {
	Provider       string `json:"llm_provider,omitempty"`
	LocalModelTag  string `json:"local_model_tag,omitempty"`
	UseWeb         bool   `json:"use_web,omitempty"`
	Ensemble       bool   `json:"ensemble,omitempty"`
	PlannerSystem  string `json:"planner_system,omitempty"`
	AnswerSystem   string `json:"answer_system,omitempty"`
	PrependContext string `json:"prepend_context,omitempty"`
}

// Client talks to one finsight server.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient builds a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type queryRequest struct {
	Question  string    `json:"question"`
	HasImage  bool      `json:"has_image,omitempty"`
	Overrides Overrides `json:"overrides"`
}

// Ask streams the answer to question as text fragments. The channel is
// closed when the server sends its done marker or the stream ends;
// cancelling ctx abandons the request.
func (c *Client) Ask(ctx context.Context, question string, ov Overrides) (<-chan string, error) {
	payload, err := json.Marshal(queryRequest{Question: question, Overrides: ov})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/query", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create query request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("query request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw := make([]byte, 512)
		n, _ := resp.Body.Read(raw)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw[:n])))
	}

	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(nil, 1_048_576)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}
			delta := gjson.Get(data, "delta").String()
			if delta == "" {
				continue
			}
			select {
			case ch <- delta:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Healthy reports whether the server's health probe passes.
func (c *Client) Healthy(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
