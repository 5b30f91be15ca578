// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OllamaClient targets a locally hosted Ollama instance. Its distinguishing
// failure mode is a missing model tag, which is surfaced as a
// ModelNotFoundError listing the tags that are installed (discovered via
// /api/tags), never as a bare transport error.
type OllamaClient struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

// NewOllamaClient builds a client for the local host, e.g.
// "http://localhost:11434".
func NewOllamaClient(baseURL, defaultModel string, timeout time.Duration) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OllamaClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: timeout},
	}
}

func (c *OllamaClient) buildPayload(req Request, stream bool) ([]byte, string, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	payload := `{}`
	var err error
	if payload, err = sjson.Set(payload, "model", model); err != nil {
		return nil, model, err
	}
	for i, m := range req.Messages {
		if payload, err = sjson.Set(payload, fmt.Sprintf("messages.%d.role", i), m.Role); err != nil {
			return nil, model, err
		}
		if payload, err = sjson.Set(payload, fmt.Sprintf("messages.%d.content", i), m.Content); err != nil {
			return nil, model, err
		}
	}
	if req.Temperature > 0 {
		if payload, err = sjson.Set(payload, "options.temperature", req.Temperature); err != nil {
			return nil, model, err
		}
	}
	if req.MaxTokens > 0 {
		if payload, err = sjson.Set(payload, "options.num_predict", req.MaxTokens); err != nil {
			return nil, model, err
		}
	}
	if payload, err = sjson.Set(payload, "stream", stream); err != nil {
		return nil, model, err
	}
	return []byte(payload), model, nil
}

// CompleteOnce performs a one-shot chat call against /api/chat.
func (c *OllamaClient) CompleteOnce(ctx context.Context, req Request) (string, error) {
	body, model, err := c.buildPayload(req, false)
	if err != nil {
		return "", fmt.Errorf("failed to build payload: %w", err)
	}

	raw, err := c.post(ctx, "/api/chat", body, model)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(raw, "message.content").String(), nil
}

// CompleteStream performs a streaming chat call. Ollama streams one JSON
// object per line; each carries a message.content fragment and the last has
// done=true.
func (c *OllamaClient) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	body, model, err := c.buildPayload(req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to build payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("local model request failed: %w", ErrUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, c.classifyFailure(ctx, resp.StatusCode, raw, model)
	}

	ch := make(chan StreamChunk, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(nil, 1_048_576)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			fragment := gjson.GetBytes(line, "message.content").String()
			if fragment != "" {
				select {
				case ch <- StreamChunk{Text: fragment}:
				case <-ctx.Done():
					return
				}
			}
			if gjson.GetBytes(line, "done").Bool() {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- StreamChunk{Err: fmt.Errorf("local model stream scan failed: %w", err)}
		}
	}()
	return ch, nil
}

func (c *OllamaClient) post(ctx context.Context, path string, body []byte, model string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("local model request failed: %w", ErrUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read local model response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.classifyFailure(ctx, resp.StatusCode, raw, model)
	}
	return raw, nil
}

// classifyFailure translates an error response. A missing model tag becomes
// ModelNotFoundError with the installed tags attached; everything else is a
// plain unavailability.
func (c *OllamaClient) classifyFailure(ctx context.Context, status int, raw []byte, model string) error {
	msg := gjson.GetBytes(raw, "error").String()
	if status == http.StatusNotFound || strings.Contains(strings.ToLower(msg), "not found") {
		tags, err := c.ListTags(ctx)
		if err != nil {
			log.Warnf("model tag discovery failed after not-found response: %v", err)
		}
		return &ModelNotFoundError{Tag: model, Available: tags}
	}
	log.Errorf("local model returned status %d: %s", status, truncateForLog(raw))
	return fmt.Errorf("local model returned status %d: %w", status, ErrUnavailable)
}

// ListTags queries the local host for installed model tags.
func (c *OllamaClient) ListTags(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tags request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tags request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tags endpoint returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tags response: %w", err)
	}

	var tags []string
	gjson.GetBytes(raw, "models.#.name").ForEach(func(_, v gjson.Result) bool {
		tags = append(tags, v.String())
		return true
	})
	return tags, nil
}
