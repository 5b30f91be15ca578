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

// OpenAIClient talks to an OpenAI-compatible chat-completions endpoint. The
// deployment/model id travels in the request, so one client value serves the
// primary, fast, quantitative, and multimodal logical models against the same
// or different endpoints.
type OpenAIClient struct {
	baseURL      string
	apiKey       string
	defaultModel string
	client       *http.Client
}

// NewOpenAIClient builds a client for baseURL (without the trailing
// /chat/completions path). defaultModel is used when a request names none.
func NewOpenAIClient(baseURL, apiKey, defaultModel string, timeout time.Duration) *OpenAIClient {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OpenAIClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: timeout},
	}
}

// buildPayload assembles the chat-completions body with sjson so optional
// fields are only present when set.
func (c *OpenAIClient) buildPayload(req Request, stream bool) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	payload := `{}`
	var err error
	if payload, err = sjson.Set(payload, "model", model); err != nil {
		return nil, err
	}
	for i, m := range req.Messages {
		if payload, err = sjson.Set(payload, fmt.Sprintf("messages.%d.role", i), m.Role); err != nil {
			return nil, err
		}
		if payload, err = sjson.Set(payload, fmt.Sprintf("messages.%d.content", i), m.Content); err != nil {
			return nil, err
		}
	}
	if req.Temperature > 0 {
		if payload, err = sjson.Set(payload, "temperature", req.Temperature); err != nil {
			return nil, err
		}
	}
	if req.MaxTokens > 0 {
		if payload, err = sjson.Set(payload, "max_tokens", req.MaxTokens); err != nil {
			return nil, err
		}
	}
	if stream {
		if payload, err = sjson.Set(payload, "stream", true); err != nil {
			return nil, err
		}
	}
	return []byte(payload), nil
}

func (c *OpenAIClient) newRequest(ctx context.Context, body []byte, stream bool) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

// CompleteOnce performs a one-shot completion and returns the first choice's
// message content.
func (c *OpenAIClient) CompleteOnce(ctx context.Context, req Request) (string, error) {
	body, err := c.buildPayload(req, false)
	if err != nil {
		return "", fmt.Errorf("failed to build payload: %w", err)
	}
	httpReq, err := c.newRequest(ctx, body, false)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", ErrUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read completion response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Errorf("completion endpoint returned status %d: %s", resp.StatusCode, truncateForLog(raw))
		return "", fmt.Errorf("completion endpoint returned status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	content := gjson.GetBytes(raw, "choices.0.message.content")
	if !content.Exists() {
		return "", fmt.Errorf("completion response carried no message content: %w", ErrUnavailable)
	}
	return content.String(), nil
}

// CompleteStream performs a streamed completion, emitting one StreamChunk per
// SSE delta. The channel is closed after the [DONE] marker, a terminal error
// chunk, or context cancellation.
func (c *OpenAIClient) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	body, err := c.buildPayload(req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to build payload: %w", err)
	}
	httpReq, err := c.newRequest(ctx, body, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stream request failed: %w", ErrUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		log.Errorf("stream endpoint returned status %d: %s", resp.StatusCode, truncateForLog(raw))
		return nil, fmt.Errorf("stream endpoint returned status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	ch := make(chan StreamChunk, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(nil, 1_048_576)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			delta := gjson.Get(data, "choices.0.delta.content")
			if !delta.Exists() || delta.String() == "" {
				continue
			}
			select {
			case ch <- StreamChunk{Text: delta.String()}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- StreamChunk{Err: fmt.Errorf("stream scan failed: %w", err)}
		}
	}()
	return ch, nil
}

func truncateForLog(raw []byte) string {
	const max = 512
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
