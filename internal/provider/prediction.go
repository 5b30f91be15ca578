// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// PredictionKind names a specialized prediction the service can compute.
type PredictionKind string

const (
	PredictPayoutRating PredictionKind = "payout_rating"
	PredictCutRisk      PredictionKind = "cut_risk"
	PredictYield        PredictionKind = "yield_forecast"
	PredictAnomaly      PredictionKind = "anomaly"
	PredictScore        PredictionKind = "comprehensive_score"
)

// SymbolPrediction is one symbol's prediction block.
type SymbolPrediction struct {
	Symbol  string
	Summary string
	Fields  map[string]string
}

// PredictionClient calls the specialized dividend-prediction service. It also
// satisfies the Client contract so the ensemble coordinator can treat it as
// one more provider: completions are answered by a comprehensive-score run
// over the symbols found in the question.
type PredictionClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewPredictionClient builds a client for the prediction service.
func NewPredictionClient(baseURL, apiKey string, timeout time.Duration) *PredictionClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PredictionClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Predict requests one prediction kind for a symbol set.
func (c *PredictionClient) Predict(ctx context.Context, kind PredictionKind, symbols []string) ([]SymbolPrediction, error) {
	payload := `{}`
	var err error
	if payload, err = sjson.Set(payload, "kind", string(kind)); err != nil {
		return nil, err
	}
	if payload, err = sjson.Set(payload, "symbols", symbols); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/predict", bytes.NewReader([]byte(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to create prediction request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("prediction request failed: %w", ErrUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read prediction response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("prediction service returned status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var out []SymbolPrediction
	gjson.GetBytes(raw, "data").ForEach(func(_, item gjson.Result) bool {
		p := SymbolPrediction{
			Symbol:  item.Get("symbol").String(),
			Summary: item.Get("summary").String(),
			Fields:  map[string]string{},
		}
		item.Get("fields").ForEach(func(k, v gjson.Result) bool {
			p.Fields[k.String()] = v.String()
			return true
		})
		out = append(out, p)
		return true
	})
	return out, nil
}

// CompleteOnce satisfies Client by running a comprehensive score over the
// ticker-like tokens in the last message and formatting the result as text.
func (c *PredictionClient) CompleteOnce(ctx context.Context, req Request) (string, error) {
	symbols := symbolsFromMessages(req.Messages)
	if len(symbols) == 0 {
		return "", fmt.Errorf("prediction provider needs at least one symbol: %w", ErrUnavailable)
	}
	preds, err := c.Predict(ctx, PredictScore, symbols)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, p := range preds {
		fmt.Fprintf(&b, "%s: %s\n", p.Symbol, p.Summary)
	}
	return b.String(), nil
}

// CompleteStream satisfies Client; the service is one-shot, so the stream
// carries a single fragment.
func (c *PredictionClient) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	text, err := c.CompleteOnce(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Text: text}
	close(ch)
	return ch, nil
}

// symbolsFromMessages pulls uppercase ticker-shaped tokens from the newest
// user message. Duplicated from the query package deliberately: provider must
// not import request-layer packages.
func symbolsFromMessages(messages []Message) []string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		var symbols []string
		seen := map[string]struct{}{}
		isWordRune := func(r rune) bool {
			return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		}
		for _, tok := range strings.FieldsFunc(messages[i].Content, func(r rune) bool { return !isWordRune(r) }) {
			if len(tok) < 2 || len(tok) > 5 || tok != strings.ToUpper(tok) || tok == strings.ToLower(tok) {
				continue
			}
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			symbols = append(symbols, tok)
		}
		return symbols
	}
	return nil
}
