// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package provider defines the uniform client contract for model backends
// and its implementations: an OpenAI-compatible hosted client that addresses
// several logical models through one client type, a local Ollama client with
// model-tag discovery, and the specialized prediction service client.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable indicates the provider could not be reached or returned a
// non-retryable failure. In single-provider paths this terminates the
// request; in ensemble paths it is absorbed as one failed member.
var ErrUnavailable = errors.New("provider unavailable")

// ModelNotFoundError is the local provider's distinguishing failure: the
// requested model tag is not installed. The message enumerates the tags that
// are available so the caller gets an actionable answer, not a transport
// error.
type ModelNotFoundError struct {
	Tag       string
	Available []string
}

func (e *ModelNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("model tag %q not found and no tags are installed", e.Tag)
	}
	return fmt.Sprintf("model tag %q not found; available tags: %s", e.Tag, strings.Join(e.Available, ", "))
}

// Message is one chat turn handed to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the uniform completion request. Model selects the logical
// model/deployment for client types that serve several.
type Request struct {
	Messages    []Message
	Model       string
	Temperature float64
	MaxTokens   int
}

// StreamChunk is one fragment of a streamed completion. A chunk with a
// non-nil Err is terminal; the channel is closed after the terminal chunk.
type StreamChunk struct {
	Text string
	Err  error
}

// Client is the uniform provider contract. Every implementation surfaces
// exactly one terminal state per call: a result (possibly empty) or a typed
// failure. Streams never silently drop output.
type Client interface {
	// CompleteOnce performs a one-shot completion.
	CompleteOnce(ctx context.Context, req Request) (string, error)

	// CompleteStream performs a streamed completion. The returned channel
	// is closed after the final fragment or a terminal error chunk.
	CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// Registry resolves provider ids to clients. It is built once at startup and
// read-only afterwards; per-request provider choice stays in the request,
// never in the registry.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds a registry over the given id -> client map.
func NewRegistry(clients map[string]Client) *Registry {
	copied := make(map[string]Client, len(clients))
	for id, c := range clients {
		copied[id] = c
	}
	return &Registry{clients: copied}
}

// Get returns the client for id, or ErrUnavailable when the id is unknown.
func (r *Registry) Get(id string) (Client, error) {
	c, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered: %w", id, ErrUnavailable)
	}
	return c, nil
}

// IDs returns the registered provider ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}
