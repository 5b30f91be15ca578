// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the query service over HTTP: one SSE streaming
// endpoint for questions and a health probe. Transport framing lives here;
// everything about the answer itself lives in the compose package.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/quantrail/finsight/internal/compose"
	"github.com/quantrail/finsight/internal/query"
)

// doneMarker terminates every SSE stream.
const doneMarker = "[DONE]"

// QueryHandler is the composer contract the server depends on.
type QueryHandler interface {
	Handle(ctx context.Context, q query.Query) <-chan compose.Chunk
}

// Pinger reports reporting-store connectivity for the health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP routes.
type Server struct {
	handler QueryHandler
	store   Pinger
}

// NewServer builds the HTTP server over its collaborators.
func NewServer(handler QueryHandler, store Pinger) *Server {
	return &Server{handler: handler, store: store}
}

// Register attaches the routes to a gin engine.
func (s *Server) Register(r *gin.Engine) {
	r.POST("/v1/query", s.handleQuery)
	r.GET("/healthz", s.handleHealthz)
}

// queryRequest is the POST /v1/query body.
type queryRequest struct {
	Question  string          `json:"question"`
	HasImage  bool            `json:"has_image"`
	Overrides query.Overrides `json:"overrides"`
}

// deltaEvent is one SSE data payload.
type deltaEvent struct {
	Delta string `json:"delta"`
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, canFlush := c.Writer.(http.Flusher)

	// The request context cancels the composer when the client disconnects,
	// which releases any open row stream promptly.
	ctx := c.Request.Context()
	ch := s.handler.Handle(ctx, query.New(req.Question, req.HasImage, req.Overrides))

	writeDelta := func(text string) bool {
		payload, err := json.Marshal(deltaEvent{Delta: text})
		if err != nil {
			log.Warnf("delta marshal failed: %v", err)
			return false
		}
		if _, err := c.Writer.WriteString("data: " + string(payload) + "\n\n"); err != nil {
			return false
		}
		if canFlush {
			flusher.Flush()
		}
		return true
	}

	for chunk := range ch {
		switch chunk.Type {
		case compose.ChunkText:
			if !writeDelta(chunk.Text) {
				return
			}
		case compose.ChunkSectionBreak:
			if !writeDelta("\n\n") {
				return
			}
		case compose.ChunkDone:
			if _, err := c.Writer.WriteString("data: " + doneMarker + "\n\n"); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
