// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package compose orchestrates one request end to end: intake, planning,
// safety validation, execution, and assembly of the ordered output stream.
// It owns the fallback policy and the fixed section order; everything
// heavier (metrics, rendering, web search, predictions) is a collaborator
// behind a narrow interface.
package compose

// ChunkType tags one unit of the output stream.
type ChunkType int

const (
	// ChunkText carries an incremental text fragment.
	ChunkText ChunkType = iota

	// ChunkSectionBreak separates response sections.
	ChunkSectionBreak

	// ChunkDone terminates the stream; nothing follows it.
	ChunkDone
)

// Chunk is the unit moved from the composer to the transport layer. Order
// within one response is significant and preserved.
type Chunk struct {
	Type ChunkType
	Text string
}

func textChunk(s string) Chunk { return Chunk{Type: ChunkText, Text: s} }
func sectionBreak() Chunk      { return Chunk{Type: ChunkSectionBreak} }
func doneChunk() Chunk         { return Chunk{Type: ChunkDone} }
