// Package chunking turns uploaded files into overlapping text chunks ready
// for embedding.
package chunking

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Chunk is a piece of a source document. ChunkID is the zero-based position
// of the chunk within its own file.
type Chunk struct {
	Text       string `json:"text"`
	Source     string `json:"source"`
	ChunkID    int    `json:"chunk_id"`
	DocumentID string `json:"document_id,omitempty"`
}

// ParseError reports that a single file could not be loaded or split.
type ParseError struct {
	Filename string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.Filename, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Chunker loads files by extension and splits their text.
type Chunker struct {
	splitter *Splitter
}

// NewChunker returns a Chunker with the given size and overlap, in runes.
// Non-positive values fall back to the defaults.
func NewChunker(size, overlap int) *Chunker {
	return &Chunker{splitter: NewSplitter(size, overlap)}
}

// LoadAndSplit extracts text from data according to the extension of
// filename and splits it. Any failure, including a file with no extractable
// text, is returned as *ParseError.
func (c *Chunker) LoadAndSplit(filename string, data []byte) ([]Chunk, error) {
	source := filepath.Base(filename)

	text, err := Load(filename, data)
	if err != nil {
		return nil, &ParseError{Filename: source, Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Filename: source, Err: ErrNoText}
	}

	pieces := c.splitter.Split(text)
	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{Text: p, Source: source, ChunkID: i}
	}
	return chunks, nil
}
