// Package retrieval embeds document chunks and answers similarity queries
// against a vector index.
package retrieval

import (
	"context"
	"fmt"

	"github.com/kalambet/nyanta/internal/chunking"
)

// DefaultIndexName is used when no index name is configured.
const DefaultIndexName = "nyanta"

// Index stores embedded chunks and answers similarity queries.
//
// Implementations embed texts themselves; callers only ever deal in chunks.
// Query returns results in descending similarity order, and returns an empty
// slice (not an error) when the index holds nothing.
type Index interface {
	// Upsert embeds and stores chunks. The whole call either succeeds or
	// returns an *IndexError.
	Upsert(ctx context.Context, chunks []chunking.Chunk) error

	// Query returns up to k chunks most similar to text.
	Query(ctx context.Context, text string, k int) ([]chunking.Chunk, error)

	// Count returns the number of stored vectors.
	Count(ctx context.Context) (int, error)
}

// IndexError reports a failed embedding or index call.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %s: %v", e.Op, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

func indexErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IndexError{Op: op, Err: err}
}

func chunkTexts(chunks []chunking.Chunk) []string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return texts
}
