package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/nyanta/internal/chunking"
)

var _ Index = (*SQLiteIndex)(nil)

// SQLiteIndex stores chunk vectors in the chunk_vectors table and answers
// queries with a brute-force cosine scan. It is the default local index;
// several named indexes can share one table.
type SQLiteIndex struct {
	db       *sql.DB
	embedder Embedder
	name     string
	now      func() time.Time
}

// NewSQLiteIndex wraps an existing *sql.DB. The chunk_vectors table must
// already exist (created by storage migrations).
func NewSQLiteIndex(db *sql.DB, embedder Embedder, name string) *SQLiteIndex {
	if name == "" {
		name = DefaultIndexName
	}
	return &SQLiteIndex{db: db, embedder: embedder, name: name, now: time.Now}
}

// Upsert embeds chunks and writes them in one transaction. A chunk with the
// same document, source and chunk id replaces the stored one.
func (s *SQLiteIndex) Upsert(ctx context.Context, chunks []chunking.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	vecs, err := s.embedder.EmbedBatch(ctx, chunkTexts(chunks))
	if err != nil {
		return indexErr("embed", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return indexErr("upsert", fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_vectors (id, index_name, document_id, source, chunk_id, text_chunk, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text_chunk = excluded.text_chunk,
			embedding = excluded.embedding,
			created_at = excluded.created_at`)
	if err != nil {
		return indexErr("upsert", fmt.Errorf("preparing statement: %w", err))
	}
	defer stmt.Close()

	createdAt := s.now().UTC().Format(time.RFC3339)
	for i, c := range chunks {
		id := s.vectorID(c)
		if _, err := stmt.ExecContext(ctx, id, s.name, c.DocumentID, c.Source, c.ChunkID, c.Text, encodeFloat32s(vecs[i]), createdAt); err != nil {
			return indexErr("upsert", fmt.Errorf("inserting %s: %w", id, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return indexErr("upsert", fmt.Errorf("committing: %w", err))
	}
	return nil
}

func (s *SQLiteIndex) vectorID(c chunking.Chunk) string {
	return s.name + "/" + c.DocumentID + "/" + c.Source + "#" + strconv.Itoa(c.ChunkID)
}

// idScore holds only the ID and score during the scan phase of Query.
type idScore struct {
	ID    string
	Score float32
}

// Query embeds text and returns the k most similar chunks, best first.
func (s *SQLiteIndex) Query(ctx context.Context, text string, k int) ([]chunking.Chunk, error) {
	if k <= 0 {
		return nil, nil
	}
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, indexErr("embed", err)
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan id + embedding only.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM chunk_vectors WHERE index_name = ?`, s.name)
	if err != nil {
		return nil, indexErr("query", fmt.Errorf("querying vectors: %w", err))
	}
	defer rows.Close()

	h := &idScoreHeap{}
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, indexErr("query", fmt.Errorf("scanning row: %w", err))
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, indexErr("query", fmt.Errorf("decoding embedding for %s: %w", id, err))
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < k {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, indexErr("query", fmt.Errorf("iterating rows: %w", err))
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch payloads for the winners, then restore rank order.
	ranked := make([]string, h.Len())
	for i := len(ranked) - 1; i >= 0; i-- {
		ranked[i] = heap.Pop(h).(idScore).ID
	}
	args := make([]any, len(ranked))
	for i, id := range ranked {
		args[i] = id
	}
	payloadRows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, source, chunk_id, text_chunk
		FROM chunk_vectors WHERE id IN (?`+strings.Repeat(",?", len(ranked)-1)+`)`, args...)
	if err != nil {
		return nil, indexErr("query", fmt.Errorf("fetching top-k chunks: %w", err))
	}
	defer payloadRows.Close()

	byID := make(map[string]chunking.Chunk, len(ranked))
	for payloadRows.Next() {
		var id string
		var c chunking.Chunk
		if err := payloadRows.Scan(&id, &c.DocumentID, &c.Source, &c.ChunkID, &c.Text); err != nil {
			return nil, indexErr("query", fmt.Errorf("scanning chunk: %w", err))
		}
		byID[id] = c
	}
	if err := payloadRows.Err(); err != nil {
		return nil, indexErr("query", fmt.Errorf("iterating chunks: %w", err))
	}

	out := make([]chunking.Chunk, 0, len(ranked))
	for _, id := range ranked {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Count returns the number of vectors stored under this index name.
func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_vectors WHERE index_name = ?`, s.name).Scan(&n); err != nil {
		return 0, indexErr("count", err)
	}
	return n, nil
}

// DeleteDocument removes every vector belonging to a document.
func (s *SQLiteIndex) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE index_name = ? AND document_id = ?`, s.name, documentID); err != nil {
		return indexErr("delete", err)
	}
	return nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, growing it if needed.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). Vectors of different length score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
