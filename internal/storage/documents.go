package storage

import (
	"context"

	"github.com/oklog/ulid/v2"
)

// NewDocumentUID returns a fresh document identifier. ULIDs sort by creation
// time, so the same id can be handed to the vector index before the record exists.
func NewDocumentUID() string {
	return ulid.Make().String()
}

// RecordDocument inserts a single active document record.
func (s *Store) RecordDocument(ctx context.Context, filename string, size int64, chunkCount int) (Document, error) {
	docs, err := s.RecordDocuments(ctx, []DocumentInput{{Filename: filename, FileSize: size, ChunkCount: chunkCount}})
	if err != nil {
		return Document{}, err
	}
	return docs[0], nil
}

// RecordDocuments inserts several document records in one transaction.
func (s *Store) RecordDocuments(ctx context.Context, inputs []DocumentInput) ([]Document, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	now := s.now()
	ts := formatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("record documents", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (uid, filename, file_size, chunk_count, upload_timestamp, status)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, wrap("record documents", err)
	}
	defer stmt.Close()

	docs := make([]Document, 0, len(inputs))
	for _, in := range inputs {
		uid := in.UID
		if uid == "" {
			uid = NewDocumentUID()
		}
		res, err := stmt.ExecContext(ctx, uid, in.Filename, in.FileSize, in.ChunkCount, ts, string(DocumentActive))
		if err != nil {
			return nil, wrap("record documents", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, wrap("record documents", err)
		}
		docs = append(docs, Document{
			ID:         id,
			UID:        uid,
			Filename:   in.Filename,
			FileSize:   in.FileSize,
			ChunkCount: in.ChunkCount,
			UploadedAt: now,
			Status:     DocumentActive,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, wrap("record documents", err)
	}
	return docs, nil
}

// DocumentStats counts active documents and their chunks. Both are zero on an empty store.
func (s *Store) DocumentStats(ctx context.Context) (DocumentStats, error) {
	var st DocumentStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(chunk_count), 0)
		FROM documents WHERE status = ?`, string(DocumentActive),
	).Scan(&st.TotalDocuments, &st.TotalChunks)
	if err != nil {
		return DocumentStats{}, wrap("document stats", err)
	}
	return st, nil
}

// ListDocuments returns active documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uid, filename, file_size, chunk_count, upload_timestamp, status
		FROM documents WHERE status = ?
		ORDER BY id DESC LIMIT ? OFFSET ?`, string(DocumentActive), limit, offset,
	)
	if err != nil {
		return nil, wrap("list documents", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		var ts, status string
		if err := rows.Scan(&d.ID, &d.UID, &d.Filename, &d.FileSize, &d.ChunkCount, &ts, &status); err != nil {
			return nil, wrap("list documents", err)
		}
		d.Status = DocumentStatus(status)
		if d.UploadedAt, err = parseTime("upload_timestamp", ts); err != nil {
			return nil, wrap("list documents", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list documents", err)
	}
	return out, nil
}

// DeleteDocument marks a document as deleted. Returns ErrNotFound when no
// active document has that uid.
func (s *Store) DeleteDocument(ctx context.Context, uid string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ? WHERE uid = ? AND status = ?`,
		string(DocumentDeleted), uid, string(DocumentActive),
	)
	if err != nil {
		return wrap("delete document", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("delete document", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
