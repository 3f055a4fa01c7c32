package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

var (
	ErrInvalidRole            = errors.New("role must be \"user\" or \"assistant\"")
	ErrCitationsOnUserMessage = errors.New("citations are only allowed on assistant messages")
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Error wraps a failure of the underlying database. Callers treat it as a
// hard failure; it is never converted into a user-visible answer.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsStorageError reports whether err (or anything it wraps) is a *Error.
func IsStorageError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Citation is a snapshot of a retrieved chunk attached to an assistant message.
type Citation struct {
	Source     string `json:"source"`
	ChunkID    int    `json:"chunk_id"`
	Content    string `json:"content"`
	DocumentID string `json:"document_id,omitempty"`
}

// Message is one persisted chat turn. Messages are never updated after insert;
// ID ordering is the canonical conversation order.
type Message struct {
	ID        int64      `json:"id"`
	SessionID string     `json:"session_id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
	CreatedAt time.Time  `json:"timestamp"`
}

// Session is the per-conversation summary row.
type Session struct {
	ID           string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
}

type DocumentStatus string

const (
	DocumentActive  DocumentStatus = "active"
	DocumentDeleted DocumentStatus = "deleted"
)

// Document records an indexed upload.
type Document struct {
	ID         int64          `json:"id"`
	UID        string         `json:"uid"`
	Filename   string         `json:"filename"`
	FileSize   int64          `json:"file_size"`
	ChunkCount int            `json:"chunk_count"`
	UploadedAt time.Time      `json:"upload_timestamp"`
	Status     DocumentStatus `json:"status"`
}

// DocumentInput describes a document to record. UID may be left empty, in
// which case one is generated.
type DocumentInput struct {
	UID        string
	Filename   string
	FileSize   int64
	ChunkCount int
}

// DocumentStats aggregates active documents.
type DocumentStats struct {
	TotalDocuments int `json:"total_documents"`
	TotalChunks    int `json:"total_chunks"`
}
