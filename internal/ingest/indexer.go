// Package ingest indexes batches of uploaded files.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/nyanta/internal/chunking"
	"github.com/kalambet/nyanta/internal/retrieval"
	"github.com/kalambet/nyanta/internal/storage"
)

const (
	defaultUpsertTimeout = 5 * time.Minute
	parseConcurrency     = 4
)

// Splitter turns a file into chunks. Failures are *chunking.ParseError.
type Splitter interface {
	LoadAndSplit(filename string, data []byte) ([]chunking.Chunk, error)
}

// DocumentRecorder writes document records.
type DocumentRecorder interface {
	RecordDocuments(ctx context.Context, docs []storage.DocumentInput) ([]storage.Document, error)
}

// StatusInvalidator is told when the index contents change.
type StatusInvalidator interface {
	Invalidate(ctx context.Context)
}

// File is one uploaded file.
type File struct {
	Name string
	Data []byte
}

type Stage string

const (
	StageParsed      Stage = "parsed"
	StageParseFailed Stage = "parse_failed"
	StageIndexing    Stage = "indexing"
	StageIndexed     Stage = "indexed"
	StageIndexFailed Stage = "index_failed"
)

// Event reports progress on one file, or on the batch when File is empty.
type Event struct {
	Stage  Stage  `json:"stage"`
	File   string `json:"file,omitempty"`
	Chunks int    `json:"chunks,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ProgressFunc receives events as they happen. Calls are serialized.
type ProgressFunc func(Event)

type FileStatus string

const (
	FileIndexed FileStatus = "indexed"
	FileFailed  FileStatus = "failed"
)

type FileReport struct {
	Filename    string     `json:"filename"`
	Status      FileStatus `json:"status"`
	Chunks      int        `json:"chunks"`
	DocumentUID string     `json:"document_uid,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Report is the per-file outcome of a batch, in upload order.
type Report struct {
	Files       []FileReport `json:"files"`
	Indexed     int          `json:"indexed"`
	Failed      int          `json:"failed"`
	TotalChunks int          `json:"total_chunks"`
	IndexError  string       `json:"index_error,omitempty"`
}

// Indexer parses a batch of files, upserts all resulting chunks in a single
// call, and only then records the documents.
type Indexer struct {
	splitter      Splitter
	index         retrieval.Index
	docs          DocumentRecorder
	status        StatusInvalidator
	upsertTimeout time.Duration
	logger        *slog.Logger
}

// NewIndexer wires an Indexer. status may be nil.
func NewIndexer(splitter Splitter, index retrieval.Index, docs DocumentRecorder, status StatusInvalidator, upsertTimeout time.Duration) *Indexer {
	if upsertTimeout <= 0 {
		upsertTimeout = defaultUpsertTimeout
	}
	return &Indexer{
		splitter:      splitter,
		index:         index,
		docs:          docs,
		status:        status,
		upsertTimeout: upsertTimeout,
		logger:        slog.Default(),
	}
}

type parsed struct {
	file   File
	uid    string
	chunks []chunking.Chunk
	err    error
}

// Index processes files. A file that fails to parse is reported and skipped.
// If the upsert fails, no document is recorded, every parsed file is
// reported failed, and the returned error wraps the *retrieval.IndexError.
// A storage fault while recording documents is returned as is.
func (ix *Indexer) Index(ctx context.Context, files []File, progress ProgressFunc) (Report, error) {
	emit := serialize(progress)
	results := ix.parseAll(ctx, files, emit)

	report := Report{Files: make([]FileReport, len(results))}
	var chunks []chunking.Chunk
	for i, r := range results {
		report.Files[i] = FileReport{Filename: r.file.Name, Chunks: len(r.chunks)}
		if r.err != nil {
			report.Files[i].Status = FileFailed
			report.Files[i].Error = r.err.Error()
			continue
		}
		chunks = append(chunks, r.chunks...)
	}

	if len(chunks) > 0 {
		emit(Event{Stage: StageIndexing, Chunks: len(chunks)})
		if err := ix.upsert(ctx, chunks); err != nil {
			ix.logger.Error("batch upsert failed", "chunks", len(chunks), "error", err)
			report.IndexError = err.Error()
			for i, r := range results {
				if r.err == nil {
					report.Files[i].Status = FileFailed
					report.Files[i].Error = err.Error()
					emit(Event{Stage: StageIndexFailed, File: r.file.Name, Error: err.Error()})
				}
			}
			report.tally()
			return report, fmt.Errorf("indexing %d chunks: %w", len(chunks), err)
		}

		if ix.status != nil {
			ix.status.Invalidate(context.WithoutCancel(ctx))
		}

		if err := ix.record(ctx, results, &report); err != nil {
			for i, r := range results {
				if r.err == nil {
					report.Files[i].Status = FileFailed
					report.Files[i].Error = err.Error()
				}
			}
			report.tally()
			return report, err
		}
		for i, r := range results {
			if r.err == nil {
				emit(Event{Stage: StageIndexed, File: r.file.Name, Chunks: report.Files[i].Chunks})
			}
		}
	}

	report.tally()
	ix.logger.Info("batch indexed", "files", len(files), "indexed", report.Indexed, "failed", report.Failed, "chunks", report.TotalChunks)
	return report, nil
}

func (ix *Indexer) parseAll(ctx context.Context, files []File, emit ProgressFunc) []parsed {
	results := make([]parsed, len(files))
	var g errgroup.Group
	g.SetLimit(parseConcurrency)

	for i, f := range files {
		g.Go(func() error {
			r := parsed{file: f}
			if err := ctx.Err(); err != nil {
				r.err = err
			} else {
				r.chunks, r.err = ix.splitter.LoadAndSplit(f.Name, f.Data)
			}
			if r.err != nil {
				ix.logger.Warn("skipping file", "file", f.Name, "error", r.err)
				r.chunks = nil
				emit(Event{Stage: StageParseFailed, File: f.Name, Error: r.err.Error()})
			} else {
				r.uid = storage.NewDocumentUID()
				for j := range r.chunks {
					r.chunks[j].DocumentID = r.uid
				}
				emit(Event{Stage: StageParsed, File: f.Name, Chunks: len(r.chunks)})
			}
			results[i] = r
			return nil
		})
	}
	g.Wait()
	return results
}

// upsert is not abandoned when the caller goes away; once submitted it runs
// to completion or until its own timeout.
func (ix *Indexer) upsert(ctx context.Context, chunks []chunking.Chunk) error {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ix.upsertTimeout)
	defer cancel()

	err := ix.index.Upsert(uctx, chunks)
	if err == nil {
		return nil
	}
	var ie *retrieval.IndexError
	if !errors.As(err, &ie) {
		err = &retrieval.IndexError{Op: "upsert", Err: err}
	}
	return err
}

func (ix *Indexer) record(ctx context.Context, results []parsed, report *Report) error {
	var inputs []storage.DocumentInput
	var positions []int
	for i, r := range results {
		if r.err != nil {
			continue
		}
		inputs = append(inputs, storage.DocumentInput{
			UID:        r.uid,
			Filename:   r.file.Name,
			FileSize:   int64(len(r.file.Data)),
			ChunkCount: len(r.chunks),
		})
		positions = append(positions, i)
	}

	docs, err := ix.docs.RecordDocuments(context.WithoutCancel(ctx), inputs)
	if err != nil {
		return fmt.Errorf("recording documents: %w", err)
	}
	for k, d := range docs {
		fr := &report.Files[positions[k]]
		fr.Status = FileIndexed
		fr.DocumentUID = d.UID
	}
	return nil
}

func (r *Report) tally() {
	r.Indexed, r.Failed, r.TotalChunks = 0, 0, 0
	for _, f := range r.Files {
		switch f.Status {
		case FileIndexed:
			r.Indexed++
			r.TotalChunks += f.Chunks
		default:
			r.Failed++
		}
	}
}

func serialize(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(Event) {}
	}
	var mu sync.Mutex
	return func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		fn(e)
	}
}
