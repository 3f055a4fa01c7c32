// Package pipeline answers a question within a conversation: it records the
// question, retrieves supporting chunks, asks the model, and records the
// cited answer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/nyanta/internal/chunking"
	"github.com/kalambet/nyanta/internal/generation"
	"github.com/kalambet/nyanta/internal/storage"
)

const (
	DefaultTopK = 3

	// ExcerptLength is the citation preview length in runes.
	ExcerptLength = 200

	defaultRetrievalTimeout  = 30 * time.Second
	defaultGenerationTimeout = 60 * time.Second
)

// NoInformationAnswer is returned when nothing relevant could be retrieved.
const NoInformationAnswer = "I couldn't find relevant information in your documents. Try rephrasing or uploading more content."

const apologyPrefix = "Something went wrong. Please try again.\n\nError: "

var (
	ErrEmptyQuestion = errors.New("question is empty")
	ErrNoResults     = errors.New("no relevant chunks")
)

// MessageStore persists chat turns.
type MessageStore interface {
	AppendMessage(ctx context.Context, sessionID string, role storage.Role, content string, citations []storage.Citation) (storage.Message, error)
}

// Retriever returns the chunks most similar to a query, best first.
type Retriever interface {
	Query(ctx context.Context, text string, k int) ([]chunking.Chunk, error)
}

// ConversationState is the in-memory view of one session. It is passed into
// and returned from Answer; nothing about a conversation is held globally.
type ConversationState struct {
	SessionID string            `json:"session_id"`
	Messages  []storage.Message `json:"messages"`
}

// Result is what the caller shows for one question.
type Result struct {
	Answer    string             `json:"answer"`
	Citations []storage.Citation `json:"citations"`
	// Failed is set when Answer is an apology for a generation fault.
	Failed bool `json:"failed,omitempty"`
}

// RetrievalError wraps a failed or empty retrieval. It never reaches the
// caller; the pipeline answers with NoInformationAnswer instead.
type RetrievalError struct {
	Err error
}

func (e *RetrievalError) Error() string { return "retrieval: " + e.Err.Error() }
func (e *RetrievalError) Unwrap() error { return e.Err }

// GenerationError wraps a failed model call. The pipeline turns it into a
// persisted apology.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return "generation: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

// Pipeline runs the per-question sequence against its collaborators.
type Pipeline struct {
	store     MessageStore
	retriever Retriever
	generator generation.Generator

	topK              int
	retrievalTimeout  time.Duration
	generationTimeout time.Duration
	logger            *slog.Logger
}

// Options tunes a Pipeline. Zero values select the defaults.
type Options struct {
	TopK              int
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
	Logger            *slog.Logger
}

// New returns a Pipeline over its collaborators.
func New(store MessageStore, retriever Retriever, generator generation.Generator, opts Options) *Pipeline {
	p := &Pipeline{
		store:             store,
		retriever:         retriever,
		generator:         generator,
		topK:              opts.TopK,
		retrievalTimeout:  opts.RetrievalTimeout,
		generationTimeout: opts.GenerationTimeout,
		logger:            opts.Logger,
	}
	if p.topK <= 0 {
		p.topK = DefaultTopK
	}
	if p.retrievalTimeout <= 0 {
		p.retrievalTimeout = defaultRetrievalTimeout
	}
	if p.generationTimeout <= 0 {
		p.generationTimeout = defaultGenerationTimeout
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Answer records question in the session, answers it from retrieved context
// and records the answer. The returned state has both new messages appended.
//
// Retrieval and generation faults become answers. Only storage faults are
// returned as errors, and the conversation must not continue past them.
func (p *Pipeline) Answer(ctx context.Context, state ConversationState, question string) (ConversationState, Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return state, Result{}, ErrEmptyQuestion
	}
	log := p.logger.With("session_id", state.SessionID)

	userMsg, err := p.store.AppendMessage(ctx, state.SessionID, storage.RoleUser, question, nil)
	if err != nil {
		return state, Result{}, fmt.Errorf("recording question: %w", err)
	}
	next := ConversationState{
		SessionID: state.SessionID,
		Messages:  append(slices.Clone(state.Messages), userMsg),
	}

	res := p.respond(ctx, log, question)

	// The question is already stored, so the answer is written even if the
	// caller has gone away.
	assistantMsg, err := p.store.AppendMessage(context.WithoutCancel(ctx), state.SessionID, storage.RoleAssistant, res.Answer, res.Citations)
	if err != nil {
		return next, Result{}, fmt.Errorf("recording answer: %w", err)
	}
	next.Messages = append(next.Messages, assistantMsg)
	return next, res, nil
}

func (p *Pipeline) respond(ctx context.Context, log *slog.Logger, question string) Result {
	chunks, err := p.retrieve(ctx, question)
	if err != nil {
		log.Warn("retrieval produced no context", "error", err)
		return Result{Answer: NoInformationAnswer, Citations: []storage.Citation{}}
	}

	answer, err := p.generate(ctx, generation.BuildContext(chunks), question)
	if err != nil {
		log.Error("generation failed", "error", err)
		return Result{Answer: apologyPrefix + errorSummary(err), Citations: []storage.Citation{}, Failed: true}
	}

	log.Debug("answered", "chunks", len(chunks))
	return Result{Answer: answer, Citations: Citations(chunks)}
}

func (p *Pipeline) retrieve(ctx context.Context, question string) ([]chunking.Chunk, error) {
	rctx, cancel := context.WithTimeout(ctx, p.retrievalTimeout)
	defer cancel()

	chunks, err := p.retriever.Query(rctx, question, p.topK)
	if err != nil {
		return nil, &RetrievalError{Err: err}
	}
	if len(chunks) == 0 {
		return nil, &RetrievalError{Err: ErrNoResults}
	}
	return chunks, nil
}

func (p *Pipeline) generate(ctx context.Context, docContext, question string) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, p.generationTimeout)
	defer cancel()

	answer, err := p.generator.Generate(gctx, docContext, question)
	if err != nil {
		return "", &GenerationError{Err: err}
	}
	return answer, nil
}

// errorSummary strips the wrapper so the user sees the underlying fault.
func errorSummary(err error) string {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Err.Error()
	}
	return err.Error()
}

// Citations converts retrieved chunks to citations in the same order.
// Duplicates are kept.
func Citations(chunks []chunking.Chunk) []storage.Citation {
	out := make([]storage.Citation, len(chunks))
	for i, c := range chunks {
		out[i] = storage.Citation{
			Source:     c.Source,
			ChunkID:    c.ChunkID,
			Content:    Excerpt(c.Text),
			DocumentID: c.DocumentID,
		}
	}
	return out
}

// Excerpt returns the first ExcerptLength runes of text, with "..." appended
// only when something was cut.
func Excerpt(text string) string {
	if utf8.RuneCountInString(text) <= ExcerptLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:ExcerptLength]) + "..."
}
