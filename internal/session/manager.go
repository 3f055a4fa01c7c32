// Package session resolves which conversation a request belongs to and
// serializes work on each one.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/nyanta/internal/pipeline"
	"github.com/kalambet/nyanta/internal/storage"
)

// Store is the slice of the persistence store the manager uses.
type Store interface {
	MostRecentSession(ctx context.Context) (string, bool, error)
	LoadMessages(ctx context.Context, sessionID string, limit int) ([]storage.Message, error)
	ClearSession(ctx context.Context, sessionID string) error
}

// Manager implements resume / new / clear and hands out per-session locks.
type Manager struct {
	store        Store
	historyLimit int
	newID        func() string

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager returns a Manager that loads up to historyLimit messages when
// resuming (storage.DefaultHistoryLimit if not positive).
func NewManager(store Store, historyLimit int) *Manager {
	if historyLimit <= 0 {
		historyLimit = storage.DefaultHistoryLimit
	}
	return &Manager{
		store:        store,
		historyLimit: historyLimit,
		newID:        func() string { return uuid.New().String() },
		locks:        make(map[string]*sessionLock),
	}
}

// Resume continues the most recently active session, or starts a fresh one
// when none exists. A fresh session is not persisted until its first message.
func (m *Manager) Resume(ctx context.Context) (pipeline.ConversationState, error) {
	id, ok, err := m.store.MostRecentSession(ctx)
	if err != nil {
		return pipeline.ConversationState{}, fmt.Errorf("finding most recent session: %w", err)
	}
	if !ok {
		return m.New(), nil
	}
	return m.Load(ctx, id)
}

// Load returns the state of a known session id. An id with no stored
// messages yields empty history.
func (m *Manager) Load(ctx context.Context, id string) (pipeline.ConversationState, error) {
	msgs, err := m.store.LoadMessages(ctx, id, m.historyLimit)
	if err != nil {
		return pipeline.ConversationState{}, fmt.Errorf("loading session %s: %w", id, err)
	}
	return pipeline.ConversationState{SessionID: id, Messages: msgs}, nil
}

// New starts a conversation with a fresh id. Earlier sessions are left intact.
func (m *Manager) New() pipeline.ConversationState {
	return pipeline.ConversationState{SessionID: m.newID()}
}

// Clear deletes the session's stored history and keeps its id.
func (m *Manager) Clear(ctx context.Context, state pipeline.ConversationState) (pipeline.ConversationState, error) {
	if err := m.store.ClearSession(ctx, state.SessionID); err != nil {
		return state, fmt.Errorf("clearing session %s: %w", state.SessionID, err)
	}
	return pipeline.ConversationState{SessionID: state.SessionID}, nil
}

// Lock blocks until the caller holds the session's lock and returns the
// release func. Entries are dropped once nobody holds or waits on them.
func (m *Manager) Lock(id string) (unlock func()) {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sessionLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}
