package checkout

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionBusy     = errors.New("session has an attempt in flight")
)

// Store holds live sessions. Mutations run under a per-session guard so a
// blocking rail call never overlaps with a second attempt on the same session.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionSlot
}

type sessionSlot struct {
	session *Session
	busy    bool
}

func NewStore() *Store {
	return &Store{sessions: map[string]*sessionSlot{}}
}

func (st *Store) Put(session *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[session.ID] = &sessionSlot{session: session}
}

func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	slot, ok := st.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copyItem := *slot.session
	return &copyItem, nil
}

// Mutate runs fn against the live session under the store lock. Rail attempts
// must not run here; use Acquire/Release around blocking I/O instead.
func (st *Store) Mutate(id string, fn func(*Session) error) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	slot, ok := st.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	return fn(slot.session)
}

// Acquire marks the session busy for the duration of a blocking rail call.
// A second caller gets ErrSessionBusy instead of a duplicate charge.
func (st *Store) Acquire(id string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	slot, ok := st.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if slot.busy {
		return nil, ErrSessionBusy
	}
	slot.busy = true
	copyItem := *slot.session
	return &copyItem, nil
}

func (st *Store) Release(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if slot, ok := st.sessions[id]; ok {
		slot.busy = false
	}
}

func (st *Store) Delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// SweepTerminal discards sessions that reached a terminal state before the
// cutoff. Failed sessions inside the retention window stay retrievable so the
// shopper can still retry; orders live in the database, not here.
func (st *Store) SweepTerminal(cutoff time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for id, slot := range st.sessions {
		if slot.busy {
			continue
		}
		if slot.session.State.Terminal() && slot.session.UpdatedAt.Before(cutoff) {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}
