package session

import (
	"fmt"
	"sync"

	"github.com/matheus3301/chatsync/internal/model"
)

// Store persists the signed-in user.
type Store interface {
	LoadSession() (*model.Session, error)
	SaveSession(s *model.Session) error
	ClearSession() error
}

// Holder is the process-wide view of the signed-in user. Readers get
// copies; writes go to the store first.
type Holder struct {
	store Store

	mu  sync.RWMutex
	cur *model.Session
}

// NewHolder loads the persisted session, if any.
func NewHolder(st Store) (*Holder, error) {
	cur, err := st.LoadSession()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &Holder{store: st, cur: cur}, nil
}

// Get returns a copy of the session, nil when signed out.
func (h *Holder) Get() *model.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cur == nil {
		return nil
	}
	return &model.Session{User: *h.cur.User.Clone()}
}

// Token returns the auth token, empty when signed out.
func (h *Holder) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur.Token()
}

// Authenticated reports whether a token is held.
func (h *Holder) Authenticated() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur.Authenticated()
}

// Set replaces the session with user and persists it. A user without a
// token keeps the current one, since profile updates come back without it.
func (h *Holder) Set(user model.Contact) (*model.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if user.Token == "" {
		user.Token = h.cur.Token()
	}
	user.Chat = nil
	next := &model.Session{User: user}
	if err := h.store.SaveSession(next); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	h.cur = next
	return &model.Session{User: *user.Clone()}, nil
}

// Clear signs out and removes the persisted session.
func (h *Holder) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.store.ClearSession(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	h.cur = nil
	return nil
}
