// Package session holds in-memory conversation state: one Session per
// connected user or ingested platform identity, each with a bounded history.
package session

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxHistory is the number of turns kept per session.
const DefaultMaxHistory = 50

// Roles used in history turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single conversation message.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Persona configures how the digital human speaks.
type Persona struct {
	Name        string `json:"name"`
	Personality string `json:"personality"`
	Voice       string `json:"voice,omitempty"`
	Language    string `json:"language,omitempty"`
}

// DefaultPersona is used when no persona is configured.
func DefaultPersona() Persona {
	return Persona{
		Name: "Maya",
		Personality: "I am a helpful and friendly digital assistant with a warm personality. " +
			"I enjoy helping users with their questions and providing engaging conversation.",
		Voice:    "default",
		Language: "en",
	}
}

// Session holds a conversation's history. History is only appended to;
// once MaxHistory is reached the oldest turn is evicted.
type Session struct {
	ID         string
	UserID     string
	Source     string
	CreatedAt  time.Time
	Persona    Persona
	MaxHistory int

	mu         sync.Mutex
	history    []Turn
	lastActive time.Time
	connected  bool
}

// New creates a session.
func New(id, userID string, persona Persona, maxHistory int) *Session {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	now := time.Now()
	return &Session{
		ID:         id,
		UserID:     userID,
		CreatedAt:  now,
		Persona:    persona,
		MaxHistory: maxHistory,
		lastActive: now,
		connected:  true,
	}
}

// AddTurn appends a turn, evicting the oldest when full.
func (s *Session) AddTurn(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if len(s.history) >= s.MaxHistory {
		drop := len(s.history) - s.MaxHistory + 1
		s.history = append(s.history[:0], s.history[drop:]...)
	}
	s.history = append(s.history, Turn{Role: role, Content: content, At: now})
	s.lastActive = now
}

// History returns a copy of the turns, oldest first.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.history...)
}

// Len returns the number of turns held.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Touch marks the session active now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the time of the last turn or Touch.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// SetConnected records whether a live user is attached.
func (s *Session) SetConnected(c bool) {
	s.mu.Lock()
	s.connected = c
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Connected reports whether a live user is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Info is a read-only view of a session for status output.
type Info struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Source     string    `json:"source,omitempty"`
	Turns      int       `json:"turns"`
	Connected  bool      `json:"connected"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.ID,
		UserID:     s.UserID,
		Source:     s.Source,
		Turns:      len(s.history),
		Connected:  s.connected,
		CreatedAt:  s.CreatedAt,
		LastActive: s.lastActive,
	}
}

// Store is the in-memory session table.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Get returns a session by ID.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// GetOrCreate returns the session for id, creating it with mk if absent.
// The bool is true when a new session was created.
func (st *Store) GetOrCreate(id string, mk func() *Session) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[id]; ok {
		return s, false
	}
	s := mk()
	st.sessions[id] = s
	return s, true
}

// Remove deletes a session. Returns false if it was absent.
func (st *Store) Remove(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return false
	}
	delete(st.sessions, id)
	return true
}

// Len returns the number of sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// List returns session snapshots ordered by creation time.
func (st *Store) List() []Info {
	st.mu.RLock()
	out := make([]Info, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s.Info())
	}
	st.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Idle returns IDs of disconnected sessions inactive since before cutoff.
func (st *Store) Idle(cutoff time.Time) []string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	var ids []string
	for id, s := range st.sessions {
		if !s.Connected() && s.LastActive().Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
