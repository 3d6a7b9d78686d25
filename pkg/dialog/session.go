package dialog

import (
	"maps"
	"sync"
	"time"
)

// DefaultMaxHistory is the maximum number of state records before eviction.
const DefaultMaxHistory = 1000

// StateRecord is one entry of a session's transition history.
type StateRecord struct {
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Trigger   string    `json:"trigger"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the persisted form of a Session.
type Snapshot struct {
	ID           string            `json:"id"`
	DialogName   string            `json:"dialog_name"`
	CurrentState string            `json:"current_state"`
	Variables    map[string]string `json:"variables,omitempty"`
	History      []StateRecord     `json:"history,omitempty"`
	LastIntent   string            `json:"last_intent,omitempty"`
	StartTime    time.Time         `json:"start_time"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (s Snapshot) clone() Snapshot {
	s.Variables = maps.Clone(s.Variables)
	if s.Variables == nil {
		s.Variables = make(map[string]string)
	}
	s.History = append([]StateRecord(nil), s.History...)
	return s
}

// Session is the mutable per-conversation record a Machine works on during
// a turn. It is safe for concurrent use.
type Session struct {
	mu         sync.RWMutex
	data       Snapshot
	maxHistory int
}

// NewSession starts a conversation in initialState.
func NewSession(id, dialogName, initialState string) *Session {
	return RestoreSession(Snapshot{
		ID:           id,
		DialogName:   dialogName,
		CurrentState: initialState,
		StartTime:    time.Now().UTC(),
	})
}

// RestoreSession rebuilds a session from its snapshot.
func RestoreSession(snap Snapshot) *Session {
	data := snap.clone()
	if data.StartTime.IsZero() {
		data.StartTime = time.Now().UTC()
	}
	return &Session{data: data, maxHistory: DefaultMaxHistory}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.data.ID
}

// DialogName returns the dialog the session runs.
func (s *Session) DialogName() string {
	return s.data.DialogName
}

// Snapshot returns a deep copy stamped with the current time.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.data.clone()
	out.UpdatedAt = time.Now().UTC()
	return out
}

// RecordTransition appends to the history and moves the session to state to.
// When the history is full the oldest tenth is evicted.
func (s *Session) RecordTransition(from, to, trigger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data.History) >= s.maxHistory {
		evict := max(s.maxHistory/10, 1)
		s.data.History = append(s.data.History[:0], s.data.History[evict:]...)
	}
	s.data.History = append(s.data.History, StateRecord{
		FromState: from,
		ToState:   to,
		Trigger:   trigger,
		Timestamp: time.Now().UTC(),
	})
	s.data.CurrentState = to
}

func (s *Session) SetVariable(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Variables[key] = value
}

func (s *Session) GetVariable(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Variables[key]
}

// GetCurrentState returns the current state name.
func (s *Session) GetCurrentState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.CurrentState
}

// SetCurrentState moves the session without recording history.
func (s *Session) SetCurrentState(st string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.CurrentState = st
}

// GetLastIntent returns the method name of the last dispatched intent.
func (s *Session) GetLastIntent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.LastIntent
}

func (s *Session) SetLastIntent(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastIntent = method
}

// CopyVariables returns a copy of all session variables.
func (s *Session) CopyVariables() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.data.Variables)
}

// CopyHistory returns a copy of the transition history.
func (s *Session) CopyHistory() []StateRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StateRecord(nil), s.data.History...)
}
