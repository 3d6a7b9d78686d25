package sessionstore

import (
	"context"
	"sync"
	"time"

	"github.com/voicetyped/intentflow/pkg/dialog"
)

type memoryEntry struct {
	snap      dialog.Snapshot
	expiresAt time.Time
}

// MemoryStore keeps sessions in process memory. Safe for concurrent use.
type MemoryStore struct {
	opts options

	mu   sync.RWMutex
	data map[string]memoryEntry
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts: newOptions(opts),
		data: make(map[string]memoryEntry),
	}
}

// Save stores a copy of snap.
func (s *MemoryStore) Save(_ context.Context, snap dialog.Snapshot) error {
	e := memoryEntry{snap: copySnapshot(snap)}
	if s.opts.ttl > 0 {
		e.expiresAt = s.opts.now().Add(s.opts.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[snap.ID] = e
	return nil
}

// Load returns a copy of the stored snapshot.
func (s *MemoryStore) Load(_ context.Context, id string) (*dialog.Snapshot, error) {
	s.mu.RLock()
	e, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.expired(e) {
		s.mu.Lock()
		delete(s.data, id)
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}

	snap := copySnapshot(e.snap)
	return &snap, nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

// DeleteExpired removes expired sessions and returns how many were removed.
func (s *MemoryStore) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.data {
		if s.expired(e) {
			delete(s.data, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored sessions, including expired ones not yet reaped.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MemoryStore) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && s.opts.now().After(e.expiresAt)
}

func copySnapshot(snap dialog.Snapshot) dialog.Snapshot {
	out := snap
	out.Variables = make(map[string]string, len(snap.Variables))
	for k, v := range snap.Variables {
		out.Variables[k] = v
	}
	out.History = append([]dialog.StateRecord(nil), snap.History...)
	return out
}
