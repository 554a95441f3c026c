package upload

import (
	"context"
	"sync"
	"time"
)

// MemorySessionStore is an in-memory SessionStore guarded by a mutex.
// Snapshots returned to callers are clones; internal state never escapes.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemorySessionStore creates an empty MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*Session),
	}
}

func (s *MemorySessionStore) CreateSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.UploadID] = sess.Clone()
	return nil
}

func (s *MemorySessionStore) GetSession(_ context.Context, uploadID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[uploadID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *MemorySessionStore) RecordChunk(_ context.Context, uploadID string, index int, sum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[uploadID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.State != SessionOpen {
		return ErrSessionClosed
	}
	if prev, ok := sess.Received[index]; ok && prev != sum {
		return ErrChunkConflict
	}
	sess.Received[index] = sum
	return nil
}

func (s *MemorySessionStore) BeginFinalize(_ context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[uploadID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.State != SessionOpen {
		return ErrSessionClosed
	}
	if sess.Finalizing {
		return ErrFinalizeInFlight
	}
	sess.Finalizing = true
	return nil
}

func (s *MemorySessionStore) CompleteFinalize(_ context.Context, uploadID, storageKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[uploadID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Finalizing = false
	sess.StorageKey = storageKey
	sess.State = SessionComplete
	return nil
}

func (s *MemorySessionStore) AbortFinalize(_ context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[uploadID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Finalizing = false
	return nil
}

func (s *MemorySessionStore) SetState(_ context.Context, uploadID string, state SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[uploadID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.State = state
	return nil
}

func (s *MemorySessionStore) ListExpired(_ context.Context, now time.Time) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Session
	for _, sess := range s.sessions {
		if sess.State == SessionOpen && sess.ExpiresAt.Before(now) {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

func (s *MemorySessionStore) HeldKeys(_ context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make(map[string]struct{})
	for _, sess := range s.sessions {
		if sess.StorageKey != "" {
			keys[sess.StorageKey] = struct{}{}
		}
	}
	return keys, nil
}
