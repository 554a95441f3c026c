// Package webhook delivers job transition notifications to registered
// endpoints. The dispatcher hangs off the job store's notifier hook and
// signs every delivery with HMAC-SHA256 so receivers can authenticate the
// sender.
package webhook

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRegistrationNotFound is returned when a webhook registration does not
// exist.
var ErrRegistrationNotFound = errors.New("webhook: registration not found")

// Registration is an owner's subscription to job transition events.
type Registration struct {
	ID        string
	OwnerID   string
	URL       string
	Secret    string
	Enabled   bool
	CreatedAt time.Time
}

// NewRegistration creates an enabled registration for an owner endpoint.
func NewRegistration(ownerID, url, secret string) *Registration {
	return &Registration{
		ID:        "wh-" + uuid.NewString(),
		OwnerID:   ownerID,
		URL:       url,
		Secret:    secret,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns an independent copy.
func (r *Registration) Clone() *Registration {
	c := *r
	return &c
}

// Store persists webhook registrations.
type Store interface {
	// CreateRegistration persists a new registration.
	CreateRegistration(ctx context.Context, r *Registration) error
	// GetRegistration fetches one registration by ID.
	GetRegistration(ctx context.Context, id string) (*Registration, error)
	// ListByOwner returns every registration for an owner.
	ListByOwner(ctx context.Context, ownerID string) ([]*Registration, error)
	// DeleteRegistration removes a registration.
	DeleteRegistration(ctx context.Context, id string) error
	// SetEnabled toggles delivery without losing the registration.
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory registration store.
type MemoryStore struct {
	mu   sync.RWMutex
	regs map[string]*Registration
}

// NewMemoryStore creates an empty registration store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{regs: make(map[string]*Registration)}
}

func (s *MemoryStore) CreateRegistration(_ context.Context, r *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) GetRegistration(_ context.Context, id string) (*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regs[id]
	if !ok {
		return nil, ErrRegistrationNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Registration
	for _, r := range s.regs {
		if r.OwnerID == ownerID {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteRegistration(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[id]; !ok {
		return ErrRegistrationNotFound
	}
	delete(s.regs, id)
	return nil
}

func (s *MemoryStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[id]
	if !ok {
		return ErrRegistrationNotFound
	}
	r.Enabled = enabled
	return nil
}
