package memory

import (
	"context"
	"sync"

	"live-quiz-sync/internal/domain"
)

// LocalStore keeps the client identity in process memory.
type LocalStore struct {
	mu       sync.Mutex
	identity domain.LocalIdentity
}

func NewLocalStore() *LocalStore {
	return &LocalStore{}
}

func (s *LocalStore) Load(context.Context) (domain.LocalIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, nil
}

func (s *LocalStore) Save(_ context.Context, identity domain.LocalIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	return nil
}

func (s *LocalStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = domain.LocalIdentity{}
	return nil
}
