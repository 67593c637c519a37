package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"live-quiz-sync/internal/domain"
)

// LocalStore keeps the client identity in a YAML file so a restarted CLI can
// resume its session.
type LocalStore struct {
	path string
	mu   sync.Mutex
}

func NewLocalStore(path string) *LocalStore {
	return &LocalStore{path: path}
}

type identityFile struct {
	SessionCode string              `yaml:"sessionCode"`
	Participant *domain.Participant `yaml:"participant,omitempty"`
	Host        *domain.Host        `yaml:"host,omitempty"`
}

func (s *LocalStore) Load(context.Context) (domain.LocalIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.LocalIdentity{}, nil
	}
	if err != nil {
		return domain.LocalIdentity{}, err
	}
	var f identityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return domain.LocalIdentity{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return domain.LocalIdentity{SessionCode: f.SessionCode, Participant: f.Participant, Host: f.Host}, nil
}

// Save replaces the file atomically.
func (s *LocalStore) Save(_ context.Context, identity domain.LocalIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(identityFile{
		SessionCode: identity.SessionCode,
		Participant: identity.Participant,
		Host:        identity.Host,
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *LocalStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
