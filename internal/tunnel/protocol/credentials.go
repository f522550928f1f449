package protocol

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// CredentialStore is a static, config backed CredentialValidator.
type CredentialStore struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewCredentialStore parses ids into their canonical lowercase form.
func NewCredentialStore(ids []string) (*CredentialStore, error) {
	s := &CredentialStore{}
	if err := s.Replace(ids); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace swaps the whole credential set atomically.
func (s *CredentialStore) Replace(ids []string) error {
	next := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		uid, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid credential %q: %w", raw, err)
		}
		next[uid.String()] = struct{}{}
	}

	s.mu.Lock()
	s.ids = next
	s.mu.Unlock()
	return nil
}

func (s *CredentialStore) IsValidCredential(canonical string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[canonical]
	return ok
}

// Len returns the number of configured credentials.
func (s *CredentialStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
