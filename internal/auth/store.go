package auth

import "sync"

// Store is the in-memory credential holder exchanged with the host. The
// host decides where the blob lives between restarts; this type only
// defines the exchange shape.
type Store struct {
	mu   sync.RWMutex
	cred *Credential
}

// NewStore creates an empty credential store.
func NewStore() *Store {
	return &Store{}
}

// Get returns the stored credential, if any.
func (s *Store) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return Credential{}, false
	}
	return *s.cred, true
}

// Set replaces the stored credential atomically.
func (s *Store) Set(cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cred
	s.cred = &c
}

// Clear drops the stored credential.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
}
