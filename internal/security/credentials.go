// Package security provides credential management, log redaction, audit
// logging, rate limiting, input validation and tool server environment
// sanitization for the gateway.
package security

import (
	"maps"
	"slices"
	"sync"
)

// CredentialStore holds the secrets the gateway may pass to tool servers.
// Tool servers inherit a sanitized environment; the only secrets they see
// are the ones their declaration names, copied from this store. Safe for
// concurrent use.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]string
}

// NewCredentialStore returns an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]string)}
}

// Set stores or replaces a credential.
func (s *CredentialStore) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[name] = value
}

// LoadEnv copies the named environment variables into the store and
// returns the names that were unset or empty.
func (s *CredentialStore) LoadEnv(lookup func(string) (string, bool), names ...string) []string {
	var missing []string
	for _, name := range names {
		if v, ok := lookup(name); ok && v != "" {
			s.Set(name, v)
			continue
		}
		missing = append(missing, name)
	}
	return missing
}

// Names returns the stored credential names, sorted.
func (s *CredentialStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.creds))
}

// Values returns every non-empty credential value, in no particular order.
// Redactor and SanitizedEnv use it to recognize secrets on sight.
func (s *CredentialStore) Values() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make([]string, 0, len(s.creds))
	for _, v := range s.creds {
		if v != "" {
			values = append(values, v)
		}
	}
	return values
}

// EnvFor returns the named credentials as environment entries for one
// tool server. Names with no stored credential are omitted.
func (s *CredentialStore) EnvFor(names []string) map[string]string {
	if len(names) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	env := make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := s.creds[name]; ok {
			env[name] = v
		}
	}
	return env
}
