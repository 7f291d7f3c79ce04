package session

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTooManySessions is returned when the store is at capacity.
var ErrTooManySessions = errors.New("session limit reached")

// Store is a concurrency-safe, in-memory session registry keyed by the
// caller-supplied session id. The now function is injectable for
// deterministic tests.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// maxSessions limits concurrent sessions. Zero means unlimited.
	maxSessions int

	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// SetMaxSessions configures the session limit. Zero means unlimited.
func (s *Store) SetMaxSessions(limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSessions = limit
}

// NewID returns a fresh random session id for callers that do not carry one.
func NewID() string {
	return uuid.NewString()
}

// GetOrCreate returns the session for id, creating it when absent. The
// bool is true when a new session was created. An empty id is replaced
// by a generated one.
func (s *Store) GetOrCreate(id string) (*Session, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = NewID()
	}
	now := s.now()

	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		sess.touch(now)
		return sess, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check: another caller may have created it between the locks.
	if sess, ok := s.sessions[id]; ok {
		sess.touch(now)
		return sess, false, nil
	}
	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		return nil, false, ErrTooManySessions
	}
	sess = newSession(id, now)
	s.sessions[id] = sess
	return sess, true, nil
}

// Get returns the session for id, or nil.
func (s *Store) Get(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// Delete removes the session. It is a no-op for unknown ids.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Prune removes sessions idle longer than maxIdle and returns how many
// were removed.
func (s *Store) Prune(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	pruned := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.idleSince()) > maxIdle {
			delete(s.sessions, id)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// List returns snapshots of all sessions ordered by id.
func (s *Store) List() []Info {
	s.mu.RLock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	infos := make([]Info, 0, len(all))
	for _, sess := range all {
		infos = append(infos, sess.Snapshot())
	}
	slices.SortFunc(infos, func(a, b Info) int { return strings.Compare(a.ID, b.ID) })
	return infos
}
